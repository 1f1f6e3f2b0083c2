package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/guidance-notifier/internal/pkg/logger"
)

// SESTransport delivers guidance notifications via AWS SES (SDK v2).
type SESTransport struct {
	client *sesv2.Client
}

// NewSESTransport creates an SES transport. Returns an error when the
// SDK config cannot be built; missing credentials are a startup failure,
// never a per-send one.
func NewSESTransport(accessKey, secretKey, region string) (*SESTransport, error) {
	if region == "" {
		region = "us-east-1"
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("ses transport: credentials are required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("ses transport: load aws config: %w", err)
	}

	return &SESTransport{client: sesv2.NewFromConfig(cfg)}, nil
}

// Send delivers a single message through SES. A rejected send is
// reported in the outcome so the executor can record it and continue
// with the rest of the batch.
func (t *SESTransport) Send(ctx context.Context, msg *OutboundMessage) (*SendOutcome, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromAddress)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("publication_id"), Value: aws.String(msg.PublicationID)},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] send to %s failed: %v", logger.RedactEmail(msg.Recipient), err)
		return &SendOutcome{Accepted: false, Reason: err.Error()}, nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	return &SendOutcome{Accepted: true, MessageID: messageID, SentAt: time.Now()}, nil
}
