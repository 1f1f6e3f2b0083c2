package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/guidance-notifier/internal/domain"
)

// Default Liquid templates for guidance notifications. The template
// contract is fixed: title, summary, body, and a recipient-specific
// unsubscribe_url are mandatory bindings, and rendering refuses to
// proceed without them.
const (
	defaultSubjectTemplate = `{{ platform | default: "Policy" }} update: {{ title }}`

	defaultHTMLTemplate = `<html>
<body>
<h1>{{ title }}</h1>
<p><em>{{ summary }}</em></p>
<div>{{ body }}</div>
<hr>
<p style="font-size:12px;color:#777;">
You are receiving this because you subscribed to {{ platform | default: "policy" }} change notifications.
<a href="{{ unsubscribe_url }}">Unsubscribe</a>
</p>
</body>
</html>`

	defaultTextTemplate = `{{ title }}

{{ summary }}

{{ body }}

--
Unsubscribe: {{ unsubscribe_url }}`
)

// RenderedMessage is the per-recipient output of the renderer, ready for
// a transport attempt.
type RenderedMessage struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer renders guidance messages through Liquid with parsed-template
// caching. Safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template source -> *liquid.Template
}

// NewRenderer creates a renderer with the default filter set.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// Default value filter: {{ platform | default: "Policy" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Render produces the subject and body for one recipient. unsubscribeURL
// must already be recipient-specific; the raw recipient address is not a
// template binding on purpose.
func (r *Renderer) Render(msg *domain.GuidanceMessage, unsubscribeURL string) (*RenderedMessage, error) {
	if msg.Title == "" {
		return nil, fmt.Errorf("render: message title is required")
	}
	if strings.TrimSpace(msg.BodyMarkdown) == "" {
		return nil, fmt.Errorf("render: message body is required")
	}
	if unsubscribeURL == "" {
		return nil, fmt.Errorf("render: unsubscribe reference is required")
	}

	bindings := map[string]interface{}{
		"title":           msg.Title,
		"summary":         msg.Summary,
		"body":            msg.BodyMarkdown,
		"platform":        msg.PlatformName,
		"unsubscribe_url": unsubscribeURL,
	}

	subject, err := r.render(defaultSubjectTemplate, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	html, err := r.render(defaultHTMLTemplate, bindings)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	text, err := r.render(defaultTextTemplate, bindings)
	if err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}

	return &RenderedMessage{Subject: subject, HTML: html, Text: text}, nil
}

func (r *Renderer) render(source string, bindings map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(source)
		if err != nil {
			return "", err
		}
		r.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.Render(liquid.Bindings(bindings))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
