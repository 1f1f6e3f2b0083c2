package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/guidance-notifier/internal/api"
	"github.com/ignite/guidance-notifier/internal/config"
	"github.com/ignite/guidance-notifier/internal/delivery"
	"github.com/ignite/guidance-notifier/internal/pkg/logger"
	"github.com/ignite/guidance-notifier/internal/queue"
	"github.com/ignite/guidance-notifier/internal/repository/postgres"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	db, err := openDB(cfg.Database)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	redisClient := openRedis(cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	svc := buildService(cfg, db, redisClient)

	messages := postgres.NewMessageRepo(db)
	approvals := postgres.NewApprovalRepo(db)
	segments := postgres.NewSegmentRepo(db)
	handlers := api.NewHandlers(svc, messages, approvals, segments, db)
	server := api.NewServer(cfg.Server, handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.Info("API server listening", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil {
			log.Printf("[Server] %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	logger.Info("connected to database")
	return db, nil
}

func openRedis(cfg config.RedisConfig) *redis.Client {
	if cfg.URL == "" {
		logger.Warn("no Redis URL configured; send throttle disabled, locks fall back to Postgres")
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup; continuing without it", "error", err.Error())
	}
	return client
}

// buildService wires the publication service shared by the API and the
// worker binary.
func buildService(cfg *config.Config, db *sql.DB, redisClient *redis.Client) *publication.Service {
	repo := postgres.NewPublicationRepo(db)
	events := postgres.NewEventRepo(db)
	messages := postgres.NewMessageRepo(db)
	approvals := postgres.NewApprovalRepo(db)
	segments := postgres.NewSegmentRepo(db)
	audit := postgres.NewAuditRepo(db)
	jobs := queue.NewStore(db)

	var transport delivery.Transport
	if cfg.SES.AccessKey != "" {
		t, err := delivery.NewSESTransport(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			log.Fatalf("ses transport: %v", err)
		}
		transport = t
		logger.Info("SES transport configured", "region", cfg.SES.Region)
	} else {
		transport = delivery.NewLoopbackTransport()
		logger.Warn("no SES credentials; using loopback transport (messages logged, not sent)")
	}

	mux := delivery.NewMux(transport)
	if cfg.Webhook.URL != "" {
		mux.Register("webhook", delivery.NewWebhookTransport(cfg.Webhook.URL, cfg.Webhook.AuthToken, cfg.Webhook.MaxRetries))
		logger.Info("webhook transport configured", "endpoint", cfg.Webhook.URL)
	}

	var throttle *delivery.Throttle
	if redisClient != nil && cfg.Publication.RateLimitPerHour > 0 {
		throttle = delivery.NewThrottle(redisClient, cfg.Publication.RateLimitPerHour, cfg.Publication.RateWindow())
	}

	executor := delivery.NewExecutor(
		mux,
		delivery.NewRenderer(),
		delivery.NewHasher(cfg.Publication.RecipientHashSecret),
		throttle,
		cfg.Worker.FanOut,
	)

	return publication.NewService(cfg.Publication, repo, events, messages, approvals, repo, segments, audit, jobs, executor)
}
