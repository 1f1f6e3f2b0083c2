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

	"github.com/ignite/guidance-notifier/internal/config"
	"github.com/ignite/guidance-notifier/internal/delivery"
	"github.com/ignite/guidance-notifier/internal/pkg/logger"
	"github.com/ignite/guidance-notifier/internal/queue"
	"github.com/ignite/guidance-notifier/internal/repository/postgres"
	"github.com/ignite/guidance-notifier/internal/service/publication"
	"github.com/ignite/guidance-notifier/internal/worker"
)

func main() {
	log.Println("Starting guidance pipeline worker...")

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

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("ping database: %v", err)
	}
	cancel()
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	} else {
		logger.Warn("no Redis URL configured; locks fall back to Postgres advisory locks")
	}

	jobs := queue.NewStore(db)
	svc := buildService(cfg, db, redisClient, jobs)

	pool := worker.NewPool(
		db,
		redisClient,
		jobs,
		svc,
		cfg.Worker.NumWorkers,
		time.Duration(cfg.Worker.PollIntervalSeconds)*time.Second,
		cfg.Worker.MaxJobAttempts,
	)
	pool.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	pool.Stop()
	log.Println("Worker stopped")
}

func buildService(cfg *config.Config, db *sql.DB, redisClient *redis.Client, jobs *queue.Store) *publication.Service {
	repo := postgres.NewPublicationRepo(db)
	events := postgres.NewEventRepo(db)
	messages := postgres.NewMessageRepo(db)
	approvals := postgres.NewApprovalRepo(db)
	segments := postgres.NewSegmentRepo(db)
	audit := postgres.NewAuditRepo(db)

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
		logger.Info("send throttle enabled",
			"ceiling", fmt.Sprintf("%d", cfg.Publication.RateLimitPerHour),
			"window", cfg.Publication.RateWindow().String())
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
