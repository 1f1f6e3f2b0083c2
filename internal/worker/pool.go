package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/guidance-notifier/internal/pkg/distlock"
	"github.com/ignite/guidance-notifier/internal/queue"
	"github.com/ignite/guidance-notifier/internal/service/publication"
)

// Pipeline is the part of the publication service the worker drives.
type Pipeline interface {
	Process(ctx context.Context, publicationID string, attempt int) error
	Finalize(ctx context.Context, publicationID string) error
}

// JobSource is the queue surface the worker consumes.
type JobSource interface {
	Claim(ctx context.Context, workerID string, limit int) ([]queue.Job, error)
	Complete(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID, lastError string, attempt int) error
	Park(ctx context.Context, jobID, lastError string) error
}

// Pool claims pipeline jobs and runs them through the publication
// service. Work on a single publication is serialized with a
// per-publication distributed lock, so two workers never run the same
// publication's batch concurrently.
type Pool struct {
	db          *sql.DB
	redisClient *redis.Client
	jobs        JobSource
	pipeline    Pipeline

	workerID     string
	numWorkers   int
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int

	// Stats
	totalProcessed int64
	totalRetried   int64
	totalParked    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewPool creates a pipeline worker pool. redisClient may be nil; the
// per-publication lock then falls back to Postgres advisory locks.
func NewPool(db *sql.DB, redisClient *redis.Client, jobs JobSource, pipeline Pipeline, numWorkers int, pollInterval time.Duration, maxAttempts int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 2
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = queue.MaxAttempts
	}
	return &Pool{
		db:           db,
		redisClient:  redisClient,
		jobs:         jobs,
		pipeline:     pipeline,
		workerID:     uuid.New().String(),
		numWorkers:   numWorkers,
		batchSize:    5,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Start launches the worker goroutines and the heartbeat loop.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[Worker] Starting %d workers (poll=%s, max_attempts=%d)", p.numWorkers, p.pollInterval, p.maxAttempts)

	p.registerWorker()
	go p.heartbeatLoop()

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the pool and deregisters the worker.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("[Worker] Stopping workers...")
	p.wg.Wait()
	p.deregisterWorker()

	log.Printf("[Worker] Stopped. processed=%d retried=%d parked=%d",
		atomic.LoadInt64(&p.totalProcessed), atomic.LoadInt64(&p.totalRetried), atomic.LoadInt64(&p.totalParked))
}

// Stats returns current counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_processed": atomic.LoadInt64(&p.totalProcessed),
		"total_retried":   atomic.LoadInt64(&p.totalRetried),
		"total_parked":    atomic.LoadInt64(&p.totalParked),
	}
}

func (p *Pool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			jobs, err := p.jobs.Claim(p.ctx, p.workerID, p.batchSize)
			if err != nil {
				if p.ctx.Err() == nil {
					log.Printf("[Worker] %d: claim error: %v", workerNum, err)
				}
				time.Sleep(time.Second)
				continue
			}
			if len(jobs) == 0 {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.pollInterval):
				}
				continue
			}
			for _, job := range jobs {
				p.runJob(workerNum, job)
			}
		}
	}
}

// runJob executes one claimed job under the publication's lock and
// settles it: complete, retry with backoff, or park after the ceiling.
func (p *Pool) runJob(workerNum int, job queue.Job) {
	ctx := p.ctx

	lock := distlock.NewLock(p.redisClient, p.db, "guidance:publication:"+job.PublicationID, 2*time.Minute)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Worker] %d: lock error for %s: %v", workerNum, job.PublicationID, err)
	}
	if !acquired {
		// Another worker holds this publication; hand the job back
		// without consuming a retry attempt.
		if err := p.jobs.Retry(ctx, job.ID, "publication locked by another worker", job.Attempts); err != nil {
			log.Printf("[Worker] %d: requeue locked job %s: %v", workerNum, job.ID, err)
		}
		return
	}
	defer lock.Release(ctx)

	attempt := job.Attempts + 1
	var runErr error
	switch job.Kind {
	case queue.JobProcess:
		runErr = p.pipeline.Process(ctx, job.PublicationID, attempt)
	case queue.JobFinalize:
		runErr = p.pipeline.Finalize(ctx, job.PublicationID)
	default:
		log.Printf("[Worker] %d: unknown job kind %q, parking %s", workerNum, job.Kind, job.ID)
		p.settle(ctx, job, attempt, "unknown job kind", true)
		return
	}

	if runErr == nil {
		atomic.AddInt64(&p.totalProcessed, 1)
		if err := p.jobs.Complete(ctx, job.ID); err != nil {
			log.Printf("[Worker] %d: complete job %s: %v", workerNum, job.ID, err)
		}
		return
	}

	if publication.IsUnsafe(runErr) {
		// Expected outcome, not a malfunction: the gates said no this
		// time. Retry on the backoff schedule; past the ceiling the
		// publication keeps its diagnostics and waits for an operator.
		log.Printf("[Worker] %d: publication %s unsafe (attempt %d/%d): %v",
			workerNum, job.PublicationID, attempt, p.maxAttempts, runErr)
	} else {
		log.Printf("[Worker] %d: job %s failed (attempt %d/%d): %v",
			workerNum, job.ID, attempt, p.maxAttempts, runErr)
	}
	p.settle(ctx, job, attempt, runErr.Error(), attempt >= p.maxAttempts)
}

func (p *Pool) settle(ctx context.Context, job queue.Job, attempt int, lastError string, park bool) {
	if park {
		atomic.AddInt64(&p.totalParked, 1)
		if err := p.jobs.Park(ctx, job.ID, lastError); err != nil {
			log.Printf("[Worker] park job %s: %v", job.ID, err)
		}
		return
	}
	atomic.AddInt64(&p.totalRetried, 1)
	if err := p.jobs.Retry(ctx, job.ID, lastError, attempt); err != nil {
		log.Printf("[Worker] retry job %s: %v", job.ID, err)
	}
}

func (p *Pool) registerWorker() {
	if p.db == nil {
		return
	}
	p.db.Exec(`
		INSERT INTO pipeline_workers (id, hostname, status, num_workers, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'running', $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = NOW(),
			last_heartbeat_at = NOW()
	`, p.workerID, getHostname(), p.numWorkers)
}

func (p *Pool) deregisterWorker() {
	if p.db == nil {
		return
	}
	p.db.Exec(`UPDATE pipeline_workers SET status = 'stopped' WHERE id = $1`, p.workerID)
}

func (p *Pool) heartbeatLoop() {
	if p.db == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			statsJSON, _ := json.Marshal(stats)
			p.db.Exec(`
				UPDATE pipeline_workers
				SET last_heartbeat_at = NOW(), total_processed = $2, metadata = $3
				WHERE id = $1
			`, p.workerID, stats["total_processed"], string(statsJSON))
		}
	}
}

func getHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
