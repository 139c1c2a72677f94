package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x3639/telegram-scraper/pkg/logger"
	"github.com/0x3639/telegram-scraper/pkg/retry"
	"github.com/0x3639/telegram-scraper/pkg/store"
)

// Job represents one pending or in-flight attachment download
type Job struct {
	Channel   string
	MessageID int64
	Kind      string
	Locator   string
	// Name is the destination file name within the channel's media folder
	Name     string
	Attempts int
	LastErr  error
}

// Downloader fetches attachment bytes by locator
type Downloader interface {
	DownloadAttachment(ctx context.Context, locator string) ([]byte, error)
}

// BlobStore persists downloaded attachment bytes
type BlobStore interface {
	IsStored(channel, name string) bool
	Save(channel, name string, r io.Reader) (string, error)
}

// StatusReporter records a job's terminal status on its owning message row
type StatusReporter interface {
	SetAttachmentStatus(ctx context.Context, channel string, messageID int64, status store.AttachmentStatus, path, lastErr string) error
}

// Config holds pool configuration
type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     retry.BackoffStrategy
}

// DefaultConfig returns pool configuration defaults
func DefaultConfig() Config {
	return Config{
		Workers:     3,
		MaxAttempts: 5,
		Backoff:     retry.DefaultExponentialBackoff(),
	}
}

// Pool downloads attachments with a fixed worker budget. Submissions beyond
// the queue bound block the submitter rather than growing an in-memory
// queue. Each job is retried with exponential backoff on transient failures
// and marked failed immediately on permanent ones; terminal status is
// reported back to the message store independently of batch commits.
type Pool struct {
	cfg        Config
	jobs       chan Job
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	downloader Downloader
	blobs      BlobStore
	reporter   StatusReporter
	// mu orders Submit's send against Drain's close of the jobs channel:
	// senders hold the read side, Drain closes under the write side.
	mu        sync.RWMutex
	draining  atomic.Bool
	pending   atomic.Int64
	failed    atomic.Int64
	succeeded atomic.Int64
	logger    logger.Logger
}

// NewPool creates a download pool. The pool is single-use: Start it, Submit
// jobs, then Drain it.
func NewPool(cfg Config, downloader Downloader, blobs BlobStore, reporter StatusReporter, log logger.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultExponentialBackoff()
	}
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		cfg:        cfg,
		jobs:       make(chan Job, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
		downloader: downloader,
		blobs:      blobs,
		reporter:   reporter,
		logger:     log,
	}
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	p.logger.InfoWithFields("starting download pool", map[string]interface{}{
		"workers": p.cfg.Workers,
	})

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit enqueues a download job, blocking when all workers are busy and the
// queue is full (backpressure), until the job is accepted or ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.draining.Load() {
		return fmt.Errorf("download pool is shutting down")
	}
	select {
	case p.jobs <- job:
		p.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("download pool is shutting down")
	}
}

// Pending returns the number of submitted jobs without a terminal status yet
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

// Stats returns counts of jobs resolved so far
func (p *Pool) Stats() (succeeded, failed int64) {
	return p.succeeded.Load(), p.failed.Load()
}

// Drain stops accepting jobs and waits for outstanding ones up to grace.
// Jobs still in flight after the grace period are cancelled at their next
// retry boundary; no mid-write cancellation occurs.
func (p *Pool) Drain(grace time.Duration) {
	if !p.draining.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.WarnWithFields("drain grace period expired, cancelling in-flight downloads", map[string]interface{}{
			"pending": p.Pending(),
		})
		p.cancel()
		<-done
	}

	p.cancel()
	p.logger.InfoWithFields("download pool drained", map[string]interface{}{
		"succeeded": p.succeeded.Load(),
		"failed":    p.failed.Load(),
	})
}

// worker is the main worker routine
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-p.ctx.Done():
			// Queued jobs dropped at shutdown keep their pending status
			// and are requeued by the next run.
			p.pending.Add(-1)
			continue
		default:
		}

		p.processJob(&job, id)
		p.pending.Add(-1)
	}
}

// processJob downloads one attachment and reports its terminal status
func (p *Pool) processJob(job *Job, workerID int) {
	start := time.Now()

	log := p.logger.WithFields(map[string]interface{}{
		"worker_id":  workerID,
		"channel":    job.Channel,
		"message_id": job.MessageID,
	})

	if p.blobs.IsStored(job.Channel, job.Name) {
		log.Debug("attachment already downloaded")
		p.report(job, store.StatusSucceeded, mediaPath(job), nil)
		return
	}

	var data []byte
	err := retry.Do(func() error {
		var dlErr error
		data, dlErr = p.downloader.DownloadAttachment(p.ctx, job.Locator)
		return dlErr
	}, &retry.Config{
		MaxAttempts: p.cfg.MaxAttempts,
		Backoff:     p.cfg.Backoff,
		RetryIf:     retry.DefaultRetryIf,
		Context:     p.ctx,
		Logger:      p.logger,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			job.Attempts = attempt
			job.LastErr = err
		},
	})
	if err != nil {
		if p.ctx.Err() != nil {
			// Shutdown interrupted the download before a verdict; the row
			// stays pending and the next run requeues it.
			log.Warn("attachment download cancelled, left pending")
			return
		}
		job.LastErr = err
		log.WithError(err).Error("attachment download failed permanently")
		p.failed.Add(1)
		p.report(job, store.StatusFailed, "", err)
		return
	}

	path, err := p.blobs.Save(job.Channel, job.Name, bytes.NewReader(data))
	if err != nil {
		job.LastErr = err
		log.WithError(err).Error("failed to save attachment")
		p.failed.Add(1)
		p.report(job, store.StatusFailed, "", err)
		return
	}

	p.succeeded.Add(1)
	p.report(job, store.StatusSucceeded, path, nil)

	log.DebugWithFields("attachment downloaded", map[string]interface{}{
		"size":     len(data),
		"duration": time.Since(start),
	})
}

// report writes the terminal status; a status update failure is logged but
// never propagates into the ingestion of unrelated messages
func (p *Pool) report(job *Job, status store.AttachmentStatus, path string, jobErr error) {
	lastErr := ""
	if jobErr != nil {
		lastErr = jobErr.Error()
	}

	// Status updates use a background context: a drained run still records
	// outcomes of downloads that completed during the grace period.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.reporter.SetAttachmentStatus(ctx, job.Channel, job.MessageID, status, path, lastErr); err != nil {
		p.logger.ErrorWithFields("failed to record attachment status", map[string]interface{}{
			"channel":    job.Channel,
			"message_id": job.MessageID,
			"status":     string(status),
			"error":      err.Error(),
		})
	}
}

func mediaPath(job *Job) string {
	return "media/" + job.Channel + "/" + job.Name
}
