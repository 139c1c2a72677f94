package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/0x3639/telegram-scraper/internal/fetcher"
	"github.com/0x3639/telegram-scraper/pkg/checkpoint"
	"github.com/0x3639/telegram-scraper/pkg/config"
	errs "github.com/0x3639/telegram-scraper/pkg/errors"
	"github.com/0x3639/telegram-scraper/pkg/logger"
	"github.com/0x3639/telegram-scraper/pkg/ratelimit"
	"github.com/0x3639/telegram-scraper/pkg/retry"
	"github.com/0x3639/telegram-scraper/pkg/store"
	"github.com/0x3639/telegram-scraper/pkg/telegram"
)

// State is the ingestion loop's current phase
type State int32

const (
	StateIdle State = iota
	StateResuming
	StateStreaming
	StatePaused
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResuming:
		return "resuming"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Source provides paginated channel history. A fetch returns the page of
// messages strictly after cursor; rate-limit conditions surface as
// errors.ErrorTypeRateLimit carrying an optional retry-after duration.
type Source interface {
	FetchPage(ctx context.Context, channel string, cursor int64) (telegram.Page, error)
}

// LatestCursorer is an optional Source capability: the live-edge cursor of a
// channel, used to start tail-mode ingestion of a channel that has no
// checkpoint without backfilling its history.
type LatestCursorer interface {
	LatestCursor(ctx context.Context, channel string) (int64, error)
}

// Runner drives the ingestion state machine for channels. One Runner runs
// one channel at a time; the current batch is owned by the running loop and
// never shared.
type Runner struct {
	source     Source
	downloader fetcher.Downloader
	store      *store.Store
	media      *store.MediaStore
	cfg        *config.Config
	limiter    ratelimit.Limiter
	state      atomic.Int32
	logger     logger.Logger
}

// NewRunner creates an ingestion runner
func NewRunner(cfg *config.Config, source Source, downloader fetcher.Downloader, st *store.Store, media *store.MediaStore) *Runner {
	return &Runner{
		source:     source,
		downloader: downloader,
		store:      st,
		media:      media,
		cfg:        cfg,
		limiter:    ratelimit.NewTokenBucket(cfg.RateLimit.RequestsPerMinute, time.Minute),
		logger:     logger.GetLogger(),
	}
}

// State returns the loop's current state
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// Run ingests one channel from its checkpoint to the stream's current edge.
// A stop request via ctx is observed at loop-iteration boundaries: the
// in-flight batch is flushed and outstanding downloads drained before
// return. The returned error, if any, is fatal for this run; the checkpoint
// still reflects the last committed batch, so a subsequent run resumes
// cleanly.
func (r *Runner) Run(ctx context.Context, channel string) error {
	runID := uuid.NewString()
	log := r.logger.WithFields(map[string]interface{}{
		"channel": channel,
		"run_id":  runID,
	})

	r.setState(StateResuming)
	defer r.setState(StateIdle)

	cpStore, err := checkpoint.NewStore(r.cfg.Output.DataDir, channel)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	cp, err := cpStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		cp = checkpoint.New(channel)
		if r.cfg.Continuous.FromLatest {
			if lc, ok := r.source.(LatestCursorer); ok {
				edge, err := lc.LatestCursor(ctx, channel)
				if err != nil {
					return fmt.Errorf("failed to resolve live edge: %w", err)
				}
				cp.LastMessageID = edge
				log.InfoWithFields("starting at live edge", map[string]interface{}{
					"cursor": edge,
				})
			}
		}
	} else {
		log.InfoWithFields("resuming from checkpoint", map[string]interface{}{
			"last_message_id":  cp.LastMessageID,
			"generation":       cp.Generation,
			"records_ingested": cp.RecordsIngested,
		})
	}

	// The checkpoint advances only inside the batch commit path, so storage
	// and checkpoint are never observably inconsistent.
	batch := store.NewBatchWriter(r.store, channel, r.cfg.Batch.Size, func(last store.Message, inserted int64) error {
		cp.LastMessageID = last.ID
		cp.LastMessageDate = last.Date
		cp.Generation++
		cp.RecordsIngested += inserted
		return cpStore.Commit(cp)
	})

	var pool *fetcher.Pool
	if !r.cfg.Download.SkipMedia && r.downloader != nil && r.media != nil {
		pool = fetcher.NewPool(fetcher.Config{
			Workers:     r.cfg.Download.Workers,
			MaxAttempts: r.cfg.Download.MaxAttempts,
			Backoff: &retry.ExponentialBackoff{
				BaseDelay:    r.cfg.Download.BaseDelay,
				MaxDelay:     r.cfg.Download.MaxDelay,
				Multiplier:   2.0,
				JitterFactor: r.cfg.Download.JitterFactor,
			},
		}, r.downloader, r.media, r.store, r.logger)
		pool.Start()

		// Attachments a previous run left unresolved sit behind the
		// checkpoint cursor and would never be fetched again by streaming
		// alone, so they are requeued before the stream starts.
		if err := r.requeuePending(ctx, log, channel, pool); err != nil {
			pool.Drain(r.cfg.Download.DrainGrace)
			return err
		}
	}

	cursor := cp.LastMessageID
	jobs, runErr := r.stream(ctx, log, channel, cursor, batch, pool)

	// Draining: final flush of the partial batch, then wait for downloads.
	// The flush proceeds even when the run was cancelled, so no accepted
	// message is lost to a stop request.
	r.setState(StateDraining)
	log.Info("draining")

	if err := r.flush(context.WithoutCancel(ctx), batch); err != nil {
		if runErr == nil {
			runErr = err
		}
	} else if pool != nil {
		// The final batch is durable, so its attachments may be fetched
		for _, job := range jobs {
			if err := pool.Submit(context.WithoutCancel(ctx), job); err != nil {
				log.WithError(err).Warn("attachment submission aborted")
			}
		}
	}
	if pool != nil {
		pool.Drain(r.cfg.Download.DrainGrace)
	}

	if runErr != nil {
		log.WithError(runErr).Error("ingestion run failed")
		return runErr
	}

	log.InfoWithFields("ingestion run complete", map[string]interface{}{
		"last_message_id":  cp.LastMessageID,
		"records_ingested": cp.RecordsIngested,
	})
	return nil
}

// requeuePending resubmits attachments whose rows are committed but whose
// download never reached a terminal status
func (r *Runner) requeuePending(ctx context.Context, log logger.Logger, channel string, pool *fetcher.Pool) error {
	msgs, err := r.store.PendingAttachments(ctx, channel)
	if err != nil {
		return fmt.Errorf("failed to list pending attachments: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	log.InfoWithFields("requeuing unresolved attachments", map[string]interface{}{
		"count": len(msgs),
	})
	for _, msg := range msgs {
		job := fetcher.Job{
			Channel:   channel,
			MessageID: msg.ID,
			Kind:      msg.MediaType,
			Locator:   msg.MediaLocator,
			Name:      attachmentName(msg),
		}
		if err := pool.Submit(ctx, job); err != nil {
			// Rows keep their pending status for the next run
			log.WithError(err).Warn("attachment submission aborted")
			return nil
		}
	}
	return nil
}

// stream is the Streaming/Paused portion of the state machine. It returns
// the attachment jobs of the not-yet-committed tail batch; the caller submits
// them once that batch is durable.
func (r *Runner) stream(ctx context.Context, log logger.Logger, channel string, cursor int64, batch *store.BatchWriter, pool *fetcher.Pool) ([]fetcher.Job, error) {
	r.setState(StateStreaming)

	pageBackoff := retry.DefaultExponentialBackoff()
	pageAttempts := 0

	// Attachment jobs are held back until the batch holding their message
	// commits, so a download can never report status against a row that is
	// not durable yet.
	var jobs []fetcher.Job
	flushAndSubmit := func() error {
		if err := r.flush(ctx, batch); err != nil {
			return err
		}
		if pool != nil {
			for _, job := range jobs {
				if err := pool.Submit(ctx, job); err != nil {
					// Shutdown mid-run: the message row is durable; only
					// its attachment stays pending for the next run.
					log.WithError(err).Warn("attachment submission aborted")
				}
			}
		}
		jobs = jobs[:0]
		return nil
	}

	for {
		// Stop requests are observed here, at the iteration boundary
		select {
		case <-ctx.Done():
			return jobs, nil
		default:
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return jobs, nil
		}

		page, err := r.source.FetchPage(ctx, channel, cursor)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return jobs, nil
			}

			// A rate-limit pause never advances the cursor and does not
			// consume the page retry budget; the same page is re-issued
			// after the cooldown.
			if errs.IsRateLimit(err) {
				delay := pageBackoff.NextDelay(1)
				if retryAfter, ok := errs.RetryAfterOf(err); ok && retryAfter > delay {
					delay = retryAfter
				}
				r.setState(StatePaused)
				log.WarnWithFields("rate limited, pausing", map[string]interface{}{
					"delay":  delay,
					"cursor": cursor,
				})
				if err := retry.Wait(ctx, delay); err != nil {
					return jobs, nil
				}
				r.setState(StateStreaming)
				continue
			}

			if errs.IsPermanent(err) {
				return jobs, fmt.Errorf("page fetch failed: %w", err)
			}

			pageAttempts++
			if pageAttempts > r.cfg.RateLimit.PageRetries {
				return jobs, fmt.Errorf("page fetch failed after %d attempts: %w", pageAttempts, err)
			}
			delay := pageBackoff.NextDelay(pageAttempts)
			r.setState(StatePaused)
			log.WarnWithFields("page fetch failed, backing off", map[string]interface{}{
				"attempt": pageAttempts,
				"delay":   delay,
				"error":   err.Error(),
			})
			if err := retry.Wait(ctx, delay); err != nil {
				return jobs, nil
			}
			r.setState(StateStreaming)
			continue
		}
		pageAttempts = 0

		for i := range page.Messages {
			msg := toStoreMessage(channel, &page.Messages[i])

			if err := batch.Add(msg); err != nil {
				if errors.Is(err, store.ErrDuplicateInBatch) {
					log.DebugWithFields("duplicate message in batch", map[string]interface{}{
						"message_id": msg.ID,
					})
					continue
				}
			}

			if msg.HasMedia() && pool != nil {
				jobs = append(jobs, fetcher.Job{
					Channel:   channel,
					MessageID: msg.ID,
					Kind:      msg.MediaType,
					Locator:   msg.MediaLocator,
					Name:      attachmentName(msg),
				})
			}

			if batch.Full() {
				if err := flushAndSubmit(); err != nil {
					return jobs, err
				}
			}
		}

		// Out-of-band checkpoint refresh: bound the re-work after a crash
		// to roughly the refresh window even when pages are small.
		if batch.Len() >= r.cfg.Batch.CheckpointEvery {
			if err := flushAndSubmit(); err != nil {
				return jobs, err
			}
		}

		if !page.HasMore {
			return jobs, nil
		}
		cursor = page.NextCursor
	}
}

// flush commits the current batch, retrying transient storage failures a
// bounded number of times before escalating to a fatal run error
func (r *Runner) flush(ctx context.Context, batch *store.BatchWriter) error {
	if batch.Len() == 0 {
		return nil
	}

	err := retry.Do(func() error {
		return batch.Flush(ctx)
	}, &retry.Config{
		MaxAttempts: r.cfg.Batch.FlushRetries,
		Backoff:     &retry.ConstantBackoff{Delay: time.Second},
		RetryIf: func(err error) bool {
			return errs.TypeOf(err) == errs.ErrorTypeStorage
		},
		Context: ctx,
		Logger:  r.logger,
	})
	if err != nil {
		return fmt.Errorf("batch flush failed: %w", err)
	}
	return nil
}

// toStoreMessage converts a source message into its stored form
func toStoreMessage(channel string, m *telegram.Message) store.Message {
	msg := store.Message{
		Channel:        channel,
		ID:             m.ID,
		Date:           m.Date,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Text:           m.Text,
		ReplyTo:        m.ReplyTo,
		Views:          m.Views,
		Extra:          m.Extra,
	}
	if m.Media != nil {
		msg.MediaType = m.Media.Kind
		msg.MediaLocator = m.Media.Locator
	}
	return msg
}

// attachmentName derives the destination file name for a message's attachment
func attachmentName(msg store.Message) string {
	ext := ".bin"
	switch msg.MediaType {
	case "photo":
		ext = ".jpg"
	case "video":
		ext = ".mp4"
	case "audio", "voice":
		ext = ".ogg"
	}
	return fmt.Sprintf("%d%s", msg.ID, ext)
}
