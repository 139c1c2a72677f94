package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/0x3639/telegram-scraper/pkg/logger"
)

// ErrDuplicateInBatch is a soft signal from Add: the identifier is already
// in the current batch. Deduplication is handled by the store's
// ignore-on-conflict write, so callers may ignore it.
var ErrDuplicateInBatch = errors.New("duplicate message in current batch")

// CommitFunc is invoked after a batch is durably committed, with the last
// message of the batch. It advances the checkpoint; an error keeps the batch
// intact so the flush can be retried.
type CommitFunc func(last Message, inserted int64) error

// BatchWriter accumulates messages into fixed-size batches and commits each
// batch as a single storage transaction. The checkpoint advance and the
// records it covers are never observably inconsistent: an external reader
// sees a prefix of messages exactly matching some committed checkpoint.
type BatchWriter struct {
	store    *Store
	channel  string
	limit    int
	msgs     []Message
	seen     map[int64]struct{}
	onCommit CommitFunc
	logger   logger.Logger
}

// NewBatchWriter creates a batch writer for one channel. onCommit may be nil.
func NewBatchWriter(store *Store, channel string, limit int, onCommit CommitFunc) *BatchWriter {
	if limit <= 0 {
		limit = 100
	}
	return &BatchWriter{
		store:    store,
		channel:  channel,
		limit:    limit,
		msgs:     make([]Message, 0, limit),
		seen:     make(map[int64]struct{}, limit),
		onCommit: onCommit,
		logger:   logger.GetLogger(),
	}
}

// Add appends a message to the current batch
func (bw *BatchWriter) Add(msg Message) error {
	msg.Channel = bw.channel
	if _, dup := bw.seen[msg.ID]; dup {
		return ErrDuplicateInBatch
	}
	bw.seen[msg.ID] = struct{}{}
	bw.msgs = append(bw.msgs, msg)
	return nil
}

// Len returns the number of messages awaiting commit
func (bw *BatchWriter) Len() int {
	return len(bw.msgs)
}

// Full reports whether the batch has reached its size bound
func (bw *BatchWriter) Full() bool {
	return len(bw.msgs) >= bw.limit
}

// Flush commits the current batch in one transaction and then advances the
// checkpoint through onCommit. On any failure the batch is kept intact and
// the caller must retry; re-flushing re-inserts already committed rows as
// no-ops, so a flush that failed between transaction commit and checkpoint
// advance is safe to repeat.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	if len(bw.msgs) == 0 {
		return nil
	}

	inserted, err := bw.store.InsertBatch(ctx, bw.msgs)
	if err != nil {
		bw.logger.ErrorWithFields("batch flush failed", map[string]interface{}{
			"channel":    bw.channel,
			"batch_size": len(bw.msgs),
			"error":      err.Error(),
		})
		return fmt.Errorf("flush batch of %d: %w", len(bw.msgs), err)
	}

	last := bw.msgs[len(bw.msgs)-1]
	if bw.onCommit != nil {
		if err := bw.onCommit(last, inserted); err != nil {
			// Rows are durable but the checkpoint did not advance. Keeping
			// the batch lets the caller retry; the re-insert is ignored.
			return fmt.Errorf("advance checkpoint after batch commit: %w", err)
		}
	}

	bw.logger.DebugWithFields("batch committed", map[string]interface{}{
		"channel":         bw.channel,
		"batch_size":      len(bw.msgs),
		"rows_inserted":   inserted,
		"last_message_id": last.ID,
	})

	bw.msgs = bw.msgs[:0]
	clear(bw.seen)

	return nil
}
