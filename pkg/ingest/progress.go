package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/0x3639/telegram-scraper/pkg/checkpoint"
)

// Progress summarizes how far a channel's ingestion has advanced
type Progress struct {
	Channel            string    `json:"channel"`
	RecordsIngested    int64     `json:"records_ingested"`
	LastMessageID      int64     `json:"last_message_id"`
	LastMessageDate    time.Time `json:"last_message_date"`
	Generation         uint64    `json:"generation"`
	PendingAttachments int64     `json:"pending_attachments"`
	FailedAttachments  int64     `json:"failed_attachments"`
}

// Progress reports a channel's ingestion progress from the store and its
// checkpoint
func (r *Runner) Progress(ctx context.Context, channel string) (*Progress, error) {
	p := &Progress{Channel: channel}

	count, err := r.store.MessageCount(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	p.RecordsIngested = count

	pending, err := r.store.PendingAttachmentCount(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending attachments: %w", err)
	}
	p.PendingAttachments = pending

	failed, err := r.store.FailedAttachmentCount(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed attachments: %w", err)
	}
	p.FailedAttachments = failed

	cpStore, err := checkpoint.NewStore(r.cfg.Output.DataDir, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	cp, err := cpStore.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp != nil {
		p.LastMessageID = cp.LastMessageID
		p.LastMessageDate = cp.LastMessageDate
		p.Generation = cp.Generation
	}

	return p, nil
}
