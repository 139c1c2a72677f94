package ingest

import (
	"context"

	"github.com/0x3639/telegram-scraper/pkg/retry"
)

// RunContinuous polls for new messages after backfill reaches the live edge.
// Each cycle replays the same state machine as Run with the latest
// checkpoint as the resume position; there is no separate code path for
// "new" versus "catch-up" messages. An error on one channel is logged and
// does not stop the other channels or the cycle. Returns when ctx is done.
func (r *Runner) RunContinuous(ctx context.Context, channels []string) error {
	interval := r.cfg.Continuous.PollInterval

	r.logger.InfoWithFields("starting continuous scraping", map[string]interface{}{
		"channels":      len(channels),
		"poll_interval": interval,
	})

	for {
		for _, channel := range channels {
			select {
			case <-ctx.Done():
				r.logger.Info("continuous scraping stopped")
				return nil
			default:
			}

			if err := r.Run(ctx, channel); err != nil {
				r.logger.WithError(err).WithField("channel", channel).Error("scrape cycle failed for channel")
			}
		}

		r.logger.InfoWithFields("scrape cycle complete, waiting", map[string]interface{}{
			"poll_interval": interval,
		})
		if err := retry.Wait(ctx, interval); err != nil {
			r.logger.Info("continuous scraping stopped")
			return nil
		}
	}
}
