package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0x3639/telegram-scraper/pkg/logger"
)

// Checkpoint records the last fully committed ingestion position for one
// channel. It only advances after the batch containing LastMessageID has
// been durably committed, so a crash mid-batch leaves it at the prior value
// and a resume safely re-fetches the in-flight batch.
type Checkpoint struct {
	Channel         string    `json:"channel"`
	LastMessageID   int64     `json:"last_message_id"`
	LastMessageDate time.Time `json:"last_message_date"`
	// Generation increases on every advance and distinguishes a stale
	// checkpoint left by a crash from a fresh one.
	Generation      uint64    `json:"generation"`
	RecordsIngested int64     `json:"records_ingested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int       `json:"version"`
}

// Store persists checkpoints for one channel as an atomically written JSON file
type Store struct {
	path   string
	last   *Checkpoint // last committed value, for idempotent commits
	logger logger.Logger
}

// NewStore creates a checkpoint store for the given channel under dataDir
func NewStore(dataDir, channel string) (*Store, error) {
	checkpointsDir := filepath.Join(dataDir, "checkpoints")
	if err := os.MkdirAll(checkpointsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}

	path := filepath.Join(checkpointsDir, fmt.Sprintf("%s.checkpoint.json", sanitize(channel)))

	return &Store{
		path:   path,
		logger: logger.GetLogger(),
	}, nil
}

// sanitize keeps channel-derived file names path-safe
func sanitize(channel string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "@", "")
	return r.Replace(channel)
}

// New returns a fresh checkpoint for a channel that has never been ingested
func New(channel string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		Channel:   channel,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

// Load loads the committed checkpoint, or nil when none exists
func (s *Store) Load() (*Checkpoint, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var cp Checkpoint
	if err := json.NewDecoder(file).Decode(&cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	s.last = &cp

	s.logger.InfoWithFields("checkpoint loaded", map[string]interface{}{
		"channel":          cp.Channel,
		"last_message_id":  cp.LastMessageID,
		"generation":       cp.Generation,
		"records_ingested": cp.RecordsIngested,
	})

	return &cp, nil
}

// Commit durably writes the checkpoint. It is idempotent: committing the
// same position and generation twice is a no-op. The write is visible to a
// subsequent Load even across a process crash immediately after return.
func (s *Store) Commit(cp *Checkpoint) error {
	if s.last != nil && s.last.LastMessageID == cp.LastMessageID && s.last.Generation == cp.Generation {
		return nil
	}

	cp.UpdatedAt = time.Now().UTC()

	tempPath := s.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	// Ensure data is on disk before the rename makes it visible
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	saved := *cp
	s.last = &saved

	s.logger.DebugWithFields("checkpoint committed", map[string]interface{}{
		"channel":         cp.Channel,
		"last_message_id": cp.LastMessageID,
		"generation":      cp.Generation,
	})

	return nil
}

// Exists checks if a checkpoint file exists
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Delete removes the checkpoint file. The pipeline itself never calls this;
// it exists for the front end's force-restart path.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	s.last = nil

	s.logger.Info("checkpoint deleted")
	return nil
}
