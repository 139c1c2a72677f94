package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	errs "github.com/0x3639/telegram-scraper/pkg/errors"
	"github.com/0x3639/telegram-scraper/pkg/logger"
)

// AttachmentStatus is the terminal state of a message's media download
type AttachmentStatus string

const (
	StatusNone      AttachmentStatus = ""
	StatusPending   AttachmentStatus = "pending"
	StatusSucceeded AttachmentStatus = "succeeded"
	StatusFailed    AttachmentStatus = "failed"
)

// Message is one stored record. (Channel, ID) is the dedupe key: inserting
// the same identifier twice is a no-op, not a duplicate row.
type Message struct {
	Channel        string
	ID             int64
	Date           time.Time
	SenderID       int64
	SenderUsername string
	Text           string
	ReplyTo        int64
	Views          int
	Extra          map[string]any

	MediaType    string
	MediaLocator string
	MediaPath    string
	MediaStatus  AttachmentStatus
	MediaError   string
}

// HasMedia reports whether the message references a downloadable attachment
func (m *Message) HasMedia() bool {
	return m.MediaLocator != ""
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    channel           TEXT NOT NULL,
    message_id        INTEGER NOT NULL,
    date              TIMESTAMP,
    sender_id         INTEGER,
    sender_username   TEXT,
    text              TEXT,
    reply_to          INTEGER,
    views             INTEGER,
    extra             TEXT,
    media_type        TEXT NOT NULL DEFAULT '',
    media_locator     TEXT NOT NULL DEFAULT '',
    media_path        TEXT NOT NULL DEFAULT '',
    media_status      TEXT NOT NULL DEFAULT '',
    media_error       TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (channel, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_media_status ON messages (channel, media_status);
`

// Store persists messages in a SQLite database. The connection pool is safe
// for concurrent use by the ingestion loop and download workers.
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

// Open opens (creating if needed) the message database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.GetLogger(),
	}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch writes all messages in one transaction with ignore-on-conflict
// semantics and returns the number of rows actually inserted. The batch is
// committed in full or not at all.
func (s *Store) InsertBatch(ctx context.Context, msgs []Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("begin transaction: %v", err), 0)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages
		(channel, message_id, date, sender_id, sender_username, text, reply_to, views, extra,
		 media_type, media_locator, media_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("prepare insert: %v", err), 0)
	}
	defer stmt.Close()

	var inserted int64
	for _, m := range msgs {
		extra := ""
		if len(m.Extra) > 0 {
			raw, err := json.Marshal(m.Extra)
			if err != nil {
				return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("marshal extra fields: %v", err), 0)
			}
			extra = string(raw)
		}

		status := StatusNone
		if m.HasMedia() {
			status = StatusPending
		}

		res, err := stmt.ExecContext(ctx,
			m.Channel, m.ID, m.Date.UTC(), m.SenderID, m.SenderUsername, m.Text,
			m.ReplyTo, m.Views, extra, m.MediaType, m.MediaLocator, string(status))
		if err != nil {
			return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("insert message %d: %v", m.ID, err), 0)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("commit transaction: %v", err), 0)
	}

	return inserted, nil
}

// SetAttachmentStatus records an attachment download's terminal state on its
// owning message row. It is independent of batch commit timing; the row may
// have been committed long before the download resolves.
func (s *Store) SetAttachmentStatus(ctx context.Context, channel string, messageID int64, status AttachmentStatus, path, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET media_status = ?, media_path = ?, media_error = ?
		WHERE channel = ? AND message_id = ?`,
		string(status), path, lastErr, channel, messageID)
	if err != nil {
		return errs.New(errs.ErrorTypeStorage, fmt.Sprintf("update attachment status: %v", err), 0)
	}
	return nil
}

// GetMessage looks up one message by identifier
func (s *Store) GetMessage(ctx context.Context, channel string, messageID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel, message_id, date, sender_id, sender_username, text, reply_to, views, extra,
		       media_type, media_locator, media_path, media_status, media_error
		FROM messages WHERE channel = ? AND message_id = ?`, channel, messageID)

	var m Message
	var extra string
	var status string
	err := row.Scan(&m.Channel, &m.ID, &m.Date, &m.SenderID, &m.SenderUsername, &m.Text,
		&m.ReplyTo, &m.Views, &extra, &m.MediaType, &m.MediaLocator, &m.MediaPath, &status, &m.MediaError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("lookup message: %v", err), 0)
	}
	m.MediaStatus = AttachmentStatus(status)

	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &m.Extra); err != nil {
			return nil, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("unmarshal extra fields: %v", err), 0)
		}
	}

	return &m, nil
}

// MessageCount returns the number of stored messages for a channel
func (s *Store) MessageCount(ctx context.Context, channel string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel = ?`, channel).Scan(&count)
	if err != nil {
		return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("count messages: %v", err), 0)
	}
	return count, nil
}

// PendingAttachmentCount returns attachments not yet resolved for a channel
func (s *Store) PendingAttachmentCount(ctx context.Context, channel string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel = ? AND media_status = ?`,
		channel, string(StatusPending)).Scan(&count)
	if err != nil {
		return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("count pending attachments: %v", err), 0)
	}
	return count, nil
}

// PendingAttachments returns messages whose attachment never reached a
// terminal status, ordered by message identifier. An interrupted run leaves
// such rows behind; the next run requeues them for download.
func (s *Store) PendingAttachments(ctx context.Context, channel string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, message_id, media_type, media_locator
		FROM messages WHERE channel = ? AND media_status = ?
		ORDER BY message_id`, channel, string(StatusPending))
	if err != nil {
		return nil, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("list pending attachments: %v", err), 0)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Channel, &m.ID, &m.MediaType, &m.MediaLocator); err != nil {
			return nil, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("scan pending attachment: %v", err), 0)
		}
		m.MediaStatus = StatusPending
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("list pending attachments: %v", err), 0)
	}
	return msgs, nil
}

// FailedAttachmentCount returns attachments that exhausted their download
// attempts for a channel
func (s *Store) FailedAttachmentCount(ctx context.Context, channel string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel = ? AND media_status = ?`,
		channel, string(StatusFailed)).Scan(&count)
	if err != nil {
		return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("count failed attachments: %v", err), 0)
	}
	return count, nil
}

// MaxMessageID returns the highest stored message identifier for a channel,
// or zero when the channel has no rows
func (s *Store) MaxMessageID(ctx context.Context, channel string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(message_id) FROM messages WHERE channel = ?`, channel).Scan(&id)
	if err != nil {
		return 0, errs.New(errs.ErrorTypeStorage, fmt.Sprintf("max message id: %v", err), 0)
	}
	return id.Int64, nil
}
