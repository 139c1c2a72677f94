package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// MediaStore saves downloaded attachments under per-channel directories with
// atomic writes and duplicate detection.
type MediaStore struct {
	baseDir string
	stored  map[string]bool // "channel/name" -> saved
	mu      sync.RWMutex
}

// NewMediaStore creates a media store rooted at dataDir/media
func NewMediaStore(dataDir string) (*MediaStore, error) {
	baseDir := filepath.Join(dataDir, "media")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	ms := &MediaStore{
		baseDir: baseDir,
		stored:  make(map[string]bool),
	}

	if err := ms.scanExisting(); err != nil {
		return nil, fmt.Errorf("failed to scan existing media: %w", err)
	}

	return ms, nil
}

// scanExisting indexes already downloaded files for duplicate detection
func (ms *MediaStore) scanExisting() error {
	channels, err := os.ReadDir(ms.baseDir)
	if err != nil {
		return fmt.Errorf("failed to read media directory: %w", err)
	}

	for _, ch := range channels {
		if !ch.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(ms.baseDir, ch.Name()))
		if err != nil {
			return fmt.Errorf("failed to read channel media directory: %w", err)
		}
		for _, f := range files {
			if !f.IsDir() {
				ms.stored[ch.Name()+"/"+f.Name()] = true
			}
		}
	}

	return nil
}

// IsStored checks if an attachment has already been downloaded
func (ms *MediaStore) IsStored(channel, name string) bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.stored[channel+"/"+name]
}

// Save writes an attachment atomically and returns its path relative to the
// data directory.
func (ms *MediaStore) Save(channel, name string, r io.Reader) (string, error) {
	dir := filepath.Join(ms.baseDir, channel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create channel media directory: %w", err)
	}

	filename := filepath.Join(dir, name)
	tempFile := filename + ".tmp"

	out, err := os.Create(tempFile)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to save media data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to close media file: %w", closeErr)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return "", fmt.Errorf("failed to rename temporary file: %w", err)
	}

	ms.mu.Lock()
	ms.stored[channel+"/"+name] = true
	ms.mu.Unlock()

	return filepath.Join("media", channel, name), nil
}

// StoredCount returns the number of stored attachments
func (ms *MediaStore) StoredCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.stored)
}
