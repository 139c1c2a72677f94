package logger

import (
	"testing"

	"github.com/0x3639/telegram-scraper/pkg/config"
)

func TestNew(t *testing.T) {
	log, err := New(&config.LoggingConfig{Level: "debug"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if log == nil {
		t.Fatal("Expected logger instance")
	}

	// Chained loggers are independent of their parent
	child := log.WithField("channel", "testchannel").WithFields(map[string]interface{}{
		"message_id": int64(42),
	})
	if child == nil {
		t.Fatal("Expected derived logger")
	}
	child.Info("test message")
	log.Info("parent unaffected")
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New(&config.LoggingConfig{Level: "verbose"}); err == nil {
		t.Error("Expected error for invalid log level")
	}
}

func TestParseLogLevel(t *testing.T) {
	valid := []string{"debug", "info", "warn", "warning", "error", "fatal", "disabled", "INFO"}
	for _, level := range valid {
		if _, err := parseLogLevel(level); err != nil {
			t.Errorf("Expected %q to parse: %v", level, err)
		}
	}
}

func TestWithErrorNil(t *testing.T) {
	log, err := New(&config.LoggingConfig{Level: "info"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := log.WithError(nil); got != log {
		t.Error("WithError(nil) should return the same logger")
	}
}
