package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchWriterCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var commits []struct {
		lastID   int64
		inserted int64
	}
	bw := NewBatchWriter(s, "testchannel", 3, func(last Message, inserted int64) error {
		commits = append(commits, struct {
			lastID   int64
			inserted int64
		}{last.ID, inserted})
		return nil
	})

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, bw.Add(Message{ID: id, Text: "text"}))
	}
	assert.True(t, bw.Full())

	require.NoError(t, bw.Flush(ctx))
	assert.Equal(t, 0, bw.Len(), "flush clears the batch")

	require.Len(t, commits, 1)
	assert.Equal(t, int64(3), commits[0].lastID)
	assert.Equal(t, int64(3), commits[0].inserted)

	count, err := s.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestBatchWriterDuplicateInBatch(t *testing.T) {
	s := openTestStore(t)

	bw := NewBatchWriter(s, "testchannel", 10, nil)

	require.NoError(t, bw.Add(Message{ID: 1}))
	err := bw.Add(Message{ID: 1})
	assert.ErrorIs(t, err, ErrDuplicateInBatch)
	assert.Equal(t, 1, bw.Len(), "duplicate is not appended")
}

func TestBatchWriterFlushEmpty(t *testing.T) {
	s := openTestStore(t)

	called := false
	bw := NewBatchWriter(s, "testchannel", 10, func(Message, int64) error {
		called = true
		return nil
	})

	require.NoError(t, bw.Flush(context.Background()))
	assert.False(t, called, "empty flush does not commit")
}

func TestBatchWriterKeepsBatchOnCommitFuncFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fail := true
	bw := NewBatchWriter(s, "testchannel", 10, func(last Message, inserted int64) error {
		if fail {
			return errors.New("checkpoint write failed")
		}
		return nil
	})

	require.NoError(t, bw.Add(Message{ID: 1}))
	require.NoError(t, bw.Add(Message{ID: 2}))

	err := bw.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, bw.Len(), "batch kept intact for retry")

	// The rows are already durable; the retry re-inserts them as no-ops and
	// then advances the checkpoint.
	fail = false
	require.NoError(t, bw.Flush(ctx))
	assert.Equal(t, 0, bw.Len())

	count, err := s.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestBatchWriterSetsChannel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bw := NewBatchWriter(s, "testchannel", 10, nil)
	require.NoError(t, bw.Add(Message{ID: 7}))
	require.NoError(t, bw.Flush(ctx))

	got, err := s.GetMessage(ctx, "testchannel", 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "testchannel", got.Channel)
}
