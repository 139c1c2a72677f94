package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x3639/telegram-scraper/pkg/checkpoint"
	"github.com/0x3639/telegram-scraper/pkg/config"
	errs "github.com/0x3639/telegram-scraper/pkg/errors"
	"github.com/0x3639/telegram-scraper/pkg/store"
	"github.com/0x3639/telegram-scraper/pkg/telegram"
)

// fakeSource serves scripted channel history pages. Calls can be primed to
// fail with specific errors before succeeding.
type fakeSource struct {
	mu       sync.Mutex
	messages map[string][]telegram.Message
	pageSize int
	delay    time.Duration
	errors   []error // consumed one per call; nil entries mean success
	cursors  []int64
	calls    int
}

func newFakeSource(pageSize int) *fakeSource {
	return &fakeSource{
		messages: make(map[string][]telegram.Message),
		pageSize: pageSize,
	}
}

func (f *fakeSource) addMessages(channel string, count int) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= count; i++ {
		f.messages[channel] = append(f.messages[channel], telegram.Message{
			ID:    int64(i),
			Date:  base.Add(time.Duration(i) * time.Minute),
			Text:  fmt.Sprintf("message %d", i),
			Views: i,
		})
	}
}

func (f *fakeSource) failNext(errors ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errors...)
}

func (f *fakeSource) FetchPage(ctx context.Context, channel string, cursor int64) (telegram.Page, error) {
	f.mu.Lock()
	f.calls++
	f.cursors = append(f.cursors, cursor)
	var scripted error
	if len(f.errors) > 0 {
		scripted = f.errors[0]
		f.errors = f.errors[1:]
	}
	msgs := f.messages[channel]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return telegram.Page{}, ctx.Err()
		}
	}

	if scripted != nil {
		return telegram.Page{}, scripted
	}

	var page telegram.Page
	for i := range msgs {
		if msgs[i].ID <= cursor {
			continue
		}
		page.Messages = append(page.Messages, msgs[i])
		if len(page.Messages) == f.pageSize {
			break
		}
	}
	if len(page.Messages) > 0 {
		page.NextCursor = page.Messages[len(page.Messages)-1].ID
		page.HasMore = page.NextCursor < msgs[len(msgs)-1].ID
	}
	return page, nil
}

func (f *fakeSource) LatestCursor(ctx context.Context, channel string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[channel]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].ID, nil
}

func (f *fakeSource) fetchCursors() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.cursors...)
}

type fakeDownloader struct {
	calls atomic.Int32
}

func (d *fakeDownloader) DownloadAttachment(ctx context.Context, locator string) ([]byte, error) {
	d.calls.Add(1)
	return []byte("bytes for " + locator), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Output.DataDir = t.TempDir()
	cfg.RateLimit.RequestsPerMinute = 100000
	cfg.Download.SkipMedia = true
	return cfg
}

func newTestRunner(t *testing.T, cfg *config.Config, src Source) (*Runner, *store.Store) {
	t.Helper()
	st, err := store.Open(cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewRunner(cfg, src, nil, st, nil), st
}

func loadCheckpoint(t *testing.T, cfg *config.Config, channel string) *checkpoint.Checkpoint {
	t.Helper()
	cpStore, err := checkpoint.NewStore(cfg.Output.DataDir, channel)
	require.NoError(t, err)
	cp, err := cpStore.Load()
	require.NoError(t, err)
	return cp
}

func TestRunBackfill(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(100)
	src.addMessages("testchannel", 250)

	r, st := newTestRunner(t, cfg, src)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "testchannel"))
	assert.Equal(t, StateIdle, r.State())

	count, err := st.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(250), count)

	cp := loadCheckpoint(t, cfg, "testchannel")
	require.NotNil(t, cp)
	assert.Equal(t, int64(250), cp.LastMessageID)
	assert.Equal(t, int64(250), cp.RecordsIngested)
	// 250 records at batch size 100 commit as three batches
	assert.Equal(t, uint64(3), cp.Generation)

	// Pages were requested strictly after the advancing cursor
	assert.Equal(t, []int64{0, 100, 200}, src.fetchCursors())
}

func TestRunEmptyChannel(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(100)

	r, st := newTestRunner(t, cfg, src)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "testchannel"))

	count, err := st.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// No commit happened, so no checkpoint was written
	assert.Nil(t, loadCheckpoint(t, cfg, "testchannel"))
}

func TestRunResumesAfterCrashMidBatch(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(100)
	src.addMessages("testchannel", 250)

	r, st := newTestRunner(t, cfg, src)
	ctx := context.Background()

	// Simulate a crash during the third batch: 200 records checkpointed, and
	// rows 201-230 already durable because the transaction committed before
	// the process died.
	var durable []store.Message
	for id := int64(1); id <= 230; id++ {
		durable = append(durable, store.Message{
			Channel: "testchannel",
			ID:      id,
			Text:    fmt.Sprintf("message %d", id),
		})
	}
	_, err := st.InsertBatch(ctx, durable)
	require.NoError(t, err)

	cpStore, err := checkpoint.NewStore(cfg.Output.DataDir, "testchannel")
	require.NoError(t, err)
	cp := checkpoint.New("testchannel")
	cp.LastMessageID = 200
	cp.Generation = 2
	cp.RecordsIngested = 200
	require.NoError(t, cpStore.Commit(cp))

	require.NoError(t, r.Run(ctx, "testchannel"))

	// The resumed run re-fetched from the checkpoint, and the overlap with
	// already durable rows deduplicated to no-ops.
	assert.Equal(t, []int64{200}, src.fetchCursors())

	count, err := st.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(250), count)

	final := loadCheckpoint(t, cfg, "testchannel")
	require.NotNil(t, final)
	assert.Equal(t, int64(250), final.LastMessageID)
	// Only the 20 genuinely new rows count as ingested on the resumed run
	assert.Equal(t, int64(220), final.RecordsIngested)
	assert.Equal(t, uint64(3), final.Generation)
}

func TestRunSecondRunIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(100)
	src.addMessages("testchannel", 150)

	r, st := newTestRunner(t, cfg, src)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "testchannel"))
	require.NoError(t, r.Run(ctx, "testchannel"))

	count, err := st.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(150), count)

	cp := loadCheckpoint(t, cfg, "testchannel")
	require.NotNil(t, cp)
	assert.Equal(t, int64(150), cp.RecordsIngested)

	// The second run fetched only the empty tail
	cursors := src.fetchCursors()
	assert.Equal(t, int64(150), cursors[len(cursors)-1])
}

func TestRunRateLimitPauseReissuesSamePage(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(100)
	src.addMessages("testchannel", 50)
	src.failNext(errs.NewRateLimit("too many requests", 50*time.Millisecond))

	r, st := newTestRunner(t, cfg, src)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "testchannel"))

	// The paused page was re-issued with an unchanged cursor
	cursors := src.fetchCursors()
	require.GreaterOrEqual(t, len(cursors), 2)
	assert.Equal(t, cursors[0], cursors[1])

	count, err := st.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(50), count)

	cp := loadCheckpoint(t, cfg, "testchannel")
	require.NotNil(t, cp)
	assert.Equal(t, int64(50), cp.LastMessageID)
}

func TestRunPermanentErrorIsFatal(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(100)
	src.addMessages("testchannel", 50)
	src.failNext(errs.New(errs.ErrorTypeAuth, "authentication required", 401))

	r, st := newTestRunner(t, cfg, src)
	ctx := context.Background()

	err := r.Run(ctx, "testchannel")
	require.Error(t, err)
	assert.Equal(t, 1, len(src.fetchCursors()), "permanent errors are not retried")

	count, cErr := st.MessageCount(ctx, "testchannel")
	require.NoError(t, cErr)
	assert.Equal(t, int64(0), count)
}

func TestRunTransientErrorsExhaustRetryBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.PageRetries = 1
	src := newFakeSource(100)
	src.addMessages("testchannel", 50)
	src.failNext(
		errs.New(errs.ErrorTypeNetwork, "connection reset", 0),
		errs.New(errs.ErrorTypeNetwork, "connection reset", 0),
	)

	r, _ := newTestRunner(t, cfg, src)

	err := r.Run(context.Background(), "testchannel")
	require.Error(t, err)
	assert.Equal(t, 2, len(src.fetchCursors()))
}

func TestRunTransientErrorRecovers(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(100)
	src.addMessages("testchannel", 50)
	src.failNext(errs.New(errs.ErrorTypeServerError, "bad gateway", 502))

	r, st := newTestRunner(t, cfg, src)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "testchannel"))

	count, err := st.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(50), count)
}

func TestRunCancellationFlushesPartialBatch(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(10)
	src.addMessages("testchannel", 500)
	src.delay = 5 * time.Millisecond

	r, st := newTestRunner(t, cfg, src)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	require.NoError(t, r.Run(ctx, "testchannel"))

	count, err := st.MessageCount(context.Background(), "testchannel")
	require.NoError(t, err)
	require.Greater(t, count, int64(0), "at least one page was ingested before the stop")
	require.Less(t, count, int64(500), "the stop interrupted the backfill")

	// Every accepted message was flushed before return, and the checkpoint
	// matches the stored prefix exactly.
	cp := loadCheckpoint(t, cfg, "testchannel")
	require.NotNil(t, cp)
	assert.Equal(t, count, cp.RecordsIngested)
	assert.Equal(t, count, cp.LastMessageID)
}

func TestRunFromLatestStartsAtLiveEdge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Continuous.FromLatest = true
	src := newFakeSource(100)
	src.addMessages("testchannel", 250)

	r, st := newTestRunner(t, cfg, src)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "testchannel"))

	// Tail mode skips the backlog entirely
	assert.Equal(t, []int64{250}, src.fetchCursors())

	count, err := st.MessageCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRunDownloadsAttachments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.SkipMedia = false
	cfg.Download.BaseDelay = time.Millisecond
	cfg.Download.MaxDelay = 10 * time.Millisecond

	src := newFakeSource(100)
	src.addMessages("testchannel", 3)
	src.messages["testchannel"][1].Media = &telegram.MediaRef{Kind: "photo", Locator: "photos/abc123"}

	st, err := store.Open(cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	media, err := store.NewMediaStore(cfg.Output.DataDir)
	require.NoError(t, err)

	dl := &fakeDownloader{}
	r := NewRunner(cfg, src, dl, st, media)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "testchannel"))

	assert.Equal(t, int32(1), dl.calls.Load())

	got, err := st.GetMessage(ctx, "testchannel", 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.StatusSucceeded, got.MediaStatus)
	assert.Equal(t, filepath.Join("media", "testchannel", "2.jpg"), got.MediaPath)

	data, err := os.ReadFile(filepath.Join(cfg.Output.DataDir, got.MediaPath))
	require.NoError(t, err)
	assert.Equal(t, "bytes for photos/abc123", string(data))

	pending, err := st.PendingAttachmentCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestRunRequeuesAttachmentsLeftPending(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.SkipMedia = false
	cfg.Download.BaseDelay = time.Millisecond
	cfg.Download.MaxDelay = 10 * time.Millisecond

	src := newFakeSource(100)
	src.addMessages("testchannel", 3)

	st, err := store.Open(cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	media, err := store.NewMediaStore(cfg.Output.DataDir)
	require.NoError(t, err)

	ctx := context.Background()

	// Simulate an interrupted earlier run: rows 1-3 are durable and
	// checkpointed, but the attachments of 1 and 3 never reached a
	// terminal status.
	durable := []store.Message{
		{Channel: "testchannel", ID: 1, Text: "message 1", MediaType: "photo", MediaLocator: "photos/one"},
		{Channel: "testchannel", ID: 2, Text: "message 2"},
		{Channel: "testchannel", ID: 3, Text: "message 3", MediaType: "video", MediaLocator: "videos/three"},
	}
	_, err = st.InsertBatch(ctx, durable)
	require.NoError(t, err)

	cpStore, err := checkpoint.NewStore(cfg.Output.DataDir, "testchannel")
	require.NoError(t, err)
	cp := checkpoint.New("testchannel")
	cp.LastMessageID = 3
	cp.Generation = 1
	cp.RecordsIngested = 3
	require.NoError(t, cpStore.Commit(cp))

	dl := &fakeDownloader{}
	r := NewRunner(cfg, src, dl, st, media)

	require.NoError(t, r.Run(ctx, "testchannel"))

	// The stream fetched nothing new, yet both stranded attachments resolved
	assert.Equal(t, int32(2), dl.calls.Load())

	for _, id := range []int64{1, 3} {
		got, err := st.GetMessage(ctx, "testchannel", id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, store.StatusSucceeded, got.MediaStatus, "message %d", id)
		assert.NotEmpty(t, got.MediaPath, "message %d", id)
	}

	pending, err := st.PendingAttachmentCount(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestProgress(t *testing.T) {
	cfg := testConfig(t)
	src := newFakeSource(100)
	src.addMessages("testchannel", 150)

	r, _ := newTestRunner(t, cfg, src)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "testchannel"))

	p, err := r.Progress(ctx, "testchannel")
	require.NoError(t, err)
	assert.Equal(t, "testchannel", p.Channel)
	assert.Equal(t, int64(150), p.RecordsIngested)
	assert.Equal(t, int64(150), p.LastMessageID)
	assert.Equal(t, uint64(2), p.Generation)
	assert.Equal(t, int64(0), p.PendingAttachments)
	assert.Equal(t, int64(0), p.FailedAttachments)
}

func TestRunContinuousIsolatesChannelFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Continuous.PollInterval = 10 * time.Millisecond
	src := newFakeSource(100)
	src.addMessages("goodchannel", 20)

	r, st := newTestRunner(t, cfg, src)

	// The first cycle's first channel fails with a permanent error
	src.failNext(errs.New(errs.ErrorTypeAuth, "authentication required", 401))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, r.RunContinuous(ctx, []string{"badchannel", "goodchannel"}))

	// The failing channel did not prevent the good one from being ingested
	count, err := st.MessageCount(context.Background(), "goodchannel")
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)

	// Multiple poll cycles ran within the window
	assert.GreaterOrEqual(t, len(src.fetchCursors()), 3)
}
