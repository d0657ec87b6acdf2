package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/fieldkit/internal/media"
	"github.com/kalambet/fieldkit/internal/storage"
)

type mockAnalyzer struct {
	describeFn   func(ctx context.Context, image []byte, mimeType string, rc map[string]any) (PhotoDescription, error)
	transcribeFn func(ctx context.Context, audio []byte, mimeType string) (AudioTranscription, error)
	calls        atomic.Int32
}

func (m *mockAnalyzer) DescribePhoto(ctx context.Context, image []byte, mimeType string, rc map[string]any) (PhotoDescription, error) {
	m.calls.Add(1)
	if m.describeFn != nil {
		return m.describeFn(ctx, image, mimeType, rc)
	}
	return PhotoDescription{Caption: "a maize field"}, nil
}

func (m *mockAnalyzer) TranscribeAudio(ctx context.Context, audio []byte, mimeType string) (AudioTranscription, error) {
	m.calls.Add(1)
	if m.transcribeFn != nil {
		return m.transcribeFn(ctx, audio, mimeType)
	}
	return AudioTranscription{Transcript: "rust on leaves", Summary: "rust on leaves", Language: "en"}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store    *storage.Store
	media    *media.Store
	analyzer *mockAnalyzer
	online   atomic.Bool
	clock    *testClock
	queue    *Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ms, err := media.New(media.Options{Backend: media.BackendBlob, Blobs: s})
	require.NoError(t, err)

	h := &harness{
		store:    s,
		media:    ms,
		analyzer: &mockAnalyzer{},
		clock:    &testClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.queue = New(s, ms, h.analyzer, Options{Online: h.online.Load, Now: h.clock.Now})
	return h
}

// capture stores a record with a photo and, optionally, audio.
func (h *harness) capture(t *testing.T, id string, withAudio bool) storage.Record {
	t.Helper()
	ctx := context.Background()
	photo, err := h.media.Put(ctx, []byte("jpeg"), "image/jpeg", id, media.RolePhoto)
	require.NoError(t, err)

	rec := storage.Record{
		ID:           id,
		TaskType:     "scouting",
		Fields:       map[string]string{"crop": "maize"},
		Note:         "north block",
		PhotoPresent: true,
		Photo:        &photo,
	}
	if withAudio {
		audio, err := h.media.Put(ctx, []byte("webm"), "audio/webm", id, media.RoleAudio)
		require.NoError(t, err)
		rec.AudioPresent = true
		rec.Audio = &audio
	}
	require.NoError(t, h.store.PutRecord(ctx, rec))
	return rec
}

func (h *harness) tasks(t *testing.T) []storage.EnrichmentTask {
	t.Helper()
	tasks, err := h.store.ListEnrichmentTasks(context.Background())
	require.NoError(t, err)
	return tasks
}

func TestQueueProcessingWithoutKeyQueuesNothing(t *testing.T) {
	h := newHarness(t)
	rec := h.capture(t, "r1", true)

	n, err := h.queue.QueueProcessing(context.Background(), rec, false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.tasks(t))
}

func TestQueueProcessingQueuesPerCapability(t *testing.T) {
	h := newHarness(t)
	rec := h.capture(t, "r1", true)

	n, err := h.queue.QueueProcessing(context.Background(), rec, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks := h.tasks(t)
	require.Len(t, tasks, 2)
	types := []storage.TaskType{tasks[0].TaskType, tasks[1].TaskType}
	assert.ElementsMatch(t, []storage.TaskType{storage.TaskPhotoCaption, storage.TaskAudioTranscript}, types)
	for _, task := range tasks {
		assert.Zero(t, task.Retries)
	}
}

func TestQueueProcessingSkipsCompletedCapability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.capture(t, "r1", false)

	_, err := h.store.UpdateRecord(ctx, "r1", storage.RecordPatch{CaptionDone: true})
	require.NoError(t, err)

	// A stale copy of the record still says captionDone=false.
	for i := 0; i < 3; i++ {
		n, err := h.queue.QueueProcessing(ctx, rec, true)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Empty(t, h.tasks(t))
}

func TestQueueProcessingDuplicateEnqueue(t *testing.T) {
	h := newHarness(t)
	rec := h.capture(t, "r1", false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.queue.QueueProcessing(context.Background(), rec, true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, storage.TaskPhotoCaption, tasks[0].TaskType)
}

func TestProcessQueueOfflineIsNoop(t *testing.T) {
	h := newHarness(t)
	rec := h.capture(t, "r1", false)
	_, err := h.queue.QueueProcessing(context.Background(), rec, true)
	require.NoError(t, err)

	res, err := h.queue.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Zero(t, h.analyzer.calls.Load())
	assert.Len(t, h.tasks(t), 1)
}

func TestProcessQueueEnrichesRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.capture(t, "r1", true)

	var gotContext map[string]any
	var gotMime string
	h.analyzer.describeFn = func(_ context.Context, image []byte, mimeType string, rc map[string]any) (PhotoDescription, error) {
		gotContext, gotMime = rc, mimeType
		assert.Equal(t, []byte("jpeg"), image)
		return PhotoDescription{Caption: "tasselling maize, no visible stress"}, nil
	}

	_, err := h.queue.QueueProcessing(ctx, rec, true)
	require.NoError(t, err)

	h.online.Store(true)
	res, err := h.queue.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Empty(t, h.tasks(t))

	got, err := h.store.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "tasselling maize, no visible stress", got.PhotoCaption)
	assert.Equal(t, "rust on leaves", got.AudioTranscript)
	assert.True(t, got.AI.CaptionDone)
	assert.True(t, got.AI.TranscriptDone)

	assert.Equal(t, "image/jpeg", gotMime)
	assert.Equal(t, "maize", gotContext["crop"])
	assert.Equal(t, "north block", gotContext["note"])
	assert.Equal(t, "scouting", gotContext["task_type"])
}

func TestQueueProcessingOnlineDrainsInBackground(t *testing.T) {
	h := newHarness(t)
	h.online.Store(true)
	rec := h.capture(t, "r1", false)

	_, err := h.queue.QueueProcessing(context.Background(), rec, true)
	require.NoError(t, err)
	h.queue.Wait()

	got, err := h.store.GetRecord(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, got.AI.CaptionDone)
	assert.Empty(t, h.tasks(t))
}

func TestProcessQueueDropsAfterThreeFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.capture(t, "r1", false)
	h.analyzer.describeFn = func(context.Context, []byte, string, map[string]any) (PhotoDescription, error) {
		return PhotoDescription{}, ErrEnrichmentCallFailed
	}

	_, err := h.queue.QueueProcessing(ctx, rec, true)
	require.NoError(t, err)
	h.online.Store(true)

	for i := 0; i < 6; i++ {
		_, err := h.queue.ProcessQueue(ctx)
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}

	assert.Equal(t, int32(3), h.analyzer.calls.Load())
	assert.Empty(t, h.tasks(t))

	got, err := h.store.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, got.AI.CaptionDone)
	assert.Empty(t, got.PhotoCaption)
}

func TestProcessTaskMediaUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.capture(t, "r1", false)
	require.NoError(t, h.media.Delete(ctx, *rec.Photo))

	err := h.queue.ProcessTask(ctx, storage.EnrichmentTask{RecordID: "r1", TaskType: storage.TaskPhotoCaption})
	assert.ErrorIs(t, err, media.ErrMediaUnavailable)
	assert.Zero(t, h.analyzer.calls.Load())
}

func TestProcessTaskUsesLegacyInlinePhoto(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.PutRecord(ctx, storage.Record{
		ID:           "legacy",
		PhotoPresent: true,
		PhotoData:    media.DataURL([]byte("old-jpeg"), "image/jpeg"),
	}))

	h.analyzer.describeFn = func(_ context.Context, image []byte, _ string, _ map[string]any) (PhotoDescription, error) {
		assert.Equal(t, []byte("old-jpeg"), image)
		return PhotoDescription{Caption: "from inline"}, nil
	}

	err := h.queue.ProcessTask(ctx, storage.EnrichmentTask{RecordID: "legacy", TaskType: storage.TaskPhotoCaption})
	require.NoError(t, err)

	got, err := h.store.GetRecord(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "from inline", got.PhotoCaption)
}

func TestProcessTaskMissingRecord(t *testing.T) {
	h := newHarness(t)
	err := h.queue.ProcessTask(context.Background(), storage.EnrichmentTask{RecordID: "ghost", TaskType: storage.TaskPhotoCaption})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestBuildContextKeepsReservedKeys(t *testing.T) {
	rec := storage.Record{
		TaskType:  "irrigation",
		Note:      "dry",
		CreatedAt: time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC),
		Fields:    map[string]string{"note": "overwritten?", "field_id": "F-12"},
	}
	got := BuildContext(rec)
	assert.Equal(t, "dry", got["note"])
	assert.Equal(t, "F-12", got["field_id"])
	assert.Equal(t, "2025-02-03T04:05:06Z", got["timestamp"])
}
