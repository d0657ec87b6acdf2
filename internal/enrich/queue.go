// Package enrich turns captured media into searchable text: photo captions
// and audio transcripts, produced by an external AI service and driven by a
// durable retry queue.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/fieldkit/internal/media"
	"github.com/kalambet/fieldkit/internal/queue"
	"github.com/kalambet/fieldkit/internal/storage"
)

var (
	// ErrEnrichmentCallFailed wraps every failure of the external AI call.
	ErrEnrichmentCallFailed = errors.New("enrichment call failed")

	// ErrNoAPIKey is returned by the analyzer when no credential is set.
	ErrNoAPIKey = errors.New("no enrichment API key configured")
)

// Policy is the enrichment backoff: 2s doubling up to 30s, three attempts.
var Policy = queue.Policy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxRetries: 3}

// RecordStore is the slice of the record store used by the enrichment queue.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (storage.Record, error)
	UpdateRecord(ctx context.Context, id string, patch storage.RecordPatch) (storage.Record, error)
	InsertEnrichmentTask(ctx context.Context, t storage.EnrichmentTask) (bool, error)
	ListEnrichmentTasks(ctx context.Context) ([]storage.EnrichmentTask, error)
	DeleteEnrichmentTask(ctx context.Context, id string) error
	RequeueEnrichmentTask(ctx context.Context, t storage.EnrichmentTask, attempted time.Time) (storage.EnrichmentTask, error)
}

// MediaReader reads record media.
type MediaReader interface {
	Read(ctx context.Context, src media.Source) ([]byte, string, error)
}

// Analyzer is the external AI service.
type Analyzer interface {
	DescribePhoto(ctx context.Context, image []byte, mimeType string, recordContext map[string]any) (PhotoDescription, error)
	TranscribeAudio(ctx context.Context, audio []byte, mimeType string) (AudioTranscription, error)
}

// Options configures a Queue.
type Options struct {
	Online func() bool
	// Context bounds background drains; cancel it on shutdown.
	Context context.Context
	Now     func() time.Time
	Logger  *slog.Logger
}

// Queue is the enrichment queue.
type Queue struct {
	store    RecordStore
	media    MediaReader
	analyzer Analyzer
	online   func() bool
	logger   *slog.Logger

	locks queue.KeyedMutex
	q     *queue.Queue[storage.TaskType]
}

// New creates an enrichment queue.
func New(store RecordStore, mr MediaReader, analyzer Analyzer, opts Options) *Queue {
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	eq := &Queue{
		store:    store,
		media:    mr,
		analyzer: analyzer,
		online:   opts.Online,
		logger:   opts.Logger.With("component", "enrich"),
	}
	eq.q = queue.New(queue.Config[storage.TaskType]{
		Name:   "enrichment",
		Policy: Policy,
		Store:  taskStore{store},
		Handle: func(ctx context.Context, t queue.Task[storage.TaskType]) error {
			return eq.ProcessTask(ctx, toStorage(t))
		},
		Online:  opts.Online,
		Context: opts.Context,
		Now:     opts.Now,
		Logger:  opts.Logger,
	})
	return eq
}

type capability struct {
	taskType storage.TaskType
	present  func(storage.Record) bool
	done     func(storage.Record) bool
}

var capabilities = []capability{
	{
		taskType: storage.TaskPhotoCaption,
		present:  func(r storage.Record) bool { return r.PhotoPresent && (r.Photo != nil || r.PhotoData != "") },
		done:     func(r storage.Record) bool { return r.AI.CaptionDone },
	},
	{
		taskType: storage.TaskAudioTranscript,
		present:  func(r storage.Record) bool { return r.AudioPresent && (r.Audio != nil || r.AudioData != "") },
		done:     func(r storage.Record) bool { return r.AI.TranscriptDone },
	},
}

// QueueProcessing queues a task for every capability rec has media for and
// has not completed yet. Nothing is queued without an API key. When online
// the queue is drained in the background.
func (q *Queue) QueueProcessing(ctx context.Context, rec storage.Record, hasAPIKey bool) (int, error) {
	if !hasAPIKey {
		q.logger.Info("no API key configured, skipping enrichment", "record_id", rec.ID)
		return 0, nil
	}

	unlock := q.locks.Lock(rec.ID)
	defer unlock()

	// The stored copy is authoritative for the AI flags.
	if stored, err := q.store.GetRecord(ctx, rec.ID); err == nil {
		rec = stored
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("loading record %s: %w", rec.ID, err)
	}

	queued := 0
	for _, c := range capabilities {
		if !c.present(rec) || c.done(rec) {
			continue
		}
		ok, err := q.store.InsertEnrichmentTask(ctx, storage.EnrichmentTask{RecordID: rec.ID, TaskType: c.taskType})
		if err != nil {
			return queued, fmt.Errorf("queueing %s for %s: %w", c.taskType, rec.ID, err)
		}
		if ok {
			queued++
			q.logger.Debug("queued enrichment task", "record_id", rec.ID, "task_type", c.taskType)
		}
	}

	if q.online() {
		q.q.Kick(ctx)
	}
	return queued, nil
}

// ProcessQueue drains the queue once. It is a no-op while offline.
func (q *Queue) ProcessQueue(ctx context.Context) (queue.Result, error) {
	return q.q.Process(ctx)
}

// Wait blocks until background drains started by QueueProcessing finish.
func (q *Queue) Wait() {
	q.q.Wait()
}

// ProcessTask runs one enrichment task against its record.
func (q *Queue) ProcessTask(ctx context.Context, t storage.EnrichmentTask) error {
	rec, err := q.store.GetRecord(ctx, t.RecordID)
	if err != nil {
		return fmt.Errorf("loading record %s: %w", t.RecordID, err)
	}

	switch t.TaskType {
	case storage.TaskPhotoCaption:
		if rec.AI.CaptionDone {
			return nil
		}
		data, mimeType, err := q.readMedia(ctx, rec.Photo, rec.PhotoData)
		if err != nil {
			return fmt.Errorf("photo for %s: %w", rec.ID, err)
		}
		desc, err := q.analyzer.DescribePhoto(ctx, data, mimeType, BuildContext(rec))
		if err != nil {
			return err
		}
		_, err = q.store.UpdateRecord(ctx, rec.ID, storage.RecordPatch{
			PhotoCaption: &desc.Caption,
			CaptionDone:  true,
		})
		return err

	case storage.TaskAudioTranscript:
		if rec.AI.TranscriptDone {
			return nil
		}
		data, mimeType, err := q.readMedia(ctx, rec.Audio, rec.AudioData)
		if err != nil {
			return fmt.Errorf("audio for %s: %w", rec.ID, err)
		}
		tr, err := q.analyzer.TranscribeAudio(ctx, data, mimeType)
		if err != nil {
			return err
		}
		_, err = q.store.UpdateRecord(ctx, rec.ID, storage.RecordPatch{
			AudioTranscript: &tr.Transcript,
			AudioSummary:    &tr.Summary,
			TranscriptDone:  true,
		})
		return err

	default:
		return fmt.Errorf("unknown enrichment task type %q", t.TaskType)
	}
}

func (q *Queue) readMedia(ctx context.Context, p *media.Pointer, legacy string) ([]byte, string, error) {
	src, ok, err := media.SourceOf(p, legacy)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: no media source", media.ErrMediaUnavailable)
	}
	return q.media.Read(ctx, src)
}

// BuildContext returns the non-media record fields sent along with a photo.
func BuildContext(rec storage.Record) map[string]any {
	ctx := map[string]any{
		"task_type": rec.TaskType,
		"note":      rec.Note,
		"timestamp": rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	for k, v := range rec.Fields {
		if _, reserved := ctx[k]; !reserved {
			ctx[k] = v
		}
	}
	return ctx
}

// taskStore adapts the record store's enrichment table to queue.Store.
type taskStore struct {
	store RecordStore
}

func (s taskStore) ListTasks(ctx context.Context) ([]queue.Task[storage.TaskType], error) {
	tasks, err := s.store.ListEnrichmentTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]queue.Task[storage.TaskType], len(tasks))
	for i, t := range tasks {
		out[i] = queue.Task[storage.TaskType]{
			ID:          t.ID,
			RecordID:    t.RecordID,
			Payload:     t.TaskType,
			Retries:     t.Retries,
			LastAttempt: t.LastAttempt,
			CreatedAt:   t.CreatedAt,
		}
	}
	return out, nil
}

func (s taskStore) DeleteTask(ctx context.Context, t queue.Task[storage.TaskType]) error {
	return s.store.DeleteEnrichmentTask(ctx, t.ID)
}

func (s taskStore) RequeueTask(ctx context.Context, t queue.Task[storage.TaskType], attempted time.Time) error {
	_, err := s.store.RequeueEnrichmentTask(ctx, toStorage(t), attempted)
	return err
}

func toStorage(t queue.Task[storage.TaskType]) storage.EnrichmentTask {
	return storage.EnrichmentTask{
		ID:          t.ID,
		RecordID:    t.RecordID,
		TaskType:    t.Payload,
		Retries:     t.Retries,
		LastAttempt: t.LastAttempt,
		CreatedAt:   t.CreatedAt,
	}
}
