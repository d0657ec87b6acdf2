// Package syncqueue pushes captured records to the sync server, retrying
// with backoff while the device is offline or the server is failing.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kalambet/fieldkit/internal/media"
	"github.com/kalambet/fieldkit/internal/queue"
	"github.com/kalambet/fieldkit/internal/storage"
)

// ErrNotConfigured is returned by QueueRecord when no server URL is set.
var ErrNotConfigured = errors.New("sync server not configured")

// Policy is the sync backoff: 2s doubling up to 30s, five attempts.
var Policy = queue.Policy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxRetries: 5}

// RecordStore is the slice of the record store used by the sync queue.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (storage.Record, error)
	UpdateRecord(ctx context.Context, id string, patch storage.RecordPatch) (storage.Record, error)
	UnsyncedRecords(ctx context.Context) ([]storage.Record, error)
	CountBySyncStatus(ctx context.Context) (map[storage.SyncStatus]int, error)
	InsertSyncTask(ctx context.Context, t storage.SyncTask) (bool, error)
	ListSyncTasks(ctx context.Context) ([]storage.SyncTask, error)
	DeleteSyncTask(ctx context.Context, id string) error
	RequeueSyncTask(ctx context.Context, t storage.SyncTask, attempted time.Time) (storage.SyncTask, error)
	CountSyncTasks(ctx context.Context) (int, error)
}

// MediaReader reads record media for upload.
type MediaReader interface {
	Read(ctx context.Context, src media.Source) ([]byte, string, error)
}

// Options configures a Queue.
type Options struct {
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Online            func() bool
	// Context bounds background drains; cancel it on shutdown.
	Context context.Context
	Now     func() time.Time
	Logger  *slog.Logger
}

// Status is a snapshot of sync progress.
type Status struct {
	Queued   int                        `json:"queued"`
	Pending  int                        `json:"pending"`
	ByStatus map[storage.SyncStatus]int `json:"byStatus"`
}

// Queue is the sync queue.
type Queue struct {
	store  RecordStore
	media  MediaReader
	opts   Options
	online func() bool
	logger *slog.Logger

	mu     sync.RWMutex
	client *Client

	q *queue.Queue[struct{}]
}

// New creates a sync queue. It does nothing until SetConfig supplies a
// server URL.
func New(store RecordStore, mr MediaReader, opts Options) *Queue {
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sq := &Queue{
		store:  store,
		media:  mr,
		opts:   opts,
		online: opts.Online,
		logger: opts.Logger.With("component", "sync"),
	}
	sq.q = queue.New(queue.Config[struct{}]{
		Name:   "sync",
		Policy: Policy,
		Store:  taskStore{store},
		Handle: func(ctx context.Context, t queue.Task[struct{}]) error {
			return sq.syncRecord(ctx, t.RecordID)
		},
		OnExhausted: func(ctx context.Context, t queue.Task[struct{}]) error {
			failed := storage.SyncFailed
			_, err := store.UpdateRecord(ctx, t.RecordID, storage.RecordPatch{SyncStatus: &failed})
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		},
		Online:  sq.ready,
		Context: opts.Context,
		Now:     opts.Now,
		Logger:  opts.Logger,
	})
	return sq
}

// SetConfig replaces the server configuration. An empty ServerURL disables
// syncing.
func (q *Queue) SetConfig(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !cfg.configured() {
		q.client = nil
		return
	}
	q.client = NewClient(cfg, q.opts.RequestsPerSecond, q.opts.HTTPClient)
}

// Configured reports whether a server URL is set.
func (q *Queue) Configured() bool {
	return q.currentClient() != nil
}

func (q *Queue) currentClient() *Client {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.client
}

func (q *Queue) ready() bool {
	return q.online() && q.Configured()
}

// QueueRecord queues recordID for sync. A record already queued is left as
// is. When online the queue is drained in the background.
func (q *Queue) QueueRecord(ctx context.Context, recordID string) error {
	if !q.Configured() {
		return ErrNotConfigured
	}
	ok, err := q.store.InsertSyncTask(ctx, storage.SyncTask{RecordID: recordID})
	if err != nil {
		return fmt.Errorf("queueing sync for %s: %w", recordID, err)
	}
	if ok {
		q.logger.Debug("queued sync task", "record_id", recordID)
	}
	if q.online() {
		q.q.Kick(ctx)
	}
	return nil
}

// ProcessQueue drains the queue once. It is a no-op while offline or
// unconfigured.
func (q *Queue) ProcessQueue(ctx context.Context) (queue.Result, error) {
	return q.q.Process(ctx)
}

// SyncAllPending queues every pending or failed record and drains once.
func (q *Queue) SyncAllPending(ctx context.Context) (queue.Result, error) {
	if !q.Configured() {
		return queue.Result{}, ErrNotConfigured
	}
	recs, err := q.store.UnsyncedRecords(ctx)
	if err != nil {
		return queue.Result{}, fmt.Errorf("listing unsynced records: %w", err)
	}
	for _, rec := range recs {
		if _, err := q.store.InsertSyncTask(ctx, storage.SyncTask{RecordID: rec.ID}); err != nil {
			return queue.Result{}, fmt.Errorf("queueing sync for %s: %w", rec.ID, err)
		}
	}
	return q.q.Process(ctx)
}

// Status reports queued tasks and record counts by sync status.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	queued, err := q.store.CountSyncTasks(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := q.store.CountBySyncStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Queued:   queued,
		Pending:  counts[storage.SyncPending] + counts[storage.SyncFailed],
		ByStatus: counts,
	}, nil
}

// Wait blocks until background drains started by QueueRecord finish.
func (q *Queue) Wait() {
	q.q.Wait()
}

func (q *Queue) syncRecord(ctx context.Context, recordID string) error {
	client := q.currentClient()
	if client == nil {
		return ErrNotConfigured
	}

	rec, err := q.store.GetRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("loading record %s: %w", recordID, err)
	}

	syncing := storage.SyncSyncing
	if _, err := q.store.UpdateRecord(ctx, recordID, storage.RecordPatch{SyncStatus: &syncing}); err != nil {
		return err
	}

	if err := client.Upsert(ctx, rec); err != nil {
		pending := storage.SyncPending
		if _, uerr := q.store.UpdateRecord(ctx, recordID, storage.RecordPatch{SyncStatus: &pending}); uerr != nil {
			q.logger.Warn("resetting sync status", "record_id", recordID, "error", uerr)
		}
		return err
	}

	// Media uploads are best effort; the record counts as synced without them.
	if rec.PhotoPresent {
		q.uploadMedia(ctx, client, rec.ID, media.RolePhoto, rec.Photo, rec.PhotoData)
	}
	if rec.AudioPresent {
		q.uploadMedia(ctx, client, rec.ID, media.RoleAudio, rec.Audio, rec.AudioData)
	}

	synced := storage.SyncSynced
	_, err = q.store.UpdateRecord(ctx, recordID, storage.RecordPatch{SyncStatus: &synced})
	return err
}

func (q *Queue) uploadMedia(ctx context.Context, client *Client, recordID string, role media.Role, p *media.Pointer, legacy string) {
	log := q.logger.With("record_id", recordID, "role", role)
	if p != nil && p.Kind == media.KindRemote {
		return
	}
	src, ok, err := media.SourceOf(p, legacy)
	if err != nil || !ok {
		log.Warn("no media to upload", "error", err)
		return
	}
	data, mimeType, err := q.media.Read(ctx, src)
	if err != nil {
		log.Warn("reading media for upload", "error", err)
		return
	}
	uri, err := client.UploadMedia(ctx, recordID, string(role), data)
	if err != nil {
		log.Warn("media upload failed", "error", err)
		return
	}

	remote := &media.Pointer{Kind: media.KindRemote, Locator: uri, MimeType: mimeType, SizeBytes: int64(len(data))}
	patch := storage.RecordPatch{}
	empty := ""
	switch role {
	case media.RolePhoto:
		patch.Photo = remote
		if legacy != "" {
			patch.PhotoData = &empty
		}
	case media.RoleAudio:
		patch.Audio = remote
		if legacy != "" {
			patch.AudioData = &empty
		}
	}
	if _, err := q.store.UpdateRecord(ctx, recordID, patch); err != nil {
		log.Warn("recording remote media pointer", "error", err)
		return
	}
	log.Debug("media uploaded", "uri", uri)
}

// taskStore adapts the record store's sync table to queue.Store.
type taskStore struct {
	store RecordStore
}

func (s taskStore) ListTasks(ctx context.Context) ([]queue.Task[struct{}], error) {
	tasks, err := s.store.ListSyncTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]queue.Task[struct{}], len(tasks))
	for i, t := range tasks {
		out[i] = queue.Task[struct{}]{
			ID:          t.ID,
			RecordID:    t.RecordID,
			Retries:     t.Retries,
			LastAttempt: t.LastAttempt,
			CreatedAt:   t.CreatedAt,
		}
	}
	return out, nil
}

func (s taskStore) DeleteTask(ctx context.Context, t queue.Task[struct{}]) error {
	return s.store.DeleteSyncTask(ctx, t.ID)
}

func (s taskStore) RequeueTask(ctx context.Context, t queue.Task[struct{}], attempted time.Time) error {
	_, err := s.store.RequeueSyncTask(ctx, storage.SyncTask{
		ID:          t.ID,
		RecordID:    t.RecordID,
		Retries:     t.Retries,
		LastAttempt: t.LastAttempt,
		CreatedAt:   t.CreatedAt,
	}, attempted)
	return err
}
