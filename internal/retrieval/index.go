package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/fieldkit/internal/storage"
)

// Store is the part of the record store retrieval reads and writes.
// *storage.Store satisfies it.
type Store interface {
	GetRecord(ctx context.Context, id string) (storage.Record, error)
	UpdateRecord(ctx context.Context, id string, patch storage.RecordPatch) (storage.Record, error)
	RecordsPendingEmbedding(ctx context.Context, limit int) ([]storage.Record, error)
	RecordsSince(ctx context.Context, since time.Time, limit int) ([]storage.Record, error)
	EnrichmentTasksForRecord(ctx context.Context, recordID string, taskType storage.TaskType) ([]storage.EnrichmentTask, error)
	PutRecordVector(ctx context.Context, v storage.RecordVector) error
	ScanRecordVectors(ctx context.Context, model string, since time.Time, fn func(recordID string, embedding []float32) error) error
}

const indexBatch = 16

// Indexer embeds records once their enrichment has settled and raises
// their embedding flag.
type Indexer struct {
	store    Store
	embedder *Embedder
	logger   *slog.Logger
}

func NewIndexer(store Store, embedder *Embedder, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, embedder: embedder, logger: logger.With("component", "retrieval")}
}

// IndexResult summarizes one Process call.
type IndexResult struct {
	Indexed int `json:"indexed"`
	// Waiting counts records with enrichment tasks still queued.
	Waiting int `json:"waiting"`
}

// Process indexes every record whose embedding flag is not yet raised.
// Records with queued enrichment are left for a later call so their
// caption and transcript are part of the embedded text.
func (ix *Indexer) Process(ctx context.Context) (IndexResult, error) {
	var res IndexResult
	recs, err := ix.store.RecordsPendingEmbedding(ctx, 0)
	if err != nil {
		return res, err
	}

	var ready []storage.Record
	var texts []string
	for _, rec := range recs {
		settled, err := ix.settled(ctx, rec.ID)
		if err != nil {
			return res, err
		}
		if !settled {
			res.Waiting++
			continue
		}
		text := DocumentText(rec)
		if text == "" {
			if _, err := ix.store.UpdateRecord(ctx, rec.ID, storage.RecordPatch{EmbeddingDone: true}); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return res, err
			}
			continue
		}
		ready = append(ready, rec)
		texts = append(texts, text)
	}

	for start := 0; start < len(ready); start += indexBatch {
		end := min(start+indexBatch, len(ready))
		vecs, err := ix.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return res, err
		}
		for i, vec := range vecs {
			rec := ready[start+i]
			err := ix.store.PutRecordVector(ctx, storage.RecordVector{
				RecordID:  rec.ID,
				Model:     ix.embedder.Model(),
				Text:      texts[start+i],
				Embedding: vec,
			})
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("storing vector for %s: %w", rec.ID, err)
			}
			res.Indexed++
		}
	}
	if res.Indexed > 0 {
		ix.logger.Info("records indexed", "indexed", res.Indexed, "waiting", res.Waiting)
	}
	return res, nil
}

func (ix *Indexer) settled(ctx context.Context, recordID string) (bool, error) {
	for _, tt := range []storage.TaskType{storage.TaskPhotoCaption, storage.TaskAudioTranscript} {
		tasks, err := ix.store.EnrichmentTasksForRecord(ctx, recordID, tt)
		if err != nil {
			return false, err
		}
		if len(tasks) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// DocumentText is the text a record is indexed under: task type, fields,
// note, caption and transcript.
func DocumentText(rec storage.Record) string {
	var lines []string
	if rec.TaskType != "" {
		lines = append(lines, "Task: "+rec.TaskType)
	}
	keys := make([]string, 0, len(rec.Fields))
	for k, v := range rec.Fields {
		if strings.TrimSpace(v) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+rec.Fields[k])
	}
	for _, part := range []struct{ label, text string }{
		{"Note", rec.Note},
		{"Photo", rec.PhotoCaption},
		{"Voice note", rec.AudioTranscript},
		{"Summary", rec.AudioSummary},
	} {
		if t := strings.TrimSpace(part.text); t != "" {
			lines = append(lines, part.label+": "+t)
		}
	}
	return strings.Join(lines, "\n")
}
