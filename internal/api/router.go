// Package api is the daemon's local HTTP surface: record capture, queue
// control, backend status, streaming chat and an MCP tool server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fieldkit/internal/llm"
	"github.com/kalambet/fieldkit/internal/media"
	"github.com/kalambet/fieldkit/internal/queue"
	"github.com/kalambet/fieldkit/internal/retrieval"
	"github.com/kalambet/fieldkit/internal/storage"
	"github.com/kalambet/fieldkit/internal/syncqueue"
)

const maxRequestBodySize = 1 << 20 // 1MB

// RecordStore is the slice of the record store the API uses.
type RecordStore interface {
	PutRecord(ctx context.Context, r storage.Record) error
	GetRecord(ctx context.Context, id string) (storage.Record, error)
	ListRecords(ctx context.Context, limit int, newestFirst bool) ([]storage.Record, error)
	CountEnrichmentTasks(ctx context.Context) (int, error)
}

// MediaStore stores captured media.
type MediaStore interface {
	Put(ctx context.Context, data []byte, mimeType, ownerID string, role media.Role) (media.Pointer, error)
	Delete(ctx context.Context, p media.Pointer) error
	Read(ctx context.Context, src media.Source) ([]byte, string, error)
}

// Enricher is the enrichment queue.
type Enricher interface {
	QueueProcessing(ctx context.Context, rec storage.Record, hasAPIKey bool) (int, error)
	ProcessQueue(ctx context.Context) (queue.Result, error)
}

// Syncer is the sync queue.
type Syncer interface {
	Configured() bool
	QueueRecord(ctx context.Context, recordID string) error
	ProcessQueue(ctx context.Context) (queue.Result, error)
	SyncAllPending(ctx context.Context) (queue.Result, error)
	Status(ctx context.Context) (syncqueue.Status, error)
}

// HistorySearcher finds past visits relevant to a question.
type HistorySearcher interface {
	Search(ctx context.Context, query string, opts retrieval.Options) (retrieval.Result, error)
}

// Generator answers questions.
type Generator interface {
	Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error]
	Backends(ctx context.Context) map[string]llm.Probe
	Recheck(ctx context.Context) map[string]llm.Probe
}

// Deps holds the API's collaborators.
type Deps struct {
	Store  RecordStore
	Media  MediaStore
	Enrich Enricher
	Sync   Syncer
	LLM    Generator
	// History, if set, adds relevant past visits to every question.
	History HistorySearcher

	// Refocus, if set, asks the trigger runner for a background drain.
	Refocus func()
	// Online reports connectivity. Nil means always online.
	Online func() bool

	HasEnrichmentKey bool
	DefaultModel     llm.ModelOption
	Token            string
	Logger           *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) online() bool {
	return d.Online == nil || d.Online()
}

// NewHandler returns the daemon's HTTP handler. /health is public; every
// other route requires the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/records", handleCapture(deps))
		r.Get("/records", handleListRecords(deps))
		r.Get("/records/search", handleSearchRecords(deps))
		r.Get("/records/{id}", handleGetRecord(deps))

		r.Post("/queues/process", handleProcessQueues(deps))
		r.Get("/queues/status", handleQueueStatus(deps))
		r.Post("/sync/pending", handleSyncPending(deps))

		r.Get("/backends", handleBackends(deps))
		r.Post("/chat", handleChat(deps))

		r.Handle("/mcp", server.NewStreamableHTTPServer(NewMCPServer(deps)))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
