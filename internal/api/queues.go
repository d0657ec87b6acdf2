package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/kalambet/fieldkit/internal/queue"
	"github.com/kalambet/fieldkit/internal/syncqueue"
)

// QueueStatus is returned by GET /queues/status.
type QueueStatus struct {
	Online         bool             `json:"online"`
	EnrichmentKey  bool             `json:"enrichment_key"`
	Enrichment     int              `json:"enrichment_queued"`
	SyncConfigured bool             `json:"sync_configured"`
	Sync           syncqueue.Status `json:"sync"`
}

// ProcessResult is returned by POST /queues/process.
type ProcessResult struct {
	Enrichment queue.Result `json:"enrichment"`
	Sync       queue.Result `json:"sync"`
}

func queueStatus(ctx context.Context, deps Deps) (QueueStatus, error) {
	st := QueueStatus{Online: deps.online(), EnrichmentKey: deps.HasEnrichmentKey}
	n, err := deps.Store.CountEnrichmentTasks(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	st.Enrichment = n
	if deps.Sync != nil {
		st.SyncConfigured = deps.Sync.Configured()
		if st.Sync, err = deps.Sync.Status(ctx); err != nil {
			return QueueStatus{}, err
		}
	}
	return st, nil
}

func handleQueueStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := queueStatus(r.Context(), deps)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read queue status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleProcessQueues drains both queues and reports the results. With
// ?async=true it only signals the trigger runner and returns at once.
func handleProcessQueues(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("async") == "true" && deps.Refocus != nil {
			deps.Refocus()
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
			return
		}

		var res ProcessResult
		var err error
		if deps.Enrich != nil {
			if res.Enrichment, err = deps.Enrich.ProcessQueue(r.Context()); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "enrichment queue: %v", err)
				return
			}
		}
		if deps.Sync != nil {
			if res.Sync, err = deps.Sync.ProcessQueue(r.Context()); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "sync queue: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSyncPending(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sync == nil {
			httpError(w, http.StatusConflict, "not_configured", "%v", syncqueue.ErrNotConfigured)
			return
		}
		res, err := deps.Sync.SyncAllPending(r.Context())
		if errors.Is(err, syncqueue.ErrNotConfigured) {
			httpError(w, http.StatusConflict, "not_configured", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleBackends(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.LLM.Recheck(r.Context()))
	}
}
