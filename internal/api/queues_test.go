package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/kalambet/fieldkit/internal/llm"
	"github.com/kalambet/fieldkit/internal/queue"
	"github.com/kalambet/fieldkit/internal/storage"
	"github.com/kalambet/fieldkit/internal/syncqueue"
)

func TestQueueStatus(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Online = func() bool { return false }
	env.sync.status = syncqueue.Status{Queued: 2, Pending: 3, ByStatus: map[storage.SyncStatus]int{storage.SyncPending: 3}}

	rr := serve(t, env.handler(), authReq(http.MethodGet, "/queues/status", "", testToken), http.StatusOK)
	st := decode[QueueStatus](t, rr)

	if st.Online {
		t.Fatal("expected offline")
	}
	if !st.SyncConfigured || st.Sync.Queued != 2 || st.Sync.Pending != 3 {
		t.Fatalf("unexpected sync status: %+v", st)
	}
	if st.Enrichment != 0 {
		t.Fatalf("enrichment queued = %d, want 0", st.Enrichment)
	}
}

func TestProcessQueues(t *testing.T) {
	env := newTestEnv(t)
	env.enrich.result = queue.Result{Attempted: 2, Succeeded: 2}
	env.sync.result = queue.Result{Attempted: 1, Retried: 1}

	rr := serve(t, env.handler(), authReq(http.MethodPost, "/queues/process", "", testToken), http.StatusOK)
	res := decode[ProcessResult](t, rr)
	if res.Enrichment.Succeeded != 2 || res.Sync.Retried != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessQueuesAsync(t *testing.T) {
	env := newTestEnv(t)
	refocused := 0
	env.deps.Refocus = func() { refocused++ }

	serve(t, env.handler(), authReq(http.MethodPost, "/queues/process?async=true", "", testToken), http.StatusAccepted)
	if refocused != 1 {
		t.Fatalf("refocus calls = %d, want 1", refocused)
	}
}

func TestSyncPending(t *testing.T) {
	env := newTestEnv(t)
	env.sync.result = queue.Result{Attempted: 3, Succeeded: 3}

	rr := serve(t, env.handler(), authReq(http.MethodPost, "/sync/pending", "", testToken), http.StatusOK)
	if res := decode[queue.Result](t, rr); res.Succeeded != 3 {
		t.Fatalf("succeeded = %d, want 3", res.Succeeded)
	}
}

func TestSyncPendingNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.sync.configured = false

	rr := serve(t, env.handler(), authReq(http.MethodPost, "/sync/pending", "", testToken), http.StatusConflict)
	if !strings.Contains(rr.Body.String(), "not_configured") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestBackends(t *testing.T) {
	env := newTestEnv(t)
	env.gen.probes = map[string]llm.Probe{
		"local": {Available: false, Reason: "local inference engine is not running"},
		"cloud": {Available: true},
	}

	rr := serve(t, env.handler(), authReq(http.MethodGet, "/backends", "", testToken), http.StatusOK)
	probes := decode[map[string]llm.Probe](t, rr)
	if probes["local"].Available || probes["local"].Reason == "" || !probes["cloud"].Available {
		t.Fatalf("unexpected probes: %+v", probes)
	}
	if n := env.gen.rechecks.Load(); n != 1 {
		t.Fatalf("expected /backends to refresh availability once, got %d", n)
	}
}
