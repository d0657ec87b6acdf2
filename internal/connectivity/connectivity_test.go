package connectivity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/fieldkit/internal/queue"
)

// switchTransport answers every request while up is set and fails otherwise.
type switchTransport struct {
	up      atomic.Bool
	methods atomic.Value
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.methods.Store(req.Method)
	if !s.up.Load() {
		return nil, errors.New("network unreachable")
	}
	return &http.Response{StatusCode: http.StatusNoContent, Body: io.NopCloser(strings.NewReader("")), Request: req}, nil
}

func newTestMonitor(tr *switchTransport) *Monitor {
	return NewMonitor(MonitorOptions{
		ProbeURL:   "http://probe.test/generate_204",
		Interval:   time.Hour,
		HTTPClient: &http.Client{Transport: tr},
	})
}

func TestMonitorCheck(t *testing.T) {
	tr := &switchTransport{}
	m := newTestMonitor(tr)
	ctx := context.Background()

	assert.False(t, m.Online(), "unknown until first probe")

	tr.up.Store(true)
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Online())
	assert.Equal(t, http.MethodHead, tr.methods.Load())

	tr.up.Store(false)
	assert.False(t, m.Check(ctx))
	assert.False(t, m.Online())
}

func TestMonitorNotifiesOnRestore(t *testing.T) {
	tr := &switchTransport{}
	m := newTestMonitor(tr)
	ctx := context.Background()

	var restored atomic.Int32
	m.OnRestored(func() { restored.Add(1) })

	tr.up.Store(true)
	m.Check(ctx)
	assert.Equal(t, int32(0), restored.Load(), "first probe is not a transition")

	m.Check(ctx)
	assert.Equal(t, int32(0), restored.Load())

	tr.up.Store(false)
	m.Check(ctx)
	tr.up.Store(true)
	m.Check(ctx)
	assert.Equal(t, int32(1), restored.Load())
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	tr := &switchTransport{}
	tr.up.Store(true)
	m := newTestMonitor(tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, m.Online, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type countingTarget struct {
	calls chan string
}

func (c *countingTarget) target(name string) Target {
	return Target{Name: name, Process: func(ctx context.Context) (queue.Result, error) {
		c.calls <- name
		return queue.Result{Attempted: 1, Succeeded: 1}, nil
	}}
}

func waitCall(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case name := <-ch:
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("no drain triggered")
		return ""
	}
}

func TestRunnerStartupDrainsAllTargets(t *testing.T) {
	ct := &countingTarget{calls: make(chan string, 10)}
	r := NewRunner(nil, RunnerOptions{StartupDelay: 10 * time.Millisecond, Interval: time.Hour},
		ct.target("enrichment"), ct.target("sync"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	assert.Equal(t, "enrichment", waitCall(t, ct.calls))
	assert.Equal(t, "sync", waitCall(t, ct.calls))
}

func TestRunnerRefocus(t *testing.T) {
	ct := &countingTarget{calls: make(chan string, 10)}
	r := NewRunner(nil, RunnerOptions{StartupDelay: time.Hour, Interval: time.Hour}, ct.target("sync"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Refocus()
	assert.Equal(t, "sync", waitCall(t, ct.calls))
}

func TestRunnerConnectivityRestored(t *testing.T) {
	tr := &switchTransport{}
	m := newTestMonitor(tr)
	ct := &countingTarget{calls: make(chan string, 10)}
	r := NewRunner(m, RunnerOptions{StartupDelay: time.Hour, Interval: time.Hour}, ct.target("enrichment"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	m.Check(ctx) // offline
	tr.up.Store(true)
	m.Check(ctx) // restored

	assert.Equal(t, "enrichment", waitCall(t, ct.calls))
}

func TestRunnerPeriodic(t *testing.T) {
	ct := &countingTarget{calls: make(chan string, 10)}
	r := NewRunner(nil, RunnerOptions{StartupDelay: time.Hour, Interval: 20 * time.Millisecond}, ct.target("sync"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitCall(t, ct.calls)
	waitCall(t, ct.calls)
}

func TestRunnerContinuesAfterTargetError(t *testing.T) {
	calls := make(chan string, 10)
	failing := Target{Name: "enrichment", Process: func(ctx context.Context) (queue.Result, error) {
		calls <- "enrichment"
		return queue.Result{}, errors.New("storage unavailable")
	}}
	ct := &countingTarget{calls: calls}
	r := NewRunner(nil, RunnerOptions{}, failing, ct.target("sync"))

	r.Trigger(context.Background(), "test")
	assert.Equal(t, "enrichment", <-calls)
	assert.Equal(t, "sync", <-calls)
}

func TestRunnerRefreshRunsOnRefocus(t *testing.T) {
	calls := make(chan string, 10)
	r := NewRunner(nil, RunnerOptions{StartupDelay: time.Hour, Interval: time.Hour},
		Refresh("generation", func(context.Context) { calls <- "generation" }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Refocus()
	assert.Equal(t, "generation", waitCall(t, calls))
}
