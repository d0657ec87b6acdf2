package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/fieldkit/internal/queue"
)

// Target is a queue the Runner drains.
type Target struct {
	Name    string
	Process func(ctx context.Context) (queue.Result, error)
}

// Refresh is a Target that runs fn on every trigger. It is used for caches
// that should be rebuilt whenever the queues are drained.
func Refresh(name string, fn func(ctx context.Context)) Target {
	return Target{Name: name, Process: func(ctx context.Context) (queue.Result, error) {
		fn(ctx)
		return queue.Result{}, nil
	}}
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	StartupDelay time.Duration // default 2s
	Interval     time.Duration // periodic drain, default 30s
	Logger       *slog.Logger
}

// Runner drains every target when connectivity is restored, on Refocus,
// once shortly after startup and periodically.
type Runner struct {
	monitor *Monitor
	targets []Target
	startup time.Duration
	every   time.Duration
	logger  *slog.Logger

	restored chan struct{}
	refocus  chan struct{}
}

func NewRunner(m *Monitor, opts RunnerOptions, targets ...Target) *Runner {
	if opts.StartupDelay <= 0 {
		opts.StartupDelay = 2 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Runner{
		monitor:  m,
		targets:  targets,
		startup:  opts.StartupDelay,
		every:    opts.Interval,
		logger:   opts.Logger.With("component", "triggers"),
		restored: make(chan struct{}, 1),
		refocus:  make(chan struct{}, 1),
	}
	if m != nil {
		m.OnRestored(func() { signal(r.restored) })
	}
	return r
}

// Refocus requests a drain, as when the user returns to the app.
func (r *Runner) Refocus() {
	signal(r.refocus)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run dispatches triggers until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	startup := time.NewTimer(r.startup)
	defer startup.Stop()
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-startup.C:
			r.Trigger(ctx, "startup")
		case <-r.restored:
			r.Trigger(ctx, "connectivity restored")
		case <-r.refocus:
			r.Trigger(ctx, "refocus")
		case <-ticker.C:
			r.Trigger(ctx, "periodic")
		}
	}
}

// Trigger drains every target once. Overlapping drains coalesce inside
// the queues.
func (r *Runner) Trigger(ctx context.Context, reason string) {
	for _, t := range r.targets {
		res, err := t.Process(ctx)
		if err != nil {
			r.logger.Error("queue drain failed", "queue", t.Name, "reason", reason, "error", err)
			continue
		}
		if res.Attempted > 0 || res.Exhausted > 0 {
			r.logger.Info("queue drained", "queue", t.Name, "reason", reason,
				"succeeded", res.Succeeded, "retried", res.Retried, "exhausted", res.Exhausted)
		} else {
			r.logger.Debug("queue drain", "queue", t.Name, "reason", reason, "offline", res.Offline, "deferred", res.Deferred)
		}
	}
}
