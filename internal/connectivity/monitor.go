// Package connectivity tracks whether the sync and AI services are
// reachable and turns connectivity changes and other events into queue
// drains.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultProbeURL = "https://www.gstatic.com/generate_204"
	probeTimeout    = 3 * time.Second
)

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	ProbeURL   string
	Interval   time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Monitor probes a URL on an interval and reports the result as Online.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu     sync.RWMutex
	online bool
	known  bool
	subs   []func()
}

func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.ProbeURL == "" {
		opts.ProbeURL = DefaultProbeURL
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		probeURL: opts.ProbeURL,
		interval: opts.Interval,
		client:   opts.HTTPClient,
		logger:   opts.Logger.With("component", "connectivity"),
	}
}

// Online reports the result of the latest probe. It is false until the
// first probe completes.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnRestored registers fn to run on every offline to online transition.
// fn must not block.
func (m *Monitor) OnRestored(fn func()) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Check probes once and updates Online.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)
	m.set(online)
	return online
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	restored := m.known && !m.online && online
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	subs := append([]func(){}, m.subs...)
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", "online", online)
	}
	if restored {
		for _, fn := range subs {
			fn()
		}
	}
}

// probe treats any HTTP response as reachable.
func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", "url", m.probeURL, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
