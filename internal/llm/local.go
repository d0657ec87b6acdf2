package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/fieldkit/internal/engine"
)

const (
	// checkTimeout bounds one liveness check of the engine.
	checkTimeout = 2 * time.Second
	// negativeTTL is how long an unavailable result is trusted before the
	// next Probe checks the engine again.
	negativeTTL = 15 * time.Second
)

// LocalBackend runs on the local inference engine. Models are tried in
// order. A positive result is cached until Recheck; a negative one only for
// negativeTTL, so an engine started or a model pulled after boot is picked
// up without a restart.
type LocalBackend struct {
	engine engine.Engine
	models []string
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	checked   bool
	checkedAt time.Time
	installed []string
	reason    string
}

// NewLocalBackend creates a backend over e. models are in priority order.
func NewLocalBackend(e engine.Engine, logger *slog.Logger, models ...string) *LocalBackend {
	if logger == nil {
		logger = slog.Default()
	}
	var ordered []string
	for _, m := range models {
		if m != "" {
			ordered = append(ordered, m)
		}
	}
	return &LocalBackend{engine: e, models: ordered, logger: logger.With("backend", "local"), now: time.Now}
}

func (l *LocalBackend) Name() string { return "local" }

// Probe returns the cached availability. The engine is checked on first
// use and again once a negative result is older than negativeTTL.
func (l *LocalBackend) Probe(ctx context.Context) Probe {
	l.mu.Lock()
	fresh := l.checked && (len(l.installed) > 0 || l.now().Sub(l.checkedAt) < negativeTTL)
	p := l.statusLocked()
	l.mu.Unlock()
	if fresh {
		return p
	}
	return l.Recheck(ctx)
}

// Recheck checks the engine again. Concurrent calls share one check. The
// check is detached from ctx cancellation so an abandoned request cannot
// cache a false negative.
func (l *LocalBackend) Recheck(ctx context.Context) Probe {
	v, _, _ := l.group.Do("check", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkTimeout)
		defer cancel()
		installed, reason := l.check(pctx)

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.checked && len(l.installed) == 0 && len(installed) > 0 {
			l.logger.Info("local backend became available", "models", installed)
		}
		l.checked = true
		l.checkedAt = l.now()
		l.installed = installed
		l.reason = reason
		return l.statusLocked(), nil
	})
	return v.(Probe)
}

// Models returns the installed models in priority order, as of the last
// check.
func (l *LocalBackend) Models() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.installed...)
}

func (l *LocalBackend) statusLocked() Probe {
	if len(l.installed) == 0 {
		return Probe{Available: false, Reason: l.reason}
	}
	return Probe{Available: true}
}

func (l *LocalBackend) check(ctx context.Context) ([]string, string) {
	if len(l.models) == 0 {
		return nil, "no local model configured"
	}
	if !l.engine.IsRunning(ctx) {
		return nil, "local inference engine is not running"
	}
	var installed []string
	for _, m := range l.models {
		if l.engine.HasModel(ctx, m) {
			installed = append(installed, m)
		}
	}
	if len(installed) == 0 {
		return nil, fmt.Sprintf("no local model installed (want one of %s)", strings.Join(l.models, ", "))
	}
	return installed, ""
}

// Stream tries each installed model in order until one produces output.
func (l *LocalBackend) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		p := l.Probe(ctx)
		if !p.Available {
			yield("", unavailable(l.Name(), p))
			return
		}

		msgs := localMessages(req)
		var lastErr error
		for _, model := range l.Models() {
			started := false
			failed := false
			for frag, err := range l.engine.ChatStream(ctx, model, msgs) {
				if err != nil {
					if started {
						yield("", err)
						return
					}
					l.logger.Warn("local model failed", "model", model, "error", err)
					lastErr = fmt.Errorf("%s: %w", model, err)
					failed = true
					break
				}
				if frag == "" {
					continue
				}
				started = true
				if !yield(frag, nil) {
					return
				}
			}
			if !failed {
				return
			}
		}
		yield("", lastErr)
	}
}

func localMessages(req Request) []engine.Message {
	var msgs []engine.Message
	if req.SystemPrompt != "" {
		msgs = append(msgs, engine.Message{Role: "system", Content: req.SystemPrompt})
	}
	user := engine.Message{Role: "user", Content: userText(req)}
	for _, img := range req.Images {
		user.Images = append(user.Images, img.Data)
	}
	return append(msgs, user)
}

func userText(req Request) string {
	if req.Location == nil {
		return req.Text
	}
	return fmt.Sprintf("%s\n\nLocation: %.6f, %.6f", req.Text, req.Location.Lat, req.Location.Lon)
}
