package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
)

// Strategy picks a backend for each request.
type Strategy struct {
	local  Backend
	cloud  Backend
	logger *slog.Logger
}

func NewStrategy(local, cloud Backend, logger *slog.Logger) *Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{local: local, cloud: cloud, logger: logger.With("component", "llm")}
}

// Backends reports the availability of both backends.
func (s *Strategy) Backends(ctx context.Context) map[string]Probe {
	return map[string]Probe{
		s.local.Name(): s.local.Probe(ctx),
		s.cloud.Name(): s.cloud.Probe(ctx),
	}
}

// Rechecker is a backend whose availability is cached and can be refreshed.
type Rechecker interface {
	Recheck(ctx context.Context) Probe
}

// Recheck refreshes cached availability where a backend caches it and
// returns the current availability.
func (s *Strategy) Recheck(ctx context.Context) map[string]Probe {
	out := make(map[string]Probe, 2)
	for _, b := range []Backend{s.local, s.cloud} {
		if r, ok := b.(Rechecker); ok {
			out[b.Name()] = r.Recheck(ctx)
		} else {
			out[b.Name()] = b.Probe(ctx)
		}
	}
	return out
}

// Stream answers req.
//
// An explicit local or cloud preference uses only that backend and surfaces
// its error. In auto mode a simple task goes to the local backend first,
// then cloud; a complex task goes to cloud first, then local. A backend
// that fails before its first fragment counts as a failed attempt and the
// next one is tried. Once fragments have been yielded an error is returned
// to the caller as is.
func (s *Strategy) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		switch req.Preference {
		case PreferLocal:
			s.only(ctx, s.local, req, yield)
			return
		case PreferCloud:
			s.only(ctx, s.cloud, req, yield)
			return
		}

		localOK := s.local.Probe(ctx).Available
		cloudOK := s.cloud.Probe(ctx).Available

		var lastErr error
		triedLocal := false

		if req.Complexity != Complex && localOK {
			triedLocal = true
			done, err := s.attempt(ctx, s.local, req, yield)
			if done {
				return
			}
			s.logger.Warn("local backend failed, trying cloud", "error", err)
			lastErr = err
		}

		if cloudOK {
			done, err := s.attempt(ctx, s.cloud, req, yield)
			if done {
				return
			}
			s.logger.Warn("cloud backend failed, trying local", "error", err)
			lastErr = err
		}

		if localOK && !triedLocal {
			done, err := s.attempt(ctx, s.local, req, yield)
			if done {
				return
			}
			lastErr = err
		}

		if lastErr != nil {
			yield("", fmt.Errorf("%w (last error: %v)", ErrNoBackendAvailable, lastErr))
			return
		}
		yield("", ErrNoBackendAvailable)
	}
}

func (s *Strategy) only(ctx context.Context, b Backend, req Request, yield func(string, error) bool) {
	if p := b.Probe(ctx); !p.Available {
		yield("", unavailable(b.Name(), p))
		return
	}
	for frag, err := range b.Stream(ctx, req) {
		if !yield(frag, err) || err != nil {
			return
		}
	}
}

// attempt streams from b. It reports done=false only when b failed before
// producing anything, so the caller may fall back.
func (s *Strategy) attempt(ctx context.Context, b Backend, req Request, yield func(string, error) bool) (bool, error) {
	started := false
	for frag, err := range b.Stream(ctx, req) {
		if err != nil {
			if !started {
				return false, err
			}
			yield("", err)
			return true, nil
		}
		if frag == "" {
			continue
		}
		started = true
		if !yield(frag, nil) {
			return true, nil
		}
	}
	s.logger.Debug("answered", "backend", b.Name())
	return true, nil
}
