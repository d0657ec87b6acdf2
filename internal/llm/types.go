// Package llm answers free-form questions about field observations using
// either an on-device model or a cloud provider, choosing between them by
// availability, user preference and task complexity.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var (
	// ErrBackendUnavailable means a backend cannot serve requests right now.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNoBackendAvailable is terminal: no backend could answer.
	ErrNoBackendAvailable = errors.New("No LLM available. Install local model (Nano/Llama) or set API key for cloud models.")
)

type Preference string

const (
	PreferAuto  Preference = "auto"
	PreferLocal Preference = "local"
	PreferCloud Preference = "cloud"
)

// ParsePreference accepts local, cloud, auto and the empty string (auto).
func ParsePreference(s string) (Preference, error) {
	switch Preference(s) {
	case "", PreferAuto:
		return PreferAuto, nil
	case PreferLocal, PreferCloud:
		return Preference(s), nil
	}
	return "", fmt.Errorf("unknown backend preference %q", s)
}

type Complexity string

const (
	Simple  Complexity = "simple"
	Complex Complexity = "complex"
)

// complexRecordThreshold is the number of context records above which a
// question counts as complex.
const complexRecordThreshold = 5

// ClassifyComplexity reports Complex when images are attached or the
// context spans more than five records.
func ClassifyComplexity(images, records int) Complexity {
	if images > 0 || records > complexRecordThreshold {
		return Complex
	}
	return Simple
}

type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Image is an attached image.
type Image struct {
	Data     []byte
	MimeType string
}

type Location struct {
	Lat float64
	Lon float64
}

// Request is one question for a backend.
type Request struct {
	Text         string
	SystemPrompt string
	Images       []Image
	Location     *Location
	Preference   Preference
	Complexity   Complexity
	Provider     Provider // cloud only; empty infers from the key
}

// Probe is the result of an availability check.
type Probe struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Backend generates text.
type Backend interface {
	Name() string
	Probe(ctx context.Context) Probe
	// Stream yields response fragments. An error ends the sequence.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

func unavailable(name string, p Probe) error {
	return fmt.Errorf("%s: %w: %s", name, ErrBackendUnavailable, p.Reason)
}
