package engine

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultOllamaURL is where a stock Ollama install listens.
const DefaultOllamaURL = "http://localhost:11434"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the local inference engine. Ollama is the only supported
// server; whether it is reachable is checked later with IsRunning, so an
// engine is returned even when nothing listens at the URL.
func Detect(cfg DetectConfig) (Engine, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.OllamaBaseURL), "/")
	if base == "" {
		base = DefaultOllamaURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL %q: %w", cfg.OllamaBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid Ollama URL %q: want http(s)://host[:port]", cfg.OllamaBaseURL)
	}
	return NewOllamaEngine(base), nil
}
