// Package engine abstracts the on-device inference server used for local
// answer generation.
package engine

import (
	"context"
	"iter"
)

// Engine abstracts a local inference backend. The LLM strategy uses this
// interface instead of depending on a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// ChatStream yields the assistant's response as it is generated.
	ChatStream(ctx context.Context, model string, messages []Message) iter.Seq2[string, error]

	// Embed returns the embedding vector of text under the given model.
	Embed(ctx context.Context, model, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
