// Package retrieval indexes captured records as embeddings on the local
// inference engine and finds the past visits relevant to a question.
package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Engine computes embeddings. engine.Engine satisfies it.
type Engine interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Embedder wraps an Engine to embed text with one model.
type Embedder struct {
	engine Engine
	model  string
}

func NewEmbedder(e Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Model is the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently, preserving order. It returns nil
// for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gctx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
