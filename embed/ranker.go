// Package embed scores documents against a query by embedding similarity.
//
// Ranker implements deepresearch.Scorer on top of any chromem-go embedding
// function, so the same code serves OpenAI, Mistral, Ollama and any
// OpenAI-compatible embedding server.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/philippgille/chromem-go"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of embedding requests kept in flight.
	DefaultBatchSize = 32
	// DefaultMaxLength caps the runes sent per input.
	DefaultMaxLength = 512

	queryPrefix   = "query: "
	passagePrefix = "passage: "
)

// Ranker computes cosine similarities between a query and documents.
type Ranker struct {
	embed     chromem.EmbeddingFunc
	batchSize int
	maxLength int
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithBatchSize sets how many documents are embedded concurrently.
func WithBatchSize(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxLength sets the rune limit per embedded input.
func WithMaxLength(n int) Option {
	return func(r *Ranker) {
		if n > 0 {
			r.maxLength = n
		}
	}
}

// New wraps an embedding function.
func New(fn chromem.EmbeddingFunc, opts ...Option) *Ranker {
	r := &Ranker{embed: fn, batchSize: DefaultBatchSize, maxLength: DefaultMaxLength}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewOpenAI ranks with an OpenAI embedding model.
func NewOpenAI(apiKey, model string, opts ...Option) *Ranker {
	if model == "" {
		model = string(chromem.EmbeddingModelOpenAI3Small)
	}
	return New(chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI(model)), opts...)
}

// NewOpenAICompat ranks with any server exposing the OpenAI embeddings API,
// such as a local text-embeddings-inference instance serving an E5 model.
func NewOpenAICompat(baseURL, apiKey, model string, opts ...Option) *Ranker {
	return New(chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil), opts...)
}

// NewMistral ranks with Mistral's embedding endpoint.
func NewMistral(apiKey string, opts ...Option) *Ranker {
	return New(chromem.NewEmbeddingFuncMistral(apiKey), opts...)
}

// NewOllama ranks with a model served by Ollama. An empty baseURL uses the
// local default.
func NewOllama(model, baseURL string, opts ...Option) *Ranker {
	return New(chromem.NewEmbeddingFuncOllama(model, baseURL), opts...)
}

// Similarities returns the cosine similarity of every doc to query, in order.
func (r *Ranker) Similarities(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if r.embed == nil {
		return nil, errors.New("embed: no embedding function")
	}

	q, err := r.vector(ctx, queryPrefix+query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	scores := make([]float64, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchSize)
	for i, doc := range docs {
		g.Go(func() error {
			v, err := r.vector(gctx, passagePrefix+doc)
			if err != nil {
				return fmt.Errorf("embed document %d: %w", i, err)
			}
			if len(v) != len(q) {
				return fmt.Errorf("embed document %d: dimension %d, query has %d", i, len(v), len(q))
			}
			scores[i] = dot(q, v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (r *Ranker) vector(ctx context.Context, text string) ([]float32, error) {
	v, err := r.embed(ctx, truncate(text, r.maxLength))
	if err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// normalize scales v to unit length. A zero vector is returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
