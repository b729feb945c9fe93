package deepresearch

import (
	"context"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"
)

// Deduplicator removes new queries that repeat each other or an existing
// list, using a model to judge semantic duplicates.
type Deduplicator struct {
	gen *generator
}

// NewDeduplicator creates a Deduplicator backed by llm.
func NewDeduplicator(llm LLMProvider, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{gen: newGenerator(llm, logger, defaultLLMAttempts, defaultLLMDelay)}
}

// Dedup returns the members of newQueries the model judged unique against
// each other and against existing. Entries equal to an existing one are
// always removed.
func (d *Deduplicator) Dedup(ctx context.Context, newQueries, existing []string) ([]string, error) {
	newQueries = trimStrings(newQueries)
	if len(newQueries) == 0 {
		return nil, nil
	}

	union := make([]string, 0, len(existing)+len(newQueries))
	union = append(union, existing...)
	union = append(union, newQueries...)
	res, err := generateJSON[dedupResult](ctx, d.gen, "dedup", dedupSystemPrompt, buildDedupUserPrompt(union), dedupSchema)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(existing))
	for _, q := range existing {
		known[normalizeQuery(q)] = true
	}
	kept := make(map[string]bool, len(res.Queries))
	for _, q := range res.Queries {
		kept[normalizeQuery(q)] = true
	}

	var out []string
	for _, q := range newQueries {
		key := normalizeQuery(q)
		if known[key] || !kept[key] {
			continue
		}
		known[key] = true
		out = append(out, q)
	}
	return out, nil
}

// dedupExact is the fallback when the model is unavailable.
func dedupExact(newQueries, existing []string) []string {
	known := make(map[string]bool, len(existing))
	for _, q := range existing {
		known[normalizeQuery(q)] = true
	}
	var out []string
	for _, q := range trimStrings(newQueries) {
		key := normalizeQuery(q)
		if known[key] {
			continue
		}
		known[key] = true
		out = append(out, q)
	}
	return out
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// SampleK returns xs unchanged when k >= len(xs), otherwise k elements
// chosen uniformly at random.
func SampleK[T any](xs []T, k int) []T {
	if k >= len(xs) {
		return xs
	}
	if k <= 0 {
		return nil
	}
	out := make([]T, 0, k)
	for _, i := range rand.Perm(len(xs))[:k] {
		out = append(out, xs[i])
	}
	return out
}
