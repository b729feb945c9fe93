package deepresearch

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// SnippetConfig controls how CherryPicker slices and selects page text.
type SnippetConfig struct {
	ChunkSize     int
	NumSnippets   int
	SnippetLength int
	MinSimilarity float64
}

// DefaultSnippetConfig returns the default snippet extraction parameters.
func DefaultSnippetConfig() SnippetConfig {
	return SnippetConfig{
		ChunkSize:     100,
		NumSnippets:   10,
		SnippetLength: 400,
		MinSimilarity: 0.3,
	}
}

func (c SnippetConfig) withDefaults() SnippetConfig {
	d := DefaultSnippetConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.NumSnippets <= 0 {
		c.NumSnippets = d.NumSnippets
	}
	if c.SnippetLength <= 0 {
		c.SnippetLength = d.SnippetLength
	}
	return c
}

// CherryPicker selects the passages of a document most similar to a question.
type CherryPicker struct {
	scorer Scorer
	cfg    SnippetConfig
}

// NewCherryPicker creates a snippet selector. Zero fields in cfg take their
// default value.
func NewCherryPicker(scorer Scorer, cfg SnippetConfig) *CherryPicker {
	return &CherryPicker{scorer: scorer, cfg: cfg.withDefaults()}
}

// CherryPick returns up to NumSnippets non-overlapping passages of text,
// joined by blank lines. Text shorter than one snippet is returned as a single
// prefix. When scoring fails the prefix is returned along with the error.
func (c *CherryPicker) CherryPick(ctx context.Context, question, text string) (string, error) {
	runes := []rune(text)
	size := c.cfg.ChunkSize
	length := c.cfg.SnippetLength
	width := (length + size - 1) / size

	chunks := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		chunks = append(chunks, string(runes[i:min(i+size, len(runes))]))
	}
	prefix := string(runes[:min(length, len(runes))])
	if len(chunks) < width {
		return prefix, nil
	}
	if c.scorer == nil {
		return prefix, nil
	}

	scores, err := c.scorer.Similarities(ctx, question, chunks)
	if err != nil {
		return prefix, fmt.Errorf("score chunks: %w", err)
	}
	if len(scores) != len(chunks) {
		return prefix, fmt.Errorf("score chunks: got %d scores for %d chunks", len(scores), len(chunks))
	}

	var snippets []string
	for _, start := range pickWindows(scores, width, c.cfg.NumSnippets, c.cfg.MinSimilarity) {
		from := start * size
		snippets = append(snippets, string(runes[from:min(from+length, len(runes))]))
	}
	return strings.Join(snippets, "\n\n"), nil
}

// pickWindows runs n rounds of best-window selection over scores and returns
// the start index of every window whose mean exceeded threshold. The chosen
// window is masked after every round, emitted or not, so windows never
// overlap. scores is modified.
func pickWindows(scores []float64, width, n int, threshold float64) []int {
	if width <= 0 || len(scores) < width {
		return nil
	}
	var starts []int
	for range n {
		best, bestStart := math.Inf(-1), 0
		for start := 0; start+width <= len(scores); start++ {
			sum := 0.0
			for _, s := range scores[start : start+width] {
				sum += s
			}
			if mean := sum / float64(width); mean > best {
				best, bestStart = mean, start
			}
		}
		if best > threshold {
			starts = append(starts, bestStart)
		}
		for i := bestStart; i < bestStart+width; i++ {
			scores[i] = math.Inf(-1)
		}
	}
	return starts
}
