package deepresearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/smhanov/deepresearch/metrics"
)

//nolint:gochecknoglobals
var (
	thinkRegex     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	codeBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)\n```")
)

// StripThinkBlocks removes <think>...</think> blocks from LLM responses.
// Some models (like qwen3) output reasoning in these blocks.
func StripThinkBlocks(s string) string {
	return strings.TrimSpace(thinkRegex.ReplaceAllString(s, ""))
}

// getContent extracts usable text from an LLM response. It strips <think>
// blocks from Text first. If Text is empty (e.g. thinking models that put
// everything in reasoning tokens), falls back to the Reasoning field.
func getContent(resp LLMResponse) string {
	text := StripThinkBlocks(resp.Text)
	if text != "" {
		return text
	}
	return StripThinkBlocks(resp.Reasoning)
}

// extractJSON attempts to extract a JSON object or array from an LLM response
// that may wrap the JSON in markdown code blocks or include leading text.
func extractJSON(raw string) string {
	if m := codeBlockRegex.FindStringSubmatch(raw); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return raw
	}
	closer := "}"
	if raw[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(raw, closer)
	if end < start {
		return raw
	}
	return raw[start : end+1]
}

func decodeJSON(text string, v any) error {
	if err := json.Unmarshal([]byte(extractJSON(text)), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

// generator issues structured calls to a model. Failed calls and output that
// does not decode are retried with a fixed delay.
type generator struct {
	llm      LLMProvider
	logger   *zap.Logger
	attempts int
	delay    time.Duration
	onUsage  func(tokens int)
}

func newGenerator(llm LLMProvider, logger *zap.Logger, attempts int, delay time.Duration) *generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &generator{llm: llm, logger: logger, attempts: attempts, delay: delay}
}

// generate calls the model and hands the cleaned text to decode. decode
// errors wrapping ErrMalformedOutput are retried; any other decode error is
// returned immediately.
func (g *generator) generate(ctx context.Context, label, system, user string, schema Schema, decode func(text string) error) error {
	if g == nil || g.llm == nil {
		return fmt.Errorf("%s: model is not configured", label)
	}
	g.logger.Debug("llm request",
		zap.String("call", label),
		zap.String("schema", schema.Name),
		zap.String("system", system),
		zap.String("user", user))

	op := func() error {
		resp, err := g.llm.Generate(ctx, system, user, schema)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if resp.Tokens > 0 {
			metrics.TokensUsed.Add(float64(resp.Tokens))
			if g.onUsage != nil {
				g.onUsage(resp.Tokens)
			}
		}
		text := getContent(resp)
		g.logger.Debug("llm response", zap.String("call", label), zap.Int("tokens", resp.Tokens), zap.String("text", text))
		if err := decode(text); err != nil {
			if errors.Is(err, ErrMalformedOutput) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.RetryNotify(op, fixedRetry(ctx, g.attempts, g.delay), func(err error, wait time.Duration) {
		g.logger.Warn("llm call failed, retrying", zap.String("call", label), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

// generateJSON decodes the model output for schema into a T.
func generateJSON[T any](ctx context.Context, g *generator, label, system, user string, schema Schema) (T, error) {
	var out T
	err := g.generate(ctx, label, system, user, schema, func(text string) error {
		var v T
		if err := decodeJSON(text, &v); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
