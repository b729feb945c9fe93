package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smhanov/deepresearch"
)

const (
	defaultOllamaEndpoint = "localhost:11434"
	ollamaMaxRetries      = 3
)

// Ollama implements deepresearch.LLMProvider using the Ollama chat API.
// The schema is passed as the format parameter so the model emits JSON.
type Ollama struct {
	Endpoint string
	Model    string
	// BaseDelay is the first wait after a 429 or 504; it doubles per retry.
	BaseDelay time.Duration
	client    *http.Client
	logger    *zap.Logger
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   any             `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// NewOllama creates an Ollama client. An empty endpoint uses localhost:11434.
func NewOllama(endpoint, model string, logger *zap.Logger) *Ollama {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// A generous timeout so large-model requests don't hang indefinitely
	// but still have enough time to generate.
	return &Ollama{
		Endpoint:  endpoint,
		Model:     model,
		BaseDelay: time.Second,
		client:    &http.Client{Timeout: 10 * time.Minute},
		logger:    logger,
	}
}

// Name returns the provider name.
func (o *Ollama) Name() string { return "ollama" }

// Generate sends one chat request and returns the reply.
func (o *Ollama) Generate(ctx context.Context, systemPrompt, userPrompt string, schema deepresearch.Schema) (deepresearch.LLMResponse, error) {
	reqBody := ollamaRequest{
		Model: o.Model,
		Messages: []ollamaMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	}
	if schema.Definition != nil {
		reqBody.Format = schema.Definition
	}

	body, err := o.doRequestWithRetries(ctx, normalizeEndpoint(o.Endpoint)+"/api/chat", reqBody, schema.Name)
	if err != nil {
		return deepresearch.LLMResponse{}, err
	}

	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return deepresearch.LLMResponse{}, fmt.Errorf("ollama: failed to parse response: %w", err)
	}

	text := strings.TrimSpace(resp.Message.Content)
	tokens := resp.PromptEvalCount + resp.EvalCount
	if tokens == 0 {
		tokens = EstimateTokens(o.Model, systemPrompt, userPrompt, text)
	}
	return deepresearch.LLMResponse{Text: text, Reasoning: resp.Message.Thinking, Tokens: tokens}, nil
}

// OllamaAPIBase returns the /api root of endpoint, the form embedding
// clients take. An empty endpoint uses localhost:11434.
func OllamaAPIBase(endpoint string) string {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return normalizeEndpoint(endpoint) + "/api"
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "http://" + endpoint
	}
	return endpoint
}

// doRequestWithRetries posts reqBody and retries on 429 and 504 with a
// doubling delay. Other failures are returned at once.
func (o *Ollama) doRequestWithRetries(ctx context.Context, url string, reqBody any, label string) ([]byte, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	for i := 0; ; i++ {
		o.logger.Debug("ollama request", zap.String("url", url), zap.String("schema", label), zap.Int("attempt", i+1))
		start := time.Now()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ollama: failed to send request after %v: %w", time.Since(start).Truncate(time.Second), err)
		}

		if resp.StatusCode == http.StatusOK {
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("ollama: failed to read response: %w", err)
			}
			o.logger.Debug("ollama response", zap.String("schema", label), zap.Duration("elapsed", time.Since(start)))
			return body, nil
		}

		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusGatewayTimeout
		if !retryable || i >= ollamaMaxRetries {
			return nil, fmt.Errorf("ollama API error: %s - %s", resp.Status, string(errBody))
		}
		delay := o.BaseDelay * time.Duration(1<<i)
		o.logger.Warn("ollama busy, retrying", zap.String("status", resp.Status), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}
