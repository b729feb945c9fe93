package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smhanov/deepresearch"
)

var testSchema = deepresearch.Schema{
	Name:       "answer",
	Definition: map[string]any{"type": "object", "properties": map[string]any{"answer": map[string]any{"type": "string"}}},
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen3", req.Model)
		assert.False(t, req.Stream)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Equal(t, "sys", req.Messages[0].Content)
			assert.Equal(t, "user", req.Messages[1].Role)
		}
		assert.NotNil(t, req.Format)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":" {\"answer\":\"42\"} ","thinking":"hmm"},"done":true,"prompt_eval_count":10,"eval_count":5}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "qwen3", nil)
	resp, err := o.Generate(context.Background(), "sys", "usr", testSchema)
	require.NoError(t, err)
	assert.Equal(t, `{"answer":"42"}`, resp.Text)
	assert.Equal(t, "hmm", resp.Reasoning)
	assert.Equal(t, 15, resp.Tokens)
}

func TestOllamaRetriesWhenBusy(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"content":"ok"},"eval_count":1}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "m", nil)
	o.BaseDelay = time.Millisecond
	resp, err := o.Generate(context.Background(), "s", "u", deepresearch.Schema{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, calls)
}

func TestOllamaFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "m", nil).Generate(context.Background(), "s", "u", testSchema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", normalizeEndpoint("localhost:11434"))
	assert.Equal(t, "https://host", normalizeEndpoint("https://host/"))
	assert.Equal(t, "http://gpu-box:11434/api", OllamaAPIBase("gpu-box:11434"))
	assert.Equal(t, "http://localhost:11434/api", OllamaAPIBase(""))
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		format, _ := body["response_format"].(map[string]any)
		assert.Equal(t, "json_schema", format["type"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"answer\":\"yes\"}"}}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"})
	require.NoError(t, err)
	resp, err := o.Generate(context.Background(), "sys", "usr", testSchema)
	require.NoError(t, err)
	assert.Equal(t, `{"answer":"yes"}`, resp.Text)
	assert.Equal(t, 10, resp.Tokens)
	assert.Equal(t, "openai", o.Name())
}

func TestNewOpenAIRequiresModel(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{APIKey: "k"})
	require.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens("gpt-4o", ""))
	assert.Positive(t, EstimateTokens("some-unknown-model", "The quick brown fox jumps over the lazy dog."))
}
