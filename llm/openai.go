// Package llm provides structured-output model clients for the research agent.
//
// Every client implements deepresearch.LLMProvider: it sends a system and a
// user prompt, asks the backend to follow a JSON schema, and reports the
// number of tokens the call consumed.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/smhanov/deepresearch"
)

// MistralBaseURL is the OpenAI-compatible endpoint of the Mistral API.
const MistralBaseURL = "https://api.mistral.ai/v1"

// OpenAI talks to the OpenAI chat completions API or any server that
// implements it, such as Mistral or vLLM.
type OpenAI struct {
	client openai.Client
	model  string
	name   string
}

// OpenAIConfig configures an OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// Name is reported in logs; defaults to "openai".
	Name string
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		// The agent applies its own retry policy.
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{client: openai.NewClient(opts...), model: cfg.Model, name: cfg.Name}, nil
}

// NewMistral creates a client for the Mistral API.
func NewMistral(apiKey, model string) (*OpenAI, error) {
	return NewOpenAI(OpenAIConfig{APIKey: apiKey, BaseURL: MistralBaseURL, Model: model, Name: "mistral"})
}

// Name returns the provider name.
func (o *OpenAI) Name() string { return o.name }

// Generate requests a completion constrained to schema.
func (o *OpenAI) Generate(ctx context.Context, systemPrompt, userPrompt string, schema deepresearch.Schema) (deepresearch.LLMResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0),
	}
	if schema.Definition != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schema.Name,
					Schema: schema.Definition,
				},
			},
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return deepresearch.LLMResponse{}, fmt.Errorf("%s: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		return deepresearch.LLMResponse{}, fmt.Errorf("%s: empty response", o.name)
	}

	tokens := int(resp.Usage.TotalTokens)
	if tokens == 0 {
		tokens = EstimateTokens(o.model, systemPrompt, userPrompt, resp.Choices[0].Message.Content)
	}
	return deepresearch.LLMResponse{Text: resp.Choices[0].Message.Content, Tokens: tokens}, nil
}
