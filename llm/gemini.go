package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/smhanov/deepresearch"
)

// Gemini talks to the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini client. An empty model selects gemini-2.0-flash.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Name returns the provider name.
func (g *Gemini) Name() string { return "gemini" }

// Generate requests JSON output that follows schema.
func (g *Gemini) Generate(ctx context.Context, systemPrompt, userPrompt string, schema deepresearch.Schema) (deepresearch.LLMResponse, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(0)),
	}
	if schema.Definition != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = schema.Definition
	}

	contents := []*genai.Content{genai.NewContentFromText(userPrompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return deepresearch.LLMResponse{}, fmt.Errorf("gemini: %w", err)
	}

	text := resp.Text()
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if tokens == 0 {
		tokens = EstimateTokens(g.model, systemPrompt, userPrompt, text)
	}
	return deepresearch.LLMResponse{Text: text, Tokens: tokens}, nil
}
