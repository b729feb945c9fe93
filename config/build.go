package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/smhanov/deepresearch"
	"github.com/smhanov/deepresearch/embed"
	"github.com/smhanov/deepresearch/fetch"
	"github.com/smhanov/deepresearch/llm"
	"github.com/smhanov/deepresearch/search"
)

// Build constructs the model, search, fetch and scoring providers named in
// the configuration and returns them together with AgentOptions.
func (c *Config) Build(ctx context.Context, logger *zap.Logger) ([]deepresearch.Option, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	model, err := c.buildModel(ctx, c.Model, logger)
	if err != nil {
		return nil, err
	}
	opts := []deepresearch.Option{
		deepresearch.WithModel(model),
		deepresearch.WithLogger(logger),
		deepresearch.WithFetchProvider(fetch.NewHTTP()),
	}
	if c.JudgeModel != "" && c.JudgeModel != c.Model {
		judge, err := c.buildModel(ctx, c.JudgeModel, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, deepresearch.WithJudgeModel(judge))
	}

	searchers, err := c.buildSearchers()
	if err != nil {
		return nil, err
	}
	opts = append(opts, deepresearch.WithSearchProviders(searchers...))
	if c.SearchStep.EnrichYouTube {
		opts = append(opts, deepresearch.WithResultEnricher(search.NewYouTube()))
	}

	scorer, err := c.buildScorer()
	if err != nil {
		return nil, err
	}
	if scorer != nil {
		opts = append(opts, deepresearch.WithScorer(scorer))
	} else {
		logger.Warn("no semantic similarity provider configured; pages are cut to their first snippet and URLs keep search order")
	}

	return append(opts, c.AgentOptions()...), nil
}

func (c *Config) buildModel(ctx context.Context, model string, logger *zap.Logger) (deepresearch.LLMProvider, error) {
	switch c.Provider {
	case ProviderOpenAI:
		key, err := apiKey(EnvOpenAIKey)
		if err != nil {
			return nil, err
		}
		return llm.NewOpenAI(llm.OpenAIConfig{APIKey: key, BaseURL: c.BaseURL, Model: model})
	case ProviderMistral:
		key, err := apiKey(EnvMistralKey)
		if err != nil {
			return nil, err
		}
		return llm.NewMistral(key, model)
	case ProviderOpenAICompat:
		// Local servers usually accept any key.
		return llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  envOr(EnvOpenAIKey, "none"),
			BaseURL: c.BaseURL,
			Model:   model,
			Name:    ProviderOpenAICompat,
		})
	case ProviderGemini:
		key, err := apiKey(EnvGeminiKey)
		if err != nil {
			return nil, err
		}
		return llm.NewGemini(ctx, key, model)
	case ProviderOllama:
		return llm.NewOllama(c.BaseURL, model, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider)
	}
}

func (c *Config) buildSearchers() ([]deepresearch.SearchProvider, error) {
	var out []deepresearch.SearchProvider
	for _, b := range c.SearchStep.Backends {
		switch b {
		case BackendDuckDuckGo:
			out = append(out, search.NewDuckDuckGo())
		case BackendBrave:
			key, err := apiKey(EnvBraveKey)
			if err != nil {
				return nil, err
			}
			out = append(out, search.NewBrave(key))
		case BackendTavily:
			key, err := apiKey(EnvTavilyKey)
			if err != nil {
				return nil, err
			}
			out = append(out, search.NewTavily(key, c.SearchStep.TavilyDepth))
		default:
			return nil, fmt.Errorf("unknown search backend %q", b)
		}
	}
	return out, nil
}

// buildScorer returns nil when similarity scoring is disabled.
func (c *Config) buildScorer() (deepresearch.Scorer, error) {
	s := c.SemanticSimilarity
	opts := []embed.Option{embed.WithBatchSize(s.BatchSize), embed.WithMaxLength(s.MaxLength)}
	provider := s.Provider
	if provider == "" {
		provider = c.scorerProvider()
	}
	switch provider {
	case ProviderNone:
		return nil, nil
	case ProviderOpenAI:
		key, err := apiKey(EnvOpenAIKey)
		if err != nil {
			return nil, err
		}
		return embed.NewOpenAI(key, s.Model, opts...), nil
	case ProviderMistral:
		key, err := apiKey(EnvMistralKey)
		if err != nil {
			return nil, err
		}
		return embed.NewMistral(key, opts...), nil
	case ProviderOllama:
		model := s.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		base := s.BaseURL
		if base == "" && c.Provider == ProviderOllama {
			base = llm.OllamaAPIBase(c.BaseURL)
		}
		return embed.NewOllama(model, base, opts...), nil
	case ProviderOpenAICompat:
		base := s.BaseURL
		if base == "" && c.Provider == ProviderOpenAICompat {
			base = c.BaseURL
		}
		if base == "" {
			return nil, fmt.Errorf("semantic_similarity.base_url is required for %s", ProviderOpenAICompat)
		}
		return embed.NewOpenAICompat(base, envOr(EnvOpenAIKey, "none"), s.Model, opts...), nil
	default:
		return nil, fmt.Errorf("unknown semantic_similarity provider %q", provider)
	}
}

// scorerProvider picks the embedding backend matching the model provider.
// Gemini has no embedding backend here.
func (c *Config) scorerProvider() string {
	switch c.Provider {
	case ProviderOpenAI, ProviderMistral, ProviderOllama, ProviderOpenAICompat:
		return c.Provider
	default:
		return ProviderNone
	}
}
