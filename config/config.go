// Package config loads the research agent settings from YAML and the
// environment and turns them into agent options.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/smhanov/deepresearch"
)

// ErrMissingAPIKey is returned when a configured provider has no key in the
// environment.
var ErrMissingAPIKey = errors.New("missing API key")

// Environment variables holding provider credentials.
const (
	EnvOpenAIKey  = "OPENAI_API_KEY"
	EnvMistralKey = "MISTRAL_API_KEY"
	EnvGeminiKey  = "GEMINI_API_KEY"
	EnvBraveKey   = "BRAVE_API_KEY"
	EnvTavilyKey  = "TAVILY_API_KEY"
)

// Model providers.
const (
	ProviderOpenAI       = "openai"
	ProviderMistral      = "mistral"
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"
	ProviderOpenAICompat = "openai_compat"
	ProviderNone         = "none"
)

// Search backends.
const (
	BackendDuckDuckGo = "duckduckgo"
	BackendBrave      = "brave"
	BackendTavily     = "tavily"
)

// Config is the top-level configuration file.
type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// JudgeModel optionally selects a different model of the same provider
	// for evaluations and query rewriting.
	JudgeModel string `yaml:"judge_model,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`

	MaxTokenBudget int `yaml:"max_token_budget"`
	TopKURLsRerank int `yaml:"top_k_urls_rerank"`

	ReflectStep        ReflectStepConfig        `yaml:"reflect_step"`
	SearchStep         SearchStepConfig         `yaml:"search_step"`
	VisitStep          VisitStepConfig          `yaml:"visit_step"`
	AnswerStep         AnswerStepConfig         `yaml:"answer_step"`
	SnippetExtraction  SnippetExtractionConfig  `yaml:"snippet_extraction"`
	SemanticSimilarity SemanticSimilarityConfig `yaml:"semantic_similarity"`
	Retry              RetryConfig              `yaml:"retry"`
}

// ReflectStepConfig configures question decomposition.
type ReflectStepConfig struct {
	MaxDecompositionQuestions int `yaml:"max_decomposition_questions"`
}

// SearchStepConfig configures the search action.
type SearchStepConfig struct {
	MaxQuestionsToSearch  int      `yaml:"max_questions_to_search"`
	TopKSearchResults     int      `yaml:"top_k_search_results"`
	Backends              []string `yaml:"backends"`
	TavilyDepth           string   `yaml:"tavily_depth,omitempty"`
	RecordSearchKnowledge bool     `yaml:"record_search_knowledge"`
	EnrichYouTube         bool     `yaml:"enrich_youtube"`
}

// VisitStepConfig configures the visit action.
type VisitStepConfig struct {
	MaxURLsToVisit int `yaml:"max_urls_to_visit"`
}

// AnswerStepConfig configures the answer action.
type AnswerStepConfig struct {
	MaxBadAttempts int  `yaml:"max_bad_attempts"`
	NoDirectAnswer bool `yaml:"no_direct_answer"`
}

// SnippetExtractionConfig configures passage selection on visited pages.
type SnippetExtractionConfig struct {
	ChunkSize     int     `yaml:"chunk_size"`
	NumSnippets   int     `yaml:"num_snippets"`
	SnippetLength int     `yaml:"snippet_length"`
	MinSimilarity float64 `yaml:"min_similarity"`
}

// SemanticSimilarityConfig selects the embedding backend. An empty provider
// follows the model provider when it has an embedding endpoint; "none"
// turns scoring off.
type SemanticSimilarityConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	BatchSize int    `yaml:"batch_size"`
	MaxLength int    `yaml:"max_length"`
}

// RetryConfig sets attempt caps and fixed delays for external calls.
type RetryConfig struct {
	LLMAttempts    int           `yaml:"llm_attempts"`
	LLMDelay       time.Duration `yaml:"llm_delay"`
	SearchAttempts int           `yaml:"search_attempts"`
	SearchDelay    time.Duration `yaml:"search_delay"`
	FetchAttempts  int           `yaml:"fetch_attempts"`
	FetchDelay     time.Duration `yaml:"fetch_delay"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	snip := deepresearch.DefaultSnippetConfig()
	retry := deepresearch.DefaultRetryConfig()
	return &Config{
		Provider:       ProviderOpenAI,
		Model:          "gpt-4o-mini",
		MaxTokenBudget: 50000,
		TopKURLsRerank: 20,
		ReflectStep:    ReflectStepConfig{MaxDecompositionQuestions: 3},
		SearchStep: SearchStepConfig{
			MaxQuestionsToSearch: 3,
			TopKSearchResults:    5,
			Backends:             []string{BackendDuckDuckGo},
			TavilyDepth:          "basic",
			EnrichYouTube:        true,
		},
		VisitStep:  VisitStepConfig{MaxURLsToVisit: 5},
		AnswerStep: AnswerStepConfig{MaxBadAttempts: 2},
		SnippetExtraction: SnippetExtractionConfig{
			ChunkSize:     snip.ChunkSize,
			NumSnippets:   snip.NumSnippets,
			SnippetLength: snip.SnippetLength,
			MinSimilarity: snip.MinSimilarity,
		},
		SemanticSimilarity: SemanticSimilarityConfig{
			BatchSize: 32,
			MaxLength: 512,
		},
		Retry: RetryConfig{
			LLMAttempts:    retry.LLMAttempts,
			LLMDelay:       retry.LLMDelay,
			SearchAttempts: retry.SearchAttempts,
			SearchDelay:    retry.SearchDelay,
			FetchAttempts:  retry.FetchAttempts,
			FetchDelay:     retry.FetchDelay,
		},
	}
}

// Load reads path over the defaults. ${VAR} references in the file are
// expanded from the environment. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg, keeping fields the data leaves out.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// LoadEnvFiles loads .env.local and .env when present. Variables already
// set in the environment win.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Validate checks that every cap is positive and every name is known.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderOpenAI, ProviderMistral, ProviderGemini, ProviderOllama, ProviderOpenAICompat:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.Provider == ProviderOpenAICompat && c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required for openai_compat"))
	}

	positive := map[string]int{
		"max_token_budget":                         c.MaxTokenBudget,
		"top_k_urls_rerank":                        c.TopKURLsRerank,
		"reflect_step.max_decomposition_questions": c.ReflectStep.MaxDecompositionQuestions,
		"search_step.max_questions_to_search":      c.SearchStep.MaxQuestionsToSearch,
		"search_step.top_k_search_results":         c.SearchStep.TopKSearchResults,
		"visit_step.max_urls_to_visit":             c.VisitStep.MaxURLsToVisit,
		"answer_step.max_bad_attempts":             c.AnswerStep.MaxBadAttempts,
		"snippet_extraction.chunk_size":            c.SnippetExtraction.ChunkSize,
		"snippet_extraction.num_snippets":          c.SnippetExtraction.NumSnippets,
		"snippet_extraction.snippet_length":        c.SnippetExtraction.SnippetLength,
		"semantic_similarity.batch_size":           c.SemanticSimilarity.BatchSize,
		"semantic_similarity.max_length":           c.SemanticSimilarity.MaxLength,
		"retry.llm_attempts":                       c.Retry.LLMAttempts,
		"retry.search_attempts":                    c.Retry.SearchAttempts,
		"retry.fetch_attempts":                     c.Retry.FetchAttempts,
	}
	keys := make([]string, 0, len(positive))
	for k := range positive {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", k, positive[k]))
		}
	}

	if m := c.SnippetExtraction.MinSimilarity; m < -1 || m > 1 {
		errs = append(errs, fmt.Errorf("snippet_extraction.min_similarity must be within [-1, 1], got %v", m))
	}
	if c.Retry.LLMDelay < 0 || c.Retry.SearchDelay < 0 || c.Retry.FetchDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}

	if len(c.SearchStep.Backends) == 0 {
		errs = append(errs, errors.New("search_step.backends must not be empty"))
	}
	for _, b := range c.SearchStep.Backends {
		switch b {
		case BackendDuckDuckGo, BackendBrave, BackendTavily:
		default:
			errs = append(errs, fmt.Errorf("unknown search backend %q", b))
		}
	}

	switch c.SemanticSimilarity.Provider {
	case "", ProviderNone, ProviderOpenAI, ProviderMistral, ProviderOllama, ProviderOpenAICompat:
	default:
		errs = append(errs, fmt.Errorf("unknown semantic_similarity provider %q", c.SemanticSimilarity.Provider))
	}
	return errors.Join(errs...)
}

// AgentOptions converts the tunables to agent options. Providers are built
// separately by Build.
func (c *Config) AgentOptions() []deepresearch.Option {
	return []deepresearch.Option{
		deepresearch.WithTokenBudget(c.MaxTokenBudget),
		deepresearch.WithTopKURLs(c.TopKURLsRerank),
		deepresearch.WithMaxDecompositionQuestions(c.ReflectStep.MaxDecompositionQuestions),
		deepresearch.WithMaxSearchQueries(c.SearchStep.MaxQuestionsToSearch),
		deepresearch.WithTopKSearchResults(c.SearchStep.TopKSearchResults),
		deepresearch.WithMaxURLsPerStep(c.VisitStep.MaxURLsToVisit),
		deepresearch.WithMaxBadAttempts(c.AnswerStep.MaxBadAttempts),
		deepresearch.WithSearchKnowledge(c.SearchStep.RecordSearchKnowledge),
		deepresearch.WithNoDirectAnswer(c.AnswerStep.NoDirectAnswer),
		deepresearch.WithSnippetConfig(deepresearch.SnippetConfig{
			ChunkSize:     c.SnippetExtraction.ChunkSize,
			NumSnippets:   c.SnippetExtraction.NumSnippets,
			SnippetLength: c.SnippetExtraction.SnippetLength,
			MinSimilarity: c.SnippetExtraction.MinSimilarity,
		}),
		deepresearch.WithRetryConfig(deepresearch.RetryConfig{
			LLMAttempts:    c.Retry.LLMAttempts,
			LLMDelay:       c.Retry.LLMDelay,
			SearchAttempts: c.Retry.SearchAttempts,
			SearchDelay:    c.Retry.SearchDelay,
			FetchAttempts:  c.Retry.FetchAttempts,
			FetchDelay:     c.Retry.FetchDelay,
		}),
	}
}

// apiKey reads a credential from the environment.
func apiKey(env string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: set %s", ErrMissingAPIKey, env)
}

func envOr(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}
