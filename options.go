package deepresearch

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultTokenBudget       = 50000
	defaultTopKURLs          = 20
	defaultMaxDecomposition  = 3
	defaultMaxSearchQueries  = 3
	defaultTopKSearchResults = 5
	defaultMaxURLsPerStep    = 5
	defaultMaxBadAttempts    = 2

	defaultLLMAttempts    = 2
	defaultLLMDelay       = time.Second
	defaultSearchAttempts = 3
	defaultSearchDelay    = 4 * time.Second
	defaultFetchAttempts  = 3
	defaultFetchDelay     = 5 * time.Second

	// budgetReserve is the share of the token budget the loop may spend
	// before it stops to produce a forced answer.
	budgetReserve = 0.85
)

// RetryConfig sets attempt caps and the fixed delay between attempts for
// each kind of external call.
type RetryConfig struct {
	LLMAttempts    int
	LLMDelay       time.Duration
	SearchAttempts int
	SearchDelay    time.Duration
	FetchAttempts  int
	FetchDelay     time.Duration
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		LLMAttempts:    defaultLLMAttempts,
		LLMDelay:       defaultLLMDelay,
		SearchAttempts: defaultSearchAttempts,
		SearchDelay:    defaultSearchDelay,
		FetchAttempts:  defaultFetchAttempts,
		FetchDelay:     defaultFetchDelay,
	}
}

// StepEvent describes a finished research step.
type StepEvent struct {
	SessionID  string
	Step       int
	Action     ActionName
	Question   string
	Think      string
	Note       string
	UsedTokens int
}

// Option configures an Agent.
type Option func(*Agent)

// WithModel sets the model used for decisions and, unless WithJudgeModel is
// given, for evaluations and query rewriting.
func WithModel(m LLMProvider) Option {
	return func(a *Agent) { a.llm = m }
}

// WithJudgeModel sets the model used for evaluations, deduplication, query
// rewriting and failure analysis.
func WithJudgeModel(m LLMProvider) Option {
	return func(a *Agent) { a.judge = m }
}

// WithSearchProviders sets the search backends. Each query goes to one of
// them, chosen at random.
func WithSearchProviders(providers ...SearchProvider) Option {
	return func(a *Agent) { a.searchers = append(a.searchers[:0], providers...) }
}

// WithFetchProvider sets the page fetcher used by the visit action.
func WithFetchProvider(fetcher FetchProvider) Option {
	return func(a *Agent) { a.fetcher = fetcher }
}

// WithScorer sets the similarity scorer used for snippets and URL ranking.
func WithScorer(scorer Scorer) Option {
	return func(a *Agent) { a.scorer = scorer }
}

// WithResultEnricher sets an optional enricher applied to every search result.
func WithResultEnricher(e ResultEnricher) Option {
	return func(a *Agent) { a.enricher = e }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithTokenBudget sets the total token allowance of a session.
func WithTokenBudget(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.tokenBudget = n
		}
	}
}

// WithTopKURLs caps how many ranked URLs are offered to the visit action.
func WithTopKURLs(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.topKURLs = n
		}
	}
}

// WithMaxDecompositionQuestions caps the sub-questions kept per reflect step.
func WithMaxDecompositionQuestions(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxDecomposition = n
		}
	}
}

// WithMaxSearchQueries caps the queries run per search step.
func WithMaxSearchQueries(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxSearchQueries = n
		}
	}
}

// WithTopKSearchResults caps the results requested per query.
func WithTopKSearchResults(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.topKSearchResults = n
		}
	}
}

// WithMaxURLsPerStep caps the pages read per visit step.
func WithMaxURLsPerStep(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxURLsPerStep = n
		}
	}
}

// WithMaxBadAttempts sets how many rejected answers to the user question
// are tolerated before a forced answer.
func WithMaxBadAttempts(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxBadAttempts = n
		}
	}
}

// WithSnippetConfig sets the snippet extraction parameters.
func WithSnippetConfig(cfg SnippetConfig) Option {
	return func(a *Agent) { a.snippets = cfg.withDefaults() }
}

// WithRetryConfig sets the retry policy for external calls.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(a *Agent) { a.retry = cfg }
}

// WithSearchKnowledge records search result descriptions as knowledge items.
func WithSearchKnowledge(enabled bool) Option {
	return func(a *Agent) { a.searchKnowledge = enabled }
}

// WithNoDirectAnswer disables accepting an unreferenced answer on the first
// step without evaluation.
func WithNoDirectAnswer(enabled bool) Option {
	return func(a *Agent) { a.noDirectAnswer = enabled }
}

// WithStepHook registers a callback invoked after every step.
func WithStepHook(hook func(StepEvent)) Option {
	return func(a *Agent) { a.stepHook = hook }
}

// WithClock overrides the time source used in prompts and timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}
