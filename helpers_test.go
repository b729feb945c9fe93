package deepresearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// scriptedLLM replays canned responses per schema name. Dedup calls without a
// script echo the queries back, so every query counts as unique.
type scriptedLLM struct {
	mu       sync.Mutex
	scripts  map[string][]string
	calls    map[string]int
	users    map[string][]string
	schemas  map[string][]Schema
	tokens   int
	failWith error
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		scripts: make(map[string][]string),
		calls:   make(map[string]int),
		users:   make(map[string][]string),
		schemas: make(map[string][]Schema),
		tokens:  10,
	}
}

func (s *scriptedLLM) on(schema string, responses ...string) *scriptedLLM {
	s.scripts[schema] = append(s.scripts[schema], responses...)
	return s
}

func (s *scriptedLLM) callCount(schema string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[schema]
}

func (s *scriptedLLM) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *scriptedLLM) Generate(_ context.Context, _, userPrompt string, schema Schema) (LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[schema.Name]++
	s.users[schema.Name] = append(s.users[schema.Name], userPrompt)
	s.schemas[schema.Name] = append(s.schemas[schema.Name], schema)
	if s.failWith != nil {
		return LLMResponse{}, s.failWith
	}

	queue := s.scripts[schema.Name]
	if len(queue) == 0 {
		if schema.Name == dedupSchema.Name {
			return LLMResponse{Text: echoDedup(userPrompt), Tokens: s.tokens}, nil
		}
		return LLMResponse{}, fmt.Errorf("no scripted response for schema %q", schema.Name)
	}
	s.scripts[schema.Name] = queue[1:]
	return LLMResponse{Text: queue[0], Tokens: s.tokens}, nil
}

func echoDedup(userPrompt string) string {
	var queries []string
	for _, line := range strings.Split(userPrompt, "\n") {
		if q, ok := strings.CutPrefix(line, "- "); ok {
			queries = append(queries, q)
		}
	}
	data, _ := json.Marshal(map[string]any{"queries": queries})
	return string(data)
}

// decision renders a decision model reply choosing action with payload.
func decision(action string, payload any) string {
	data, err := json.Marshal(map[string]any{
		"think":  "thinking about " + action,
		"action": map[string]any{action: payload},
	})
	if err != nil {
		panic(err)
	}
	return string(data)
}

func answerDecision(answer string, refs ...int) string {
	if refs == nil {
		refs = []int{}
	}
	return decision("answer", map[string]any{"answer": answer, "references": refs})
}

func searchDecision(queries ...string) string {
	return decision("search", map[string]any{"queries": queries})
}

func visitDecision(urls ...string) string {
	return decision("visit", map[string]any{"urls": urls})
}

func reflectDecision(questions ...string) string {
	return decision("reflect", map[string]any{"questions_to_answer": questions})
}

func questionChecks(definitive, freshness, plurality, completeness bool) string {
	data, _ := json.Marshal(questionEvaluation{
		Think:             "classified",
		NeedsDefinitive:   definitive,
		NeedsFreshness:    freshness,
		NeedsPlurality:    plurality,
		NeedsCompleteness: completeness,
	})
	return string(data)
}

func verdictJSON(pass bool, think string) string {
	data, _ := json.Marshal(map[string]any{"think": think, "pass": pass})
	return string(data)
}

func strictFail(think, plan string) string {
	data, _ := json.Marshal(map[string]any{"think": think, "pass": false, "improvement_plan": plan})
	return string(data)
}

const noRewrite = `{"think":"nothing better","queries":[]}`

const analysisJSON = `{"recap":"answered too early","blame":"no sources","improvement":"search first"}`

type fakeSearch struct {
	mu       sync.Mutex
	results  map[string][]SearchResult
	fallback []SearchResult
	queries  []string
	err      error
}

func (f *fakeSearch) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	res, ok := f.results[query]
	if !ok {
		res = f.fallback
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

type fakeFetch struct {
	pages map[string]string
}

func (f fakeFetch) Fetch(_ context.Context, url string) (string, error) {
	if text, ok := f.pages[url]; ok {
		return text, nil
	}
	return "", fmt.Errorf("%w: %s not found", ErrFetchFailed, url)
}

// keywordScorer scores a document by the first matching keyword.
type keywordScorer struct {
	scores map[string]float64
	err    error
	calls  int
}

func (k *keywordScorer) Similarities(_ context.Context, _ string, docs []string) ([]float64, error) {
	k.calls++
	if k.err != nil {
		return nil, k.err
	}
	out := make([]float64, len(docs))
	for i, d := range docs {
		for kw, s := range k.scores {
			if strings.Contains(d, kw) {
				out[i] = s
				break
			}
		}
	}
	return out, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		LLMAttempts:    2,
		LLMDelay:       time.Millisecond,
		SearchAttempts: 2,
		SearchDelay:    time.Millisecond,
		FetchAttempts:  2,
		FetchDelay:     time.Millisecond,
	}
}

func fixedClock() time.Time {
	return time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
}

func testAgent(llm *scriptedLLM, opts ...Option) *Agent {
	base := []Option{
		WithModel(llm),
		WithRetryConfig(fastRetry()),
		WithClock(fixedClock),
	}
	return New(append(base, opts...)...)
}
