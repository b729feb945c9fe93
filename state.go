package deepresearch

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// KnowledgeType records where a knowledge item came from.
type KnowledgeType string

const (
	KnowledgeFromVisit  KnowledgeType = "from_visit"
	KnowledgeFromSearch KnowledgeType = "from_search"
	KnowledgeFromAnswer KnowledgeType = "from_answer"
)

// KnowledgeItem is one unit of evidence. Items are never modified after
// they are appended to Memory.
type KnowledgeItem struct {
	Type       KnowledgeType
	Question   string
	Answer     string
	SourceURL  string
	References []int
	UpdatedAt  time.Time
}

// EvaluationMetric names a quality check applied to an answer.
type EvaluationMetric string

const (
	MetricDefinitive   EvaluationMetric = "definitive"
	MetricFreshness    EvaluationMetric = "freshness"
	MetricPlurality    EvaluationMetric = "plurality"
	MetricCompleteness EvaluationMetric = "completeness"
	MetricAttribution  EvaluationMetric = "attribution"
	MetricStrict       EvaluationMetric = "strict"
)

// StopReason explains why a research session ended.
type StopReason string

const (
	StopTrivialAnswer    StopReason = "trivial_answer"
	StopMaxBadAttempts   StopReason = "max_bad_attempts"
	StopMaxTokensBudget  StopReason = "max_tokens_budget"
	StopFinalAnswerOK    StopReason = "final_answer_ok"
	StopModelUnavailable StopReason = "model_unavailable"
)

// BadAction is the post-mortem of a rejected answer to the user question.
type BadAction struct {
	Question    string
	Answer      string
	Evaluation  string
	Recap       string
	Blame       string
	Improvement string
}

// Allowed holds which actions the next decision may choose.
type Allowed struct {
	Answer  bool
	Search  bool
	Reflect bool
	Visit   bool
}

func allowAll() Allowed {
	return Allowed{Answer: true, Search: true, Reflect: true, Visit: true}
}

func (a *Allowed) disable(name ActionName) {
	switch name {
	case ActionAnswer:
		a.Answer = false
	case ActionSearch:
		a.Search = false
	case ActionReflect:
		a.Reflect = false
	case ActionVisit:
		a.Visit = false
	}
}

// Has reports whether the action is enabled.
func (a Allowed) Has(name ActionName) bool {
	switch name {
	case ActionAnswer:
		return a.Answer
	case ActionSearch:
		return a.Search
	case ActionReflect:
		return a.Reflect
	case ActionVisit:
		return a.Visit
	}
	return false
}

// Names lists the enabled actions in menu order.
func (a Allowed) Names() []ActionName {
	var out []ActionName
	for _, n := range actionOrder {
		if a.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

// Memory is the part of a session that survives a failed answer.
type Memory struct {
	Knowledge          []KnowledgeItem
	AllURLs            []SearchResult
	VisitedURLs        map[string]bool
	BadURLs            map[string]bool
	BadActions         []BadAction
	AllQuestions       []string
	AllSearchQuestions []string
	QuestionEvals      map[string][]EvaluationMetric
	FinalAnswerPIP     []string
}

// Attempt is the part of a session discarded when an answer to the user
// question is rejected.
type Attempt struct {
	Step  int
	Diary []string
}

// ResearchState is the mutable record of one research session. The Agent
// owns it and hands it to exactly one step at a time.
type ResearchState struct {
	UserQuery       string
	CurrentQuestion string
	Gaps            []string
	BadAttempts     int
	UsedTokens      int
	TotalSteps      int
	Allow           Allowed
	StopReason      StopReason

	FinalAnswer     string
	FinalReferences []int

	Memory  Memory
	Attempt Attempt
}

// NewResearchState creates the state for a new session on question.
func NewResearchState(question string) *ResearchState {
	q := strings.TrimSpace(question)
	return &ResearchState{
		UserQuery:       q,
		CurrentQuestion: q,
		Gaps:            []string{q},
		TotalSteps:      1,
		Allow:           allowAll(),
		Memory: Memory{
			VisitedURLs:   make(map[string]bool),
			BadURLs:       make(map[string]bool),
			AllQuestions:  []string{q},
			QuestionEvals: make(map[string][]EvaluationMetric),
		},
		Attempt: Attempt{Step: 1},
	}
}

// popGap takes the most recently pushed sub-question, or the user query when
// none is pending.
func (s *ResearchState) popGap() string {
	if len(s.Gaps) == 0 {
		return s.UserQuery
	}
	q := s.Gaps[len(s.Gaps)-1]
	s.Gaps = s.Gaps[:len(s.Gaps)-1]
	return q
}

func (s *ResearchState) addDiary(format string, args ...any) {
	s.Attempt.Diary = append(s.Attempt.Diary, fmt.Sprintf(format, args...))
}

func (s *ResearchState) resetAttempt() {
	s.Attempt = Attempt{Step: 1}
}

func (s *ResearchState) addKnowledge(item KnowledgeItem) {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	s.Memory.Knowledge = append(s.Memory.Knowledge, item)
}

// addURLs appends results whose URL has not been seen before and reports
// how many were new.
func (s *ResearchState) addURLs(results []SearchResult) int {
	seen := make(map[string]bool, len(s.Memory.AllURLs))
	for _, r := range s.Memory.AllURLs {
		seen[r.URL] = true
	}
	added := 0
	for _, r := range results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		s.Memory.AllURLs = append(s.Memory.AllURLs, r)
		added++
	}
	return added
}

func (s *ResearchState) purgeBadURLs() {
	s.Memory.AllURLs = slices.DeleteFunc(s.Memory.AllURLs, func(r SearchResult) bool {
		return s.Memory.BadURLs[r.URL]
	})
}

func (s *ResearchState) removeMetric(question string, metric EvaluationMetric) {
	s.Memory.QuestionEvals[question] = slices.DeleteFunc(
		slices.Clone(s.Memory.QuestionEvals[question]),
		func(m EvaluationMetric) bool { return m == metric },
	)
}

// CleanReferences keeps the indices that point into a knowledge list of
// length n, dropping duplicates and preserving first-seen order.
func CleanReferences(refs []int, n int) []int {
	out := make([]int, 0, len(refs))
	seen := make(map[int]bool, len(refs))
	for _, r := range refs {
		if r < 0 || r >= n || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
