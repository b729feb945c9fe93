package deepresearch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smhanov/deepresearch/metrics"
)

// Agent runs research sessions: it repeatedly asks the decision model for
// one action, applies it, and stops once an answer is accepted or the
// budget is spent.
type Agent struct {
	llm       LLMProvider
	judge     LLMProvider
	searchers []SearchProvider
	fetcher   FetchProvider
	scorer    Scorer
	enricher  ResultEnricher
	logger    *zap.Logger
	stepHook  func(StepEvent)
	now       func() time.Time

	tokenBudget       int
	topKURLs          int
	maxDecomposition  int
	maxSearchQueries  int
	topKSearchResults int
	maxURLsPerStep    int
	maxBadAttempts    int
	snippets          SnippetConfig
	retry             RetryConfig
	searchKnowledge   bool
	noDirectAnswer    bool
}

// New constructs an Agent with optional configuration.
func New(opts ...Option) *Agent {
	a := &Agent{
		logger:            zap.NewNop(),
		now:               time.Now,
		tokenBudget:       defaultTokenBudget,
		topKURLs:          defaultTopKURLs,
		maxDecomposition:  defaultMaxDecomposition,
		maxSearchQueries:  defaultMaxSearchQueries,
		topKSearchResults: defaultTopKSearchResults,
		maxURLsPerStep:    defaultMaxURLsPerStep,
		maxBadAttempts:    defaultMaxBadAttempts,
		snippets:          DefaultSnippetConfig(),
		retry:             DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.judge == nil {
		a.judge = a.llm
	}
	return a
}

// Result is returned by Agent.Research.
type Result struct {
	SessionID   string
	Answer      string
	References  []Reference
	StopReason  StopReason
	Forced      bool
	Steps       int
	UsedTokens  int
	Knowledge   []KnowledgeItem
	VisitedURLs []string
}

// Reference is a knowledge item cited by the answer.
type Reference struct {
	Index    int
	Question string
	URL      string
}

// Markdown renders the answer followed by its numbered references.
func (r Result) Markdown() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(r.Answer))
	if len(r.References) == 0 {
		return b.String()
	}
	b.WriteString("\n\n## References\n\n")
	for _, ref := range r.References {
		src := ref.URL
		if src == "" {
			src = ref.Question
		}
		fmt.Fprintf(&b, "[%d] %s\n", ref.Index, src)
	}
	return strings.TrimRight(b.String(), "\n")
}

// session is the per-call runtime. It owns the state exclusively.
type session struct {
	agent  *Agent
	id     string
	state  *ResearchState
	log    *zap.Logger
	gen    *generator
	judge  *generator
	qeval  *QuestionEvaluator
	aeval  *AnswerEvaluator
	dedup  *Deduplicator
	picker *CherryPicker
	tracer trace.Tracer

	think string
	note  string
}

func (a *Agent) newSession(question string) *session {
	id := uuid.NewString()
	st := NewResearchState(question)
	log := a.logger.With(zap.String("session_id", id))

	meter := func(tokens int) { st.UsedTokens += tokens }
	gen := newGenerator(a.llm, log, a.retry.LLMAttempts, a.retry.LLMDelay)
	gen.onUsage = meter
	judge := newGenerator(a.judge, log, a.retry.LLMAttempts, a.retry.LLMDelay)
	judge.onUsage = meter

	return &session{
		agent:  a,
		id:     id,
		state:  st,
		log:    log,
		gen:    gen,
		judge:  judge,
		qeval:  &QuestionEvaluator{gen: judge},
		aeval:  &AnswerEvaluator{gen: judge, now: a.now},
		dedup:  &Deduplicator{gen: judge},
		picker: NewCherryPicker(a.scorer, a.snippets),
		tracer: otel.Tracer("github.com/smhanov/deepresearch"),
	}
}

// Research runs a session on question until an answer is accepted or a
// forced answer is produced.
func (a *Agent) Research(ctx context.Context, question string) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, errors.New("question is empty")
	}
	if a.llm == nil {
		return Result{}, errors.New("decision model is not configured")
	}

	s := a.newSession(question)
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	forced, err := s.run(ctx)
	if err != nil {
		return s.result(forced), err
	}
	res := s.result(forced)
	metrics.SessionsTotal.WithLabelValues(string(res.StopReason), fmt.Sprint(forced)).Inc()
	s.log.Info("research finished",
		zap.String("stop_reason", string(res.StopReason)),
		zap.Bool("forced", forced),
		zap.Int("steps", res.Steps),
		zap.Int("used_tokens", res.UsedTokens))
	return res, nil
}

// run is the research loop. It reports whether the answer was forced.
func (s *session) run(ctx context.Context) (bool, error) {
	a, st := s.agent, s.state
	limit := float64(a.tokenBudget) * budgetReserve

loop:
	for float64(st.UsedTokens) < limit {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		st.CurrentQuestion = st.popGap()
		s.ensureQuestionEvals(ctx, st.CurrentQuestion)
		if st.Attempt.Step == 1 && slices.Contains(st.Memory.QuestionEvals[st.CurrentQuestion], MetricFreshness) {
			st.Allow.Answer = false
			st.Allow.Reflect = false
		}

		urls := s.rerankURLs(ctx)
		decision, err := s.decide(ctx, urls, false)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrUnknownAction) {
				return false, err
			}
			s.log.Warn("decision failed", zap.Error(err))
			st.StopReason = StopModelUnavailable
			break loop
		}
		st.Allow = allowAll()

		out, err := s.runStep(ctx, decision)
		if err != nil {
			return false, err
		}
		st.Attempt.Step++
		st.TotalSteps++

		switch out.Stop {
		case StopTrivialAnswer, StopFinalAnswerOK:
			return false, nil
		case StopMaxBadAttempts:
			break loop
		}
	}

	if st.StopReason == "" && float64(st.UsedTokens) >= limit {
		st.StopReason = StopMaxTokensBudget
		s.log.Warn("stopping research", zap.Error(ErrBudgetExhausted), zap.Int("used_tokens", st.UsedTokens), zap.Int("budget", a.tokenBudget))
	}
	if st.StopReason == "" {
		return false, ErrNoStopReason
	}
	s.log.Info("forcing final answer", zap.String("stop_reason", string(st.StopReason)), zap.Int("used_tokens", st.UsedTokens))
	if err := s.forceAnswer(ctx); err != nil {
		return true, err
	}
	return true, nil
}

func (s *session) forceAnswer(ctx context.Context) error {
	st := s.state
	st.CurrentQuestion = st.UserQuery
	decision, err := s.decide(ctx, nil, true)
	if err != nil {
		return err
	}
	step, ok := decision.Step.(*AnswerStep)
	if !ok {
		return fmt.Errorf("%w: forced answer returned %q", ErrMalformedOutput, decision.Step.Action())
	}
	step.Evaluate = false
	if _, err := s.runStep(ctx, decision); err != nil {
		return err
	}
	st.TotalSteps++
	return nil
}

// ensureQuestionEvals computes the checks for question once. The user
// question always gets the strict check; sub-questions get none.
func (s *session) ensureQuestionEvals(ctx context.Context, question string) {
	st := s.state
	if _, ok := st.Memory.QuestionEvals[question]; ok {
		return
	}
	if question != st.UserQuery {
		st.Memory.QuestionEvals[question] = []EvaluationMetric{}
		return
	}
	checks, err := s.qeval.Evaluate(ctx, question)
	if err != nil {
		s.log.Warn("question evaluation failed", zap.Error(err))
	}
	checks = append(checks, MetricStrict)
	st.Memory.QuestionEvals[question] = checks
	s.log.Info("question checks", zap.String("question", question), zap.Any("checks", checks))
}

// rerankURLs scores every unvisited URL against the current question,
// writes the scores back as weights and returns the best topKURLs.
func (s *session) rerankURLs(ctx context.Context) []SearchResult {
	st := s.state
	var idx []int
	for i, r := range st.Memory.AllURLs {
		if !st.Memory.VisitedURLs[r.URL] {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil
	}

	if s.agent.scorer != nil {
		docs := make([]string, len(idx))
		for j, i := range idx {
			docs[j] = urlDescriptor(st.Memory.AllURLs[i])
		}
		scores, err := s.agent.scorer.Similarities(ctx, st.CurrentQuestion, docs)
		switch {
		case err != nil:
			s.log.Warn("url rerank failed", zap.Error(err))
		case len(scores) != len(docs):
			s.log.Warn("url rerank returned wrong number of scores", zap.Int("want", len(docs)), zap.Int("got", len(scores)))
		default:
			for j, i := range idx {
				st.Memory.AllURLs[i].Weight = scores[j]
			}
			sort.SliceStable(idx, func(x, y int) bool {
				return st.Memory.AllURLs[idx[x]].Weight > st.Memory.AllURLs[idx[y]].Weight
			})
		}
	}

	if len(idx) > s.agent.topKURLs {
		idx = idx[:s.agent.topKURLs]
	}
	out := make([]SearchResult, len(idx))
	for j, i := range idx {
		out[j] = st.Memory.AllURLs[i]
	}
	return out
}

// decide asks the decision model for the next step. With enforce set only an
// answer may be returned.
func (s *session) decide(ctx context.Context, urls []SearchResult, enforce bool) (Decision, error) {
	st := s.state
	allowed := st.Allow
	if len(urls) == 0 {
		allowed.Visit = false
	}
	if enforce || len(allowed.Names()) == 0 {
		allowed = Allowed{Answer: true}
	}

	system, err := buildDecisionSystemPrompt(st, menuOptions{
		allowed:          allowed,
		urls:             urls,
		maxQueries:       s.agent.maxSearchQueries,
		maxDecomposition: s.agent.maxDecomposition,
	}, s.agent.now(), enforce)
	if err != nil {
		return Decision{}, fmt.Errorf("render decision prompt: %w", err)
	}
	var pip []string
	if st.CurrentQuestion == st.UserQuery {
		pip = st.Memory.FinalAnswerPIP
	}
	user := buildDecisionUserPrompt(st.CurrentQuestion, pip)

	var decision Decision
	err = s.gen.generate(ctx, "decide", system, user, decisionSchema(allowed.Names()), func(text string) error {
		d, err := decodeDecision(text, allowed)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (s *session) runStep(ctx context.Context, d Decision) (Outcome, error) {
	st := s.state
	action := d.Step.Action()
	ctx, span := s.tracer.Start(ctx, "deepresearch.step", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("action", string(action)),
		attribute.Int("step", st.TotalSteps),
	))
	defer span.End()

	s.think = d.Think
	s.note = ""
	s.log.Info("step",
		zap.Int("step", st.TotalSteps),
		zap.String("action", string(action)),
		zap.String("question", st.CurrentQuestion),
		zap.String("think", d.Think))

	start := time.Now()
	out, err := d.Step.apply(ctx, s)
	metrics.StepsTotal.WithLabelValues(string(action)).Inc()
	metrics.StepDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, fmt.Errorf("%s step: %w", action, err)
	}

	if hook := s.agent.stepHook; hook != nil {
		hook(StepEvent{
			SessionID:  s.id,
			Step:       st.TotalSteps,
			Action:     action,
			Question:   st.CurrentQuestion,
			Think:      d.Think,
			Note:       s.note,
			UsedTokens: st.UsedTokens,
		})
	}
	return out, nil
}

func (s *session) diary(format string, args ...any) {
	s.state.addDiary(format, args...)
	s.note = s.state.Attempt.Diary[len(s.state.Attempt.Diary)-1]
}

// dedupe filters candidates against existing, falling back to exact
// matching when the model call fails.
func (s *session) dedupe(ctx context.Context, candidates, existing []string) ([]string, error) {
	out, err := s.dedup.Dedup(ctx, candidates, existing)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("query dedup failed, using exact matching", zap.Error(err))
		return dedupExact(candidates, existing), nil
	}
	return out, nil
}

func (s *session) result(forced bool) Result {
	st := s.state
	res := Result{
		SessionID:  s.id,
		Answer:     st.FinalAnswer,
		StopReason: st.StopReason,
		Forced:     forced,
		Steps:      st.TotalSteps - 1,
		UsedTokens: st.UsedTokens,
		Knowledge:  slices.Clone(st.Memory.Knowledge),
	}
	for _, i := range st.FinalReferences {
		k := st.Memory.Knowledge[i]
		res.References = append(res.References, Reference{Index: i, Question: k.Question, URL: k.SourceURL})
	}
	for u := range st.Memory.VisitedURLs {
		res.VisitedURLs = append(res.VisitedURLs, u)
	}
	sort.Strings(res.VisitedURLs)
	return res
}
