package deepresearch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smhanov/deepresearch/metrics"
)

// QuestionEvaluator decides which checks an answer to a question must pass.
type QuestionEvaluator struct {
	gen *generator
}

// NewQuestionEvaluator creates a QuestionEvaluator backed by llm.
func NewQuestionEvaluator(llm LLMProvider, logger *zap.Logger) *QuestionEvaluator {
	return &QuestionEvaluator{gen: newGenerator(llm, logger, defaultLLMAttempts, defaultLLMDelay)}
}

// Evaluate classifies question. It never returns MetricStrict; the caller
// adds that for the user question.
func (e *QuestionEvaluator) Evaluate(ctx context.Context, question string) ([]EvaluationMetric, error) {
	res, err := generateJSON[questionEvaluation](ctx, e.gen, "evaluate question", questionEvalSystemPrompt, buildQuestionUserPrompt(question), questionEvalSchema)
	if err != nil {
		return nil, err
	}
	var out []EvaluationMetric
	if res.NeedsDefinitive {
		out = append(out, MetricDefinitive)
	}
	if res.NeedsFreshness {
		out = append(out, MetricFreshness)
	}
	if res.NeedsPlurality {
		out = append(out, MetricPlurality)
	}
	if res.NeedsCompleteness {
		out = append(out, MetricCompleteness)
	}
	return out, nil
}

// MetricResult is the verdict of a single check.
type MetricResult struct {
	Metric          EvaluationMetric
	Pass            bool
	Think           string
	ExactQuote      string
	AspectsExpected string
	AspectsProvided string
	MinCount        int
	ActualCount     int
	ImprovementPlan string
}

// Evaluation is the combined verdict on an answer. When Pass is false,
// Metric names the check that failed and Think explains why.
type Evaluation struct {
	Pass            bool
	Metric          EvaluationMetric
	Think           string
	ImprovementPlan string
	Details         []MetricResult
}

// AnswerEvaluator runs quality checks against a candidate answer.
type AnswerEvaluator struct {
	gen *generator
	now func() time.Time
}

// NewAnswerEvaluator creates an AnswerEvaluator backed by llm.
func NewAnswerEvaluator(llm LLMProvider, logger *zap.Logger) *AnswerEvaluator {
	return &AnswerEvaluator{gen: newGenerator(llm, logger, defaultLLMAttempts, defaultLLMDelay), now: time.Now}
}

// Evaluate runs the checks in order and stops at the first failure.
func (e *AnswerEvaluator) Evaluate(ctx context.Context, question, answer string, knowledge []KnowledgeItem, checks []EvaluationMetric) (Evaluation, error) {
	var eval Evaluation
	for _, metric := range checks {
		res, err := e.check(ctx, metric, question, answer, knowledge)
		if err != nil {
			return Evaluation{}, err
		}
		metrics.AnswerEvaluations.WithLabelValues(string(metric), strconv.FormatBool(res.Pass)).Inc()
		eval.Details = append(eval.Details, res)
		if !res.Pass {
			eval.Metric = metric
			eval.Think = res.Think
			eval.ImprovementPlan = res.ImprovementPlan
			return eval, nil
		}
	}
	eval.Pass = true
	if n := len(eval.Details); n > 0 {
		eval.Think = eval.Details[n-1].Think
	}
	return eval, nil
}

func (e *AnswerEvaluator) check(ctx context.Context, metric EvaluationMetric, question, answer string, knowledge []KnowledgeItem) (MetricResult, error) {
	schema, ok := metricSchemas[metric]
	if !ok {
		return MetricResult{}, fmt.Errorf("unknown evaluation metric %q", metric)
	}
	if metric == MetricAttribution && len(knowledge) == 0 {
		return MetricResult{
			Metric: metric,
			Think:  "No knowledge has been gathered, so the answer cannot be attributed to any source.",
		}, nil
	}

	now := time.Now
	if e.now != nil {
		now = e.now
	}
	system := buildEvalSystemPrompt(metric, now(), knowledge)
	user := buildEvalUserPrompt(metric, question, answer, knowledge)
	v, err := generateJSON[verdict](ctx, e.gen, "evaluate "+string(metric), system, user, schema)
	if err != nil {
		return MetricResult{}, err
	}
	return MetricResult{
		Metric:          metric,
		Pass:            v.Pass,
		Think:           strings.TrimSpace(v.Think),
		ExactQuote:      v.ExactQuote,
		AspectsExpected: v.AspectsExpected,
		AspectsProvided: v.AspectsProvided,
		MinCount:        v.MinCountRequired,
		ActualCount:     v.ActualCountProvided,
		ImprovementPlan: strings.TrimSpace(v.ImprovementPlan),
	}, nil
}
