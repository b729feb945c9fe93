package deepresearch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAnswerEvaluator(llm *scriptedLLM) *AnswerEvaluator {
	return &AnswerEvaluator{gen: newGenerator(llm, nil, 1, 0), now: fixedClock}
}

func TestQuestionEvaluatorMapsFlags(t *testing.T) {
	llm := newScriptedLLM().on("question_evaluation", questionChecks(true, false, true, true))
	e := &QuestionEvaluator{gen: newGenerator(llm, nil, 1, 0)}

	checks, err := e.Evaluate(context.Background(), "List three Go web frameworks and their authors")
	require.NoError(t, err)
	assert.Equal(t, []EvaluationMetric{MetricDefinitive, MetricPlurality, MetricCompleteness}, checks)
	assert.Contains(t, llm.users["question_evaluation"][0], "List three Go web frameworks")
}

func TestAnswerEvaluatorStopsAtFirstFailure(t *testing.T) {
	llm := newScriptedLLM().
		on("definitive_evaluation", verdictJSON(true, "clear")).
		on("plurality_evaluation", `{"think":"only one given","pass":false,"min_count_required":3,"actual_count_provided":1}`)

	eval, err := testAnswerEvaluator(llm).Evaluate(context.Background(), "q", "a", nil,
		[]EvaluationMetric{MetricDefinitive, MetricPlurality, MetricStrict})
	require.NoError(t, err)
	assert.False(t, eval.Pass)
	assert.Equal(t, MetricPlurality, eval.Metric)
	assert.Equal(t, "only one given", eval.Think)
	require.Len(t, eval.Details, 2)
	assert.Equal(t, 3, eval.Details[1].MinCount)
	assert.Equal(t, 1, eval.Details[1].ActualCount)
	assert.Zero(t, llm.callCount("strict_evaluation"))
}

func TestAnswerEvaluatorAllPass(t *testing.T) {
	llm := newScriptedLLM().
		on("freshness_evaluation", verdictJSON(true, "recent")).
		on("strict_evaluation", verdictJSON(true, "thorough"))

	eval, err := testAnswerEvaluator(llm).Evaluate(context.Background(), "q", "a", nil,
		[]EvaluationMetric{MetricFreshness, MetricStrict})
	require.NoError(t, err)
	assert.True(t, eval.Pass)
	assert.Equal(t, "thorough", eval.Think)
	assert.Len(t, eval.Details, 2)
}

func TestAnswerEvaluatorStrictImprovementPlan(t *testing.T) {
	llm := newScriptedLLM().on("strict_evaluation", strictFail("shallow", " add benchmarks "))

	eval, err := testAnswerEvaluator(llm).Evaluate(context.Background(), "q", "a", nil, []EvaluationMetric{MetricStrict})
	require.NoError(t, err)
	assert.False(t, eval.Pass)
	assert.Equal(t, MetricStrict, eval.Metric)
	assert.Equal(t, "add benchmarks", eval.ImprovementPlan)
}

func TestAttributionWithoutKnowledgeFailsWithoutCall(t *testing.T) {
	llm := newScriptedLLM()

	eval, err := testAnswerEvaluator(llm).Evaluate(context.Background(), "q", "a", nil, []EvaluationMetric{MetricAttribution})
	require.NoError(t, err)
	assert.False(t, eval.Pass)
	assert.Equal(t, MetricAttribution, eval.Metric)
	assert.NotEmpty(t, eval.Think)
	assert.Zero(t, llm.totalCalls())
}

func TestAttributionSeesKnowledge(t *testing.T) {
	llm := newScriptedLLM().on("attribution_evaluation", `{"think":"quoted","pass":true,"exact_quote":"Go 1.18 added generics"}`)
	knowledge := []KnowledgeItem{{Type: KnowledgeFromVisit, Question: "go generics", Answer: "Go 1.18 added generics", SourceURL: "https://go.dev/blog"}}

	eval, err := testAnswerEvaluator(llm).Evaluate(context.Background(), "When did Go get generics?", "In 1.18.", knowledge, []EvaluationMetric{MetricAttribution})
	require.NoError(t, err)
	assert.True(t, eval.Pass)
	assert.Equal(t, "Go 1.18 added generics", eval.Details[0].ExactQuote)
}

func TestAnswerEvaluatorUnknownMetric(t *testing.T) {
	_, err := testAnswerEvaluator(newScriptedLLM()).Evaluate(context.Background(), "q", "a", nil, []EvaluationMetric{"vibes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vibes")
}
