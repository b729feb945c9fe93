package deepresearch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const skyQuestion = "Why is the sky blue?"

func TestResearchTrivialAnswerSkipsEvaluation(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(true, false, false, false)).
		on("research_decision", answerDecision("Hello there!"))

	res, err := testAgent(llm).Research(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, StopTrivialAnswer, res.StopReason)
	assert.False(t, res.Forced)
	assert.Equal(t, "Hello there!", res.Answer)
	assert.Equal(t, 1, res.Steps)
	assert.Zero(t, llm.callCount("definitive_evaluation"))
	assert.Zero(t, llm.callCount("strict_evaluation"))
	assert.NotEmpty(t, res.SessionID)
}

func TestResearchSearchVisitAnswer(t *testing.T) {
	page := "https://physics.example/rayleigh"
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(true, false, false, false)).
		on("research_decision",
			searchDecision("why is the sky blue"),
			visitDecision(page),
			answerDecision("Rayleigh scattering favours short wavelengths [0].", 0),
		).
		on("query_rewrite", `{"think":"use the physics term","queries":[{"q":"rayleigh scattering sky colour"}]}`).
		on("definitive_evaluation", verdictJSON(true, "direct")).
		on("strict_evaluation", verdictJSON(true, "well supported"))

	searcher := &fakeSearch{fallback: []SearchResult{{
		Title:       "Rayleigh scattering",
		URL:         page,
		Description: "Why short wavelengths scatter more",
	}}}
	fetcher := fakeFetch{pages: map[string]string{page: "Sunlight is scattered by molecules in the air. Blue light scatters most."}}

	var events []StepEvent
	agent := testAgent(llm,
		WithSearchProviders(searcher),
		WithFetchProvider(fetcher),
		WithStepHook(func(ev StepEvent) { events = append(events, ev) }),
	)

	res, err := agent.Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopFinalAnswerOK, res.StopReason)
	assert.False(t, res.Forced)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, []string{page}, res.VisitedURLs)

	require.Len(t, res.Knowledge, 1)
	assert.Equal(t, KnowledgeFromVisit, res.Knowledge[0].Type)
	assert.Equal(t, page, res.Knowledge[0].SourceURL)
	assert.Equal(t, fixedClock(), res.Knowledge[0].UpdatedAt)

	require.Len(t, res.References, 1)
	assert.Equal(t, page, res.References[0].URL)

	assert.Equal(t, []string{"why is the sky blue", "rayleigh scattering sky colour"}, searcher.queries)

	require.Len(t, events, 3)
	assert.Equal(t, ActionSearch, events[0].Action)
	assert.Equal(t, ActionVisit, events[1].Action)
	assert.Equal(t, ActionAnswer, events[2].Action)
	assert.Equal(t, 1, events[0].Step)
	assert.NotEmpty(t, events[0].Note)
	assert.Equal(t, 10*llm.totalCalls(), res.UsedTokens)
}

func TestResearchMaxBadAttemptsForcesAnswer(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(true, false, false, false)).
		on("research_decision",
			answerDecision("maybe"),
			searchDecision("sky colour"),
			answerDecision("probably"),
			searchDecision("sky colour physics"),
			answerDecision("perhaps"),
			answerDecision("forced answer"),
		).
		on("query_rewrite", noRewrite, noRewrite).
		on("definitive_evaluation",
			verdictJSON(false, "hedged"),
			verdictJSON(false, "hedged"),
			verdictJSON(false, "hedged"),
		).
		on("error_analysis", analysisJSON, analysisJSON)

	agent := testAgent(llm,
		WithSearchProviders(&fakeSearch{}),
		WithMaxBadAttempts(2),
		WithNoDirectAnswer(true),
	)

	res, err := agent.Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopMaxBadAttempts, res.StopReason)
	assert.True(t, res.Forced)
	assert.Equal(t, "forced answer", res.Answer)
	// max+1 evaluated attempts, then the forced one
	assert.Equal(t, 3, llm.callCount("definitive_evaluation"))
	assert.Equal(t, 6, llm.callCount("research_decision"))
	assert.Equal(t, 2, llm.callCount("error_analysis"))
	assert.Zero(t, llm.callCount("strict_evaluation"))

	// the forced call may only answer
	forced := llm.schemas["research_decision"][5]
	assert.Equal(t, []string{"answer"}, actionKeys(t, forced))
}

func TestResearchStrictFailureAddsRequirementsAndDropsCheck(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(false, false, false, false)).
		on("research_decision",
			answerDecision("It is blue."),
			searchDecision("sky blue reason"),
			answerDecision("It is blue because of Rayleigh scattering."),
		).
		on("strict_evaluation", strictFail("too shallow", "explain the wavelength dependence")).
		on("query_rewrite", noRewrite).
		on("error_analysis", analysisJSON)

	agent := testAgent(llm, WithSearchProviders(&fakeSearch{}), WithNoDirectAnswer(true))

	res, err := agent.Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopFinalAnswerOK, res.StopReason)
	assert.Equal(t, "It is blue because of Rayleigh scattering.", res.Answer)
	assert.Equal(t, 1, llm.callCount("strict_evaluation"))

	prompts := llm.users["research_decision"]
	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[0], "<answer-requirements>")
	assert.Contains(t, prompts[2], "<answer-requirements>")
	assert.Contains(t, prompts[2], "explain the wavelength dependence")
}

func TestResearchSubQuestionAnswerBecomesKnowledge(t *testing.T) {
	sub := "What is Rayleigh scattering?"
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(false, false, false, false)).
		on("research_decision",
			reflectDecision(sub),
			answerDecision("Scattering of light by particles much smaller than its wavelength."),
			searchDecision("rayleigh scattering blue"),
			answerDecision("Because of Rayleigh scattering [0].", 0),
		).
		on("query_rewrite", noRewrite).
		on("strict_evaluation", verdictJSON(true, "fine"))

	agent := testAgent(llm, WithSearchProviders(&fakeSearch{}))

	res, err := agent.Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopFinalAnswerOK, res.StopReason)

	var fromAnswer []KnowledgeItem
	for _, k := range res.Knowledge {
		if k.Type == KnowledgeFromAnswer {
			fromAnswer = append(fromAnswer, k)
		}
	}
	require.Len(t, fromAnswer, 1)
	assert.Equal(t, sub, fromAnswer[0].Question)

	require.Len(t, res.References, 1)
	assert.Equal(t, sub, res.References[0].Question)
	assert.Contains(t, res.Markdown(), "[0] "+sub)

	// the sub-question decision was asked about the sub-question
	assert.Contains(t, llm.users["research_decision"][1], sub)
}

func TestResearchReflectDeadEndDisablesReflectOnce(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(false, false, false, false)).
		on("research_decision",
			reflectDecision(skyQuestion),
			searchDecision("sky"),
			answerDecision("Rayleigh scattering."),
		).
		on("query_rewrite", noRewrite).
		on("strict_evaluation", verdictJSON(true, "fine"))

	agent := testAgent(llm, WithSearchProviders(&fakeSearch{}))

	res, err := agent.Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopFinalAnswerOK, res.StopReason)

	schemas := llm.schemas["research_decision"]
	require.Len(t, schemas, 3)
	assert.Contains(t, actionKeys(t, schemas[0]), "reflect")
	assert.NotContains(t, actionKeys(t, schemas[1]), "reflect")
	assert.Contains(t, actionKeys(t, schemas[2]), "reflect")
	assert.NotContains(t, actionKeys(t, schemas[2]), "search")
}

func TestResearchUnknownActionIsFatal(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(false, false, false, false)).
		on("research_decision", decision("dance", map[string]any{}))

	_, err := testAgent(llm).Research(context.Background(), skyQuestion)
	require.ErrorIs(t, err, ErrUnknownAction)
	assert.Equal(t, 1, llm.callCount("research_decision"))
}

func TestResearchDisabledActionIsRetried(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(false, true, false, false)).
		on("research_decision",
			answerDecision("It is blue."), // answering is not allowed on the first step of a freshness question
			searchDecision("sky colour today"),
			answerDecision("It is blue due to Rayleigh scattering."),
		).
		on("query_rewrite", noRewrite).
		on("freshness_evaluation", verdictJSON(true, "timeless")).
		on("strict_evaluation", verdictJSON(true, "fine"))

	res, err := testAgent(llm, WithSearchProviders(&fakeSearch{})).Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopFinalAnswerOK, res.StopReason)
	assert.Equal(t, 3, llm.callCount("research_decision"))
	assert.Equal(t, []string{"search"}, actionKeys(t, llm.schemas["research_decision"][0]))
}

func TestResearchTokenBudgetForcesAnswer(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(false, false, false, false)).
		on("research_decision", searchDecision("sky"), answerDecision("Best guess: scattering.")).
		on("query_rewrite", noRewrite)
	llm.tokens = 100

	agent := testAgent(llm, WithSearchProviders(&fakeSearch{}), WithTokenBudget(100))
	res, err := agent.Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopMaxTokensBudget, res.StopReason)
	assert.True(t, res.Forced)
	assert.Equal(t, "Best guess: scattering.", res.Answer)
	assert.Equal(t, 500, res.UsedTokens)
}

func TestResearchQuestionEvaluatorFailureKeepsStrict(t *testing.T) {
	llm := newScriptedLLM().
		on("research_decision", searchDecision("sky"), answerDecision("Rayleigh scattering.")).
		on("query_rewrite", noRewrite).
		on("strict_evaluation", verdictJSON(true, "fine"))

	res, err := testAgent(llm, WithSearchProviders(&fakeSearch{})).Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopFinalAnswerOK, res.StopReason)
	assert.Equal(t, 1, llm.callCount("strict_evaluation"))
}

func TestResearchModelOutageReturnsError(t *testing.T) {
	llm := newScriptedLLM()
	llm.failWith = errors.New("provider unavailable")

	res, err := testAgent(llm).Research(context.Background(), skyQuestion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unavailable")
	assert.Equal(t, StopModelUnavailable, res.StopReason)
	assert.Empty(t, res.Answer)
	// the loop decision and the forced decision each use their retries
	assert.Equal(t, 2*fastRetry().LLMAttempts, llm.callCount("research_decision"))
}

func TestResearchEvaluationFailureSkipsAttempt(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(true, false, false, false)).
		on("research_decision",
			searchDecision("sky"),
			answerDecision("It is blue."),
			searchDecision("sky physics"),
			answerDecision("Rayleigh scattering."),
		).
		on("query_rewrite", noRewrite, noRewrite).
		on("definitive_evaluation", "not json", "still not json", verdictJSON(true, "direct")).
		on("strict_evaluation", verdictJSON(true, "fine"))

	res, err := testAgent(llm, WithSearchProviders(&fakeSearch{}), WithNoDirectAnswer(true)).
		Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopFinalAnswerOK, res.StopReason)
	assert.False(t, res.Forced)
	assert.Equal(t, "Rayleigh scattering.", res.Answer)
	assert.Equal(t, 3, llm.callCount("definitive_evaluation"))
	// an unreadable verdict is not a bad attempt
	assert.Zero(t, llm.callCount("error_analysis"))
}

func TestResearchMalformedJudgeAndDecisionForceAnswer(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(true, false, false, false)).
		on("research_decision",
			searchDecision("sky"),
			answerDecision("It is blue."),
			"not json",
			"still not json",
			answerDecision("Rayleigh scattering, unverified."),
		).
		on("query_rewrite", noRewrite).
		on("definitive_evaluation", "not json", "still not json")

	res, err := testAgent(llm, WithSearchProviders(&fakeSearch{}), WithNoDirectAnswer(true)).
		Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopModelUnavailable, res.StopReason)
	assert.True(t, res.Forced)
	assert.Equal(t, "Rayleigh scattering, unverified.", res.Answer)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 2, llm.callCount("definitive_evaluation"))
	assert.Zero(t, llm.callCount("strict_evaluation"))
	assert.Zero(t, llm.callCount("error_analysis"))

	forced := llm.schemas["research_decision"][4]
	assert.Equal(t, []string{"answer"}, actionKeys(t, forced))
}

func TestResearchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testAgent(newScriptedLLM()).Research(ctx, skyQuestion)
	require.ErrorIs(t, err, context.Canceled)
}

func TestResearchRejectsEmptyQuestion(t *testing.T) {
	_, err := testAgent(newScriptedLLM()).Research(context.Background(), "   ")
	require.Error(t, err)

	_, err = New().Research(context.Background(), skyQuestion)
	require.Error(t, err)
}

func TestResearchSearchFailureIsRetriedThenSkipped(t *testing.T) {
	llm := newScriptedLLM().
		on("question_evaluation", questionChecks(false, false, false, false)).
		on("research_decision", searchDecision("sky"), answerDecision("Rayleigh scattering.")).
		on("strict_evaluation", verdictJSON(true, "fine"))
	searcher := &fakeSearch{err: ErrSearchFailed}

	res, err := testAgent(llm, WithSearchProviders(searcher)).Research(context.Background(), skyQuestion)
	require.NoError(t, err)
	assert.Equal(t, StopFinalAnswerOK, res.StopReason)
	assert.Len(t, searcher.queries, fastRetry().SearchAttempts)
	assert.Zero(t, llm.callCount("query_rewrite"))
}

func TestVisitMarksFailedURLsBad(t *testing.T) {
	good, bad := "https://good.example/a", "https://bad.example/b"
	llm := newScriptedLLM()
	agent := testAgent(llm, WithFetchProvider(fakeFetch{pages: map[string]string{good: "content"}}))
	s := agent.newSession(skyQuestion)
	s.state.addURLs([]SearchResult{{URL: good}, {URL: bad}})

	_, err := (&VisitStep{URLs: []string{good, bad, "ftp://nope", good}}).apply(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, s.state.Memory.VisitedURLs[good])
	assert.True(t, s.state.Memory.BadURLs[bad])
	assert.Equal(t, []SearchResult{{URL: good}}, s.state.Memory.AllURLs)
	require.Len(t, s.state.Memory.Knowledge, 1)
	assert.False(t, s.state.Allow.Visit)

	// a second visit of the same page is a dead end
	_, err = (&VisitStep{URLs: []string{good}}).apply(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, s.state.Memory.Knowledge, 1)
	assert.Contains(t, s.state.Attempt.Diary[len(s.state.Attempt.Diary)-1], "already visited")
}

func TestVisitWithoutRelevantPassagesAddsNoKnowledge(t *testing.T) {
	page := "https://offtopic.example/recipes"
	text := strings.Repeat("Whisk the eggs with sugar until pale. ", 30)
	agent := testAgent(newScriptedLLM(),
		WithFetchProvider(fakeFetch{pages: map[string]string{page: text}}),
		WithScorer(&keywordScorer{}),
	)
	s := agent.newSession(skyQuestion)
	s.state.addURLs([]SearchResult{{URL: page}})

	_, err := (&VisitStep{URLs: []string{page}}).apply(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, s.state.Memory.VisitedURLs[page])
	assert.Empty(t, s.state.Memory.Knowledge)

	note := s.state.Attempt.Diary[len(s.state.Attempt.Diary)-1]
	assert.Contains(t, note, "none of them said anything relevant")
	assert.NotContains(t, note, "added it to your knowledge")
}

func TestRerankURLs(t *testing.T) {
	scorer := &keywordScorer{scores: map[string]float64{"alpha": 0.2, "beta": 0.9, "gamma": 0.5}}
	agent := testAgent(newScriptedLLM(), WithScorer(scorer), WithTopKURLs(2))
	s := agent.newSession(skyQuestion)
	s.state.addURLs([]SearchResult{
		{URL: "https://a.example", Title: "alpha"},
		{URL: "https://b.example", Title: "beta"},
		{URL: "https://c.example", Title: "gamma"},
		{URL: "https://d.example", Title: "beta visited"},
	})
	s.state.Memory.VisitedURLs["https://d.example"] = true

	urls := s.rerankURLs(context.Background())
	require.Len(t, urls, 2)
	assert.Equal(t, "https://b.example", urls[0].URL)
	assert.Equal(t, "https://c.example", urls[1].URL)
	assert.InDelta(t, 0.2, s.state.Memory.AllURLs[0].Weight, 1e-9)
	assert.Zero(t, s.state.Memory.AllURLs[3].Weight)
}

func TestRerankURLsKeepsOrderOnScorerError(t *testing.T) {
	scorer := &keywordScorer{err: errors.New("embedding backend down")}
	agent := testAgent(newScriptedLLM(), WithScorer(scorer))
	s := agent.newSession(skyQuestion)
	s.state.addURLs([]SearchResult{{URL: "https://a.example"}, {URL: "https://b.example"}})

	urls := s.rerankURLs(context.Background())
	require.Len(t, urls, 2)
	assert.Equal(t, "https://a.example", urls[0].URL)
}

func TestResultMarkdown(t *testing.T) {
	res := Result{
		Answer: "Blue light scatters most [0][1].",
		References: []Reference{
			{Index: 0, Question: "q0", URL: "https://a.example"},
			{Index: 1, Question: "What is Rayleigh scattering?"},
		},
	}
	assert.Equal(t, "Blue light scatters most [0][1].\n\n## References\n\n[0] https://a.example\n[1] What is Rayleigh scattering?", res.Markdown())
	assert.Equal(t, "plain", Result{Answer: "plain\n"}.Markdown())
}

// actionKeys lists the actions a decision schema offers.
func actionKeys(t *testing.T, s Schema) []string {
	t.Helper()
	props, ok := s.Definition["properties"].(map[string]any)
	require.True(t, ok)
	action, ok := props["action"].(map[string]any)
	require.True(t, ok)
	actions, ok := action["properties"].(map[string]any)
	require.True(t, ok)
	var keys []string
	for _, name := range actionOrder {
		if _, ok := actions[string(name)]; ok {
			keys = append(keys, string(name))
		}
	}
	return keys
}
