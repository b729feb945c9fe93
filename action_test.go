package deepresearch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDecision(t *testing.T) {
	t.Run("search", func(t *testing.T) {
		d, err := decodeDecision(searchDecision(" go generics ", "", "go 1.18 release"), allowAll())
		require.NoError(t, err)
		assert.Equal(t, "thinking about search", d.Think)
		assert.Equal(t, &SearchStep{Queries: []string{"go generics", "go 1.18 release"}}, d.Step)
	})

	t.Run("answer evaluates by default", func(t *testing.T) {
		d, err := decodeDecision(answerDecision(" Forty-two. ", 1, 0), allowAll())
		require.NoError(t, err)
		assert.Equal(t, &AnswerStep{Answer: "Forty-two.", References: []int{1, 0}, Evaluate: true}, d.Step)
	})

	t.Run("reflect and visit", func(t *testing.T) {
		d, err := decodeDecision(reflectDecision("what is x?"), allowAll())
		require.NoError(t, err)
		assert.Equal(t, ActionReflect, d.Step.Action())

		d, err = decodeDecision(visitDecision("https://go.dev"), allowAll())
		require.NoError(t, err)
		assert.Equal(t, &VisitStep{URLs: []string{"https://go.dev"}}, d.Step)
	})

	t.Run("code fence and case", func(t *testing.T) {
		raw := "Sure:\n```json\n{\"think\":\"t\",\"action\":{\"Search\":{\"queries\":[\"q\"]}}}\n```"
		d, err := decodeDecision(raw, allowAll())
		require.NoError(t, err)
		assert.Equal(t, ActionSearch, d.Step.Action())
	})

	t.Run("disabled action is malformed", func(t *testing.T) {
		_, err := decodeDecision(answerDecision("x"), Allowed{Search: true})
		require.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := decodeDecision(decision("dance", map[string]any{}), allowAll())
		require.ErrorIs(t, err, ErrUnknownAction)
		assert.NotErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("several actions", func(t *testing.T) {
		_, err := decodeDecision(`{"think":"t","action":{"search":{"queries":["q"]},"answer":{"answer":"a","references":[]}}}`, allowAll())
		require.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("no action", func(t *testing.T) {
		_, err := decodeDecision(`{"think":"t","action":{}}`, allowAll())
		require.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("bad payload", func(t *testing.T) {
		_, err := decodeDecision(`{"think":"t","action":{"search":{"queries":"q"}}}`, allowAll())
		require.ErrorIs(t, err, ErrMalformedOutput)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := decodeDecision("I would search the web.", allowAll())
		require.ErrorIs(t, err, ErrMalformedOutput)
	})
}

func TestDecisionSchemaListsOnlyAllowedActions(t *testing.T) {
	s := decisionSchema([]ActionName{ActionSearch, ActionAnswer})
	assert.Equal(t, "research_decision", s.Name)
	assert.Equal(t, []string{"search", "answer"}, actionKeys(t, s))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"leading text", `Here you go: {"a":{"b":2}} done`, `{"a":{"b":2}}`},
		{"code block", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare code block", "```\n[1,2]\n```", `[1,2]`},
		{"array", `result: [1, 2, 3]`, `[1, 2, 3]`},
		{"nothing", `no json here`, `no json here`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.in))
		})
	}
}

func TestStripThinkBlocks(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripThinkBlocks("<think>\nlet me see\n</think>\n{\"a\":1}"))
	assert.Equal(t, "x y", StripThinkBlocks("x <think>a</think>y"))
	assert.Equal(t, "plain", StripThinkBlocks(" plain "))
}

func TestGetContentFallsBackToReasoning(t *testing.T) {
	assert.Equal(t, "text", getContent(LLMResponse{Text: "text", Reasoning: "r"}))
	assert.Equal(t, `{"a":1}`, getContent(LLMResponse{Text: "<think>only thoughts</think>", Reasoning: `{"a":1}`}))
}
