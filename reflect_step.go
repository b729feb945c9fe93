package deepresearch

import (
	"context"
	"strings"
)

// ReflectStep decomposes the current question into sub-questions.
type ReflectStep struct {
	Questions []string
}

// Action implements Step.
func (*ReflectStep) Action() ActionName { return ActionReflect }

func (step *ReflectStep) apply(ctx context.Context, s *session) (Outcome, error) {
	st := s.state
	defer st.Allow.disable(ActionReflect)

	questions, err := s.dedupe(ctx, step.Questions, st.Memory.AllQuestions)
	if err != nil {
		return Outcome{}, err
	}
	questions = SampleK(questions, s.agent.maxDecomposition)

	if len(questions) == 0 {
		s.diary(`At step %d, you took **reflect** and thought about the knowledge gaps. You tried to break down the question "%s" into gap-questions like this: %s
But then you realized you have asked them before. You decided to think out of the box or cut from a completely different angle.`,
			st.Attempt.Step, st.CurrentQuestion, strings.Join(step.Questions, ", "))
		return Outcome{}, nil
	}

	st.Gaps = append(st.Gaps, questions...)
	st.Memory.AllQuestions = append(st.Memory.AllQuestions, questions...)
	s.diary(`At step %d, you took **reflect** and thought about the knowledge gaps. You found some sub-questions that are important to the question: "%s"
You realize you need to know the answers to the following sub-questions:
%s

You will now figure out the answers to these sub-questions and see if they can help you find the answer to the original question.`,
		st.Attempt.Step, st.CurrentQuestion, "- "+strings.Join(questions, "\n- "))
	return Outcome{}, nil
}
