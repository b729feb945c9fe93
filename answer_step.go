package deepresearch

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

// AnswerStep proposes an answer to the current question. With Evaluate
// unset the answer is accepted without checks.
type AnswerStep struct {
	Answer     string
	References []int
	Evaluate   bool
}

// Action implements Step.
func (*AnswerStep) Action() ActionName { return ActionAnswer }

func (step *AnswerStep) apply(ctx context.Context, s *session) (Outcome, error) {
	st := s.state
	defer st.Allow.disable(ActionAnswer)

	refs := CleanReferences(step.References, len(st.Memory.Knowledge))
	question := st.CurrentQuestion

	if st.StopReason == "" && st.TotalSteps == 1 && len(refs) == 0 && !s.agent.noDirectAnswer {
		s.accept(step.Answer, refs)
		st.StopReason = StopTrivialAnswer
		s.diary(`At step %d, you took **answer** action and answered the question directly:

Original question:
%s

Your answer:
%s`, st.Attempt.Step, question, step.Answer)
		return Outcome{Stop: StopTrivialAnswer}, nil
	}

	eval := Evaluation{Pass: true}
	if checks := st.Memory.QuestionEvals[question]; step.Evaluate && len(checks) > 0 {
		var err error
		eval, err = s.aeval.Evaluate(ctx, question, step.Answer, st.Memory.Knowledge, checks)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			// an unreadable verdict is not a rejection
			s.log.Warn("answer evaluation failed, skipping attempt", zap.String("question", question), zap.Error(err))
			s.diary(`At step %d, you took **answer** action but the evaluator could not check your answer:

Question:
%s

Your answer:
%s

You decided to keep researching before answering again.`, st.Attempt.Step, question, step.Answer)
			return Outcome{}, nil
		}
	}

	if question != st.UserQuery {
		if eval.Pass {
			s.diary(`At step %d, you took **answer** action. You found a good answer to the sub-question:

Sub-question:
%s

Your answer:
%s

The evaluator thinks your answer is good because:
%s

Although you solved a sub-question, you still need to find the answer to the original question. You need to keep going.`,
				st.Attempt.Step, question, step.Answer, eval.Think)
			sorted := slices.Clone(refs)
			slices.Sort(sorted)
			st.addKnowledge(KnowledgeItem{
				Type:       KnowledgeFromAnswer,
				Question:   question,
				Answer:     step.Answer,
				References: sorted,
				UpdatedAt:  s.agent.now(),
			})
		} else {
			s.log.Info("sub-question answer rejected", zap.String("question", question), zap.String("metric", string(eval.Metric)))
		}
		return Outcome{}, nil
	}

	if eval.Pass {
		s.accept(step.Answer, refs)
		if st.StopReason == "" {
			st.StopReason = StopFinalAnswerOK
		}
		s.diary(`At step %d, you took **answer** action and finally found the answer to the original question:

Original question:
%s

Your answer:
%s

The evaluator thinks your answer is good because:
%s

Your journey ends here.`, st.Attempt.Step, question, step.Answer, eval.Think)
		return Outcome{Stop: st.StopReason}, nil
	}

	if eval.Metric == MetricStrict {
		if eval.ImprovementPlan != "" {
			st.Memory.FinalAnswerPIP = append(st.Memory.FinalAnswerPIP, eval.ImprovementPlan)
		}
		st.removeMetric(question, MetricStrict)
	}

	if st.BadAttempts >= s.agent.maxBadAttempts {
		s.accept(step.Answer, refs)
		st.StopReason = StopMaxBadAttempts
		s.log.Info("too many rejected answers", zap.Int("bad_attempts", st.BadAttempts))
		return Outcome{Stop: StopMaxBadAttempts}, nil
	}

	s.diary(`At step %d, you took **answer** action but the evaluator thinks it is not a good answer:

Original question:
%s

Your answer:
%s

The evaluator thinks your answer is bad because:
%s`, st.Attempt.Step, question, step.Answer, eval.Think)
	st.BadAttempts++

	analysis, err := generateJSON[errorAnalysis](ctx, s.judge, "analyze failure", errorAnalysisSystemPrompt, buildErrorAnalysisUserPrompt(st.Attempt.Diary), errorAnalysisSchema)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		s.log.Warn("failure analysis failed", zap.Error(err))
	}
	st.Memory.BadActions = append(st.Memory.BadActions, BadAction{
		Question:    question,
		Answer:      step.Answer,
		Evaluation:  eval.Think,
		Recap:       analysis.Recap,
		Blame:       analysis.Blame,
		Improvement: analysis.Improvement,
	})
	s.log.Info("answer rejected",
		zap.String("metric", string(eval.Metric)),
		zap.Int("bad_attempts", st.BadAttempts),
		zap.String("improvement", analysis.Improvement))
	st.resetAttempt()
	return Outcome{}, nil
}

func (s *session) accept(answer string, refs []int) {
	s.state.FinalAnswer = answer
	s.state.FinalReferences = refs
}
