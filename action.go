package deepresearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ActionName identifies one of the four research actions.
type ActionName string

const (
	ActionSearch  ActionName = "search"
	ActionVisit   ActionName = "visit"
	ActionReflect ActionName = "reflect"
	ActionAnswer  ActionName = "answer"
)

// actionOrder is the order actions are offered in the decision prompt.
var actionOrder = []ActionName{ActionVisit, ActionSearch, ActionAnswer, ActionReflect} //nolint:gochecknoglobals

// Outcome is what a step reports back to the research loop.
type Outcome struct {
	Stop StopReason
}

// Step is one of SearchStep, VisitStep, ReflectStep or AnswerStep. The set is
// closed: apply is unexported so no other package can add variants.
type Step interface {
	Action() ActionName
	apply(ctx context.Context, s *session) (Outcome, error)
}

// Decision is a decoded choice of the decision model.
type Decision struct {
	Think string
	Step  Step
}

type rawDecision struct {
	Think  string                     `json:"think"`
	Action map[string]json.RawMessage `json:"action"`
}

// decodeDecision turns model output into a Decision. An action outside the
// closed set is fatal; a known action that is not currently allowed is
// treated as malformed output so the call can be retried.
func decodeDecision(text string, allowed Allowed) (Decision, error) {
	var raw rawDecision
	if err := decodeJSON(text, &raw); err != nil {
		return Decision{}, err
	}
	if len(raw.Action) != 1 {
		return Decision{}, fmt.Errorf("%w: expected exactly one action, got %d", ErrMalformedOutput, len(raw.Action))
	}

	var name string
	var payload json.RawMessage
	for k, v := range raw.Action {
		name, payload = strings.ToLower(strings.TrimSpace(k)), v
	}

	var step Step
	switch ActionName(name) {
	case ActionSearch:
		var p searchPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return Decision{}, err
		}
		step = &SearchStep{Queries: trimStrings(p.Queries)}
	case ActionVisit:
		var p visitPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return Decision{}, err
		}
		step = &VisitStep{URLs: trimStrings(p.URLs)}
	case ActionReflect:
		var p reflectPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return Decision{}, err
		}
		step = &ReflectStep{Questions: trimStrings(p.Questions)}
	case ActionAnswer:
		var p answerPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return Decision{}, err
		}
		step = &AnswerStep{Answer: strings.TrimSpace(p.Answer), References: p.References, Evaluate: true}
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}

	if !allowed.Has(step.Action()) {
		return Decision{}, fmt.Errorf("%w: action %q is not available", ErrMalformedOutput, name)
	}
	return Decision{Think: strings.TrimSpace(raw.Think), Step: step}, nil
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func trimStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
