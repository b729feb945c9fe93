package deepresearch

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

type searchPayload struct {
	Queries []string `json:"queries" jsonschema:"required" jsonschema_description:"Natural language search requests. Prefer a single query and add more only when the question covers several distinct aspects."`
}

type visitPayload struct {
	URLs []string `json:"urls" jsonschema:"required" jsonschema_description:"URLs to read in full, chosen from the available URLs or the question itself."`
}

type reflectPayload struct {
	Questions []string `json:"questions_to_answer" jsonschema:"required" jsonschema_description:"Focused single-concept questions under 20 words that fill the knowledge gaps."`
}

type answerPayload struct {
	Answer     string `json:"answer" jsonschema:"required" jsonschema_description:"A definitive markdown answer with inline [n] citations of knowledge item indices."`
	References []int  `json:"references" jsonschema:"required" jsonschema_description:"Indices of the knowledge items that support the answer."`
}

type questionEvaluation struct {
	Think             string `json:"think" jsonschema:"required" jsonschema_description:"Why these checks are needed."`
	NeedsDefinitive   bool   `json:"needs_definitive" jsonschema:"required"`
	NeedsFreshness    bool   `json:"needs_freshness" jsonschema:"required"`
	NeedsPlurality    bool   `json:"needs_plurality" jsonschema:"required"`
	NeedsCompleteness bool   `json:"needs_completeness" jsonschema:"required"`
}

type defaultVerdict struct {
	Think string `json:"think" jsonschema:"required" jsonschema_description:"Why the answer passes or fails."`
	Pass  bool   `json:"pass" jsonschema:"required"`
}

type attributionVerdict struct {
	defaultVerdict
	ExactQuote string `json:"exact_quote" jsonschema:"required" jsonschema_description:"Quote from the knowledge that supports the answer, if any."`
}

type completenessVerdict struct {
	defaultVerdict
	AspectsExpected string `json:"aspects_expected" jsonschema:"required" jsonschema_description:"Comma separated aspects the question asks for."`
	AspectsProvided string `json:"aspects_provided" jsonschema:"required" jsonschema_description:"Comma separated aspects the answer covers."`
}

type pluralityVerdict struct {
	defaultVerdict
	MinCountRequired    int `json:"min_count_required" jsonschema:"required"`
	ActualCountProvided int `json:"actual_count_provided" jsonschema:"required"`
}

type strictVerdict struct {
	defaultVerdict
	ImprovementPlan string `json:"improvement_plan" jsonschema:"required" jsonschema_description:"Concrete steps that would make the answer acceptable."`
}

// verdict decodes the output of every metric schema.
type verdict struct {
	Think               string `json:"think"`
	Pass                bool   `json:"pass"`
	ExactQuote          string `json:"exact_quote"`
	AspectsExpected     string `json:"aspects_expected"`
	AspectsProvided     string `json:"aspects_provided"`
	MinCountRequired    int    `json:"min_count_required"`
	ActualCountProvided int    `json:"actual_count_provided"`
	ImprovementPlan     string `json:"improvement_plan"`
}

type errorAnalysis struct {
	Recap       string `json:"recap" jsonschema:"required" jsonschema_description:"Recap of the key actions and what went wrong."`
	Blame       string `json:"blame" jsonschema:"required" jsonschema_description:"The steps or patterns that led to the inadequate answer."`
	Improvement string `json:"improvement" jsonschema:"required" jsonschema_description:"Actionable suggestions for a better outcome."`
}

type rewrittenQuery struct {
	Q string `json:"q" jsonschema:"required" jsonschema_description:"Keyword style search query."`
}

type queryRewrite struct {
	Think   string           `json:"think" jsonschema:"required"`
	Queries []rewrittenQuery `json:"queries" jsonschema:"required"`
}

type dedupResult struct {
	Queries []string `json:"queries" jsonschema:"required" jsonschema_description:"The unique queries."`
}

//nolint:gochecknoglobals
var (
	questionEvalSchema  = mustSchema[questionEvaluation]("question_evaluation")
	errorAnalysisSchema = mustSchema[errorAnalysis]("error_analysis")
	queryRewriteSchema  = mustSchema[queryRewrite]("query_rewrite")
	dedupSchema         = mustSchema[dedupResult]("deduplicate_queries")

	metricSchemas = map[EvaluationMetric]Schema{
		MetricDefinitive:   mustSchema[defaultVerdict]("definitive_evaluation"),
		MetricFreshness:    mustSchema[defaultVerdict]("freshness_evaluation"),
		MetricPlurality:    mustSchema[pluralityVerdict]("plurality_evaluation"),
		MetricCompleteness: mustSchema[completenessVerdict]("completeness_evaluation"),
		MetricAttribution:  mustSchema[attributionVerdict]("attribution_evaluation"),
		MetricStrict:       mustSchema[strictVerdict]("strict_evaluation"),
	}

	payloadSchemas = map[ActionName]map[string]any{
		ActionSearch:  mustSchema[searchPayload]("").Definition,
		ActionVisit:   mustSchema[visitPayload]("").Definition,
		ActionReflect: mustSchema[reflectPayload]("").Definition,
		ActionAnswer:  mustSchema[answerPayload]("").Definition,
	}
)

func mustSchema[T any](name string) Schema {
	def, err := reflectSchema[T]()
	if err != nil {
		panic(err)
	}
	return Schema{Name: name, Definition: def}
}

// reflectSchema builds an inline JSON schema for T.
func reflectSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// decisionSchema describes {think, action: {<name>: payload}} where only the
// enabled actions may appear.
func decisionSchema(allowed []ActionName) Schema {
	props := make(map[string]any, len(allowed))
	for _, name := range allowed {
		props[string(name)] = payloadSchemas[name]
	}
	return Schema{
		Name: "research_decision",
		Definition: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"think": map[string]any{
					"type":        "string",
					"description": "Step by step reasoning about which action to take next.",
				},
				"action": map[string]any{
					"type":                 "object",
					"description":          "Exactly one of the available actions.",
					"properties":           props,
					"minProperties":        1,
					"maxProperties":        1,
					"additionalProperties": false,
				},
			},
			"required":             []any{"think", "action"},
			"additionalProperties": false,
		},
	}
}
