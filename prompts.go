package deepresearch

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

const timeLayout = "Monday, January 2, 2006 15:04 MST"

const decisionPromptTemplate = `You are an advanced AI research agent specialized in multistep reasoning. Today is {{.Now}}.
Using your knowledge, the gathered evidence and the lessons learned from earlier attempts, answer the user question with absolute certainty.
{{if .Knowledge}}
You have gathered the following knowledge, which might be useful for answering the original question:
<knowledge>
{{range .Knowledge}}{{.}}
{{end}}</knowledge>
{{end}}{{if .Diary}}
Here is what you have done so far:
<context>
{{range .Diary}}{{.}}
{{end}}</context>
{{end}}{{if .BadActions}}
You have tried the following actions before and they failed:
<bad-attempts>
{{range $i, $a := .BadActions}}<attempt-{{$i}}>
- Question: {{$a.Question}}
- Answer: {{$a.Answer}}
- Reject Reason: {{$a.Evaluation}}
- Actions Recap: {{$a.Recap}}
- Actions Blame: {{$a.Blame}}
</attempt-{{$i}}>
{{end}}</bad-attempts>

From these failures you learned the following strategy:
<learned-strategy>
{{range .BadActions}}{{.Improvement}}
{{end}}</learned-strategy>
{{end}}{{if .Enforce}}
You have gathered enough information. Answer the question now with the knowledge you have.
- Be definitive and cite the knowledge items you rely on.
- Never say the information is insufficient; give your best answer.
{{else}}
Based on the current context, you must choose one of the following actions:
<actions>
{{range .Sections}}{{.}}
{{end}}</actions>
{{end}}
Think step by step, choose the action, then respond with valid JSON matching the schema of that action.`

const rewriteSystemTemplate = `You are an expert search query engineer. Today is {{.Now}}.
Turn a natural language search request into up to three keyword style web search queries.
- Keep the intent of the original request and the reasoning behind it.
- Use the initial results to pick better terms, names and dates.
- Prefer short queries of 2 to 6 keywords; add operators such as site: or quotes only when they help.
- Never repeat a query that is already listed as searched.`

const rewriteUserTemplate = `<original-request>
{{.Query}}
</original-request>
<reasoning>
{{.Think}}
</reasoning>
<initial-results>
{{range .Results}}- {{.}}
{{end}}</initial-results>`

//nolint:gochecknoglobals
var (
	decisionTmpl      = template.Must(template.New("decision").Parse(decisionPromptTemplate))
	rewriteSystemTmpl = template.Must(template.New("rewrite_system").Parse(rewriteSystemTemplate))
	rewriteUserTmpl   = template.Must(template.New("rewrite_user").Parse(rewriteUserTemplate))
)

const questionEvalSystemPrompt = `You decide which quality checks an answer to a question must pass.
- needs_definitive: the question expects a clear, confident answer. True for almost everything except open-ended opinion or speculation.
- needs_freshness: the answer depends on recent or changing information such as current office holders, prices, versions or events.
- needs_plurality: the question asks for several items, examples or options.
- needs_completeness: the question names several distinct aspects or entities that all must be covered.
Greetings and small talk need no checks. Respond in JSON.`

const dedupSystemPrompt = `You are an expert at recognising semantically duplicate search queries.
Given a list of queries, return only the unique ones, keeping the first occurrence of each group of duplicates.
Two queries are duplicates when they ask for the same information with different wording.
Queries are NOT duplicates when they use different site: filters, file types, languages, exact phrases or inclusion operators, when they cover different aspects of a topic, or when one is more specific than the other.
Return the unique queries in their original wording.`

const errorAnalysisSystemPrompt = `You are an expert at analysing failed research processes.
You receive the sequence of steps an agent took before its answer was rejected. Respond with:
- recap: the key actions in order and what went wrong.
- blame: the specific steps or patterns that led to the inadequate answer, such as repeated searches or unreliable sources.
- improvement: actionable suggestions the agent should follow next time.`

const definitiveEvalPrompt = `You evaluate whether an answer is definitive.
The answer fails if it is not a direct response to the question, or if it expresses personal uncertainty, claims a lack of information, states an inability to answer, or redirects to alternatives instead of answering.
Balanced answers that present several viewpoints with substantive information still pass.`

const freshnessEvalPrompt = `You evaluate whether an answer is likely outdated. The current time is %s.
If the topic needs current information and the answer relies on dates or facts likely to have changed by now, it fails.
Without strong evidence that the answer is outdated, it passes.`

const pluralityEvalPrompt = `You evaluate whether an answer provides the number of items the question asks for.
Determine min_count_required from explicit numbers or plural wording in the question ("a few" is 2-4, "several" is 3-7, "many" is 7 or more), count the distinct items the answer provides in actual_count_provided, and pass only if the answer provides enough.`

const completenessEvalPrompt = `You evaluate whether an answer covers every aspect the question explicitly names.
List the aspects the question asks for in aspects_expected and the aspects the answer addresses in aspects_provided.
Pass only if every explicitly named aspect is addressed; implicit or related aspects do not count against the answer.`

const attributionEvalPrompt = `You evaluate whether an answer is supported by the gathered knowledge.
Pass only if the key claims of the answer can be traced to the knowledge items. Quote the strongest supporting evidence in exact_quote.`

const strictEvalPrompt = `You are a ruthless answer evaluator trained to reject answers. Find every weakness: missing details, vague statements, unsupported claims, shallow coverage or formatting that does not match the request.
Only an answer that is exhaustive, precise and fully supported by the knowledge below passes.
If it fails, write an improvement_plan with concrete steps, for example "add the release date of version 2" rather than "be more specific".

<knowledge>
%s</knowledge>`

func renderTemplate(tmpl *template.Template, data any) (string, error) {
	var b bytes.Buffer
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

type decisionPromptData struct {
	Now        string
	Knowledge  []string
	Diary      []string
	BadActions []BadAction
	Sections   []string
	Enforce    bool
}

type menuOptions struct {
	allowed          Allowed
	urls             []SearchResult
	maxQueries       int
	maxDecomposition int
}

// buildDecisionSystemPrompt renders the state into the decision prompt. With
// enforce set no action menu is offered.
func buildDecisionSystemPrompt(st *ResearchState, menu menuOptions, now time.Time, enforce bool) (string, error) {
	data := decisionPromptData{
		Now:        now.Format(timeLayout),
		Diary:      st.Attempt.Diary,
		BadActions: st.Memory.BadActions,
		Enforce:    enforce,
	}
	for i, k := range st.Memory.Knowledge {
		data.Knowledge = append(data.Knowledge, knowledgeXML(k, i))
	}
	if !enforce {
		data.Sections = actionSections(menu)
	}
	return renderTemplate(decisionTmpl, data)
}

func actionSections(m menuOptions) []string {
	var sections []string
	if m.allowed.Visit && len(m.urls) > 0 {
		var b strings.Builder
		b.WriteString("<action-visit>\n")
		b.WriteString("- Crawl and read the full content of URLs.\n")
		b.WriteString("- You must check URLs mentioned in <question> if any.\n")
		b.WriteString("- Choose relevant URLs below; a higher weight suggests more relevance:\n")
		b.WriteString("<available-urls-to-visit>\n")
		for _, u := range m.urls {
			b.WriteString("- ")
			b.WriteString(weightedURLDescriptor(u))
			b.WriteString("\n")
		}
		b.WriteString("</available-urls-to-visit>\n")
		b.WriteString("</action-visit>")
		sections = append(sections, b.String())
	}
	if m.allowed.Search {
		sections = append(sections, fmt.Sprintf(`<action-search>
- Use web search to find relevant information.
- Build diverse queries based on the intent of the original question and the expected answer format.
- Prefer a single query; add another only when the question covers several aspects.
- Do not generate more than %d queries, and never several similar ones.
</action-search>`, m.maxQueries))
	}
	if m.allowed.Answer {
		sections = append(sections, `<action-answer>
- Give a detailed, accurate answer to the user question based on the knowledge.
- Greetings, casual conversation and general knowledge questions can be answered directly.
- For everything else you must give a verified answer that references the knowledge items by index.
- Reference ONLY information inside <knowledge>. If a URL looks relevant, visit it before using it.
- If uncertain, reflect instead.
</action-answer>`)
	}
	if m.allowed.Reflect {
		sections = append(sections, fmt.Sprintf(`<action-reflect>
- Think through <question>, <context>, <knowledge>, <bad-attempts> and <learned-strategy> to find knowledge gaps.
- List clarifying questions that are closely related to the original question and lead to its answer.
- Do not generate more than %d questions.
</action-reflect>`, m.maxDecomposition))
	}
	return sections
}

// buildDecisionUserPrompt wraps the question, adding reviewer feedback when
// there is any.
func buildDecisionUserPrompt(question string, pip []string) string {
	var b strings.Builder
	b.WriteString("<question>\n")
	b.WriteString(question)
	b.WriteString("\n</question>")
	if len(pip) > 0 {
		b.WriteString("\n\n<answer-requirements>\n")
		b.WriteString("- Your answer must address the feedback of earlier reviewers:\n")
		for i, p := range pip {
			fmt.Fprintf(&b, "<reviewer-%d>\n%s\n</reviewer-%d>\n", i+1, p, i+1)
		}
		b.WriteString("</answer-requirements>")
	}
	return b.String()
}

func knowledgeXML(k KnowledgeItem, idx int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<knowledge-%d>\n<question>\n%s\n</question>\n<answer>\n%s\n</answer>", idx, k.Question, k.Answer)
	if k.Type == KnowledgeFromVisit && k.SourceURL != "" {
		fmt.Fprintf(&b, "\n<url>%s</url>", k.SourceURL)
	}
	fmt.Fprintf(&b, "\n</knowledge-%d>", idx)
	return b.String()
}

// urlDescriptor is the text a URL is ranked by.
func urlDescriptor(r SearchResult) string {
	out := r.URL + ": " + r.Title
	if r.Description != "" {
		out += " - " + r.Description
	}
	return out
}

func weightedURLDescriptor(r SearchResult) string {
	return fmt.Sprintf("[weight = %.2f] %s", r.Weight, urlDescriptor(r))
}

func buildQuestionUserPrompt(question string) string {
	return "<question> " + question + " </question>"
}

func buildDedupUserPrompt(queries []string) string {
	var b strings.Builder
	b.WriteString("<queries>\n")
	for _, q := range queries {
		b.WriteString("- ")
		b.WriteString(q)
		b.WriteString("\n")
	}
	b.WriteString("</queries>")
	return b.String()
}

func buildEvalSystemPrompt(metric EvaluationMetric, now time.Time, knowledge []KnowledgeItem) string {
	switch metric {
	case MetricFreshness:
		return fmt.Sprintf(freshnessEvalPrompt, now.Format(timeLayout))
	case MetricPlurality:
		return pluralityEvalPrompt
	case MetricCompleteness:
		return completenessEvalPrompt
	case MetricAttribution:
		return attributionEvalPrompt
	case MetricStrict:
		var b strings.Builder
		for i, k := range knowledge {
			b.WriteString(knowledgeXML(k, i))
			b.WriteString("\n")
		}
		return fmt.Sprintf(strictEvalPrompt, b.String())
	default:
		return definitiveEvalPrompt
	}
}

func buildEvalUserPrompt(metric EvaluationMetric, question, answer string, knowledge []KnowledgeItem) string {
	var b strings.Builder
	if metric == MetricAttribution {
		b.WriteString("<knowledge>\n")
		for i, k := range knowledge {
			b.WriteString(knowledgeXML(k, i))
			b.WriteString("\n")
		}
		b.WriteString("</knowledge>\n")
	}
	fmt.Fprintf(&b, "<question>\n%s\n</question>\n<answer>\n%s\n</answer>", question, answer)
	return b.String()
}

func buildErrorAnalysisUserPrompt(diary []string) string {
	return strings.Join(diary, "\n")
}

func buildRewritePrompts(query, think string, results []string, now time.Time) (string, string, error) {
	sys, err := renderTemplate(rewriteSystemTmpl, struct{ Now string }{now.Format(timeLayout)})
	if err != nil {
		return "", "", err
	}
	user, err := renderTemplate(rewriteUserTmpl, struct {
		Query   string
		Think   string
		Results []string
	}{query, think, results})
	if err != nil {
		return "", "", err
	}
	return sys, user, nil
}
