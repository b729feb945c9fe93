// Package deepresearch provides a research agent that answers a question by
// searching the web, reading pages and checking its own answers before it
// commits to one.
//
// # Architecture
//
// Each iteration of the loop asks the decision model for exactly one action:
//
//  1. search: run web queries, rewrite them with the first results and
//     collect the URLs.
//  2. visit: read ranked URLs and keep the passages most similar to the
//     question as knowledge.
//  3. reflect: break the question into sub-questions, which are worked on
//     before the user question is revisited.
//  4. answer: propose an answer that cites knowledge items by index.
//
// An answer to the user question is accepted only after it passes the checks
// chosen for the question (definitive, freshness, plurality, completeness and
// a final strict review). A rejected answer is analysed, the lesson is kept
// and the working diary is discarded. When too many answers are rejected or
// the token budget runs low, a final answer is forced.
//
// # Basic Usage
//
//	agent := deepresearch.New(
//	    deepresearch.WithModel(myLLM),
//	    deepresearch.WithSearchProviders(search.NewDuckDuckGo()),
//	    deepresearch.WithFetchProvider(fetch.NewHTTP()),
//	    deepresearch.WithTokenBudget(50000),
//	)
//
//	res, err := agent.Research(ctx, "Why is the sky blue?")
//	fmt.Println(res.Markdown())
//
// # Interfaces
//
// Implement LLMProvider to connect any language model that can follow a
// JSON schema:
//
//	type LLMProvider interface {
//	    Generate(ctx context.Context, systemPrompt, userPrompt string, schema Schema) (LLMResponse, error)
//	}
//
// SearchProvider, FetchProvider and Scorer plug in search backends, page
// readers and embedding similarity. The llm, search, fetch and embed
// subpackages hold ready-made implementations, and the config package builds
// them from a YAML file. See cmd/deepresearch for a complete program.
package deepresearch
