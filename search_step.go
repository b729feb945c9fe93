package deepresearch

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/smhanov/deepresearch/metrics"
)

// SearchStep runs web searches and collects the result URLs.
type SearchStep struct {
	Queries []string
}

// Action implements Step.
func (*SearchStep) Action() ActionName { return ActionSearch }

type searchedQuery struct {
	query   string
	results []SearchResult
}

func (step *SearchStep) apply(ctx context.Context, s *session) (Outcome, error) {
	st := s.state
	defer st.Allow.disable(ActionSearch)

	queries, err := s.dedupe(ctx, step.Queries, nil)
	if err != nil {
		return Outcome{}, err
	}
	queries = SampleK(queries, s.agent.maxSearchQueries)

	var searched []searchedQuery
	for _, q := range queries {
		results, ok := s.searchAndRecord(ctx, q)
		if !ok {
			continue
		}
		searched = append(searched, searchedQuery{query: q, results: results})
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	var keywords []string
	rewriteFailed := false
	for _, sq := range searched {
		rewritten, err := s.rewriteQuery(ctx, sq)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			s.log.Warn("query rewrite failed", zap.String("query", sq.query), zap.Error(err))
			rewriteFailed = true
			continue
		}
		keywords = append(keywords, rewritten...)
	}
	keywords = dedupExact(keywords, st.Memory.AllSearchQuestions)

	found := false
	for _, kw := range keywords {
		if results, ok := s.searchAndRecord(ctx, kw); ok && len(results) > 0 {
			found = true
		}
	}
	if rewriteFailed && !found {
		for _, sq := range searched {
			if len(sq.results) > 0 {
				found = true
			}
		}
	}

	shown := keywords
	if len(shown) == 0 {
		shown = queries
	}
	if found {
		s.diary(`At step %d, you took the **search** action and looked for external information for the question: "%s".
In particular, you tried to search for the following keywords: "%s".
You found quite some information and added it to your URL list to **visit** later when needed.`,
			st.Attempt.Step, st.CurrentQuestion, strings.Join(shown, ", "))
	} else {
		s.diary(`At step %d, you took the **search** action and looked for external information for the question: "%s".
In particular, you tried to search for the following keywords: "%s".
But then you realized you have already searched for these keywords before, and no new information was returned.
You decided to think out of the box or cut from a completely different angle.`,
			st.Attempt.Step, st.CurrentQuestion, strings.Join(shown, ", "))
	}
	return Outcome{}, nil
}

// searchAndRecord runs one query, normalizes the results and records them.
// It reports false when every attempt failed.
func (s *session) searchAndRecord(ctx context.Context, query string) ([]SearchResult, bool) {
	a, st := s.agent, s.state
	if len(a.searchers) == 0 {
		s.log.Warn("search requested but no search provider configured")
		return nil, false
	}
	provider := a.searchers[rand.IntN(len(a.searchers))]
	name := providerName(provider)

	var raw []SearchResult
	op := func() error {
		res, err := provider.Search(ctx, query, a.topKSearchResults)
		if err != nil {
			metrics.SearchRequests.WithLabelValues(name, "error").Inc()
			if errors.Is(err, ErrSearchFailed) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		metrics.SearchRequests.WithLabelValues(name, "ok").Inc()
		raw = res
		return nil
	}
	err := backoff.RetryNotify(op, fixedRetry(ctx, a.retry.SearchAttempts, a.retry.SearchDelay), func(err error, wait time.Duration) {
		s.log.Warn("search failed, retrying", zap.String("backend", name), zap.String("query", query), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		s.log.Warn("skipping query", zap.String("backend", name), zap.String("query", query), zap.Error(err))
		return nil, false
	}

	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		if r.URL == "" || isAdOrTrackerURL(r.URL) {
			continue
		}
		r.URL = NormalizeURL(r.URL)
		if a.enricher != nil {
			if enriched, err := a.enricher.Enrich(ctx, r); err == nil {
				r = enriched
			} else {
				s.log.Debug("result enrichment failed", zap.String("url", r.URL), zap.Error(err))
			}
		}
		results = append(results, r)
	}

	added := st.addURLs(results)
	st.Memory.AllSearchQuestions = append(st.Memory.AllSearchQuestions, query)
	if a.searchKnowledge && len(results) > 0 {
		var b strings.Builder
		for _, r := range results {
			if r.Description == "" {
				continue
			}
			b.WriteString(r.Description)
			b.WriteString("\n")
		}
		if b.Len() > 0 {
			st.addKnowledge(KnowledgeItem{
				Type:      KnowledgeFromSearch,
				Question:  query,
				Answer:    strings.TrimSpace(b.String()),
				UpdatedAt: a.now(),
			})
		}
	}
	s.log.Info("searched", zap.String("backend", name), zap.String("query", query), zap.Int("results", len(results)), zap.Int("new_urls", added))
	return results, true
}

// rewriteQuery turns a searched query into keyword queries informed by its
// first results.
func (s *session) rewriteQuery(ctx context.Context, sq searchedQuery) ([]string, error) {
	var lines []string
	for _, r := range sq.results {
		line := r.Title
		if r.Description != "" {
			line += ": " + r.Description
		}
		lines = append(lines, line)
	}
	system, user, err := buildRewritePrompts(sq.query, s.think, lines, s.agent.now())
	if err != nil {
		return nil, err
	}
	res, err := generateJSON[queryRewrite](ctx, s.judge, "rewrite query", system, user, queryRewriteSchema)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Queries))
	for _, q := range res.Queries {
		out = append(out, q.Q)
	}
	return trimStrings(out), nil
}
