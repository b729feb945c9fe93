package deepresearch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/smhanov/deepresearch/metrics"
)

// VisitStep reads pages and keeps the passages relevant to the question.
type VisitStep struct {
	URLs []string
}

// Action implements Step.
func (*VisitStep) Action() ActionName { return ActionVisit }

func (step *VisitStep) apply(ctx context.Context, s *session) (Outcome, error) {
	st := s.state
	defer st.Allow.disable(ActionVisit)

	var targets []string
	seen := make(map[string]bool)
	for _, u := range step.URLs {
		u = NormalizeURL(u)
		if !isHTTPURL(u) || seen[u] || st.Memory.VisitedURLs[u] || st.Memory.BadURLs[u] {
			continue
		}
		seen[u] = true
		targets = append(targets, u)
		if len(targets) >= s.agent.maxURLsPerStep {
			break
		}
	}

	if len(targets) == 0 {
		s.diary(`At step %d, you took the **visit** action. But then you realized you have already visited these URLs and you already know very well about their contents.
You decided to think out of the box or cut from a completely different angle.`, st.Attempt.Step)
		return Outcome{}, nil
	}

	var read, useful []string
	for _, u := range targets {
		text, err := s.fetch(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			s.log.Warn("visit failed", zap.String("url", u), zap.Error(err))
			st.Memory.BadURLs[u] = true
			continue
		}
		st.Memory.VisitedURLs[u] = true
		read = append(read, u)

		snippets, err := s.picker.CherryPick(ctx, st.CurrentQuestion, text)
		if err != nil {
			s.log.Warn("snippet selection failed, using page prefix", zap.String("url", u), zap.Error(err))
		}
		snippets = strings.TrimSpace(snippets)
		if snippets == "" {
			s.log.Info("no relevant passages", zap.String("url", u))
			continue
		}
		useful = append(useful, u)
		st.addKnowledge(KnowledgeItem{
			Type:      KnowledgeFromVisit,
			Question:  fmt.Sprintf("What do experts say about %q?", st.CurrentQuestion),
			Answer:    snippets,
			SourceURL: u,
			UpdatedAt: s.agent.now(),
		})
	}
	st.purgeBadURLs()

	switch {
	case len(useful) > 0:
		s.diary(`At step %d, you took the **visit** action and dove deep into the following URLs:
%s
You found some useful information on the web and added it to your knowledge for future reference.`,
			st.Attempt.Step, strings.Join(useful, "\n"))
	case len(read) > 0:
		s.diary(`At step %d, you took the **visit** action and read the following URLs:
%s
But none of them said anything relevant to the question. You decided to look for other sources.`,
			st.Attempt.Step, strings.Join(read, "\n"))
	default:
		s.diary(`At step %d, you took the **visit** action and tried to read the following URLs:
%s
But none of them could be read. You decided to look for other sources.`,
			st.Attempt.Step, strings.Join(targets, "\n"))
	}
	return Outcome{}, nil
}

// fetch reads a page, retrying on ErrFetchFailed with a fixed delay.
func (s *session) fetch(ctx context.Context, url string) (string, error) {
	a := s.agent
	if a.fetcher == nil {
		return "", fmt.Errorf("%w: no fetch provider configured", ErrFetchFailed)
	}
	var text string
	op := func() error {
		t, err := a.fetcher.Fetch(ctx, url)
		if err != nil {
			if errors.Is(err, ErrFetchFailed) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		text = t
		return nil
	}
	err := backoff.RetryNotify(op, fixedRetry(ctx, a.retry.FetchAttempts, a.retry.FetchDelay), func(err error, wait time.Duration) {
		s.log.Warn("fetch failed, retrying", zap.String("url", url), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		metrics.FetchTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.FetchTotal.WithLabelValues("ok").Inc()
	return text, nil
}
