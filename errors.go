package deepresearch

import "errors"

var (
	// ErrSearchFailed is wrapped by search backends for any failed query.
	ErrSearchFailed = errors.New("search failed")
	// ErrFetchFailed is wrapped by fetchers for any page that could not be read.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrMalformedOutput means the model returned something that does not
	// decode into the requested schema.
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrUnknownAction means the model chose an action outside the closed set.
	ErrUnknownAction = errors.New("unknown action")
	// ErrBudgetExhausted marks the point where the loop stops to force an
	// answer. It is logged, never returned.
	ErrBudgetExhausted = errors.New("token budget exhausted")
	// ErrNoStopReason means the research loop ended without a terminal state.
	ErrNoStopReason = errors.New("research ended without a stop reason")
)
