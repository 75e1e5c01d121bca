package fetch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// PageResult pairs one URL from a fan-out with its body or error.
type PageResult struct {
	URL  string
	Body []byte
	Err  error
}

// All fetches urls in parallel (bounded by the engine's concurrency cap) and
// joins before returning. Results keep the input order; per-page failures
// are recorded in the result rather than aborting the batch, so callers can
// count them as run errors and continue. Only context cancellation ends the
// fan-out early.
func (e *Engine) All(ctx context.Context, urls []string, opts Options) []PageResult {
	results := make([]PageResult, len(urls))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)
	for i, url := range urls {
		g.Go(func() error {
			body, err := e.Fetch(ctx, url, opts)
			results[i] = PageResult{URL: url, Body: body, Err: err}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	// Errors are carried per page; the group only propagates cancellation.
	_ = g.Wait()
	return results
}
