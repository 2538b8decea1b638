package executor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/datagate/internal/query"
)

// DefaultParallelism bounds concurrent executions within one batch.
const DefaultParallelism = 4

// Outcome pairs a request with its result or error.
type Outcome struct {
	Request query.AuthorizedDataRequest
	Result  *Result
	Err     error
}

// RunAll executes reqs concurrently, at most limit at a time, and returns
// outcomes in request order. A failed request does not cancel its siblings.
func RunAll(ctx context.Context, ex Executor, reqs []query.AuthorizedDataRequest, limit int) []Outcome {
	out := make([]Outcome, len(reqs))
	if len(reqs) == 0 {
		return out
	}
	if limit <= 0 {
		limit = DefaultParallelism
	}

	// Errors stay in the outcome; the group itself never fails.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := ex.Execute(ctx, req)
			out[i] = Outcome{Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
