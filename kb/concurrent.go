package kb

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BatchQueryResult holds the outcome of every query in a batch, indexed like
// the input.
type BatchQueryResult struct {
	Requested int
	Results   []*Response[QueryResult]
	Failed    []QueryError
}

// QueryError records a failed query inside a batch.
type QueryError struct {
	Index int
	SQL   string
	Err   error
}

// Error implements the error interface
func (e QueryError) Error() string {
	return fmt.Sprintf("query %d (%q) failed: %v", e.Index, e.SQL, e.Err)
}

func (e QueryError) Unwrap() error {
	return e.Err
}

// QueryBatch runs independent queries with bounded concurrency. Each query
// has its own retry sequence; one failure does not stop the others. Failed
// is ordered by index.
func (c *Client) QueryBatch(ctx context.Context, params []QueryParams) BatchQueryResult {
	result := BatchQueryResult{
		Requested: len(params),
		Results:   make([]*Response[QueryResult], len(params)),
	}
	if len(params) == 0 {
		return result
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchConcurrency)

	var mu sync.Mutex
	for i, p := range params {
		g.Go(func() error {
			resp, err := c.Query(ctx, p)
			if err != nil {
				c.logger.Warn().
					Err(err).
					Int("index", i).
					Msg("Batch query failed")

				mu.Lock()
				result.Failed = append(result.Failed, QueryError{Index: i, SQL: p.SQL, Err: err})
				mu.Unlock()
				return nil
			}
			result.Results[i] = resp
			return nil
		})
	}

	g.Wait()
	slices.SortFunc(result.Failed, func(a, b QueryError) int { return a.Index - b.Index })
	return result
}
