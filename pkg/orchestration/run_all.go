package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/scenario"
	"golang.org/x/sync/errgroup"
)

// RunAll executes scenarios with at most parallelism of them in flight. A
// failing scenario does not cancel the others. Results are returned in the
// order of scenarios; the error joins every scenario failure.
func RunAll(ctx context.Context, r *Runner, scenarios []*scenario.Scenario, parallelism int) ([]*Result, error) {
	results := make([]*Result, len(scenarios))
	errs := make([]error, len(scenarios))

	var g errgroup.Group
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}

	for i, s := range scenarios {
		g.Go(func() error {
			result, err := r.Execute(ctx, s)
			results[i] = result
			if err != nil {
				errs[i] = fmt.Errorf("scenario %s: %w", s.Name, err)
			}
			return nil
		})
	}

	_ = g.Wait()

	return results, errors.Join(errs...)
}
