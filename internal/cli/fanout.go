package cli

import (
	"context"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"github.com/rileyhilliard/fleet/internal/model"
)

// hostOutcome is the result of one per-host operation.
type hostOutcome[T any] struct {
	index int
	Host  model.Host
	Value T
	Err   error
}

// eachHost runs fn for every host on at most workers goroutines. Outcomes
// come back in the order of hosts.
func eachHost[T any](ctx context.Context, hosts []model.Host, workers int, fn func(context.Context, *model.Host) (T, error)) []hostOutcome[T] {
	if workers <= 0 {
		workers = 1
	}
	p := pool.NewWithResults[hostOutcome[T]]().WithMaxGoroutines(workers)
	for i := range hosts {
		i, host := i, hosts[i]
		p.Go(func() hostOutcome[T] {
			v, err := fn(ctx, &host)
			return hostOutcome[T]{index: i, Host: host, Value: v, Err: err}
		})
	}

	out := p.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// failures counts the outcomes that returned an error.
func failures[T any](outcomes []hostOutcome[T]) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}
