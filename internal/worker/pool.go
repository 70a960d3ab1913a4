// Package worker runs a function over a slice on a bounded set of goroutines.
// The tracker evaluates a user's board through it.
package worker

import (
	"context"
	"runtime"
	"sync"
)

// Result is the outcome for the item at Index.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Pool maps items of type I to results of type T with at most Concurrency
// calls in flight.
type Pool[I, T any] struct {
	concurrency int
}

// NewPool returns a pool. A non-positive concurrency means runtime.NumCPU().
func NewPool[I, T any](concurrency int) *Pool[I, T] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[I, T]{concurrency: concurrency}
}

// Concurrency returns the worker count.
func (p *Pool[I, T]) Concurrency() int {
	return p.concurrency
}

// Process calls fn for every item and returns one Result per item, in input
// order. A failing item does not stop the others. Items not yet started when
// ctx is done get ctx.Err().
func (p *Pool[I, T]) Process(ctx context.Context, items []I, fn func(context.Context, I) (T, error)) []Result[T] {
	if len(items) == 0 {
		return nil
	}

	workers := min(p.concurrency, len(items))

	type job struct {
		index int
		item  I
	}

	jobs := make(chan job, len(items))
	results := make([]Result[T], len(items))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results[j.index] = Result[T]{Index: j.index, Err: err}
					continue
				}
				val, err := fn(ctx, j.item)
				results[j.index] = Result[T]{
					Index: j.index,
					Value: val,
					Err:   err,
				}
			}
		}()
	}

	for i, item := range items {
		jobs <- job{index: i, item: item}
	}
	close(jobs)

	wg.Wait()

	return results
}

// Values unwraps results, returning the first error in input order.
func Values[T any](results []Result[T]) ([]T, error) {
	out := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		out = append(out, r.Value)
	}
	return out, nil
}
