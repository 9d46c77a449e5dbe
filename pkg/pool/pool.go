// Package pool runs a bounded number of workers over a slice of items.
package pool

import (
	"context"
	"slices"
	"sync"
)

// MapFunc processes one item and produces a value.
type MapFunc[T, R any] func(ctx context.Context, item T) (R, error)

// Result is the outcome of one item in Map. Index is the item's position in the input.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Map processes items with up to numWorkers goroutines and returns one Result per processed item,
// ordered by input position. A non-positive numWorkers runs one worker per item.
func Map[T, R any](ctx context.Context, items []T, numWorkers int, fn MapFunc[T, R]) []Result[R] {
	if len(items) == 0 {
		return nil
	}
	if numWorkers <= 0 || numWorkers > len(items) {
		numWorkers = len(items)
	}

	type task struct {
		index int
		item  T
	}

	var wg sync.WaitGroup
	taskChan := make(chan task, numWorkers)
	resultChan := make(chan Result[R], len(items))

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskChan {
				select {
				case <-ctx.Done():
					return
				default:
					v, err := fn(ctx, t.item)
					resultChan <- Result[R]{Index: t.index, Value: v, Err: err}
				}
			}
		}()
	}

OUT:
	for i, item := range items {
		select {
		case taskChan <- task{index: i, item: item}:
		case <-ctx.Done():
			// Stop feeding tasks if the context is cancelled
			break OUT
		}
	}
	close(taskChan)

	wg.Wait()
	close(resultChan)

	ordered := make([]Result[R], 0, len(items))
	for r := range resultChan {
		ordered = append(ordered, r)
	}
	slices.SortFunc(ordered, func(a, b Result[R]) int { return a.Index - b.Index })
	return ordered
}
