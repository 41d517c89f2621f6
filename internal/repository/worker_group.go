package repository

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunWorkers runs count instances of workerFunc in an errgroup. The context
// passed to the workers is cancelled as soon as one of them fails. finalFunc
// runs after all workers have returned, also on error.
func RunWorkers(ctx context.Context, count int, workerFunc func(ctx context.Context) error, finalFunc func()) error {
	wg, ctx := errgroup.WithContext(ctx)

	for i := 0; i < count; i++ {
		wg.Go(func() error {
			return workerFunc(ctx)
		})
	}

	err := wg.Wait()
	if finalFunc != nil {
		finalFunc()
	}

	return err
}
