package packrat

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/packrat/packrat/internal/debug"
)

type listedFile struct {
	id   ID
	size int64
}

// ParallelList calls fn for each object of type t from parallelism
// goroutines. The first error cancels the listing and is returned.
func ParallelList(ctx context.Context, r Lister, t FileType, parallelism uint, fn func(context.Context, ID, int64) error) error {
	g, ctx := errgroup.WithContext(ctx)

	files := make(chan listedFile)
	g.Go(func() error {
		defer close(files)
		return r.List(ctx, t, func(id ID, size int64) error {
			select {
			case files <- listedFile{id, size}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	for range parallelism {
		g.Go(func() error {
			for f := range files {
				debug.Log("processing %v/%v", t, f.id.Str())
				if err := fn(ctx, f.id, f.size); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ParallelRemove deletes the objects ids of type t, using one goroutine per
// backend connection. report is called for each removal and may replace
// its error; a non-nil result aborts.
func ParallelRemove(ctx context.Context, repo RemoverUnpacked, ids IDSet, t FileType, report func(id ID, err error) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(int(repo.Connections()))

	for id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := repo.RemoveUnpacked(ctx, t, id)
			if report != nil {
				err = report(id, err)
			}
			return err
		})
	}
	return g.Wait()
}
