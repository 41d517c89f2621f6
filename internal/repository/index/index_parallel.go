package index

import (
	"context"
	"runtime"
	"sync"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/packrat"
)

// ForAllIndexes loads and decodes all index files in parallel and calls fn
// for each of them. fn is never called concurrently. If fn returns an
// error, loading stops and the error is returned.
func ForAllIndexes(ctx context.Context, lister packrat.Lister, repo packrat.LoaderUnpacked,
	fn func(id packrat.ID, index *Index, oldFormat bool, err error) error) error {

	// decoding is CPU bound, loading IO bound
	workerCount := repo.Connections() + uint(runtime.GOMAXPROCS(0))

	var m sync.Mutex
	return packrat.ParallelList(ctx, lister, packrat.IndexFile, workerCount, func(ctx context.Context, id packrat.ID, _ int64) error {
		var err error
		var idx *Index
		oldFormat := false

		buf, err := repo.LoadUnpacked(ctx, packrat.IndexFile, id)
		if err == nil {
			idx, oldFormat, err = DecodeIndex(buf, id)
		}
		if err != nil {
			debug.Log("loading index %v failed: %v", id, err)
		}

		m.Lock()
		defer m.Unlock()
		return fn(id, idx, oldFormat, err)
	})
}
