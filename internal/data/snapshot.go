package data

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/packrat"
)

// Snapshot is the state of a set of paths at one point in time.
type Snapshot struct {
	Time     time.Time   `json:"time"`
	Tree     *packrat.ID `json:"tree"`
	Paths    []string    `json:"paths"`
	Hostname string      `json:"hostname,omitempty"`

	id *packrat.ID // plaintext ID, set once saved or loaded
}

// NewSnapshot returns a snapshot of paths taken at time t.
func NewSnapshot(paths []string, hostname string, t time.Time) *Snapshot {
	absPaths := make([]string, 0, len(paths))
	for _, path := range paths {
		p, err := filepath.Abs(path)
		if err != nil {
			p = path
		}
		absPaths = append(absPaths, p)
	}

	return &Snapshot{
		Paths:    absPaths,
		Time:     t,
		Hostname: hostname,
	}
}

// LoadSnapshot loads the snapshot with the id and returns it.
func LoadSnapshot(ctx context.Context, loader packrat.LoaderUnpacked, id packrat.ID) (*Snapshot, error) {
	sn := &Snapshot{id: &id}
	err := packrat.LoadJSONUnpacked(ctx, loader, packrat.SnapshotFile, id, sn)
	if err != nil {
		return nil, err
	}

	return sn, nil
}

// SaveSnapshot saves the snapshot sn and returns its ID.
func SaveSnapshot(ctx context.Context, repo packrat.SaverUnpacked, sn *Snapshot) (packrat.ID, error) {
	id, err := packrat.SaveJSONUnpacked(ctx, repo, packrat.SnapshotFile, sn)
	if err != nil {
		return packrat.ID{}, err
	}
	sn.id = &id
	return id, nil
}

// ForAllSnapshots loads all snapshots in parallel and calls fn for each of
// them, never concurrently. Snapshots in excludeIDs are skipped. An error
// returned by fn cancels the loop and is returned.
func ForAllSnapshots(ctx context.Context, be packrat.Lister, loader packrat.LoaderUnpacked, excludeIDs packrat.IDSet, fn func(packrat.ID, *Snapshot, error) error) error {
	var m sync.Mutex

	// at most 12 snapshots are loaded concurrently
	workerCount := min(loader.Connections()+1, 12)

	return packrat.ParallelList(ctx, be, packrat.SnapshotFile, workerCount, func(ctx context.Context, id packrat.ID, _ int64) error {
		if excludeIDs.Has(id) {
			return nil
		}

		debug.Log("load snapshot %v", id.Str())
		sn, err := LoadSnapshot(ctx, loader, id)

		m.Lock()
		defer m.Unlock()
		return fn(id, sn, err)
	})
}

func (sn Snapshot) String() string {
	return fmt.Sprintf("snapshot %v of %v at %s by %s",
		sn.id.Str(), sn.Paths, sn.Time, sn.Hostname)
}

// ID returns the snapshot's ID, nil if it was neither saved nor loaded.
func (sn Snapshot) ID() *packrat.ID {
	return sn.id
}

// Snapshots is a list of snapshots that sorts by time.
type Snapshots []*Snapshot

func (sn Snapshots) Len() int           { return len(sn) }
func (sn Snapshots) Less(i, j int) bool { return sn[i].Time.Before(sn[j].Time) }
func (sn Snapshots) Swap(i, j int)      { sn[i], sn[j] = sn[j], sn[i] }

// LoadAllSnapshots returns all snapshots sorted by time, oldest first.
func LoadAllSnapshots(ctx context.Context, repo packrat.ListerLoaderUnpacked, excludeIDs packrat.IDSet) (snapshots Snapshots, err error) {
	err = ForAllSnapshots(ctx, repo, repo, excludeIDs, func(id packrat.ID, sn *Snapshot, err error) error {
		if err != nil {
			return fmt.Errorf("snapshot %v: %w", id.Str(), err)
		}
		snapshots = append(snapshots, sn)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Sort(snapshots)
	return snapshots, nil
}
