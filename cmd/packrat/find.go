package main

import (
	"context"
	"strings"

	"github.com/packrat/packrat/internal/data"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
)

// findSnapshot resolves "latest" or a unique prefix of a snapshot id.
func findSnapshot(ctx context.Context, repo packrat.ListerLoaderUnpacked, s string) (packrat.ID, error) {
	if s == "latest" {
		snapshots, err := data.LoadAllSnapshots(ctx, repo, nil)
		if err != nil {
			return packrat.ID{}, err
		}
		if len(snapshots) == 0 {
			return packrat.ID{}, errors.Fatal("no snapshot found")
		}
		return *snapshots[len(snapshots)-1].ID(), nil
	}

	var found packrat.IDs
	err := repo.List(ctx, packrat.SnapshotFile, func(id packrat.ID, _ int64) error {
		if strings.HasPrefix(id.String(), s) {
			found = append(found, id)
		}
		return nil
	})
	if err != nil {
		return packrat.ID{}, err
	}

	switch len(found) {
	case 0:
		return packrat.ID{}, errors.Fatalf("no snapshot matched ID %q", s)
	case 1:
		return found[0], nil
	default:
		return packrat.ID{}, errors.Fatalf("multiple snapshots matched ID %q", s)
	}
}

// findSnapshots resolves all args, no args select every snapshot.
func findSnapshots(ctx context.Context, repo packrat.ListerLoaderUnpacked, args []string) (packrat.IDs, error) {
	var ids packrat.IDs
	if len(args) == 0 {
		err := repo.List(ctx, packrat.SnapshotFile, func(id packrat.ID, _ int64) error {
			ids = append(ids, id)
			return nil
		})
		return ids, err
	}

	for _, arg := range args {
		id, err := findSnapshot(ctx, repo, arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
