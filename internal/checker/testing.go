package checker

import (
	"context"
	"testing"

	"github.com/packrat/packrat/internal/repository"
)

func drain(t testing.TB, stage string, run func(chan<- error)) {
	t.Helper()
	errs := make(chan error)
	go run(errs)
	for err := range errs {
		t.Errorf("%s: %v", stage, err)
	}
}

// TestCheckRepo fails t if a full check of repo reports anything. With
// skipStructure only the index, the packs and the pack contents are verified.
func TestCheckRepo(t testing.TB, repo *repository.Repository, skipStructure bool) {
	t.Helper()
	ctx := context.TODO()
	chkr := New(repo, !skipStructure)

	hints, errs := chkr.LoadIndex(ctx, nil)
	if len(hints) != 0 || len(errs) != 0 {
		t.Fatalf("loading index: hints %v, errors %v", hints, errs)
	}
	if err := chkr.LoadSnapshots(ctx); err != nil {
		t.Fatalf("loading snapshots: %v", err)
	}

	drain(t, "packs", func(ch chan<- error) { chkr.Packs(ctx, ch) })

	if !skipStructure {
		drain(t, "structure", func(ch chan<- error) { chkr.Structure(ctx, nil, ch) })

		unused, err := chkr.UnusedBlobs(ctx)
		if err != nil {
			t.Errorf("unused blobs: %v", err)
		} else if len(unused) != 0 {
			t.Errorf("unused blobs: %v", unused)
		}
	}

	drain(t, "read data", func(ch chan<- error) { chkr.ReadData(ctx, ch) })
}
