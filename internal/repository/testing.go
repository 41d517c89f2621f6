package repository

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/backend/local"
	"github.com/packrat/packrat/internal/backend/mem"
	"github.com/packrat/packrat/internal/chunker"
	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/test"
)

// TestUseLowSecurityKDFParameters makes new keys cheap to derive.
func TestUseLowSecurityKDFParameters(t interface{ Logf(string, ...interface{}) }) {
	t.Logf("using low-security KDF parameters for test")
	params = &crypto.Params{N: 128, R: 1, P: 1}
}

// TestBackend returns an empty in-memory backend.
func TestBackend(_ testing.TB) backend.Backend {
	return mem.New()
}

const TestChunkerPol = chunker.Pol(0x3DA3358B4DC173)

// TestRepositoryWithBackend initializes a repository with the test password
// and TestChunkerPol in be, or in a new in-memory backend if be is nil.
// Version 0 selects the stable repository version.
func TestRepositoryWithBackend(t testing.TB, be backend.Backend, version uint, opts Options) *Repository {
	t.Helper()
	TestUseLowSecurityKDFParameters(t)
	packrat.TestDisableCheckPolynomial(t)

	if be == nil {
		be = TestBackend(t)
	}
	if version == 0 {
		version = packrat.StableRepoVersion
	}

	repo, err := New(be, opts)
	if err != nil {
		t.Fatalf("creating repository: %v", err)
	}
	pol := TestChunkerPol
	if err := repo.Init(context.TODO(), version, test.TestPassword, &pol); err != nil {
		t.Fatalf("initializing repository: %v", err)
	}
	return repo
}

// TestRepository returns a new repository in the stable version.
func TestRepository(t testing.TB) *Repository {
	t.Helper()
	return TestRepositoryWithVersion(t, 0)
}

// TestRepositoryWithVersion returns a new in-memory repository. If
// PACKRAT_TEST_REPO names a directory that does not exist yet, the
// repository is created there instead and kept for inspection.
func TestRepositoryWithVersion(t testing.TB, version uint) *Repository {
	t.Helper()
	var be backend.Backend
	if dir := os.Getenv("PACKRAT_TEST_REPO"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			t.Logf("%v already exists, using mem backend", dir)
		} else {
			be, err = local.Create(context.TODO(), local.Config{Path: dir, Connections: 2})
			if err != nil {
				t.Fatalf("creating local backend at %v: %v", dir, err)
			}
		}
	}
	return TestRepositoryWithBackend(t, be, version, Options{})
}

// TestOpenBackend opens a second session on the repository stored in be and
// loads its index.
func TestOpenBackend(t testing.TB, be backend.Backend) *Repository {
	t.Helper()
	repo, err := Open(context.TODO(), be, test.TestPassword, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.LoadIndex(context.TODO(), nil); err != nil {
		t.Fatal(err)
	}
	return repo
}

// TestSaveBlobs stores the given blobs in a single upload session and
// returns their ids.
func TestSaveBlobs(t testing.TB, repo *Repository, tpe packrat.BlobType, blobs ...[]byte) packrat.IDs {
	t.Helper()
	ids := make(packrat.IDs, 0, len(blobs))
	err := repo.WithBlobUploader(context.TODO(), func(ctx context.Context, uploader packrat.BlobSaver) error {
		for _, buf := range blobs {
			id, _, _, err := uploader.SaveBlob(ctx, tpe, buf, packrat.ID{}, false)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

// TestAllVersions runs test once for every supported repository version.
func TestAllVersions(t *testing.T, test func(t *testing.T, version uint)) {
	for version := uint(packrat.MinRepoVersion); version <= packrat.MaxRepoVersion; version++ {
		t.Run(fmt.Sprintf("v%d", version), func(t *testing.T) {
			test(t, version)
		})
	}
}
