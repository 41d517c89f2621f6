package test

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sort"
	"testing"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/packrat"
	rtest "github.com/packrat/packrat/internal/test"
)

func store(t testing.TB, be backend.Backend, tpe backend.FileType, data []byte) backend.Handle {
	t.Helper()
	h := backend.Handle{Type: tpe, Name: packrat.Hash(data).String()}
	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(data, be.Hasher())))
	return h
}

func load(t testing.TB, be backend.Backend, h backend.Handle, length int, offset int64) ([]byte, error) {
	t.Helper()
	var buf []byte
	err := be.Load(context.TODO(), h, length, offset, func(rd io.Reader) error {
		var err error
		buf, err = io.ReadAll(rd)
		return err
	})
	return buf, err
}

// TestConfig saves and loads the config object, which has no name.
func (s *Suite) TestConfig(t *testing.T) {
	be := s.open(t)
	h := backend.Handle{Type: backend.ConfigFile}

	_, err := load(t, be, h, 0, 0)
	rtest.Assert(t, be.IsNotExist(err), "missing config not reported as missing: %v", err)

	data := []byte("config data")
	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(data, be.Hasher())))

	buf, err := load(t, be, h, 0, 0)
	rtest.OK(t, err)
	rtest.Equals(t, data, buf)

	fi, err := be.Stat(context.TODO(), h)
	rtest.OK(t, err)
	rtest.Equals(t, int64(len(data)), fi.Size)
}

// TestLoad reads ranges of an object.
func (s *Suite) TestLoad(t *testing.T) {
	be := s.open(t)

	_, err := load(t, be, backend.Handle{Type: backend.PackFile, Name: "foobar"}, 0, 0)
	rtest.Assert(t, be.IsNotExist(err), "missing file not reported as missing: %v", err)
	rtest.Assert(t, be.IsPermanentError(err), "missing file is not a permanent error: %v", err)

	data := rtest.Random(23, 50000)
	h := store(t, be, backend.PackFile, data)

	rnd := rand.New(rand.NewSource(23))
	for i := 0; i < 50; i++ {
		offset := rnd.Intn(len(data))
		length := rnd.Intn(len(data) - offset)

		buf, err := load(t, be, h, length, int64(offset))
		rtest.OK(t, err)

		want := data[offset:]
		if length > 0 {
			want = want[:length]
		}
		rtest.Assert(t, bytes.Equal(want, buf), "wrong data for offset %d length %d", offset, length)
	}

	_, err = load(t, be, h, 100, int64(len(data)-50))
	rtest.Assert(t, err != nil, "reading beyond the end of the file did not fail")
	rtest.Assert(t, be.IsPermanentError(err), "short read is not a permanent error: %v", err)
}

// TestSaveWriteOnce checks that existing objects are never replaced.
func (s *Suite) TestSaveWriteOnce(t *testing.T) {
	be := s.open(t)

	data := rtest.Random(42, 1000)
	h := store(t, be, backend.PackFile, data)

	other := rtest.Random(43, 1000)
	err := be.Save(context.TODO(), h, backend.NewByteReader(other, be.Hasher()))
	rtest.Assert(t, backend.IsAlreadyExists(err), "second save did not fail with ErrAlreadyExists: %v", err)
	rtest.Assert(t, be.IsPermanentError(err), "ErrAlreadyExists is not a permanent error")

	buf, err := load(t, be, h, 0, 0)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(data, buf), "existing file was overwritten")
}

// TestSaveInvalidHandle rejects handles without a name.
func (s *Suite) TestSaveInvalidHandle(t *testing.T) {
	be := s.open(t)
	err := be.Save(context.TODO(), backend.Handle{Type: backend.PackFile}, backend.NewByteReader([]byte("x"), be.Hasher()))
	rtest.Assert(t, err != nil, "save with empty name succeeded")
}

// TestList lists objects per type.
func (s *Suite) TestList(t *testing.T) {
	be := s.open(t)

	var want []string
	for i := 0; i < 20; i++ {
		h := store(t, be, backend.PackFile, rtest.Random(i, 100+i))
		want = append(want, h.Name)
	}
	store(t, be, backend.IndexFile, []byte("index"))
	sort.Strings(want)

	var got []string
	rtest.OK(t, be.List(context.TODO(), backend.PackFile, func(fi backend.FileInfo) error {
		got = append(got, fi.Name)
		return nil
	}))
	sort.Strings(got)
	rtest.Equals(t, want, got)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := be.List(ctx, backend.PackFile, func(backend.FileInfo) error {
		calls++
		cancel()
		return nil
	})
	rtest.Assert(t, err == context.Canceled, "List did not return context.Canceled: %v", err)
	rtest.Equals(t, 1, calls)
}

// TestRemove deletes objects and reports missing ones.
func (s *Suite) TestRemove(t *testing.T) {
	be := s.open(t)

	h := store(t, be, backend.SnapshotFile, []byte("snapshot"))
	rtest.OK(t, be.Remove(context.TODO(), h))

	_, err := be.Stat(context.TODO(), h)
	rtest.Assert(t, be.IsNotExist(err), "removed file still exists: %v", err)

	err = be.Remove(context.TODO(), h)
	rtest.Assert(t, be.IsNotExist(err), "removing a missing file not reported as missing: %v", err)

	// after removal the name can be written again
	store(t, be, backend.SnapshotFile, []byte("snapshot"))
}

// TestReopen checks that objects survive closing the backend.
func (s *Suite) TestReopen(t *testing.T) {
	if s.Reopen == nil {
		t.Skip("backend cannot be reopened")
	}
	be := s.open(t)
	data := rtest.Random(7, 4096)
	h := store(t, be, backend.KeyFile, data)

	be2 := s.Reopen(t, be)
	defer func() { rtest.OK(t, be2.Close()) }()

	buf, err := load(t, be2, h, 0, 0)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(data, buf), "data differs after reopening")
}
