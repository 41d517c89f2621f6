package packrat

import (
	"context"
	"sync"
	"testing"
)

// NewRandomBlobHandle returns a data blob handle with a random id.
func NewRandomBlobHandle() BlobHandle {
	return BlobHandle{ID: NewRandomID(), Type: DataBlob}
}

// TestParseID parses s and fails the test on error.
func TestParseID(t testing.TB, s string) ID {
	t.Helper()
	id, err := ParseID(s)
	if err != nil {
		t.Fatalf("unable to parse ID %q: %v", s, err)
	}
	return id
}

// MemUnpacked keeps unpacked objects in memory without encryption. Tests
// use it in place of a repository.
type MemUnpacked struct {
	m    sync.Mutex
	data map[FileType]map[ID][]byte
}

var _ Unpacked = &MemUnpacked{}

// NewMemUnpacked returns an empty MemUnpacked.
func NewMemUnpacked() *MemUnpacked {
	return &MemUnpacked{data: make(map[FileType]map[ID][]byte)}
}

func (r *MemUnpacked) Connections() uint { return 2 }

func (r *MemUnpacked) SaveUnpacked(_ context.Context, t FileType, buf []byte) (ID, error) {
	r.m.Lock()
	defer r.m.Unlock()

	id := Hash(buf)
	if r.data[t] == nil {
		r.data[t] = make(map[ID][]byte)
	}
	r.data[t][id] = append([]byte{}, buf...)
	return id, nil
}

func (r *MemUnpacked) LoadUnpacked(_ context.Context, t FileType, id ID) ([]byte, error) {
	r.m.Lock()
	defer r.m.Unlock()

	buf, ok := r.data[t][id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, buf...), nil
}

func (r *MemUnpacked) RemoveUnpacked(_ context.Context, t FileType, id ID) error {
	r.m.Lock()
	defer r.m.Unlock()

	if _, ok := r.data[t][id]; !ok {
		return ErrNotFound
	}
	delete(r.data[t], id)
	return nil
}

func (r *MemUnpacked) List(ctx context.Context, t FileType, fn func(ID, int64) error) error {
	r.m.Lock()
	ids := make(map[ID]int64, len(r.data[t]))
	for id, buf := range r.data[t] {
		ids[id] = int64(len(buf))
	}
	r.m.Unlock()

	for id, size := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(id, size); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Set stores buf under id, replacing existing content.
func (r *MemUnpacked) Set(t FileType, id ID, buf []byte) {
	r.m.Lock()
	defer r.m.Unlock()

	if r.data[t] == nil {
		r.data[t] = make(map[ID][]byte)
	}
	r.data[t][id] = buf
}
