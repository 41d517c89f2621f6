package backend_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/backend/mem"
	"github.com/packrat/packrat/internal/backend/mock"
	"github.com/packrat/packrat/internal/backend/retry"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	rtest "github.com/packrat/packrat/internal/test"
)

const KiB = 1 << 10

func save(t testing.TB, be backend.Backend, buf []byte) backend.Handle {
	t.Helper()
	h := backend.Handle{Name: packrat.Hash(buf).String(), Type: backend.PackFile}
	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(buf, be.Hasher())))
	return h
}

func TestLoadAllAppend(t *testing.T) {
	b := mem.New()

	h1 := save(t, b, []byte("foobar test string"))
	randomData := rtest.Random(23, 700*KiB)
	h2 := save(t, b, randomData)

	var tests = []struct {
		handle backend.Handle
		buf    []byte
		want   []byte
	}{
		{h1, nil, []byte("foobar test string")},
		{h1, []byte("xxx"), []byte("foobar test string")},
		{h2, nil, randomData},
		{h2, make([]byte, 0, 200), randomData},
		{h2, []byte("foobarbaz"), randomData},
	}

	for _, test := range tests {
		t.Run("", func(t *testing.T) {
			buf, err := backend.LoadAll(context.TODO(), test.buf, b, test.handle)
			rtest.OK(t, err)
			rtest.Assert(t, bytes.Equal(buf, test.want), "wrong data returned")
		})
	}
}

func TestLoadAllBrokenFile(t *testing.T) {
	data := rtest.Random(42, 1000)
	h := backend.Handle{Type: backend.PackFile, Name: packrat.Hash(data).String()}

	broken := append([]byte{}, data...)
	broken[17] ^= 0x01

	for _, c := range []struct {
		name    string
		damaged int
		wantErr bool
	}{
		{"damaged once", 1, false},
		{"damaged twice", 2, true},
	} {
		t.Run(c.name, func(t *testing.T) {
			be := mock.NewBackend()
			be.OpenReaderFn = func(context.Context, backend.Handle, int, int64) (io.ReadCloser, error) {
				if be.Calls("load") <= c.damaged {
					return io.NopCloser(bytes.NewReader(broken)), nil
				}
				return io.NopCloser(bytes.NewReader(data)), nil
			}

			// no retry layer: LoadAll downloads the file once more by itself
			buf, err := backend.LoadAll(context.TODO(), nil, be, h)
			rtest.Equals(t, 2, be.Calls("load"))
			if c.wantErr {
				rtest.Assert(t, errors.Is(err, backend.ErrInvalidData), "want ErrInvalidData, got %v", err)
				rtest.Equals(t, errors.KindCorruptData, errors.KindOf(err))
				return
			}
			rtest.OK(t, err)
			rtest.Equals(t, data, buf)
		})
	}
}

func TestLoadAllThroughRetryBackend(t *testing.T) {
	data := rtest.Random(43, 1000)
	h := backend.Handle{Type: backend.PackFile, Name: packrat.Hash(data).String()}

	be := mock.NewBackend()
	be.OpenReaderFn = func(context.Context, backend.Handle, int, int64) (io.ReadCloser, error) {
		if be.Calls("load") == 1 {
			return nil, errors.New("connection reset")
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	retry.TestFastRetries(t)
	buf, err := backend.LoadAll(context.TODO(), nil, retry.New(be, time.Second, nil, nil), h)
	rtest.OK(t, err)
	rtest.Equals(t, data, buf)
	rtest.Equals(t, 2, be.Calls("load"))
}
