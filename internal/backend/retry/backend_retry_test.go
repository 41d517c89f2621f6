package retry

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/backend/mem"
	"github.com/packrat/packrat/internal/backend/mock"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/test"
)

var errInjected = errors.New("injected error")

func TestSaveRewindsAfterPartialUpload(t *testing.T) {
	TestFastRetries(t)

	for _, failures := range []int{1, 3} {
		var stored bytes.Buffer
		attempts := 0
		be := &mock.Backend{
			SaveFn: func(_ context.Context, _ backend.Handle, rd backend.RewindReader) error {
				attempts++
				if attempts <= failures {
					// consume part of the upload before failing
					_, _ = io.CopyN(io.Discard, rd, int64(100*attempts))
					return errInjected
				}
				_, err := io.Copy(&stored, rd)
				return err
			},
		}

		payload := test.Random(failures, 3*1024*1024+517)
		rb := New(be, time.Minute, nil, nil)
		test.OK(t, rb.Save(context.TODO(), backend.Handle{}, backend.NewByteReader(payload, be.Hasher())))
		test.Equals(t, failures+1, attempts)
		test.Assert(t, bytes.Equal(payload, stored.Bytes()), "%d failures: stored data differs", failures)
	}
}

// lostAckBackend stores the first upload but reports it as failed.
type lostAckBackend struct {
	backend.Backend
	acked bool
}

func (be *lostAckBackend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := be.Backend.Save(ctx, h, rd); err != nil || be.acked {
		return err
	}
	be.acked = true
	return errors.New("connection reset after upload")
}

func TestSaveAlreadyStoredByEarlierAttempt(t *testing.T) {
	TestFastRetries(t)
	rb := New(&lostAckBackend{Backend: mem.New()}, time.Minute, nil, nil)

	buf := test.Random(5, 4096)
	h := backend.Handle{Type: backend.PackFile, Name: packrat.Hash(buf).String()}
	test.OK(t, rb.Save(context.TODO(), h, backend.NewByteReader(buf, nil)))

	// storing it again is a real conflict
	err := rb.Save(context.TODO(), h, backend.NewByteReader(buf, nil))
	test.Assert(t, backend.IsAlreadyExists(err), "want ErrAlreadyExists, got %v", err)
}

func TestSaveExistingWithOtherSize(t *testing.T) {
	TestFastRetries(t)

	attempts := 0
	be := &mock.Backend{
		SaveFn: func(_ context.Context, h backend.Handle, _ backend.RewindReader) error {
			attempts++
			if attempts == 1 {
				return errInjected
			}
			return errors.Wrap(backend.ErrAlreadyExists, h.String())
		},
		StatFn: func(_ context.Context, h backend.Handle) (backend.FileInfo, error) {
			return backend.FileInfo{Name: h.Name, Size: 3}, nil
		},
	}

	rb := New(be, time.Minute, nil, nil)
	h := backend.Handle{Type: backend.PackFile, Name: "conflict"}
	err := rb.Save(context.TODO(), h, backend.NewByteReader([]byte("not three bytes"), nil))
	test.Assert(t, backend.IsAlreadyExists(err), "want ErrAlreadyExists, got %v", err)
	test.Equals(t, 2, attempts)
}

func TestListSkipsNamesSeenBeforeRetry(t *testing.T) {
	TestFastRetries(t)

	calls := 0
	be := &mock.Backend{
		ListFn: func(_ context.Context, _ backend.FileType, fn func(backend.FileInfo) error) error {
			calls++
			names := []string{"a", "b", "c"}
			if calls == 1 {
				_ = fn(backend.FileInfo{Name: names[0]})
				_ = fn(backend.FileInfo{Name: names[1]})
				return errInjected
			}
			for _, name := range names {
				_ = fn(backend.FileInfo{Name: name})
			}
			return nil
		},
	}

	var seen []string
	err := New(be, time.Minute, nil, nil).List(context.TODO(), backend.PackFile, func(fi backend.FileInfo) error {
		seen = append(seen, fi.Name)
		return nil
	})
	test.OK(t, err)
	test.Equals(t, 2, calls)
	test.Equals(t, []string{"a", "b", "c"}, seen)
}

func TestListCallbackErrorStopsListing(t *testing.T) {
	TestFastRetries(t)

	be := &mock.Backend{
		ListFn: func(_ context.Context, _ backend.FileType, fn func(backend.FileInfo) error) error {
			for _, name := range []string{"a", "b", "c", "d"} {
				if err := fn(backend.FileInfo{Name: name}); err != nil {
					return err
				}
			}
			return nil
		},
	}

	errStop := errors.New("stop")
	var seen []string
	err := New(be, time.Minute, nil, nil).List(context.TODO(), backend.PackFile, func(fi backend.FileInfo) error {
		if fi.Name == "c" {
			return errStop
		}
		seen = append(seen, fi.Name)
		return nil
	})
	test.Assert(t, err == errStop, "want %v, got %v", errStop, err)
	test.Equals(t, []string{"a", "b"}, seen)
}

// truncatingReader fails once limit bytes of buf have been read.
type truncatingReader struct {
	buf   []byte
	limit int
}

func (r *truncatingReader) Read(p []byte) (int, error) {
	if r.limit == 0 {
		return 0, errors.New("connection dropped")
	}
	n := copy(p, r.buf[:min(r.limit, len(r.buf))])
	r.buf = r.buf[n:]
	r.limit -= n
	return n, nil
}

func (r *truncatingReader) Close() error { return nil }

func TestLoadRestartsAfterReadError(t *testing.T) {
	TestFastRetries(t)
	content := test.Random(23, 2048)

	for _, limit := range []int{0, 1, 1000} {
		opens := 0
		be := mock.NewBackend()
		be.OpenReaderFn = func(context.Context, backend.Handle, int, int64) (io.ReadCloser, error) {
			opens++
			if opens == 1 {
				return &truncatingReader{buf: content, limit: limit}, nil
			}
			return io.NopCloser(bytes.NewReader(content)), nil
		}

		var got []byte
		err := New(be, time.Minute, nil, nil).Load(context.TODO(), backend.Handle{}, 0, 0, func(rd io.Reader) (err error) {
			got, err = io.ReadAll(rd)
			return err
		})
		test.OK(t, err)
		test.Equals(t, 2, opens)
		test.Equals(t, content, got)
	}
}

func TestLoadCircuitBreaker(t *testing.T) {
	TestFastRetries(t)

	errMissing := errors.New("missing")
	var openErr error
	opens := 0
	be := mock.NewBackend()
	be.IsPermanentErrorFn = func(err error) bool { return errors.Is(err, errMissing) }
	be.OpenReaderFn = func(context.Context, backend.Handle, int, int64) (io.ReadCloser, error) {
		opens++
		return nil, openErr
	}
	rb := New(be, 2, nil, nil)
	load := func(name string) error {
		return rb.Load(context.TODO(), backend.Handle{Type: backend.PackFile, Name: name}, 0, 0, func(io.Reader) error { return nil })
	}

	openErr = errInjected
	test.Equals(t, errInjected, load("flaky"))
	test.Equals(t, 2, opens)

	// the breaker is open, the backend is not asked again
	opens = 0
	err := load("flaky")
	test.Assert(t, err != nil && strings.Contains(err.Error(), "circuit breaker open"), "want open breaker, got %v", err)
	test.Equals(t, 0, opens)

	// permanent errors never open it
	openErr = errMissing
	test.Equals(t, errMissing, load("gone"))
	test.Equals(t, errMissing, load("gone"))
	test.Equals(t, 2, opens)

	old := failedLoadExpiry
	defer func() { failedLoadExpiry = old }()
	failedLoadExpiry = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	test.Equals(t, errMissing, load("flaky"))
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	TestFastRetries(t)

	errMissing := errors.New("missing")
	be := mock.NewBackend()
	be.IsPermanentErrorFn = func(err error) bool { return errors.Is(err, errMissing) }
	be.IsNotExistFn = func(err error) bool { return errors.Is(err, errMissing) }
	rb := New(be, 2, nil, nil)

	for _, c := range []struct {
		err  error
		want int
	}{
		{errMissing, 1},
		{errInjected, 2},
	} {
		calls := 0
		err := rb.retry(context.TODO(), "op", func() error {
			calls++
			return c.err
		})
		test.Assert(t, errors.Is(err, c.err), "want %v, got %v", c.err, err)
		test.Equals(t, c.want, calls, c.err.Error())
	}

	stats := 0
	be.StatFn = func(context.Context, backend.Handle) (backend.FileInfo, error) {
		stats++
		return backend.FileInfo{}, errMissing
	}
	_, err := rb.Stat(context.TODO(), backend.Handle{})
	test.Assert(t, errors.Is(err, errMissing), "unexpected error %v", err)
	test.Equals(t, 1, stats)
}

func TestCanceledContextSkipsBackend(t *testing.T) {
	TestFastRetries(t)

	be := mock.NewBackend()
	rb := New(be, time.Minute, nil, nil)
	h := backend.Handle{Type: backend.PackFile, Name: packrat.NewRandomID().String()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, statErr := rb.Stat(ctx, h)
	for name, err := range map[string]error{
		"stat":   statErr,
		"save":   rb.Save(ctx, h, backend.NewByteReader(nil, nil)),
		"remove": rb.Remove(ctx, h),
		"load":   rb.Load(ctx, h, 0, 0, func(io.Reader) error { return nil }),
		"list":   rb.List(ctx, backend.PackFile, func(backend.FileInfo) error { return nil }),
	} {
		test.Assert(t, err == context.Canceled, "%v: unexpected error %v", name, err)
	}
}

func TestRetryNotifications(t *testing.T) {
	for _, c := range []struct {
		name      string
		failures  int
		maxTries  uint64
		notified  int
		succeeded int
		fail      bool
	}{
		{"immediate success", 0, 5, 0, 0, false},
		{"success after errors", 2, 5, 2, 1, false},
		{"out of retries", 100, 5, 6, 0, true},
	} {
		t.Run(c.name, func(t *testing.T) {
			calls := 0
			op := func() error {
				calls++
				if calls <= c.failures {
					return errInjected
				}
				return nil
			}

			notified, succeeded := 0, 0
			bo := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, c.maxTries), context.Background())
			err := retryNotifyErrorWithSuccess(op, bo,
				func(error, time.Duration) { notified++ },
				func(int) { succeeded++ })

			test.Equals(t, c.fail, err != nil)
			test.Equals(t, c.notified, notified)
			test.Equals(t, c.succeeded, succeeded)
		})
	}
}

func TestStatMissingFileIsNotReported(t *testing.T) {
	be := mem.New()
	var reported []string
	rb := New(be, time.Second, func(msg string, err error, _ time.Duration) {
		reported = append(reported, msg+": "+err.Error())
	}, nil)

	_, err := rb.Stat(context.TODO(), backend.Handle{Type: backend.ConfigFile})
	test.Assert(t, be.IsNotExist(err), "unexpected error %v", err)
	test.Equals(t, 0, len(reported), reported...)
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func TestRetryAtLeastOnce(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 250 * time.Millisecond
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = time.Second
	exp.Clock = clock
	exp.Reset()

	bo := &retryAtLeastOnce{delegate: exp}
	// the first attempt already used up the whole budget
	clock.now = clock.now.Add(time.Minute)
	test.Equals(t, exp.InitialInterval, bo.NextBackOff())
	test.Equals(t, backoff.Stop, bo.NextBackOff())

	bo.Reset()
	test.Equals(t, uint64(0), bo.numTries)
}
