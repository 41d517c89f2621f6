// Package retry wraps a backend and retries failed operations with an
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
)

// Backend retries operations on the backend in case of an error with a
// backoff.
type Backend struct {
	backend.Backend
	MaxElapsedTime time.Duration
	Report         func(string, error, time.Duration)
	Success        func(string, int)

	breaker loadBreaker
}

var _ backend.Backend = &Backend{}

// New wraps be with a backend that retries operations after a backoff.
// report is called for every failed attempt, success with the number of
// retries once an operation succeeds after failing at least once.
func New(be backend.Backend, maxElapsedTime time.Duration, report func(string, error, time.Duration), success func(string, int)) *Backend {
	return &Backend{
		Backend:        be,
		MaxElapsedTime: maxElapsedTime,
		Report:         report,
		Success:        success,
	}
}

// retryNotifyErrorWithSuccess extends backoff.RetryNotify with a
// notification on success after an error.
func retryNotifyErrorWithSuccess(operation backoff.Operation, b backoff.BackOffContext, notify backoff.Notify, success func(retries int)) error {
	retries := 0
	wrapped := func() error {
		err := operation()
		if err != nil {
			retries++
		} else if retries > 0 && success != nil {
			success(retries)
		}
		return err
	}

	err := backoff.RetryNotify(wrapped, b, notify)
	if err != nil && notify != nil && b.Context().Err() == nil {
		// report the final error unless the context was canceled
		notify(err, -1)
	}
	return err
}

// retryAtLeastOnce makes sure an operation is retried at least once, even
// if the first attempt took longer than MaxElapsedTime.
type retryAtLeastOnce struct {
	delegate *backoff.ExponentialBackOff
	numTries uint64
}

func (b *retryAtLeastOnce) NextBackOff() time.Duration {
	delay := b.delegate.NextBackOff()

	b.numTries++
	if b.numTries == 1 && b.delegate.Stop == delay {
		return b.delegate.InitialInterval
	}
	return delay
}

func (b *retryAtLeastOnce) Reset() {
	b.numTries = 0
	b.delegate.Reset()
}

var fastRetries = false

func (be *Backend) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = be.MaxElapsedTime
	if fastRetries {
		bo.InitialInterval = time.Millisecond
		bo.MaxElapsedTime = min(bo.MaxElapsedTime, 200*time.Millisecond)
	}
	return bo
}

// markPermanent stops retries for errors the backend reports as final.
func (be *Backend) markPermanent(err error) error {
	var perm *backoff.PermanentError
	if err == nil || errors.As(err, &perm) || !be.Backend.IsPermanentError(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (be *Backend) retry(ctx context.Context, msg string, f func() error) error {
	// a canceled context must never lead to further modifications
	if err := ctx.Err(); err != nil {
		return err
	}

	report := func(err error, d time.Duration) {
		// missing files are an expected answer, not a failure
		if be.Report != nil && !be.Backend.IsNotExist(err) {
			be.Report(msg, err, d)
		}
	}
	success := func(retries int) {
		if be.Success != nil {
			be.Success(msg, retries)
		}
	}
	bo := backoff.WithContext(&retryAtLeastOnce{delegate: be.newBackOff()}, ctx)
	return retryNotifyErrorWithSuccess(func() error { return be.markPermanent(f()) }, bo, report, success)
}

// Save stores rd under h. Objects are never replaced: if an earlier
// attempt failed after the object was written, the next attempt sees it as
// existing. That case counts as success when the stored size matches.
func (be *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	attempt := 0
	return be.retry(ctx, fmt.Sprintf("Save(%v)", h), func() error {
		attempt++
		if err := rd.Rewind(); err != nil {
			return err
		}

		err := be.Backend.Save(ctx, h, rd)
		if err == nil {
			return nil
		}

		if attempt > 1 && backend.IsAlreadyExists(err) {
			fi, serr := be.Backend.Stat(ctx, h)
			if serr == nil && fi.Size == rd.Length() {
				debug.Log("Save(%v): earlier attempt already stored the file", h)
				return nil
			}
		}

		debug.Log("Save(%v) failed with error: %v", h, err)
		return err
	})
}

// Failed loads expire after an hour.
var failedLoadExpiry = time.Hour

// loadBreaker remembers when loading a file last exhausted all retries.
type loadBreaker struct {
	failed sync.Map
}

func (lb *loadBreaker) open(h backend.Handle) bool {
	v, ok := lb.failed.Load(h)
	if !ok {
		return false
	}
	if time.Since(v.(time.Time)) <= failedLoadExpiry {
		return true
	}
	lb.failed.Delete(h)
	return false
}

func (lb *loadBreaker) trip(h backend.Handle) {
	lb.failed.LoadOrStore(h, time.Now())
}

// Load calls consumer with a reader for the requested range of h. Files
// that exhausted all retries fail immediately for failedLoadExpiry.
func (be *Backend) Load(ctx context.Context, h backend.Handle, length int, offset int64, consumer func(rd io.Reader) error) error {
	if be.breaker.open(h) {
		return errors.Errorf("circuit breaker open for file %v", h)
	}

	err := be.retry(ctx, fmt.Sprintf("Load(%v, %v, %v)", h, length, offset), func() error {
		return be.Backend.Load(ctx, h, length, offset, consumer)
	})
	// missing or truncated files are not recorded
	if err != nil && ctx.Err() == nil && !be.IsPermanentError(err) {
		be.breaker.trip(h)
	}
	return err
}

// Stat returns information about h. Missing files are not retried.
func (be *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	var fi backend.FileInfo
	err := be.retry(ctx, fmt.Sprintf("Stat(%v)", h), func() error {
		var err error
		fi, err = be.Backend.Stat(ctx, h)
		if be.Backend.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	return fi, err
}

// Remove deletes h.
func (be *Backend) Remove(ctx context.Context, h backend.Handle) error {
	return be.retry(ctx, fmt.Sprintf("Remove(%v)", h), func() error {
		return be.Backend.Remove(ctx, h)
	})
}

// List runs fn for each file of type t. A failed listing is restarted and
// files already passed to fn are skipped. An error returned by fn aborts
// the listing and is returned to the caller.
func (be *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := make(map[string]struct{})
	var fnErr error
	once := func(fi backend.FileInfo) error {
		if _, ok := seen[fi.Name]; ok {
			return nil
		}
		seen[fi.Name] = struct{}{}
		if fnErr = fn(fi); fnErr != nil {
			cancel()
		}
		return fnErr
	}

	err := be.retry(ctx, fmt.Sprintf("List(%v)", t), func() error {
		return be.Backend.List(ctx, t, once)
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

func (be *Backend) Unwrap() backend.Backend {
	return be.Backend
}
