// Package test holds the assertion helpers used by packrat's tests. Import it
// as rtest.
package test

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/packrat/packrat/internal/errors"
)

func report(format string, args ...interface{}) {
	_, file, line, _ := runtime.Caller(2)
	fmt.Printf("\033[31m%s:%d: "+format+"\033[39m\n\n", append([]interface{}{filepath.Base(file), line}, args...)...)
}

// Assert fails the test if condition is false.
func Assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	tb.Helper()
	if !condition {
		report(msg, v...)
		tb.FailNow()
	}
}

// OK fails the test if err is not nil.
func OK(tb testing.TB, err error) {
	tb.Helper()
	if err != nil {
		report("unexpected error: %+v", err)
		tb.FailNow()
	}
}

// OKs fails the test if any error in errs is not nil.
func OKs(tb testing.TB, errs []error) {
	tb.Helper()
	failed := false
	for _, err := range errs {
		if err != nil {
			failed = true
			report("unexpected error: %v", err)
		}
	}
	if failed {
		tb.FailNow()
	}
}

// Equals fails the test if exp and act are not deeply equal.
func Equals(tb testing.TB, exp, act interface{}, msgs ...string) {
	tb.Helper()
	if !reflect.DeepEqual(exp, act) {
		msg := ""
		if len(msgs) > 0 {
			msg = msgs[0] + "\n\n\t"
		}
		report("%s\n\n\t%sexp: %#v\n\n\tgot: %#v", "values differ", msg, exp, act)
		tb.FailNow()
	}
}

// Random returns count bytes of pseudo-random data derived from seed. The
// same seed always yields the same bytes.
func Random(seed, count int) []byte {
	p := make([]byte, count)
	rnd := rand.New(rand.NewSource(int64(seed)))

	for i := 0; i < len(p); i += 8 {
		val := rnd.Int63()
		for j := 0; j < 8 && i+j < len(p); j++ {
			p[i+j] = byte(val >> (8 * j))
		}
	}

	return p
}

// RemoveAll makes everything below path writable and removes it. Local
// backends store files read-only, which some platforms refuse to delete.
func RemoveAll(t testing.TB, path string) {
	t.Helper()
	err := filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if fi == nil {
			return err
		}
		if fi.IsDir() {
			return os.Chmod(p, 0700)
		}
		if fi.Mode().IsRegular() {
			return os.Chmod(p, 0600)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		OK(t, err)
	}

	err = os.RemoveAll(path)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	OK(t, err)
}

// TempDir returns a new temporary directory which is removed when the test
// finishes, unless PACKRAT_TEST_CLEANUP is false.
func TempDir(t testing.TB) string {
	t.Helper()
	tempdir, err := os.MkdirTemp(TestTempDir, "packrat-test-")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if !TestCleanupTempDirs {
			t.Logf("leaving temporary directory %v used for test", tempdir)
			return
		}
		RemoveAll(t, tempdir)
	})
	return tempdir
}
