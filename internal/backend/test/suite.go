// Package test contains a conformance suite every backend implementation
// must pass.
package test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/packrat/packrat/internal/backend"
)

// Suite runs the conformance tests against backends created by New.
type Suite struct {
	// New returns a fresh, empty backend. It is called once per test.
	New func(t testing.TB) backend.Backend

	// Reopen returns a second backend for the same storage as be, or nil
	// if the backend cannot be reopened.
	Reopen func(t testing.TB, be backend.Backend) backend.Backend
}

// RunTests runs every method of s whose name starts with "Test" as a
// subtest of t.
func (s *Suite) RunTests(t *testing.T) {
	tpe := reflect.TypeOf(s)
	v := reflect.ValueOf(s)

	for i := 0; i < tpe.NumMethod(); i++ {
		name := tpe.Method(i).Name
		if !strings.HasPrefix(name, "Test") {
			continue
		}

		fn, ok := v.Method(i).Interface().(func(*testing.T))
		if !ok {
			t.Logf("warning: method %v of *Suite has the wrong signature for a test function", name)
			continue
		}
		t.Run(name, fn)
	}
}

func (s *Suite) open(t testing.TB) backend.Backend {
	be := s.New(t)
	t.Cleanup(func() {
		if err := be.Close(); err != nil {
			t.Error(err)
		}
	})
	return be
}
