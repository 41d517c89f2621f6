// Package progress reports the progress and findings of long running
// repository operations.
package progress

import (
	"fmt"
	"sync"
	"testing"
)

// A Printer returns new counters and prints messages at different levels:
// E for errors, P for normal output, V and VV for verbose output.
// Its methods are safe for concurrent use.
type Printer interface {
	NewCounter(description string) *Counter

	E(msg string, args ...interface{})
	P(msg string, args ...interface{})
	V(msg string, args ...interface{})
	VV(msg string, args ...interface{})
}

// NoopPrinter discards all messages.
type NoopPrinter struct{}

var _ Printer = (*NoopPrinter)(nil)

func (*NoopPrinter) NewCounter(_ string) *Counter {
	return nil
}

func (*NoopPrinter) E(_ string, _ ...interface{}) {}

func (*NoopPrinter) P(_ string, _ ...interface{}) {}

func (*NoopPrinter) V(_ string, _ ...interface{}) {}

func (*NoopPrinter) VV(_ string, _ ...interface{}) {}

// TestPrinter logs all messages to the test log.
type TestPrinter struct {
	t testing.TB
}

var _ Printer = (*TestPrinter)(nil)

// NewTestPrinter returns a Printer writing to t.
func NewTestPrinter(t testing.TB) *TestPrinter {
	return &TestPrinter{t: t}
}

func (p *TestPrinter) NewCounter(_ string) *Counter {
	return nil
}

func (p *TestPrinter) E(msg string, args ...interface{}) {
	p.t.Logf("error: "+msg, args...)
}

func (p *TestPrinter) P(msg string, args ...interface{}) {
	p.t.Logf("print: "+msg, args...)
}

func (p *TestPrinter) V(msg string, args ...interface{}) {
	p.t.Logf("verbose: "+msg, args...)
}

func (p *TestPrinter) VV(msg string, args ...interface{}) {
	p.t.Logf("verbose2: "+msg, args...)
}

// RecordingPrinter keeps all messages in memory.
type RecordingPrinter struct {
	m        sync.Mutex
	Errors   []string
	Messages []string
}

var _ Printer = (*RecordingPrinter)(nil)

func (p *RecordingPrinter) NewCounter(_ string) *Counter {
	return nil
}

func (p *RecordingPrinter) E(msg string, args ...interface{}) {
	p.m.Lock()
	defer p.m.Unlock()
	p.Errors = append(p.Errors, fmt.Sprintf(msg, args...))
}

func (p *RecordingPrinter) P(msg string, args ...interface{}) {
	p.record(msg, args...)
}

func (p *RecordingPrinter) V(msg string, args ...interface{}) {
	p.record(msg, args...)
}

func (p *RecordingPrinter) VV(msg string, args ...interface{}) {
	p.record(msg, args...)
}

func (p *RecordingPrinter) record(msg string, args ...interface{}) {
	p.m.Lock()
	defer p.m.Unlock()
	p.Messages = append(p.Messages, fmt.Sprintf(msg, args...))
}
