package debug

import (
	"log"
	"os"
	"testing"
)

// TestLogToStderr sends the debug log to stderr for the rest of the test
// binary unless debugging was already configured through the environment. It
// returns whether it changed the configuration.
func TestLogToStderr(_ testing.TB) bool {
	if opts.isEnabled {
		return false
	}
	opts.logger = log.New(os.Stderr, "", log.LstdFlags)
	opts.isEnabled = true
	return true
}

// TestDisableLog turns the debug log off.
func TestDisableLog(_ testing.TB) {
	opts.logger = nil
	opts.isEnabled = false
}
