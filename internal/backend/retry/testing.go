package retry

import "testing"

// TestFastRetries reduces the initial retry delay to 1 millisecond for the
// duration of the test.
func TestFastRetries(t testing.TB) {
	fastRetries = true
	t.Cleanup(func() { fastRetries = false })
}
