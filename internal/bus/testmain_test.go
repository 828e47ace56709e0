package bus_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete. The
// redigo pool keeps no background goroutines, so any leak is ours.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
