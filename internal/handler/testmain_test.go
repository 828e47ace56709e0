package handler_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after all tests complete. Every
// connection loop and publisher pump must be stopped by its test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
