package roster_test

import (
	"context"
	"testing"
)

// testContext mirrors t.Context() from Go 1.24 for older toolchains:
// a context canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
