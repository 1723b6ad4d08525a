package qmptest

import (
	"os"
	"testing"
)

// Dir creates a short-lived directory for control sockets. t.TempDir can
// exceed the unix socket path limit on some systems, so this stays
// directly under the default temp root.
func Dir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "qmp")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}
