package guestmem

import (
	"os"
	"testing"
)

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

func requireBackend(t *testing.T, flags Flags) {
	t.Helper()
	if !Supported() {
		t.Skip("no memory backend on this platform")
	}
	if !Supports(flags) {
		t.Skipf("backend %s does not support %s", DefaultBackend().Capabilities().Name, flags)
	}
}

func newBlock(t *testing.T, size uint64, flags Flags) *Block {
	t.Helper()
	requireBackend(t, flags)
	b, err := New(size, flags)
	if err != nil {
		t.Fatalf("New(%d, %s) failed: %v", size, flags, err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return b
}
