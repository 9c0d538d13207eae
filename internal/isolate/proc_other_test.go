//go:build !unix

package isolate

import "testing"

func assertProcessGone(t *testing.T, pid int) {
	t.Helper()
	if pid <= 0 {
		t.Fatalf("PID = %d, want > 0", pid)
	}
}
