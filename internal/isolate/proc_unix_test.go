//go:build unix

package isolate

import (
	"syscall"
	"testing"
)

func assertProcessGone(t *testing.T, pid int) {
	t.Helper()
	if pid <= 0 {
		t.Fatalf("PID = %d, want > 0", pid)
	}
	if err := syscall.Kill(pid, 0); err != syscall.ESRCH {
		t.Fatalf("kill(%d, 0) = %v, want ESRCH", pid, err)
	}
}
