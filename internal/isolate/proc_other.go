//go:build !unix

package isolate

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
