//go:build !unix

package scanner

import "os/exec"

func killProcessGroupOnCancel(c *exec.Cmd) {
	c.Cancel = func() error { return c.Process.Kill() }
}
