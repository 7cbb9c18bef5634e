//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// detach puts the tool in its own process group
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
