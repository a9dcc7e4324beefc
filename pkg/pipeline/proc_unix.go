//go:build unix

package pipeline

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// setProcessGroup starts the dump tool in its own process group and makes
// cancellation kill the whole group, including helpers the tool spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
