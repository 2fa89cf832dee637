//go:build windows

package launcher

import (
	"errors"
	"os/exec"
)

var errNoGracefulSignal = errors.New("graceful termination not supported")

func setProcessGroup(cmd *exec.Cmd) {}

// signalTerminate reports failure so Terminate falls through to Kill;
// windows cannot deliver an interrupt to a child console process.
func signalTerminate(cmd *exec.Cmd) error {
	return errNoGracefulSignal
}

func killGroup(cmd *exec.Cmd) {
	cmd.Process.Kill()
}
