package launcher

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Handle is the exclusive reference to one spawned child. It is created by a
// Launcher for a single conversation and must be terminated by its owner.
type Handle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *os.File
	stderr    *TailBuffer
	startedAt time.Time

	done    chan struct{}
	waitErr error

	terminateOnce sync.Once
}

func newHandle(cmd *exec.Cmd, stdin io.WriteCloser, stdout *os.File, stderr *TailBuffer) *Handle {
	h := &Handle{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	return h
}

func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

func (h *Handle) Stdin() io.Writer {
	return h.stdin
}

func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode is -1 while the child runs or when it was killed by a signal.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		if h.cmd.ProcessState == nil {
			return -1
		}
		return h.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// WaitErr returns the reaping error once Done is closed.
func (h *Handle) WaitErr() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// Stderr returns the retained tail of the child's standard error.
func (h *Handle) Stderr() string {
	return h.stderr.String()
}

// StderrTruncated reports whether the child wrote more standard error than
// the tail retains.
func (h *Handle) StderrTruncated() bool {
	return h.stderr.Truncated()
}

// Terminate closes stdin, asks the child to stop and force-kills it when it
// is still running after grace. It blocks until the child is reaped and is
// safe to call repeatedly or after the child exited on its own.
func (h *Handle) Terminate(grace time.Duration) {
	h.terminateOnce.Do(func() {
		h.stdin.Close()

		if h.Alive() {
			if grace > 0 && signalTerminate(h.cmd) == nil {
				timer := time.NewTimer(grace)
				select {
				case <-h.done:
				case <-timer.C:
				}
				timer.Stop()
			}
			if h.Alive() {
				killGroup(h.cmd)
			}
		}
		<-h.done

		h.stdout.Close()
	})
}
