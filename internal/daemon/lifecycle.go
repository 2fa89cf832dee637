package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Lifecycle enforces a single daemon per data directory through a lock file
// and advertises the running instance in a pid file.
type Lifecycle struct {
	dataDir string
	lock    *LockFile
	pid     *PIDFile
}

func NewLifecycle(dataDir string) *Lifecycle {
	return &Lifecycle{
		dataDir: dataDir,
		lock:    NewLockFile(filepath.Join(dataDir, "daemon.lock")),
		pid:     NewPIDFile(filepath.Join(dataDir, "daemon.pid")),
	}
}

func (l *Lifecycle) Acquire() error {
	if err := os.MkdirAll(l.dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := l.lock.Acquire(); err != nil {
		if errors.Is(err, ErrLockHeld) {
			if pid, _ := l.pid.Read(); pid > 0 {
				return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			return ErrAlreadyRunning
		}
		return fmt.Errorf("acquire instance lock: %w", err)
	}

	if err := l.pid.Write(); err != nil {
		l.lock.Release()
		return err
	}
	return nil
}

func (l *Lifecycle) Release() {
	if !l.lock.IsLocked() {
		return
	}
	if err := l.pid.Remove(); err != nil {
		log.Warn("failed to remove pid file", "error", err)
	}
	l.lock.Release()
}

// RunningPID returns the pid of a live daemon using this data directory, or 0.
func (l *Lifecycle) RunningPID() int {
	if !l.pid.IsProcessAlive() {
		return 0
	}
	pid, _ := l.pid.Read()
	return pid
}

func (l *Lifecycle) PIDFile() *PIDFile {
	return l.pid
}
