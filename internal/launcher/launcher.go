// Package launcher starts tool scripts as child processes wired to pipes and
// owns their lifecycle until they are reaped.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

var ErrLaunchFailed = errors.New("launch failed")

type Launcher interface {
	Launch(ctx context.Context, scriptPath string) (*Handle, error)
}

type Config struct {
	// Interpreter is prepended to the script path. Empty executes the script
	// directly.
	Interpreter    []string
	Dir            string
	EnvPassthrough []string
	StderrKB       int
	// WaitDelay bounds how long reaping waits for inherited stderr to close
	// after the child exits.
	WaitDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interpreter: []string{"python3", "-u"},
		StderrKB:    64,
		WaitDelay:   time.Second,
	}
}

type ExecLauncher struct {
	config Config
}

func NewExecLauncher(config Config) *ExecLauncher {
	if config.WaitDelay <= 0 {
		config.WaitDelay = time.Second
	}
	return &ExecLauncher{config: config}
}

func (l *ExecLauncher) Launch(ctx context.Context, scriptPath string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	argv := append(append([]string{}, l.config.Interpreter...), scriptPath)

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	// Not CommandContext: the handle's Terminate owns shutdown so that the
	// grace period is honoured.
	cmd := exec.Command(path, argv[1:]...)
	cmd.Dir = l.config.Dir
	cmd.Env = buildEnvironment(l.config.EnvPassthrough)
	cmd.WaitDelay = l.config.WaitDelay
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrLaunchFailed, err)
	}

	// A raw pipe rather than StdoutPipe: Wait must not close the read side
	// while a response line is still buffered in it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrLaunchFailed, err)
	}
	cmd.Stdout = stdoutW

	stderr := NewTailBuffer(l.config.StderrKB)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	stdoutW.Close()

	return newHandle(cmd, stdin, stdoutR, stderr), nil
}

// buildEnvironment returns the minimal child environment: PATH and HOME,
// UTF-8 stdio for Python interpreters, plus explicitly passed-through keys.
func buildEnvironment(passthrough []string) []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "SYSTEMROOT", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, "PYTHONIOENCODING=utf-8", "PYTHONUNBUFFERED=1")
	for _, key := range passthrough {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
