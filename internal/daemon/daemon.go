// Package daemon exposes an orchestrator on a local unix socket as JSON-RPC
// 2.0 and provides the matching client.
package daemon

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

type Config struct {
	SocketPath string
	DataDir    string
}

// Daemon owns the process-wide pieces around a Server: the instance lock,
// the pid file and the socket.
type Daemon struct {
	config    Config
	lifecycle *Lifecycle
	server    *Server

	ready     chan struct{}
	readyOnce sync.Once
	startTime time.Time
}

func New(config Config, server *Server) *Daemon {
	return &Daemon{
		config:    config,
		lifecycle: NewLifecycle(config.DataDir),
		server:    server,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Run serves until ctx is cancelled. It fails with ErrAlreadyRunning when
// another daemon holds the data directory or answers on the socket.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.lifecycle.Acquire(); err != nil {
		return err
	}
	defer d.lifecycle.Release()

	listener, err := Listen(d.config.SocketPath)
	if err != nil {
		return err
	}
	defer os.Remove(d.config.SocketPath)

	d.startTime = time.Now()
	log.Info("daemon listening", "socket", d.config.SocketPath, "pid", os.Getpid())
	d.readyOnce.Do(func() { close(d.ready) })

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		d.server.Close()
		listener.Close()
	}()

	err = d.server.Serve(ctx, listener)
	close(stopped)

	log.Info("daemon stopped", "uptime", d.Uptime())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) SocketPath() string {
	return d.config.SocketPath
}

func (d *Daemon) Uptime() time.Duration {
	if d.startTime.IsZero() {
		return 0
	}
	return time.Since(d.startTime)
}
