package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alucardeht/mcp-spawner/internal/launcher"
	"github.com/alucardeht/mcp-spawner/pkg/protocol"
)

var errDeadline = errors.New("deadline exceeded")

// exitWait bounds how long a crash report waits for the exit status of a
// child that already closed its stdout.
const exitWait = time.Second

type lineResult struct {
	line []byte
	err  error
}

// conversation holds the per-request state: the exclusive process handle, a
// reader goroutine turning stdout into a channel so reads can race a timer,
// and the request id counter.
type conversation struct {
	o       *Orchestrator
	summary Conversation

	handle     *launcher.Handle
	lines      chan lineResult
	quit       chan struct{}
	readerDone chan struct{}
	lastID     int64
}

func (c *conversation) enter(s State) {
	c.summary.Phase = s
}

func (c *conversation) nextID() int64 {
	c.lastID++
	return c.lastID
}

func (c *conversation) attach(h *launcher.Handle) {
	c.handle = h
	c.summary.Launched = h.StartedAt()
	c.lines = make(chan lineResult, 1)
	c.quit = make(chan struct{})
	c.readerDone = make(chan struct{})

	reader := protocol.NewLineReader(h.Stdout(), c.o.maxLineBytes)
	go func() {
		defer close(c.readerDone)
		defer close(c.lines)
		for {
			line, err := reader.ReadLine()
			select {
			case c.lines <- lineResult{line: line, err: err}:
			case <-c.quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// close terminates the child, waits for it to be reaped and for the reader
// goroutine to exit.
func (c *conversation) close() {
	c.summary.State = StateClosing
	log.Debug("closing conversation", "script", displayName(c.summary.Script), "pid", c.handle.PID(), "phase", c.summary.Phase.String())

	close(c.quit)
	c.handle.Terminate(c.o.grace)
	<-c.readerDone

	c.summary.Closed = time.Now()
	c.summary.ExitCode = c.handle.ExitCode()
	if tail := c.handle.Stderr(); tail != "" {
		log.Debug("tool stderr", "script", displayName(c.summary.Script), "pid", c.handle.PID(),
			"stderr", tail, "truncated", c.handle.StderrTruncated(), "wait", c.handle.WaitErr())
	}
}

func (c *conversation) handshake() error {
	c.enter(StateHandshaking)

	deadline := time.Now().Add(c.o.handshakeTimeout)
	id := c.nextID()
	if err := c.send(protocol.NewInitialize(id, c.o.clientInfo), deadline); err != nil {
		if errors.Is(err, errDeadline) {
			return newError(KindHandshakeTimeout, err, "tool process did not read the handshake within %s", c.o.handshakeTimeout)
		}
		return c.crashed(err, "tool process went away before the handshake")
	}

	line, err := c.readLine(deadline)
	switch {
	case errors.Is(err, errDeadline):
		return newError(KindHandshakeTimeout, err, "no handshake response within %s", c.o.handshakeTimeout)
	case errors.Is(err, io.EOF):
		return c.crashed(err, "tool process exited during the handshake")
	case err != nil:
		return newError(KindHandshakeTimeout, malformed(err), "handshake response is not a valid message")
	}

	msg, err := c.o.decoder.Decode(line)
	if err != nil {
		return newError(KindHandshakeTimeout, err, "handshake response is not a valid message")
	}
	if msg.Kind == protocol.KindError {
		return newError(KindToolReportedError, nil, "handshake rejected: %s", msg.Message)
	}
	if msg.Kind != protocol.KindInitializeResponse {
		return newError(KindHandshakeTimeout, fmt.Errorf("%w: got %q", protocol.ErrMalformedMessage, msg.Kind), "unexpected handshake response")
	}
	if msg.ID != nil && *msg.ID != id {
		return newError(KindHandshakeTimeout, fmt.Errorf("%w: response id %d for request %d", protocol.ErrMalformedMessage, *msg.ID, id), "unexpected handshake response")
	}
	return nil
}

// request sends req and collects the single reply, which must be the
// matching response kind or an error envelope. Writing and reading share one
// call deadline.
func (c *conversation) request(req *protocol.Message) (*protocol.Message, error) {
	c.enter(StateCalling)

	want := req.Kind.ResponseKind()
	deadline := time.Now().Add(c.o.callTimeout)
	if err := c.send(req, deadline); err != nil {
		if errors.Is(err, errDeadline) {
			return nil, newError(KindCallTimeout, err, "tool process did not read the request within %s", c.o.callTimeout)
		}
		return nil, c.crashed(err, "tool process went away before the request was sent")
	}

	line, err := c.readLine(deadline)
	switch {
	case errors.Is(err, errDeadline):
		return nil, newError(KindCallTimeout, err, "no response within %s", c.o.callTimeout)
	case errors.Is(err, io.EOF):
		return nil, c.crashed(err, "tool process exited before responding")
	case err != nil:
		return nil, newError(KindMalformedMessage, malformed(err), "response is not a valid message")
	}

	c.enter(StateCollecting)

	msg, err := c.o.decoder.Decode(line)
	if err != nil {
		return nil, newError(KindMalformedMessage, err, "response is not a valid message")
	}
	if msg.Kind == protocol.KindError {
		return nil, newError(KindToolReportedError, nil, "%s", msg.Message)
	}
	if msg.Kind != want {
		return nil, newError(KindMalformedMessage, fmt.Errorf("%w: got %q", protocol.ErrMalformedMessage, msg.Kind), "expected %s, got %s", want, msg.Kind)
	}
	if msg.ID != nil && req.ID != nil && *msg.ID != *req.ID {
		return nil, newError(KindMalformedMessage, fmt.Errorf("%w: response id %d for request %d", protocol.ErrMalformedMessage, *msg.ID, *req.ID), "response does not match the request")
	}
	return msg, nil
}

// send writes one encoded message. The write runs aside so that a child that
// never drains its stdin cannot block the conversation past deadline; the
// pending write is unblocked when close shuts stdin.
func (c *conversation) send(msg *protocol.Message, deadline time.Time) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	written := make(chan error, 1)
	go func() {
		_, err := c.handle.Stdin().Write(data)
		written <- err
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case err := <-written:
		return err
	case <-timer.C:
		return errDeadline
	}
}

func (c *conversation) readLine(deadline time.Time) ([]byte, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case res, ok := <-c.lines:
		if !ok {
			return nil, io.EOF
		}
		return res.line, res.err
	case <-timer.C:
		return nil, errDeadline
	}
}

func (c *conversation) crashed(cause error, message string) error {
	select {
	case <-c.handle.Done():
	case <-time.After(exitWait):
	}
	if code := c.handle.ExitCode(); code >= 0 {
		message = fmt.Sprintf("%s (exit status %d)", message, code)
	}
	return newError(KindProcessCrashed, cause, "%s", message)
}

// malformed makes sure read failures other than a clean EOF satisfy
// errors.Is(err, protocol.ErrMalformedMessage).
func malformed(err error) error {
	if errors.Is(err, protocol.ErrMalformedMessage) {
		return err
	}
	return fmt.Errorf("%w: %w", protocol.ErrMalformedMessage, err)
}
