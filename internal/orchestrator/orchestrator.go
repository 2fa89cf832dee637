// Package orchestrator runs one short-lived conversation with a tool script
// per request: validate the identifier, take a gate permit, launch the
// interpreter, handshake, send a single request, collect the reply and tear
// the process down again. Nothing survives between conversations.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alucardeht/mcp-spawner/internal/config"
	"github.com/alucardeht/mcp-spawner/internal/gate"
	"github.com/alucardeht/mcp-spawner/internal/launcher"
	"github.com/alucardeht/mcp-spawner/internal/logger"
	"github.com/alucardeht/mcp-spawner/internal/pathguard"
	"github.com/alucardeht/mcp-spawner/pkg/protocol"
)

var log = logger.ForComponent("orchestrator")

var errScriptNotFound = pathguard.ErrNotFound

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultGrace            = 5 * time.Second
)

type Options struct {
	Validator *pathguard.Validator
	Launcher  launcher.Launcher
	Gate      *gate.Gate
	// Charset decodes tool output that is not valid UTF-8. Nil replaces
	// invalid bytes.
	Charset          *protocol.Charset
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	Grace            time.Duration
	MaxLineBytes     int
	ClientInfo       protocol.ClientInfo
	Circuit          CircuitConfig
	// OnConversation is called synchronously after every conversation has
	// been closed and its permit released.
	OnConversation func(Conversation)
}

type Orchestrator struct {
	validator *pathguard.Validator
	launcher  launcher.Launcher
	gate      *gate.Gate
	decoder   *protocol.Decoder

	handshakeTimeout time.Duration
	callTimeout      time.Duration
	grace            time.Duration
	maxLineBytes     int
	clientInfo       protocol.ClientInfo

	breakers       *breakers
	onConversation func(Conversation)
}

// Result is what a successful tool call produced. Text is the concatenated
// MCP text content when the payload carries any.
type Result struct {
	Payload json.RawMessage `json:"payload"`
	Text    string          `json:"text,omitempty"`
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Validator == nil {
		return nil, errors.New("orchestrator: validator is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("orchestrator: launcher is required")
	}
	if opts.Gate == nil {
		opts.Gate = gate.New(1)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = protocol.ClientInfo{Name: "mcp-spawner", Version: "1.0.0"}
	}

	return &Orchestrator{
		validator:        opts.Validator,
		launcher:         opts.Launcher,
		gate:             opts.Gate,
		decoder:          protocol.NewDecoder(opts.Charset),
		handshakeTimeout: opts.HandshakeTimeout,
		callTimeout:      opts.CallTimeout,
		grace:            opts.Grace,
		maxLineBytes:     opts.MaxLineBytes,
		clientInfo:       opts.ClientInfo,
		breakers:         newBreakers(opts.Circuit),
		onConversation:   opts.OnConversation,
	}, nil
}

// OptionsFromConfig builds the production wiring for cfg: a validator over
// the scripts root, an exec launcher and a gate with the configured permits.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	root, err := cfg.ScriptsRoot()
	if err != nil {
		return Options{}, err
	}
	charset, err := protocol.LookupCharset(cfg.Protocol.FallbackCharset)
	if err != nil {
		return Options{}, fmt.Errorf("protocol.fallback_charset: %w", err)
	}

	return Options{
		Validator: pathguard.New(root, cfg.Scripts.Suffix),
		Launcher: launcher.NewExecLauncher(launcher.Config{
			Interpreter:    cfg.Scripts.Interpreter,
			Dir:            root,
			EnvPassthrough: cfg.Scripts.EnvPassthrough,
			StderrKB:       cfg.Protocol.StderrKB,
		}),
		Gate:             gate.New(cfg.Gate.Permits),
		Charset:          charset,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		CallTimeout:      cfg.Timeouts.Call,
		Grace:            cfg.Timeouts.Grace,
		MaxLineBytes:     cfg.Protocol.MaxLineBytes,
		Circuit: CircuitConfig{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			OpenTimeout:      cfg.Circuit.OpenTimeout,
		},
	}, nil
}

// Invoke calls tool in script with args and returns its payload. ctx bounds
// only the wait for a gate permit; a conversation that has started runs to
// completion or to one of its own deadlines. A call that cannot be framed
// fails with MalformedMessage before any process is launched.
func (o *Orchestrator) Invoke(ctx context.Context, script, tool string, args map[string]any) (*Result, error) {
	req, ferr := protocol.NewCallTool(0, protocol.CallParams{ToolName: tool, Arguments: args})
	var shapeErr error
	if ferr != nil {
		shapeErr = newError(KindMalformedMessage, ferr, "tool call is not well formed")
	}

	var result *Result
	err := o.converse(ctx, script, OpCall, tool, shapeErr, func(c *conversation) error {
		id := c.nextID()
		req.ID = &id
		msg, err := c.request(req)
		if err != nil {
			return err
		}

		result = &Result{Payload: msg.Payload}
		if len(result.Payload) == 0 {
			result.Payload = json.RawMessage("null")
		}
		if text, ok := protocol.TextContent(msg.Payload); ok {
			result.Text = text
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTools asks script for the tools it offers.
func (o *Orchestrator) ListTools(ctx context.Context, script string) ([]protocol.Tool, error) {
	var tools []protocol.Tool
	err := o.converse(ctx, script, OpListTools, "", nil, func(c *conversation) error {
		msg, err := c.request(protocol.NewListTools(c.nextID()))
		if err != nil {
			return err
		}
		tools, err = protocol.DecodeTools(msg.Payload)
		if err != nil {
			return newError(KindMalformedMessage, err, "tool list is not valid")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// DescribeTool returns the metadata of a single tool of script.
func (o *Orchestrator) DescribeTool(ctx context.Context, script, tool string) (*protocol.Tool, error) {
	tools, err := o.ListTools(ctx, script)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(tools, func(t protocol.Tool) bool { return t.Name == tool })
	if idx < 0 {
		return nil, newError(KindToolNotFound, nil, "tool %q not found", tool)
	}
	return &tools[idx], nil
}

func (o *Orchestrator) GateStats() gate.Stats {
	return o.gate.Stats()
}

func (o *Orchestrator) CircuitStats() []CircuitStats {
	stats := o.breakers.stats()
	slices.SortFunc(stats, func(a, b CircuitStats) int { return strings.Compare(a.Script, b.Script) })
	return stats
}

// ResetCircuit closes the breaker of script, if any.
func (o *Orchestrator) ResetCircuit(script string) {
	o.breakers.reset(script)
}

// Root is the absolute scripts root the orchestrator validates against.
func (o *Orchestrator) Root() string {
	return o.validator.Root()
}

// converse drives the state machine around exchange. shapeErr, when set,
// fails the conversation right after validation, before a permit is taken.
// Everything acquired after validation is released by the deferred closing
// step, whatever the outcome.
func (o *Orchestrator) converse(ctx context.Context, script string, op Operation, tool string, shapeErr error, exchange func(*conversation) error) (err error) {
	c := &conversation{
		o:       o,
		summary: Conversation{Script: script, Operation: op, Tool: tool, Started: time.Now(), ExitCode: -1},
	}
	c.enter(StateValidating)

	defer func() { o.finish(c, err) }()

	path, verr := o.validator.Validate(script)
	if verr != nil {
		if errors.Is(verr, pathguard.ErrNotFound) {
			return newError(KindInvalidPath, verr, "script %q not found", displayName(script))
		}
		return newError(KindInvalidPath, verr, "invalid script identifier")
	}
	if shapeErr != nil {
		return shapeErr
	}

	permit := o.gate.TryAcquire()
	if permit == nil {
		log.Debug("waiting for a free slot", "script", displayName(script), "waiting", o.gate.Stats().Waiting)
		var gerr error
		if permit, gerr = o.gate.Acquire(ctx); gerr != nil {
			return newError(KindLaunchFailed, gerr, "gave up waiting for a free slot")
		}
	}
	defer permit.Release()

	// From here on the caller's context no longer applies.
	ctx = context.WithoutCancel(ctx)

	b := o.breakers.get(script)
	if b != nil && !b.allow() {
		return newError(KindLaunchFailed, nil, "script temporarily disabled after repeated failures")
	}
	if b != nil {
		defer func() { b.record(KindOf(err).IsInfrastructure()) }()
	}

	c.enter(StateLaunching)
	h, lerr := o.launcher.Launch(ctx, path)
	if lerr != nil {
		return newError(KindLaunchFailed, lerr, "could not start tool process")
	}
	c.attach(h)
	defer c.close()

	if err := c.handshake(); err != nil {
		return err
	}
	return exchange(c)
}

func (o *Orchestrator) finish(c *conversation, err error) {
	s := &c.summary
	s.Finished = time.Now()
	s.Duration = s.Finished.Sub(s.Started)
	s.Kind = KindOf(err)
	if err != nil {
		s.State = StateFailed
	} else {
		s.State = StateSucceeded
	}

	attrs := []any{
		"script", displayName(s.Script),
		"op", s.Operation,
		"phase", s.Phase.String(),
		"state", s.State.String(),
		"duration", s.Duration,
	}
	if s.Tool != "" {
		attrs = append(attrs, "tool", s.Tool)
	}
	switch {
	case err == nil:
		log.Info("conversation finished", attrs...)
	case s.Kind == KindToolReportedError || s.Kind == KindInvalidPath || s.Kind == KindToolNotFound:
		log.Info("conversation finished", append(attrs, "kind", s.Kind, "error", err)...)
	default:
		log.Warn("conversation failed", append(attrs, "kind", s.Kind, "error", err)...)
	}

	if o.onConversation != nil {
		o.onConversation(*s)
	}
}

// displayName keeps log lines single-line and bounded for hostile input.
func displayName(script string) string {
	const max = 128
	script = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '?'
		}
		return r
	}, script)
	if len(script) > max {
		return script[:max] + "..."
	}
	return script
}
