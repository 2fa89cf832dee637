// Package childproc turns a test binary into a scripted tool process.
//
// Tests configure the launcher interpreter as the test binary itself; the
// script file passed as the last argument names the behaviour on its first
// line. Main must be called from the package's TestMain.
package childproc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/alucardeht/mcp-spawner/pkg/protocol"
)

const (
	EnvHelper = "SPAWNER_HELPER_PROCESS"
	// EnvEventLog names a file that helpers append "<pid> start|exit <unixnano>"
	// lines to.
	EnvEventLog = "SPAWNER_HELPER_EVENTS"
)

const (
	ModeCalculator      = "calculator"
	ModeSilent          = "silent"
	ModeStubborn        = "stubborn"
	ModeHangOnCall      = "hang-on-call"
	ModeNotJSON         = "not-json"
	ModeBadCallResponse = "bad-call-response"
	ModeCrash           = "crash"
	ModeCrashOnCall     = "crash-on-call"
	ModeExit            = "exit"
	ModeWrongKind       = "wrong-kind"
	ModeWrongID         = "wrong-id"
	ModePretty          = "pretty"
	ModePartial         = "partial"
	ModeHandshakeError  = "handshake-error"
	ModeCat             = "cat"
	ModeSlowReader      = "slow-reader"
)

// SlowReaderDelay is how long a slow-reader helper leaves its stdin unread
// after answering the handshake.
const SlowReaderDelay = 800 * time.Millisecond

func Main(m *testing.M) {
	if os.Getenv(EnvHelper) == "1" {
		os.Exit(run())
	}
	os.Setenv(EnvHelper, "1")
	os.Exit(m.Run())
}

// Interpreter is the launcher interpreter that re-executes the test binary.
func Interpreter() []string {
	return []string{os.Args[0]}
}

// Passthrough lists the env keys the launcher must forward to helpers.
func Passthrough() []string {
	return []string{EnvHelper, EnvEventLog}
}

// WriteScript creates name under dir with the given behaviour.
func WriteScript(t testing.TB, dir, name, mode string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(mode+"\n"), 0644); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

func run() int {
	script := os.Args[len(os.Args)-1]
	data, err := os.ReadFile(script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read script: %v\n", err)
		return 70
	}
	mode := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])

	logEvent("start")
	defer logEvent("exit")

	if mode != ModeStubborn {
		terminated := make(chan os.Signal, 1)
		signal.Notify(terminated, syscall.SIGTERM)
		go func() {
			<-terminated
			logEvent("exit")
			os.Exit(143)
		}()
	}

	s := &session{in: bufio.NewScanner(os.Stdin), out: os.Stdout}
	s.in.Buffer(make([]byte, 64*1024), 4<<20)

	switch mode {
	case ModeExit:
		fmt.Fprintln(os.Stderr, "exiting before handshake")
		return 3
	case ModeSilent:
		time.Sleep(time.Hour)
		return 0
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM, os.Interrupt)
		time.Sleep(time.Hour)
		return 0
	case ModeCat:
		for s.in.Scan() {
			fmt.Fprintln(s.out, s.in.Text())
		}
		return 0
	}

	msg, ok := s.next()
	if !ok {
		return 0
	}

	switch mode {
	case ModeNotJSON:
		fmt.Fprintln(s.out, "not-json")
		s.drain()
		return 0
	case ModeCrash:
		fmt.Fprintln(os.Stderr, "Traceback: ImportError: No module named fastmcp")
		return 1
	case ModeHandshakeError:
		s.send(protocol.NewError(msg.ID, "unsupported protocol version"))
		s.drain()
		return 0
	}

	s.send(mustResponse(protocol.KindInitializeResponse, msg.ID, map[string]any{
		"name":            "helper-" + mode,
		"protocolVersion": protocol.ProtocolVersion,
	}))

	if mode == ModeSlowReader {
		time.Sleep(SlowReaderDelay)
		s.drain()
		return 0
	}

	for {
		msg, ok := s.next()
		if !ok {
			return 0
		}
		if code, stop := s.handle(mode, msg); stop {
			return code
		}
	}
}

type session struct {
	in  *bufio.Scanner
	out *os.File
}

func (s *session) next() (*protocol.Message, bool) {
	if !s.in.Scan() {
		return nil, false
	}
	msg, err := protocol.Decode(s.in.Bytes())
	if err != nil {
		s.send(protocol.NewError(nil, err.Error()))
		return s.next()
	}
	return msg, true
}

func (s *session) send(msg *protocol.Message) {
	line, err := protocol.Encode(msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return
	}
	s.out.Write(line)
}

func (s *session) drain() {
	for s.in.Scan() {
	}
}

func (s *session) handle(mode string, msg *protocol.Message) (int, bool) {
	if msg.Kind == protocol.KindListTools {
		s.send(mustResponse(protocol.KindListToolsResponse, msg.ID, map[string]any{
			"tools": []protocol.Tool{
				{Name: "add", Description: "Add two numbers", InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}}}`)},
				{Name: "divide", Description: "Divide a by b"},
				{Name: "echo", Description: "Return the arguments"},
				{Name: "sleep", Description: "Sleep for ms milliseconds"},
				{Name: "text", Description: "Return MCP text content"},
			},
		}))
		return 0, false
	}

	if msg.Kind != protocol.KindCallTool {
		s.send(protocol.NewError(msg.ID, "unknown kind "+string(msg.Kind)))
		return 0, false
	}

	switch mode {
	case ModeHangOnCall:
		time.Sleep(time.Hour)
		return 0, true
	case ModeBadCallResponse:
		fmt.Fprintln(s.out, "not-json")
		return 0, false
	case ModeCrashOnCall:
		fmt.Fprintln(os.Stderr, "segmentation fault")
		return 2, true
	case ModeWrongKind:
		s.send(mustResponse(protocol.KindListToolsResponse, msg.ID, []any{}))
		return 0, false
	case ModeWrongID:
		other := *msg.ID + 100
		s.send(mustResponse(protocol.KindCallToolResponse, &other, 1))
		return 0, false
	case ModePretty:
		fmt.Fprintln(s.out, "{\n  \"kind\": \"call-tool-response\",\n  \"payload\": 1\n}")
		return 0, false
	case ModePartial:
		fmt.Fprint(s.out, `{"kind":"call-tool-response","payload":`)
		return 0, true
	}

	var args map[string]json.Number
	dec := json.NewDecoder(strings.NewReader(string(msg.Arguments)))
	dec.UseNumber()
	_ = dec.Decode(&args)

	switch msg.ToolName {
	case "add":
		a, _ := args["a"].Float64()
		b, _ := args["b"].Float64()
		s.send(mustResponse(protocol.KindCallToolResponse, nil, a+b))
	case "divide":
		a, _ := args["a"].Float64()
		b, _ := args["b"].Float64()
		if b == 0 {
			s.send(protocol.NewError(msg.ID, "division by zero"))
		} else {
			s.send(mustResponse(protocol.KindCallToolResponse, msg.ID, a/b))
		}
	case "echo":
		s.send(&protocol.Message{Kind: protocol.KindCallToolResponse, ID: msg.ID, Payload: msg.Arguments})
	case "sleep":
		ms, _ := args["ms"].Int64()
		time.Sleep(time.Duration(ms) * time.Millisecond)
		s.send(mustResponse(protocol.KindCallToolResponse, msg.ID, map[string]any{"slept_ms": ms}))
	case "text":
		s.send(mustResponse(protocol.KindCallToolResponse, msg.ID, map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "hello "},
				{"type": "text", "text": "world"},
			},
		}))
	default:
		s.send(protocol.NewError(msg.ID, "unknown tool: "+msg.ToolName))
	}
	return 0, false
}

func mustResponse(kind protocol.Kind, id *int64, payload any) *protocol.Message {
	msg, err := protocol.NewResponse(kind, id, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

func logEvent(event string) {
	path := os.Getenv(EnvEventLog)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%d %s %d\n", os.Getpid(), event, time.Now().UnixNano())
}
