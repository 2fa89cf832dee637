package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/alucardeht/mcp-spawner/internal/catalog"
	"github.com/alucardeht/mcp-spawner/internal/logger"
	"github.com/alucardeht/mcp-spawner/internal/orchestrator"
	"github.com/alucardeht/mcp-spawner/pkg/protocol"
)

var log = logger.ForComponent("daemon")

// Version is reported by health and overridden at link time.
var Version = "dev"

// Server answers control requests on accepted connections. Each request is
// handled in its own goroutine so that concurrent callers queue at the
// orchestrator's gate rather than behind each other on the connection.
type Server struct {
	orch    *orchestrator.Orchestrator
	scanner *catalog.Scanner
	store   *catalog.Store
	started time.Time

	mu       sync.Mutex
	conns    map[*jsonrpc2.Conn]struct{}
	closed   bool
	shutdown chan struct{}
}

// NewServer serves orch. store may be nil, in which case servers/list scans
// the root on every request and tool listings are not cached.
func NewServer(orch *orchestrator.Orchestrator, scanner *catalog.Scanner, store *catalog.Store) *Server {
	return &Server{
		orch:     orch,
		scanner:  scanner,
		store:    store,
		started:  time.Now(),
		conns:    make(map[*jsonrpc2.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	handler := jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle))

	for {
		netConn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("accept failed", "error", err)
			continue
		}

		stream := jsonrpc2.NewBufferedStream(netConn, jsonrpc2.PlainObjectCodec{})
		conn := jsonrpc2.NewConn(ctx, stream, handler)
		if !s.track(conn) {
			conn.Close()
			return nil
		}

		go func() {
			<-conn.DisconnectNotify()
			s.untrack(conn)
		}()
	}
}

func (s *Server) track(conn *jsonrpc2.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close drops every open connection. Conversations already running finish on
// their own deadlines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.shutdown)
	conns := make([]*jsonrpc2.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	start := time.Now()
	result, err := s.dispatch(ctx, req)
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == jsonrpc2.CodeInternalError {
			log.Warn("request failed", "method", req.Method, "duration", time.Since(start), "error", err)
		} else {
			log.Debug("request failed", "method", req.Method, "duration", time.Since(start), "error", err)
		}
		return nil, rpcErr
	}
	log.Debug("request served", "method", req.Method, "duration", time.Since(start))
	return result, nil
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case MethodHealth:
		return s.health(), nil

	case MethodServersList:
		return s.servers()

	case MethodToolsList:
		var p ScriptParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.listTools(ctx, p.Script)

	case MethodToolsGet:
		var p ToolParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.orch.DescribeTool(ctx, p.Script, p.Tool)

	case MethodToolsCall:
		var p CallParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		return s.orch.Invoke(ctx, p.Script, p.Tool, p.Arguments)
	}

	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
}

func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return invalidParams(errors.New("missing params"))
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func (s *Server) health() *HealthResult {
	root := s.orch.Root()
	info, err := os.Stat(root)
	return &HealthResult{
		Status:     "ok",
		UptimeMS:   time.Since(s.started).Milliseconds(),
		Root:       root,
		RootExists: err == nil && info.IsDir(),
		Gate:       s.orch.GateStats(),
		Circuits:   s.orch.CircuitStats(),
		Version:    Version,
	}
}

func (s *Server) servers() (*ServersResult, error) {
	if s.store != nil {
		entries, err := s.store.List()
		if err != nil {
			return nil, err
		}
		return &ServersResult{Servers: entries}, nil
	}
	entries, err := s.scanner.Scan()
	if err != nil {
		return nil, err
	}
	return &ServersResult{Servers: entries}, nil
}

// listTools asks the script for its tools and caches the answer against the
// content hash seen before the conversation started.
func (s *Server) listTools(ctx context.Context, script string) ([]protocol.Tool, error) {
	var hash string
	if s.store != nil && s.scanner != nil && !s.scanner.Ignored(script) {
		if entry, err := s.scanner.Stat(script); err == nil {
			hash = entry.ContentHash
		}
	}

	tools, err := s.orch.ListTools(ctx, script)
	if err != nil {
		return nil, err
	}

	if hash != "" {
		if err := s.store.RecordTools(script, hash, tools); err != nil {
			log.Debug("tool listing not cached", "script", script, "error", err)
		}
	}
	return tools, nil
}
