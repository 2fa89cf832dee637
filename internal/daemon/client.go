package daemon

import (
	"context"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/alucardeht/mcp-spawner/internal/orchestrator"
	"github.com/alucardeht/mcp-spawner/pkg/protocol"
)

// Client talks to a running daemon. Failed tool operations come back as
// *orchestrator.Error with the kind the daemon reported.
type Client struct {
	conn *jsonrpc2.Conn
}

type clientHandler struct{}

func (clientHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

func Dial(ctx context.Context, socketPath string) (*Client, error) {
	netConn, err := dialSocket(ctx, socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", socketPath, err)
	}
	stream := jsonrpc2.NewBufferedStream(netConn, jsonrpc2.PlainObjectCodec{})
	return &Client{conn: jsonrpc2.NewConn(context.Background(), stream, clientHandler{})}, nil
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	return fromRPCError(c.conn.Call(ctx, method, params, result))
}

func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	var res HealthResult
	if err := c.call(ctx, MethodHealth, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListServers(ctx context.Context) (*ServersResult, error) {
	var res ServersResult
	if err := c.call(ctx, MethodServersList, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListTools(ctx context.Context, script string) ([]protocol.Tool, error) {
	var tools []protocol.Tool
	if err := c.call(ctx, MethodToolsList, ScriptParams{Script: script}, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

func (c *Client) GetTool(ctx context.Context, script, tool string) (*protocol.Tool, error) {
	var res protocol.Tool
	if err := c.call(ctx, MethodToolsGet, ToolParams{Script: script, Tool: tool}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Call(ctx context.Context, script, tool string, args map[string]any) (*orchestrator.Result, error) {
	var res orchestrator.Result
	if err := c.call(ctx, MethodToolsCall, CallParams{Script: script, Tool: tool, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
