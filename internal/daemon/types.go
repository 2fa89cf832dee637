package daemon

import (
	"github.com/alucardeht/mcp-spawner/internal/catalog"
	"github.com/alucardeht/mcp-spawner/internal/gate"
	"github.com/alucardeht/mcp-spawner/internal/orchestrator"
)

const (
	MethodHealth      = "health"
	MethodServersList = "servers/list"
	MethodToolsList   = "tools/list"
	MethodToolsGet    = "tools/get"
	MethodToolsCall   = "tools/call"
)

type ScriptParams struct {
	Script string `json:"script"`
}

type ToolParams struct {
	Script string `json:"script"`
	Tool   string `json:"tool"`
}

type CallParams struct {
	Script    string         `json:"script"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type HealthResult struct {
	Status     string                      `json:"status"`
	UptimeMS   int64                       `json:"uptime_ms"`
	Root       string                      `json:"root"`
	RootExists bool                        `json:"root_exists"`
	Gate       gate.Stats                  `json:"gate"`
	Circuits   []orchestrator.CircuitStats `json:"circuits,omitempty"`
	Version    string                      `json:"version"`
}

type ServersResult struct {
	Servers []catalog.Entry `json:"servers"`
}
