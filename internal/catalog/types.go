// Package catalog keeps a read-only inventory of the tool scripts under the
// scripts root: which scripts exist, their size and content hash, and the
// tool list each one last reported.
package catalog

import (
	"time"

	"github.com/alucardeht/mcp-spawner/pkg/protocol"
)

// Entry describes one script. Tools is nil when the script has not been
// listed since its content last changed.
type Entry struct {
	Name           string          `json:"name"`
	Size           int64           `json:"size"`
	ModTime        time.Time       `json:"modified"`
	ContentHash    string          `json:"content_hash"`
	Tools          []protocol.Tool `json:"tools"`
	ToolsCheckedAt time.Time       `json:"tools_checked_at,omitzero"`
}

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	EventRename
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileEvent is a change to a name directly under the scripts root.
type FileEvent struct {
	Name      string
	Type      EventType
	Timestamp time.Time
}
