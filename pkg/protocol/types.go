// Package protocol defines the line-oriented JSON messages exchanged with a
// tool script over its standard input and output.
//
// Every message is one JSON object terminated by a newline. Requests carry an
// id; a script answers each request with exactly one response line before the
// next request is written. A response is either
//
//	{"kind": "<request-kind>-response", "payload": ...}
//
// or
//
//	{"kind": "error", "message": "..."}
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion = "2024-11-05"

type Kind string

const (
	KindInitialize Kind = "initialize"
	KindListTools  Kind = "tools/list"
	KindCallTool   Kind = "tools/call"

	KindInitializeResponse Kind = "initialize-response"
	KindListToolsResponse  Kind = "list-tools-response"
	KindCallToolResponse   Kind = "call-tool-response"
	KindError              Kind = "error"
)

func (k Kind) IsRequest() bool {
	switch k {
	case KindInitialize, KindListTools, KindCallTool:
		return true
	}
	return false
}

// ResponseKind returns the success kind that answers request kind k.
func (k Kind) ResponseKind() Kind {
	switch k {
	case KindInitialize:
		return KindInitializeResponse
	case KindListTools:
		return KindListToolsResponse
	case KindCallTool:
		return KindCallToolResponse
	}
	return ""
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Message struct {
	Kind Kind   `json:"kind"`
	ID   *int64 `json:"id,omitempty"`

	ProtocolVersion string      `json:"protocol_version,omitempty"`
	ClientInfo      *ClientInfo `json:"client_info,omitempty"`

	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// CallParams is a tool call before it is framed as a message. Arguments are
// shape-checked only; their meaning belongs to the tool.
type CallParams struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func NewInitialize(id int64, client ClientInfo) *Message {
	return &Message{
		Kind:            KindInitialize,
		ID:              &id,
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      &client,
	}
}

func NewListTools(id int64) *Message {
	return &Message{Kind: KindListTools, ID: &id}
}

// NewCallTool frames params as a tools/call request. A blank tool name or
// arguments that cannot be encoded as JSON are ErrMalformedMessage.
func NewCallTool(id int64, params CallParams) (*Message, error) {
	if strings.TrimSpace(params.ToolName) == "" {
		return nil, fmt.Errorf("%w: empty tool name", ErrMalformedMessage)
	}
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: arguments: %w", ErrMalformedMessage, err)
	}
	return &Message{
		Kind:      KindCallTool,
		ID:        &id,
		ToolName:  params.ToolName,
		Arguments: raw,
	}, nil
}

func NewResponse(kind Kind, id *int64, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: kind, ID: id, Payload: raw}, nil
}

func NewError(id *int64, message string) *Message {
	return &Message{Kind: KindError, ID: id, Message: message}
}
