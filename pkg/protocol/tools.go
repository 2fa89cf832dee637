package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeTools accepts a list-tools payload shaped either {"tools": [...]} or
// as a bare array.
func DecodeTools(payload json.RawMessage) ([]Tool, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Tool{}, nil
	}

	var tools []Tool
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &tools); err != nil {
			return nil, fmt.Errorf("%w: tools: %v", ErrMalformedMessage, err)
		}
	} else {
		var wrapped struct {
			Tools []Tool `json:"tools"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: tools: %v", ErrMalformedMessage, err)
		}
		tools = wrapped.Tools
	}

	for i, tool := range tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("%w: tool %d has no name", ErrMalformedMessage, i)
		}
	}
	if tools == nil {
		tools = []Tool{}
	}
	return tools, nil
}

// TextContent flattens an MCP-style {"content": [{"type": "text", ...}]}
// payload into its concatenated text. ok is false for any other shape.
func TextContent(payload json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(trimmed, &result); err != nil || result.Content == nil {
		return "", false
	}

	var sb strings.Builder
	for _, item := range result.Content {
		if item.Type == "text" {
			sb.WriteString(item.Text)
		}
	}
	return sb.String(), true
}
