package daemon

import (
	"encoding/json"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/alucardeht/mcp-spawner/internal/orchestrator"
)

// Application error codes, one per orchestrator kind.
const (
	CodeInvalidPath       int64 = -32001
	CodeLaunchFailed      int64 = -32002
	CodeHandshakeTimeout  int64 = -32003
	CodeCallTimeout       int64 = -32004
	CodeMalformedMessage  int64 = -32005
	CodeToolReportedError int64 = -32006
	CodeProcessCrashed    int64 = -32007
	CodeToolNotFound      int64 = -32008
)

var kindCodes = map[orchestrator.Kind]int64{
	orchestrator.KindInvalidPath:       CodeInvalidPath,
	orchestrator.KindLaunchFailed:      CodeLaunchFailed,
	orchestrator.KindHandshakeTimeout:  CodeHandshakeTimeout,
	orchestrator.KindCallTimeout:       CodeCallTimeout,
	orchestrator.KindMalformedMessage:  CodeMalformedMessage,
	orchestrator.KindToolReportedError: CodeToolReportedError,
	orchestrator.KindProcessCrashed:    CodeProcessCrashed,
	orchestrator.KindToolNotFound:      CodeToolNotFound,
}

const internalErrorMessage = "internal error"

type errorData struct {
	Kind orchestrator.Kind `json:"kind"`
}

// toRPCError converts a handler failure into the error sent on the wire.
// Orchestrator errors keep their kind; anything else is reported as an
// internal error without its text, which may name files on this host.
func toRPCError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: internalErrorMessage}
	}

	code, ok := kindCodes[oe.Kind]
	if !ok {
		code = jsonrpc2.CodeInternalError
	}
	out := &jsonrpc2.Error{Code: code, Message: oe.Message}
	if out.Message == "" {
		out.Message = string(oe.Kind)
	}
	out.SetError(errorData{Kind: oe.Kind})
	return out
}

// fromRPCError turns a wire error back into an *orchestrator.Error when it
// carries a kind, so callers can use errors.Is against the orchestrator
// sentinels.
func fromRPCError(err error) error {
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	if rpcErr.Data != nil {
		var data errorData
		if json.Unmarshal(*rpcErr.Data, &data) == nil && data.Kind != "" {
			return &orchestrator.Error{Kind: data.Kind, Message: rpcErr.Message, Err: rpcErr}
		}
	}
	for kind, code := range kindCodes {
		if code == rpcErr.Code {
			return &orchestrator.Error{Kind: kind, Message: rpcErr.Message, Err: rpcErr}
		}
	}
	return err
}

func invalidParams(err error) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "invalid params: " + err.Error()}
}
