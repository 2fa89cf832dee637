package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedMessage = errors.New("malformed message")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Encode renders msg as a single newline-terminated JSON line. Newlines inside
// string values are escaped by encoding/json.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil || msg.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	if msg.Kind.IsRequest() && msg.ID == nil {
		return nil, fmt.Errorf("%w: request %s without id", ErrMalformedMessage, msg.Kind)
	}
	if msg.Kind == KindCallTool && msg.ToolName == "" {
		return nil, fmt.Errorf("%w: %s without tool_name", ErrMalformedMessage, msg.Kind)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	return buf.Bytes(), nil
}

// Decoder turns response lines into messages, normalising non-UTF-8 bytes
// first.
type Decoder struct {
	charset *Charset
}

func NewDecoder(charset *Charset) *Decoder {
	return &Decoder{charset: charset}
}

func (d *Decoder) Decode(line []byte) (*Message, error) {
	line = bytes.TrimRight(line, "\r\n")
	line = bytes.TrimPrefix(line, utf8BOM)
	line = d.charset.Normalize(line)

	if len(bytes.TrimSpace(line)) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedMessage)
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	if msg.Kind.IsRequest() && msg.ID == nil {
		return nil, fmt.Errorf("%w: request %s without id", ErrMalformedMessage, msg.Kind)
	}
	if msg.Kind == KindCallTool && msg.ToolName == "" {
		return nil, fmt.Errorf("%w: %s without tool_name", ErrMalformedMessage, msg.Kind)
	}
	return &msg, nil
}

var defaultDecoder = NewDecoder(nil)

// Decode parses one line using plain UTF-8 normalisation.
func Decode(line []byte) (*Message, error) {
	return defaultDecoder.Decode(line)
}
