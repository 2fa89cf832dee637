package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"
)

func TestEncodeCallTool(t *testing.T) {
	msg, err := NewCallTool(3, CallParams{
		ToolName:  "add",
		Arguments: map[string]any{"a": 10, "b": 20},
	})
	require.NoError(t, err)

	line, err := Encode(msg)
	require.NoError(t, err)

	assert.True(t, bytes.HasSuffix(line, []byte("\n")))
	assert.Equal(t, 1, bytes.Count(line, []byte("\n")))
	assert.JSONEq(t, `{"kind":"tools/call","id":3,"tool_name":"add","arguments":{"a":10,"b":20}}`, string(line))
}

func TestEncodeEscapesEmbeddedNewlines(t *testing.T) {
	msg, err := NewCallTool(1, CallParams{
		ToolName:  "echo",
		Arguments: map[string]any{"text": "line one\nline two <b>"},
	})
	require.NoError(t, err)

	line, err := Encode(msg)
	require.NoError(t, err)

	assert.Equal(t, 1, bytes.Count(line, []byte("\n")), "only the terminator")
	assert.Contains(t, string(line), `line one\nline two <b>`)
}

func TestEncodeNilArgumentsBecomeEmptyObject(t *testing.T) {
	msg, err := NewCallTool(1, CallParams{ToolName: "ping"})
	require.NoError(t, err)

	line, err := Encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(line), `"arguments":{}`)
}

func TestNewCallToolChecksShape(t *testing.T) {
	for _, name := range []string{"", "   "} {
		_, err := NewCallTool(1, CallParams{ToolName: name})
		assert.ErrorIs(t, err, ErrMalformedMessage, "name %q", name)
	}

	_, err := NewCallTool(1, CallParams{ToolName: "add", Arguments: map[string]any{"a": math.NaN()}})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(&Message{Kind: KindCallTool, ID: new(int64)})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncodeRejectsRequestWithoutID(t *testing.T) {
	_, err := Encode(&Message{Kind: KindListTools})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(&Message{})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEncodeInitialize(t *testing.T) {
	line, err := Encode(NewInitialize(1, ClientInfo{Name: "mcp-spawner", Version: "1.0.0"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"initialize","id":1,"protocol_version":"2024-11-05","client_info":{"name":"mcp-spawner","version":"1.0.0"}}`, string(line))
}

func TestDecodeResponses(t *testing.T) {
	msg, err := Decode([]byte(`{"kind":"call-tool-response","payload":30}` + "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, KindCallToolResponse, msg.Kind)
	assert.JSONEq(t, `30`, string(msg.Payload))
	assert.Nil(t, msg.ID)

	msg, err = Decode([]byte(`{"kind":"error","message":"division by zero","id":7}`))
	require.NoError(t, err)
	assert.Equal(t, KindError, msg.Kind)
	assert.Equal(t, "division by zero", msg.Message)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(7), *msg.ID)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         "not-json",
		"empty":            "",
		"array":            `[1,2]`,
		"null":             `null`,
		"missing kind":     `{"payload":1}`,
		"empty kind":       `{"kind":"","payload":1}`,
		"request no id":    `{"kind":"tools/call","tool_name":"add"}`,
		"truncated object": `{"kind":"call-tool-response","payload":`,
		"pretty printed":   "{\n",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(line))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecodeStripsBOM(t *testing.T) {
	line := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"kind":"initialize-response","payload":{}}`)...)
	msg, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, KindInitializeResponse, msg.Kind)
}

func TestDecodeLegacyCharset(t *testing.T) {
	original := `{"kind":"call-tool-response","payload":"회의실 예약 완료"}`
	encoded, err := korean.EUCKR.NewEncoder().Bytes([]byte(original))
	require.NoError(t, err)

	cs, err := LookupCharset("euc-kr")
	require.NoError(t, err)
	assert.Equal(t, "euc-kr", cs.Name())

	msg, err := NewDecoder(cs).Decode(encoded)
	require.NoError(t, err)

	var text string
	require.NoError(t, json.Unmarshal(msg.Payload, &text))
	assert.Equal(t, "회의실 예약 완료", text)

	msg, err = Decode(encoded)
	require.NoError(t, err, "invalid bytes are replaced rather than rejected")
	assert.Contains(t, string(msg.Payload), "�")
}

func TestLookupCharset(t *testing.T) {
	cs, err := LookupCharset("")
	require.NoError(t, err)
	assert.Nil(t, cs)
	assert.Equal(t, "utf-8", cs.Name())

	_, err = LookupCharset("klingon-8")
	assert.Error(t, err)
}

func TestLineReader(t *testing.T) {
	input := "first\r\nsecond\n\nlast-without-newline"
	lr := NewLineReader(strings.NewReader(input), 64)

	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "first", string(line))

	line, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "second", string(line))

	line, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Empty(t, line)

	_, err = lr.ReadLine()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestLineReaderCleanEOF(t *testing.T) {
	lr := NewLineReader(strings.NewReader("only\n"), 0)

	_, err := lr.ReadLine()
	require.NoError(t, err)

	_, err = lr.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderLimit(t *testing.T) {
	long := strings.Repeat("x", 200*1024) + "\n"
	lr := NewLineReader(strings.NewReader(long), 128*1024)

	_, err := lr.ReadLine()
	assert.ErrorIs(t, err, ErrMalformedMessage)

	lr = NewLineReader(strings.NewReader(long), 256*1024)
	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Len(t, line, 200*1024)
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, KindCallTool.IsRequest())
	assert.False(t, KindCallToolResponse.IsRequest())
	assert.Equal(t, KindInitializeResponse, KindInitialize.ResponseKind())
	assert.Equal(t, KindListToolsResponse, KindListTools.ResponseKind())
	assert.Equal(t, KindCallToolResponse, KindCallTool.ResponseKind())
	assert.Equal(t, Kind(""), KindError.ResponseKind())
}
