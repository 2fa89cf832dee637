package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Charset converts script output that is not valid UTF-8. Scripts running
// under a legacy console code page (cp949, shift_jis, windows-1252, ...)
// sometimes emit their own locale; a configured fallback decodes those
// bytes, anything still invalid becomes U+FFFD.
type Charset struct {
	name     string
	encoding encoding.Encoding
}

// LookupCharset resolves a WHATWG encoding label. An empty label returns nil,
// which normalises with replacement only.
func LookupCharset(label string) (*Charset, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", label, err)
	}
	name, _ := htmlindex.Name(enc)
	return &Charset{name: name, encoding: enc}, nil
}

func (c *Charset) Name() string {
	if c == nil {
		return "utf-8"
	}
	return c.name
}

func (c *Charset) Normalize(line []byte) []byte {
	if utf8.Valid(line) {
		return line
	}
	if c != nil && c.encoding != nil {
		decoded, _, err := transform.Bytes(c.encoding.NewDecoder(), line)
		if err == nil && utf8.Valid(decoded) {
			return decoded
		}
	}
	return bytes.ToValidUTF8(line, []byte("\uFFFD"))
}
