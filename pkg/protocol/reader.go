package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

const DefaultMaxLineBytes = 1 << 20

// LineReader reads newline-terminated lines of bounded length.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, maxBytes int) *LineReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), max: maxBytes}
}

// ReadLine returns the next line without its terminator. It returns io.EOF
// when the stream ends cleanly, io.ErrUnexpectedEOF when it ends inside a
// line and ErrMalformedMessage when a line exceeds the limit.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if len(line)+len(chunk) > lr.max+1 {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedMessage, lr.max)
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return trimEOL(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func trimEOL(line []byte) []byte {
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
