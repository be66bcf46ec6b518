package sv1

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// MaxLineSize bounds a single JSON-RPC line so a client cannot exhaust memory
// with an endless line.
const MaxLineSize = 16 * 1024

// Reader reads newline-delimited JSON-RPC messages.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a line reader over r
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), MaxLineSize)
	return &Reader{scanner: scanner}
}

// ReadMessage returns the next non-empty line parsed as a message. It returns
// io.EOF when the peer closes cleanly. The raw line is returned for logging.
func (r *Reader) ReadMessage() (*Message, []byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			return nil, line, err
		}
		return msg, line, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read: %w", err)
	}
	return nil, nil, io.EOF
}
