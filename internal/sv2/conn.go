package sv2

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/bardlex/tproxy/pkg/log"
)

// Conn is a plaintext SV2 connection. Reads must come from a single
// goroutine; writes may come from several.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *log.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// NewConn wraps an established connection
func NewConn(conn net.Conn, writeTimeout time.Duration, logger *log.Logger) *Conn {
	return &Conn{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 64*1024),
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

// ReadMessage reads and decodes the next frame.
func (c *Conn) ReadMessage() (Message, error) {
	f, err := ReadFrame(c.reader)
	if err != nil {
		return nil, err
	}
	c.logger.LogFrame("recv", Name(f.MsgType), f.MsgType, len(f.Payload))
	return Decode(f)
}

// WriteMessage encodes and writes m.
func (c *Conn) WriteMessage(m Message) error {
	f, err := Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	if err := WriteFrame(c.conn, f); err != nil {
		return err
	}
	c.logger.LogFrame("send", Name(f.MsgType), f.MsgType, len(f.Payload))
	return nil
}

// SetReadDeadline sets the deadline for the next read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
