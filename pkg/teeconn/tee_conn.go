package teeconn

import (
	"io"
	"net"
	"slices"
	"time"

	"github.com/pkg/errors"
)

const DefaultReadSize = 64 << 10

var ErrBufferFull = errors.New("buffer limit exceeded")

// Conn keeps every byte read from the wrapped connection in one cumulative
// buffer, so a message can be re-parsed from its first byte after each read.
type Conn struct {
	net.Conn

	// ReadSize bounds a single Fill, DefaultReadSize if not positive.
	ReadSize int
	// Limit caps the buffered bytes, unlimited if not positive.
	Limit int
	// Timeout is the idle deadline applied to every Fill.
	Timeout time.Duration

	buf []byte
	eof bool
}

func New(c net.Conn, readSize, limit int, timeout time.Duration) *Conn {
	return &Conn{Conn: c, ReadSize: readSize, Limit: limit, Timeout: timeout}
}

// Fill reads once from the connection and appends what arrived.
// io.EOF is returned, possibly along with n > 0, once the peer closed its side.
func (t *Conn) Fill() (n int, err error) {
	if t.eof {
		return 0, io.EOF
	}

	size := t.ReadSize
	if size <= 0 {
		size = DefaultReadSize
	}
	if t.Limit > 0 {
		if len(t.buf) >= t.Limit {
			return 0, errors.Wrapf(ErrBufferFull, "%d bytes", len(t.buf))
		}
		size = min(size, t.Limit-len(t.buf))
	}

	if t.Timeout > 0 {
		if err := t.Conn.SetReadDeadline(time.Now().Add(t.Timeout)); err != nil {
			return 0, err
		}
	}

	t.buf = slices.Grow(t.buf, size)
	n, err = t.Conn.Read(t.buf[len(t.buf) : len(t.buf)+size])
	t.buf = t.buf[:len(t.buf)+n]
	if err == io.EOF {
		t.eof = true
	}
	return n, err
}

// Bytes returns everything read so far. It is only valid until the next Fill.
func (t *Conn) Bytes() []byte { return t.buf }

func (t *Conn) Len() int { return len(t.buf) }

// EOF reports whether the peer closed its side.
func (t *Conn) EOF() bool { return t.eof }
