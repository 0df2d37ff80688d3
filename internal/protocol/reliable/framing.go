package reliable

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jaywantadh/ByteRelay/internal/transfer"
)

// MaxFrameSize bounds a single frame. A 1 MiB chunk grows by a third once base64
// encoded inside the JSON payload.
const MaxFrameSize = 2*transfer.MaxChunkSize + 4096

const headerSize = 4

// WriteFrame writes a 4-byte big-endian length followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return protocolError(fmt.Sprintf("frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize), false)
	}
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads exactly one frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, protocolError(fmt.Sprintf("frame length %d exceeds limit %d", length, MaxFrameSize), false)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// conn frames messages over a TCP connection and applies a deadline to every
// blocking operation.
type conn struct {
	ctx     context.Context
	raw     net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
	peer    string
	stop    func() bool
}

// newConn wraps c. When ctx is done every pending and future operation on the
// connection fails immediately.
func newConn(ctx context.Context, c net.Conn, timeout time.Duration) *conn {
	fc := &conn{
		ctx:     ctx,
		raw:     c,
		r:       bufio.NewReader(c),
		w:       bufio.NewWriter(c),
		timeout: timeout,
		peer:    c.RemoteAddr().String(),
	}
	fc.stop = context.AfterFunc(ctx, func() {
		c.SetDeadline(time.Unix(1, 0))
	})
	return fc
}

func (c *conn) send(op string, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return protocolError(err.Error(), false)
	}
	c.raw.SetWriteDeadline(c.deadline())
	if err := WriteFrame(c.w, payload); err != nil {
		return transfer.FromNet(err, op, c.peer, c.timeout.Seconds())
	}
	if err := c.w.Flush(); err != nil {
		return transfer.FromNet(err, op, c.peer, c.timeout.Seconds())
	}
	return nil
}

func (c *conn) receive(op string) (Message, error) {
	c.raw.SetReadDeadline(c.deadline())
	payload, err := ReadFrame(c.r)
	if err != nil {
		return nil, transfer.FromNet(err, op, c.peer, c.timeout.Seconds())
	}
	return Decode(payload)
}

// deadline is the expiry for the next operation, already passed once the context
// is done.
func (c *conn) deadline() time.Time {
	if c.ctx.Err() != nil {
		return time.Unix(1, 0)
	}
	return time.Now().Add(c.timeout)
}

func (c *conn) Close() error {
	c.stop()
	return c.raw.Close()
}
