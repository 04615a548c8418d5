// Copyright (c) 2016,2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// transport frames rpc packets over a persistent byte stream.  Each frame is
// an XDR encoded unsigned length followed by that many bytes of packet.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/companyzero/zkrelay/rpc"
	"github.com/davecgh/go-xdr/xdr2"
)

// DefaultMaxPacketSize bounds a single frame.
const DefaultMaxPacketSize = 256 * 1024

var (
	ErrClosed    = errors.New("connection closed")
	ErrOverflow  = errors.New("packet too large")
	ErrMarshal   = errors.New("could not marshal")
	ErrUnmarshal = errors.New("could not unmarshal")
)

// Error is returned by every failing Conn operation.  The connection is dead
// once an Error has been returned.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conn is a framed, packet oriented connection.  Send may be called
// concurrently; Receive must only be called from a single reader.
type Conn struct {
	conn    net.Conn
	maxSize uint32

	wmtx sync.Mutex // single writer

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New wraps conn.  A maxSize of 0 selects DefaultMaxPacketSize.
func New(conn net.Conn, maxSize uint32) *Conn {
	if maxSize == 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &Conn{
		conn:    conn,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
}

// Dial connects to address over TCP.
func Dial(ctx context.Context, address string, maxSize uint32) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	return New(conn, maxSize), nil
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close releases the underlying connection.  It is safe to call Close more
// than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// fail closes the connection and wraps err.
func (c *Conn) fail(op string, err error) error {
	select {
	case <-c.done:
		// closed locally, err is a consequence of that
		err = ErrClosed
	default:
	}
	c.Close()
	return &Error{Op: op, Err: err}
}

// Send writes a single packet.  The entire frame is assembled before the write
// lock is taken so that concurrent senders never interleave.
func (c *Conn) Send(p *rpc.Packet) error {
	err := p.Validate()
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	payload, err := p.Marshal()
	if err != nil {
		return &Error{Op: "send", Err: fmt.Errorf("%w: %v", ErrMarshal, err)}
	}
	if uint64(len(payload)) > uint64(c.maxSize) {
		// the stream is still intact; refuse the packet only
		return &Error{Op: "send", Err: ErrOverflow}
	}

	var bb bytes.Buffer
	bb.Grow(4 + len(payload))
	_, err = xdr.Marshal(&bb, uint32(len(payload)))
	if err != nil {
		return &Error{Op: "send", Err: ErrMarshal}
	}
	bb.Write(payload)

	c.wmtx.Lock()
	defer c.wmtx.Unlock()

	select {
	case <-c.done:
		return &Error{Op: "send", Err: ErrClosed}
	default:
	}

	_, err = c.conn.Write(bb.Bytes())
	if err != nil {
		return c.fail("send", err)
	}
	return nil
}

// Receive blocks until a full packet has been read.  Frames that are empty or
// larger than the maximum packet size are rejected before their body is read.
func (c *Conn) Receive() (*rpc.Packet, error) {
	var size uint32
	_, err := xdr.Unmarshal(c.conn, &size)
	if err != nil {
		if xdr.IsIO(err) {
			return nil, c.fail("receive", ErrClosed)
		}
		return nil, c.fail("receive", ErrUnmarshal)
	}
	if size == 0 || size > c.maxSize {
		return nil, c.fail("receive",
			fmt.Errorf("%w: frame length %v", ErrOverflow, size))
	}

	payload := make([]byte, size)
	_, err = io.ReadFull(c.conn, payload)
	if err != nil {
		return nil, c.fail("receive", ErrClosed)
	}

	p, err := rpc.Unmarshal(payload)
	if err != nil {
		return nil, c.fail("receive",
			fmt.Errorf("%w: %v", ErrUnmarshal, err))
	}
	return p, nil
}
