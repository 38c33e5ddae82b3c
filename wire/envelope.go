package wire

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the identity-aware multipart frame shared by all four
// sockets in the transport: Identity lets the broker route replies
// back to the fabric or client that originated a message (the Go
// analogue of a ROUTER/DEALER identity frame); Parts carries the
// message body, split into one or more self-describing CBOR items.
type Envelope struct {
	Identity []byte
	Parts    [][]byte
}

// Conn is a duplex, identity-framed message connection. Send and Recv
// may be called concurrently with each other, and concurrent calls to
// Send are serialized internally so frames never interleave; concurrent
// calls to Recv must be externally serialized.
type Conn struct {
	raw net.Conn
	wmu sync.Mutex
}

// NewConn wraps an established net.Conn (from a Listener.Accept or a
// net.Dial) as a framed, CBOR-encoded message Conn.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Send encodes and writes one Envelope as a single length-prefixed
// frame.
func (c *Conn) Send(env Envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.raw, data)
}

// Recv reads and decodes one Envelope. It returns io.EOF (or a wrapped
// io.EOF) when the peer has cleanly closed the connection.
func (c *Conn) Recv() (Envelope, error) {
	data, err := ReadFrame(c.raw)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// SetReadDeadline forwards to the underlying net.Conn, letting callers
// implement the short-timeout polling loops the fabric and client
// demux require (e.g. the ≤1s client demux poll, the ≤100ms fabric
// push-results poll).
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

var _ io.Closer = (*Conn)(nil)
