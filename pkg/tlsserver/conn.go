package tlsserver

import (
	"net"
	"time"

	"nerveproxy/pkg/streams"
)

// asConn adapts a streams.ByteStream to net.Conn so it can be handed to
// crypto/tls.Server, which wants LocalAddr/RemoteAddr even though the TLS
// state machine itself never inspects their contents.
func asConn(stream streams.ByteStream) net.Conn {
	if conn, ok := stream.(net.Conn); ok {
		return conn
	}
	return &streamConn{ByteStream: stream}
}

type streamConn struct {
	streams.ByteStream
}

func (streamConn) LocalAddr() net.Addr  { return dummyAddr{} }
func (streamConn) RemoteAddr() net.Addr { return dummyAddr{} }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "0.0.0.0:0" }

// prefixConn replays a fixed prefix (the raw ClientHello record bytes
// tlsinspect already consumed) before falling through to r, the same
// streams.Reader tlsinspect read from — so any bytes it pulled ahead past
// the ClientHello record boundary are not lost — so crypto/tls can perform
// its own handshake from scratch over data this package already peeked at.
type prefixConn struct {
	raw    streams.ByteStream
	r      *streams.Reader
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.r.Read(p)
}

func (c *prefixConn) Write(p []byte) (int, error)   { return c.raw.Write(p) }
func (c *prefixConn) Close() error                  { return c.raw.Close() }
func (c *prefixConn) LocalAddr() net.Addr           { return dummyAddr{} }
func (c *prefixConn) RemoteAddr() net.Addr          { return dummyAddr{} }
func (c *prefixConn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }
func (c *prefixConn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *prefixConn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

var _ net.Conn = (*prefixConn)(nil)
