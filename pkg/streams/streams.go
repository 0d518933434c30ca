// Package streams defines the capability interfaces every protocol handler
// is built against, replacing the trait-object AsyncStream/AsyncMessageStream
// capability sets with plain Go interfaces: a Go interface value is already
// a fat pointer (type + data), so no extra boxing layer is needed to get
// the same dynamic dispatch the trait objects provided.
package streams

import (
	"io"
	"net"
	"time"
)

// ByteStream is a duplex byte-oriented connection: TCP, a TLS-wrapped TCP
// connection, or a chain hop that itself forwards bytes 1:1. Everything
// downstream of a server handler's setup step consumes one of these.
type ByteStream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Message is one discrete packet and the address it is sent to, the unit a
// MessageStream reads and writes. It has no source field.
type Message struct {
	Destination string // "host:port" this payload is addressed to
	Payload     []byte
}

// MessageStream is a duplex packet-oriented connection: a UDP association,
// a Shadowsocks/VLESS UDP relay, or anything else where reads and writes
// are discrete datagrams rather than a byte stream.
type MessageStream interface {
	ReadMessage() (Message, error)
	WriteMessage(Message) error
	Close() error
	SetDeadline(t time.Time) error
}

// Pinger is implemented by message streams that can send a keepalive
// frame. copier.Messages sends a ping on an idle tick only when the stream
// being copied implements this. Of this repo's streams only outbound's
// unconnected UDP stream implements it, and it reports no ping support.
type Pinger interface {
	SupportsPing() bool
	SendPing() error
}

// TCPByteStream adapts a *net.TCPConn (or any net.Conn) to ByteStream. Kept
// as a named type rather than using net.Conn directly so call sites that
// need TCP-specific options (SetNoDelay, SetKeepAlive) can assert back to
// it without losing the ByteStream-typed call sites elsewhere.
type TCPByteStream struct {
	net.Conn
}

// NewTCPByteStream wraps conn as a ByteStream.
func NewTCPByteStream(conn net.Conn) ByteStream {
	return TCPByteStream{Conn: conn}
}

// Reader is a bounded peek/consume buffer over a ByteStream, used by
// protocol detection (Mixed inbound) and by handlers that need to look at a
// header before deciding how much of it to consume (TLS inspection,
// REALITY). Peek refuses to look further ahead than maxBufferedBytes, the
// 64 KiB cap called out for header inspection generally; since it reads in
// 4096-byte chunks, the buffer can hold up to one chunk beyond that.
type Reader struct {
	src   io.Reader
	buf   []byte
	start int // index of first unconsumed byte in buf
}

const maxBufferedBytes = 64 * 1024

// NewReader returns a Reader over src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Peek returns the next n bytes without consuming them, reading more from
// the underlying source as needed. It returns io.ErrShortBuffer if n
// exceeds the 64 KiB cap.
func (r *Reader) Peek(n int) ([]byte, error) {
	if n > maxBufferedBytes {
		return nil, io.ErrShortBuffer
	}
	for len(r.buf)-r.start < n {
		chunk := make([]byte, 4096)
		m, err := r.src.Read(chunk)
		if m > 0 {
			r.buf = append(r.buf, chunk[:m]...)
		}
		if err != nil {
			return nil, err
		}
	}
	return r.buf[r.start : r.start+n], nil
}

// Consume discards n previously-peeked bytes from the front of the buffer.
// Consuming more than has been buffered is a programming error and panics,
// matching the teacher's own "this should never happen" assertions at
// protocol boundaries rather than returning a needless error.
func (r *Reader) Consume(n int) {
	if r.start+n > len(r.buf) {
		panic("streams: Consume past buffered data")
	}
	r.start += n
	if r.start == len(r.buf) {
		r.buf = r.buf[:0]
		r.start = 0
	}
}

// Read implements io.Reader, draining buffered bytes first and falling
// through to the underlying source once the buffer is empty.
func (r *Reader) Read(p []byte) (int, error) {
	if r.start < len(r.buf) {
		n := copy(p, r.buf[r.start:])
		r.start += n
		if r.start == len(r.buf) {
			r.buf = r.buf[:0]
			r.start = 0
		}
		return n, nil
	}
	return r.src.Read(p)
}

// Unread re-queues bytes already handed out (e.g. by Mixed re-offering the
// first byte it peeked at to the chosen sub-handler's own Reader).
func (r *Reader) Unread(p []byte) {
	rest := append([]byte{}, r.buf[r.start:]...)
	r.buf = append(append([]byte{}, p...), rest...)
	r.start = 0
}

// UnparsedData returns the bytes buffered past what has been consumed —
// handshake lookahead that belongs to the next protocol layer. The slice
// aliases the Reader's buffer and is only valid until the next read.
func (r *Reader) UnparsedData() []byte {
	return r.buf[r.start:]
}

// ReaderStream keeps post-handshake reads flowing through the Reader that
// buffered ahead during the handshake, so pipelined bytes a peek pulled in
// are delivered before the raw stream is read again. Writes, closes, and
// deadlines go straight to the underlying stream.
type ReaderStream struct {
	ByteStream
	r *Reader
}

// NewReaderStream wraps stream so reads drain r first.
func NewReaderStream(stream ByteStream, r *Reader) *ReaderStream {
	return &ReaderStream{ByteStream: stream, r: r}
}

func (s *ReaderStream) Read(p []byte) (int, error) { return s.r.Read(p) }
