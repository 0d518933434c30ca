package trojan

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/streams"
)

// messageStream frames each Trojan UDP datagram as the protocol's own
// ATYP+addr+port header, a 2-byte big-endian length, a CRLF, and the
// payload, repeated per packet — unlike VLESS/VMess, Trojan UDP carries its
// own per-datagram destination rather than reusing the TCP-style header
// once, since a single Trojan UDP command may relay many destinations.
type messageStream struct {
	stream streams.ByteStream
	r      io.Reader
}

func newMessageStream(stream streams.ByteStream, r io.Reader) streams.MessageStream {
	return &messageStream{stream: stream, r: r}
}

func (m *messageStream) ReadMessage() (streams.Message, error) {
	loc, err := readAddress(m.r)
	if err != nil {
		return streams.Message{}, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(m.r, lenBuf[:]); err != nil {
		return streams.Message{}, fmt.Errorf("trojan: read udp length: %w", err)
	}
	size := binary.BigEndian.Uint16(lenBuf[:])

	var crlf [2]byte
	if _, err := io.ReadFull(m.r, crlf[:]); err != nil {
		return streams.Message{}, fmt.Errorf("trojan: read udp crlf: %w", err)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(m.r, payload); err != nil {
		return streams.Message{}, fmt.Errorf("trojan: read udp payload: %w", err)
	}

	return streams.Message{
		Destination: net.JoinHostPort(loc.Address, strconv.Itoa(int(loc.Port))),
		Payload:     payload,
	}, nil
}

func (m *messageStream) WriteMessage(msg streams.Message) error {
	host, portStr, err := net.SplitHostPort(msg.Destination)
	if err != nil {
		return fmt.Errorf("trojan: bad udp destination %q: %w", msg.Destination, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("trojan: bad udp port %q: %w", portStr, err)
	}

	var buf []byte
	buf = append(buf, encodeAddress(address.NetLocation{Address: host, Port: uint16(port)})...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg.Payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, msg.Payload...)

	_, err = m.stream.Write(buf)
	return err
}

func (m *messageStream) Close() error { return m.stream.Close() }

func (m *messageStream) SetDeadline(t time.Time) error { return m.stream.SetDeadline(t) }
