// Package mixed dispatches a single inbound port between HTTP proxying and
// SOCKS5 by peeking the first byte: SOCKS5's greeting always starts with
// version byte 0x05, which is not a valid leading byte of any HTTP request
// line, so the two protocols are unambiguous on byte one. Grounded on the
// teacher's single-protocol-per-port ClientInbound model generalized to a
// dispatcher, since the teacher itself never mixes protocols on one port.
package mixed

import (
	"fmt"

	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

const socks5Version = 0x05

// ServerHandler peeks the first byte of a new connection and routes it to
// HTTP or SOCKS5 accordingly.
type ServerHandler struct {
	HTTP   protocol.ServerHandler
	SOCKS5 protocol.ServerHandler
}

var _ protocol.ServerHandler = (*ServerHandler)(nil)

func (h *ServerHandler) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	r := streams.NewReader(stream)
	first, err := r.Peek(1)
	if err != nil {
		return protocol.SetupResult{}, fmt.Errorf("mixed: peek first byte: %w", err)
	}

	// A Peek(1) may have pulled more than one byte off the wire into r's
	// own buffer, so the sub-handler must keep reading through r itself
	// rather than the raw stream, or it would lose whatever followed.
	inner := streams.NewReaderStream(stream, r)
	if first[0] == socks5Version {
		if h.SOCKS5 == nil {
			return protocol.SetupResult{}, fmt.Errorf("mixed: socks5 not configured")
		}
		return h.SOCKS5.SetupServerStream(inner)
	}
	if h.HTTP == nil {
		return protocol.SetupResult{}, fmt.Errorf("mixed: http not configured")
	}
	return h.HTTP.SetupServerStream(inner)
}
