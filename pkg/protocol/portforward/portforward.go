// Package portforward implements the degenerate inbound that forwards a
// listener straight to a fixed destination, the role the teacher's own
// ClientInbound.TargetAddr field describes as "mainly for SSH/Port
// Forwarding" — no handshake byte is read from the client at all. With
// more than one target configured, connections rotate through them
// round-robin.
package portforward

import (
	"sync/atomic"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

// ServerHandler forwards every connection accepted on its listener to the
// next of its Targets, skipping any protocol negotiation.
type ServerHandler struct {
	Targets []address.NetLocation

	next atomic.Uint64
}

var _ protocol.ServerHandler = (*ServerHandler)(nil)

func (h *ServerHandler) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	target := h.Targets[(h.next.Add(1)-1)%uint64(len(h.Targets))]
	return protocol.SetupResult{
		Kind:           protocol.KindTCPForward,
		RemoteLocation: target,
		Stream:         stream,
	}, nil
}
