package tlsserver

import (
	"crypto/tls"
	"fmt"

	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

// Handler adapts a Standard TLS termination into a protocol.ServerHandler:
// terminate the handshake, then hand the decrypted stream to the inner
// protocol handler the negotiated server name selects. This is the
// "dispatch inner protocol by SNI" step that follows termination, kept
// separate from Standard itself so Standard stays usable for callers that
// do their own dispatch.
type Handler struct {
	Standard *Standard

	// InnerBySNI routes each terminated connection to the protocol
	// handler configured for the name the client asked for; DefaultInner
	// catches connections whose SNI has no entry (or no SNI at all).
	InnerBySNI   map[string]protocol.ServerHandler
	DefaultInner protocol.ServerHandler
}

var _ protocol.ServerHandler = (*Handler)(nil)

func (h *Handler) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	decrypted, err := h.Standard.Accept(stream)
	if err != nil {
		return protocol.SetupResult{}, err
	}

	inner := h.DefaultInner
	if conn, ok := decrypted.(*tls.Conn); ok {
		if byName := h.InnerBySNI[conn.ConnectionState().ServerName]; byName != nil {
			inner = byName
		}
	}
	if inner == nil {
		return protocol.SetupResult{}, fmt.Errorf("tlsserver: no inner handler for terminated connection")
	}
	return inner.SetupServerStream(decrypted)
}

// RealityHandler adapts a Reality termination into a protocol.ServerHandler.
// A connection Reality relayed to its fallback comes back as
// KindAlreadyHandled, since the relay goroutines own the stream from then
// on.
type RealityHandler struct {
	Reality *Reality
	Inner   protocol.ServerHandler
}

var _ protocol.ServerHandler = (*RealityHandler)(nil)

func (h *RealityHandler) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	decrypted, err := h.Reality.Accept(stream)
	if err != nil {
		return protocol.SetupResult{}, err
	}
	if decrypted == nil {
		return protocol.SetupResult{Kind: protocol.KindAlreadyHandled}, nil
	}
	return h.Inner.SetupServerStream(decrypted)
}
