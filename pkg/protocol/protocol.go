// Package protocol defines the shared vocabulary every inbound protocol
// handler produces: a tagged SetupResult standing in for the Rust
// TcpServerSetupResult sum type (Go has no algebraic enums, so the
// discriminant is a Kind field plus the fields that Kind makes valid) and
// the ProtocolType naming used by config and the subscription parser.
package protocol

import (
	"nerveproxy/pkg/address"
	"nerveproxy/pkg/streams"
)

// ProtocolType names one of the inbound/outbound wire protocols this
// dataplane understands, grounded on the teacher's own ProtocolType enum
// in pkg/config/client_config.go, extended with every protocol spec.md
// names.
type ProtocolType string

const (
	ProtocolHTTP         ProtocolType = "http"
	ProtocolSOCKS5       ProtocolType = "socks5"
	ProtocolShadowsocks  ProtocolType = "shadowsocks"
	ProtocolVLESS        ProtocolType = "vless"
	ProtocolVMess        ProtocolType = "vmess"
	ProtocolTrojan       ProtocolType = "trojan"
	ProtocolWebsocket    ProtocolType = "websocket"
	ProtocolPortForward  ProtocolType = "port_forward"
	ProtocolMixed        ProtocolType = "mixed"
	ProtocolTLS          ProtocolType = "tls"
	ProtocolReality      ProtocolType = "reality"
	ProtocolDirect       ProtocolType = "direct"
)

// SetupResultKind discriminates the handful of outcomes a server handler's
// setup step can produce.
type SetupResultKind int

const (
	// KindTCPForward means the handler parsed a target and the stream
	// should now be relayed byte-for-byte to whatever the selector
	// resolves RemoteLocation to.
	KindTCPForward SetupResultKind = iota
	// KindBidirectionalUDP means the handler parsed a target and the
	// stream should be treated as a MessageStream relay (VLESS/VMess UDP).
	KindBidirectionalUDP
	// KindMultiDirectionalUDP means datagrams may be addressed to
	// different destinations per-message (SOCKS5 UDP-ASSOCIATE, Trojan
	// UDP; Open Question (b)).
	KindMultiDirectionalUDP
	// KindAlreadyHandled means the handler fully took over the
	// connection itself (e.g. a REALITY/VLESS auth-failure fallback
	// relay) and the caller should do nothing further with it.
	KindAlreadyHandled
	// KindBlocked means the handler decided, on its own, that this
	// connection should be dropped without ever reaching the selector.
	KindBlocked
)

// SetupResult is what a server handler's SetupServerStream returns.
type SetupResult struct {
	Kind SetupResultKind

	RemoteLocation address.NetLocation // valid for KindTCPForward/BidirectionalUDP

	Stream        streams.ByteStream    // valid for KindTCPForward
	MessageStream streams.MessageStream // valid for KindBidirectionalUDP/MultiDirectionalUDP

	NeedInitialFlush          bool
	ConnectionSuccessResponse []byte // written to the client stream once the outbound hop connects
	InitialRemoteData         []byte // written to the outbound hop before the copier takes over
}

// ServerHandler is implemented by every inbound protocol's server side.
type ServerHandler interface {
	// SetupServerStream consumes the protocol's handshake from stream and
	// returns what the listener should do next.
	SetupServerStream(stream streams.ByteStream) (SetupResult, error)
}

// ClientHandler is implemented by every outbound protocol's client side: it
// takes a freshly dialed ByteStream to the next hop and wraps it so that
// writes/reads speak that hop's wire protocol, addressed at dest.
type ClientHandler interface {
	SetupClientStream(stream streams.ByteStream, dest address.NetLocation) (streams.ByteStream, error)
}
