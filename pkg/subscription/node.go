// Package subscription parses proxy-node subscription content — raw
// scheme://... lines, base64-encoded text, or Clash YAML — into the
// outbound.Hop values a selector can chain, plus the filtering,
// deduplication and hash-keyed caching spec.md 4.9 requires before those
// hops reach a running config.
//
// Grounded on original_source/spider/src/utils/subscription.rs
// (ProxyNode/Outbound/parse_subscription_content and its protocol-specific
// parsers); the sibling original_source/src/utils/subscription.rs is an
// older revision of the same file and was not used beyond confirming the
// two agree on every field this package implements.
package subscription

import (
	"net"

	"nerveproxy/pkg/address"
)

// Transport names the outer framing a node's Hop carries before its inner
// protocol, mirroring V2RayTransport's three variants.
type Transport struct {
	Kind        string            `json:"kind"` // "", "ws", "grpc", "http"
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // grpc only
}

// TLSOptions mirrors TlsOutbound: whether a node's hop wraps its transport
// in TLS, and with what parameters.
type TLSOptions struct {
	Enabled     bool     `json:"enabled"`
	ServerName  string   `json:"server_name,omitempty"`
	Insecure    bool     `json:"insecure,omitempty"`
	ALPN        []string `json:"alpn,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"` // uTLS fingerprint name, empty means Go's default TLS stack
}

// Kind discriminates the four subscription protocols this package parses.
type Kind string

const (
	KindShadowsocks Kind = "shadowsocks"
	KindVmess       Kind = "vmess"
	KindVless       Kind = "vless"
	KindTrojan      Kind = "trojan"
)

// Node is one parsed subscription entry, the Go analogue of ProxyNode: a
// tag plus the fields needed to build an outbound.Hop, kept flat rather
// than mirroring Outbound's Rust enum-of-structs shape since Go has no
// sum type to hang per-variant fields off of.
type Node struct {
	Kind Kind   `json:"kind"`
	Tag  string `json:"tag"`

	Server string `json:"server"`
	Port   uint16 `json:"port"`

	// Shadowsocks
	Method   string `json:"method,omitempty"`
	Password string `json:"password,omitempty"`

	// VMess/VLESS
	UUID string `json:"uuid,omitempty"`

	// VMess only
	Security string `json:"security,omitempty"`
	AlterID  uint32 `json:"alter_id,omitempty"`

	// VLESS only
	Flow string `json:"flow,omitempty"`

	// Trojan
	TrojanPassword string `json:"trojan_password,omitempty"`

	Transport *Transport  `json:"transport,omitempty"`
	TLS       *TLSOptions `json:"tls,omitempty"`
}

// Location returns the node's server/port as a NetLocation.
func (n Node) Location() address.NetLocation {
	return address.NetLocation{Address: n.Server, Port: n.Port}
}

// sortKey is (tag, server, port), the tuple dedupe sorts by
// before assigning dedup suffixes, matching ProxyNode::sort_key.
func (n Node) sortKey() (string, string, uint16) {
	return n.Tag, n.Server, n.Port
}

// isLoopback reports whether Server is 127.0.0.1, ::1, or "localhost" —
// is_valid_node's own check, extended to literal IPv6 loopback since the
// Rust original only ever compared against the two literal strings.
func (n Node) isLoopback() bool {
	if n.Server == "localhost" {
		return true
	}
	ip := net.ParseIP(n.Server)
	return ip != nil && ip.IsLoopback()
}
