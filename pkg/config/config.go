// Package config loads, validates, and materializes the TOML documents
// that describe this dataplane: inbound servers, outbound client chains,
// and the named client groups chains reference. Validation resolves group
// references topologically (rejecting cycles), embeds PEMs, and refuses
// the configurations the rest of the code has no path for (QUIC transport,
// legacy non-AEAD VMess) so that nothing past startup ever has to.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml"
)

// Document is one parsed config file: any number of inbound servers plus
// the named client groups their outbound chains may reference.
type Document struct {
	Servers []ServerConfig `toml:"servers"`
	Groups  []ClientGroup  `toml:"groups,omitempty"`
}

// Load reads and parses the TOML document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a TOML document from data.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &doc, nil
}

// ServerConfig describes one inbound: where to listen, which protocol to
// terminate, and which outbound chains its connections leave through.
type ServerConfig struct {
	// Bind is the listen location: "host:port" for TCP, a filesystem
	// path (or "unix:path") for a Unix stream socket.
	Bind string `toml:"bind"`

	// Protocol names the inbound protocol: "http", "socks5", "mixed",
	// "shadowsocks", "vless", "vmess", "trojan", "websocket",
	// "port_forward", "tls".
	Protocol string `toml:"protocol"`

	// Transport is "tcp" (the default). "quic" is recognized but refused
	// at validation; nothing downstream honors it.
	Transport string `toml:"transport,omitempty"`

	// BindInterface pins the listening socket to a network interface
	// (SO_BINDTODEVICE, Linux only).
	BindInterface string `toml:"bind_interface,omitempty"`

	// EnableUDP allows UDP ASSOCIATE (SOCKS5) / the UDP command
	// (VLESS, VMess, Shadowsocks, Trojan).
	EnableUDP bool `toml:"enable_udp,omitempty"`

	// Outbound names the client group whose chains this server's
	// connections leave through. Empty means direct — the default
	// allow-all-direct rule.
	Outbound string `toml:"outbound,omitempty"`

	// Username/Password authenticate HTTP (Proxy-Authorization: Basic)
	// and SOCKS5 (RFC 1929) inbounds. Password doubles as the shadowsocks
	// secret, and as a trojan password accepted alongside any Passwords.
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`

	// Passwords holds every accepted trojan password when more than one
	// user shares the bind.
	Passwords []string `toml:"passwords,omitempty"`

	// Cipher selects the shadowsocks method (e.g. "aes-256-gcm",
	// "2022-blake3-aes-256-gcm"). A "2022-" prefix switches the inbound
	// to AEAD-2022 framing, with Password holding the base64 key.
	Cipher string `toml:"cipher,omitempty"`

	// UserID is the VLESS/VMess user UUID in canonical 8-4-4-4-12 form.
	UserID string `toml:"user_id,omitempty"`

	// UserIDs holds additional VMess user UUIDs beyond UserID.
	UserIDs []string `toml:"user_ids,omitempty"`

	// ForceAEAD defaults to true for VMess; setting it to false asks for
	// the legacy non-AEAD header, which this dataplane does not carry —
	// validation refuses it.
	ForceAEAD *bool `toml:"force_aead,omitempty"`

	// Fallback is where VLESS relays connections that fail
	// authentication instead of closing them ("host:port").
	Fallback string `toml:"fallback,omitempty"`

	// ShadowsocksFallback reinterprets trojan connections whose password
	// does not match as Shadowsocks sessions with this cipher/password,
	// instead of closing them.
	ShadowsocksFallback *ShadowsocksFallbackConfig `toml:"shadowsocks_fallback,omitempty"`

	// Targets are the port_forward destinations, rotated round-robin per
	// connection.
	Targets []string `toml:"targets,omitempty"`

	// Websocket configures the upgrade matcher when Protocol is
	// "websocket"; Inner is the protocol framed inside the socket.
	Websocket *WebsocketServer `toml:"websocket,omitempty"`

	// TLS configures termination when Protocol is "tls".
	TLS *TLSServer `toml:"tls,omitempty"`

	// Inner is the protocol carried inside a "websocket" server.
	Inner *ServerConfig `toml:"inner,omitempty"`
}

// ShadowsocksFallbackConfig keys the Shadowsocks layer failed-auth trojan
// connections are piped through.
type ShadowsocksFallbackConfig struct {
	Cipher   string `toml:"cipher"`
	Password string `toml:"password"`
}

// WebsocketServer matches and shapes a WebSocket inbound's upgrade.
type WebsocketServer struct {
	// Path must match the request path exactly; empty matches any.
	Path string `toml:"path,omitempty"`

	// Headers must all be present verbatim on the upgrade request.
	Headers map[string]string `toml:"headers,omitempty"`

	// Ping is "disabled" (default), "frame" for RFC 6455 control-frame
	// pings, or "empty" for zero-length data frames.
	Ping string `toml:"ping,omitempty"`
}

// TLSServer is the TLS inbound variant: a map of server names to
// certificate targets, an optional catch-all, and a map of server names
// terminated via REALITY instead.
type TLSServer struct {
	SNI     map[string]*TLSTarget     `toml:"sni,omitempty"`
	Default *TLSTarget                `toml:"default,omitempty"`
	Reality map[string]*RealityServer `toml:"reality,omitempty"`
}

// TLSTarget is one terminated server name: its certificate, optional mTLS
// pool and ALPN list, and the protocol spoken inside the tunnel.
type TLSTarget struct {
	Cert     NamedPem  `toml:"cert"`
	Key      NamedPem  `toml:"key"`
	ClientCA *NamedPem `toml:"client_ca,omitempty"`
	ALPN     []string  `toml:"alpn,omitempty"`

	// Vision requires Inner to be a VLESS server; validation checks that,
	// but building the server does not read the flag. The VLESS handler
	// switches to XTLS-Vision whenever a client requests the
	// xtls-rprx-vision flow, whether or not Vision is set.
	Vision bool `toml:"vision,omitempty"`

	Inner *ServerConfig `toml:"inner"`
}

// RealityServer is one REALITY-terminated server name.
type RealityServer struct {
	// PrivateKey is the server's long-term X25519 private key, base64.
	PrivateKey string `toml:"private_key"`

	// ShortIDs are the accepted credential selectors, hex, up to 8 bytes
	// each.
	ShortIDs []string `toml:"short_ids"`

	// Dest is the camouflage destination unauthenticated ClientHellos
	// are relayed to, byte for byte.
	Dest string `toml:"dest"`

	// DestGroup optionally names the client group the fallback relay
	// dials Dest through; empty dials direct.
	DestGroup string `toml:"dest_group,omitempty"`

	// MaxTimeDiff bounds the decrypted session id's timestamp skew, in
	// seconds. Zero keeps the built-in default.
	MaxTimeDiff int64 `toml:"max_time_diff,omitempty"`

	// Cert/Key are presented once REALITY auth succeeds.
	Cert NamedPem `toml:"cert"`
	Key  NamedPem `toml:"key"`

	Inner *ServerConfig `toml:"inner"`
}

// NamedPem carries PEM material either by reference or inline; exactly one
// of Path/Data must be set.
type NamedPem struct {
	Path string `toml:"path,omitempty"`
	Data string `toml:"data,omitempty"`
}

// Load returns the PEM bytes, reading Path if that is how the material was
// given.
func (p *NamedPem) Load() ([]byte, error) {
	switch {
	case p.Path != "" && p.Data != "":
		return nil, fmt.Errorf("config: pem has both path and inline data")
	case p.Path != "":
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return nil, fmt.Errorf("config: read pem %s: %w", p.Path, err)
		}
		return data, nil
	case p.Data != "":
		return []byte(p.Data), nil
	default:
		return nil, fmt.Errorf("config: pem has neither path nor inline data")
	}
}

// ClientGroup is a named pool of outbound client configs. Groups may
// include other groups; inclusion is flattened during validation, and a
// cycle through Includes is a fatal config error.
type ClientGroup struct {
	Name     string         `toml:"name"`
	Clients  []ClientConfig `toml:"clients,omitempty"`
	Includes []string       `toml:"includes,omitempty"`

	// Chains, when set, makes the group referenceable from a server's
	// outbound field: each chain is an ordered hop list, and one chain
	// is chosen per connection. A group with no chains but a non-empty
	// client pool gets one implicit single-hop chain whose hop pools
	// over every client.
	Chains []ChainConfig `toml:"chains,omitempty"`
}

// ChainConfig is one ordered hop sequence.
type ChainConfig struct {
	Hops []HopConfig `toml:"hops"`
}

// HopConfig selects one hop: either an inline client config, or the name
// of a group whose flattened client pool this hop draws from uniformly per
// connection. Exactly one of the two must be set.
type HopConfig struct {
	Client *ClientConfig `toml:"client,omitempty"`
	Group  string        `toml:"group,omitempty"`
}

// ClientConfig is one outbound descriptor: where to dial and the protocol
// layer tree spoken over the connection.
type ClientConfig struct {
	// Address is the hop's own "host:port". Ignored for a direct
	// protocol, whose address is always the connection's destination.
	Address string `toml:"address,omitempty"`

	// BindInterface pins the outbound socket to a network interface.
	BindInterface string `toml:"bind_interface,omitempty"`

	// Transport is "tcp" (the default); "quic" is refused at validation.
	Transport string `toml:"transport,omitempty"`

	// NoDelay disables Nagle on the dialed socket.
	NoDelay bool `toml:"no_delay,omitempty"`

	Protocol ClientProtocol `toml:"protocol"`
}

// ClientProtocol is the layer tree a hop speaks, outermost first: "tls",
// "reality", and "websocket" nodes wrap an Inner layer; "direct", "http",
// "socks5", "shadowsocks", "vless", "vmess", and "trojan" are leaves.
type ClientProtocol struct {
	Type string `toml:"type"`

	// SNI / Insecure / Fingerprint shape a "tls" or "reality" layer.
	// Fingerprint names a browser ClientHello to spoof via uTLS
	// ("chrome", "firefox", "safari", ...); empty uses the standard
	// stack.
	SNI         string `toml:"sni,omitempty"`
	Insecure    bool   `toml:"insecure,omitempty"`
	Fingerprint string `toml:"fingerprint,omitempty"`

	// PublicKey (base64 X25519) and ShortID (hex) authenticate a
	// "reality" layer.
	PublicKey string `toml:"public_key,omitempty"`
	ShortID   string `toml:"short_id,omitempty"`

	// Path/Headers shape a "websocket" layer's upgrade request.
	Path    string            `toml:"path,omitempty"`
	Headers map[string]string `toml:"headers,omitempty"`

	// Cipher/Password credential a "shadowsocks" leaf; Password alone a
	// "trojan" leaf; Username/Password a "socks5" leaf.
	Cipher   string `toml:"cipher,omitempty"`
	Password string `toml:"password,omitempty"`
	Username string `toml:"username,omitempty"`

	// UserID credentials a "vless" or "vmess" leaf.
	UserID string `toml:"user_id,omitempty"`

	// Inner is the next layer in for "tls"/"reality"/"websocket" nodes.
	Inner *ClientProtocol `toml:"inner,omitempty"`
}
