// Package trojan implements the Trojan inbound/outbound handler: a
// SHA-224 hex password, CRLF, a SOCKS5-style address, CRLF, then the raw
// payload. Trojan carries no framing of its own beyond that header — it
// relies entirely on running inside a TLS connection for confidentiality,
// so this handler only ever sees plaintext once tlsserver has already
// terminated the TLS layer, the same layering httpproxy and socks5 assume
// for their own inbounds.
package trojan

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/apperr"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

const (
	passwordHexLen = sha256.Size224 * 2

	cmdConnect = 0x01
	cmdUDP     = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// HashPassword returns the lowercase-hex SHA-224 digest Trojan uses as the
// wire-visible credential, so configs can store the plaintext password and
// this is computed once at startup.
func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// ServerHandler implements the Trojan inbound.
type ServerHandler struct {
	// ValidHexPasswords holds the precomputed HashPassword outputs for
	// every configured user.
	ValidHexPasswords [][]byte
	UDPEnabled        bool
	// ShadowsocksFallback, if set, reinterprets connections whose first
	// bytes are not a recognized password as Shadowsocks sessions: the
	// buffered bytes plus the rest of the stream are piped through the
	// Shadowsocks decrypt/encrypt layer instead of the connection being
	// closed.
	ShadowsocksFallback protocol.ServerHandler
}

var _ protocol.ServerHandler = (*ServerHandler)(nil)

func (h *ServerHandler) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	r := streams.NewReader(stream)

	header, err := r.Peek(passwordHexLen + 2)
	if err != nil {
		return protocol.SetupResult{}, fmt.Errorf("trojan: peek password: %w", err)
	}
	if header[passwordHexLen] != '\r' || header[passwordHexLen+1] != '\n' {
		return h.fallback(stream, r)
	}
	if !h.matchPassword(header[:passwordHexLen]) {
		return h.fallback(stream, r)
	}
	r.Consume(passwordHexLen + 2)

	var cmd [1]byte
	if _, err := io.ReadFull(r, cmd[:]); err != nil {
		return protocol.SetupResult{}, fmt.Errorf("trojan: read command: %w", err)
	}

	loc, err := readAddress(r)
	if err != nil {
		return protocol.SetupResult{}, err
	}

	var crlf [2]byte
	if _, err := io.ReadFull(r, crlf[:]); err != nil {
		return protocol.SetupResult{}, fmt.Errorf("trojan: read trailing crlf: %w", err)
	}

	switch cmd[0] {
	case cmdConnect:
		// Trojan clients pipeline payload right after the trailing CRLF,
		// so whatever the reader buffered past the header is payload.
		return protocol.SetupResult{
			Kind:           protocol.KindTCPForward,
			RemoteLocation: loc,
			Stream:         streams.NewReaderStream(stream, r),
		}, nil
	case cmdUDP:
		if !h.UDPEnabled {
			return protocol.SetupResult{}, fmt.Errorf("trojan: udp not enabled: %w", apperr.ErrUnsupported)
		}
		return protocol.SetupResult{
			Kind:           protocol.KindMultiDirectionalUDP,
			RemoteLocation: loc,
			MessageStream:  newMessageStream(stream, r),
		}, nil
	default:
		return protocol.SetupResult{}, fmt.Errorf("trojan: unknown command 0x%02x: %w", cmd[0], apperr.ErrInvalidData)
	}
}

func (h *ServerHandler) matchPassword(candidate []byte) bool {
	for _, valid := range h.ValidHexPasswords {
		if subtle.ConstantTimeCompare(candidate, valid) == 1 {
			return true
		}
	}
	return false
}

// fallback hands the whole connection — the already-buffered lookahead
// included — to the Shadowsocks handler, so a port serving Trojan can
// double as a Shadowsocks inbound for clients that never spoke Trojan at
// all.
func (h *ServerHandler) fallback(stream streams.ByteStream, r *streams.Reader) (protocol.SetupResult, error) {
	if h.ShadowsocksFallback == nil {
		return protocol.SetupResult{}, fmt.Errorf("trojan: auth failed: %w", apperr.ErrAuthFailed)
	}
	return h.ShadowsocksFallback.SetupServerStream(streams.NewReaderStream(stream, r))
}

func readAddress(r io.Reader) (address.NetLocation, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return address.NetLocation{}, fmt.Errorf("trojan: read address type: %w", err)
	}

	var host string
	switch atyp[0] {
	case atypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("trojan: read ipv4: %w", err)
		}
		host = net.IP(b[:]).String()
	case atypDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("trojan: read domain length: %w", err)
		}
		domain := make([]byte, lenByte[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return address.NetLocation{}, fmt.Errorf("trojan: read domain: %w", err)
		}
		host = string(domain)
	case atypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("trojan: read ipv6: %w", err)
		}
		host = net.IP(b[:]).String()
	default:
		return address.NetLocation{}, fmt.Errorf("trojan: unsupported address type 0x%02x: %w", atyp[0], apperr.ErrInvalidData)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return address.NetLocation{}, fmt.Errorf("trojan: read port: %w", err)
	}
	return address.NetLocation{Address: host, Port: binary.BigEndian.Uint16(portBuf[:])}, nil
}

func encodeAddress(loc address.NetLocation) []byte {
	var buf []byte
	ip := net.ParseIP(loc.Address)
	if ip4 := ip.To4(); ip != nil && ip4 != nil {
		buf = append(buf, atypIPv4)
		buf = append(buf, ip4...)
	} else if ip != nil {
		buf = append(buf, atypIPv6)
		buf = append(buf, ip.To16()...)
	} else {
		buf = append(buf, atypDomain, byte(len(loc.Address)))
		buf = append(buf, loc.Address...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], loc.Port)
	return append(buf, portBuf[:]...)
}

// ClientHandler dials outbound through a Trojan hop.
type ClientHandler struct {
	HexPassword string
}

var _ protocol.ClientHandler = (*ClientHandler)(nil)

func (c *ClientHandler) SetupClientStream(stream streams.ByteStream, dest address.NetLocation) (streams.ByteStream, error) {
	var buf []byte
	buf = append(buf, []byte(c.HexPassword)...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, cmdConnect)
	buf = append(buf, encodeAddress(dest)...)
	buf = append(buf, '\r', '\n')

	if _, err := stream.Write(buf); err != nil {
		return nil, fmt.Errorf("trojan: write request header: %w", err)
	}
	return stream, nil
}
