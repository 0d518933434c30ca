// Package shadowsocks implements the Shadowsocks TCP handler: an AEAD
// (legacy or 2022) encrypted tunnel whose first decrypted bytes carry the
// requested remote location, using the standard Shadowsocks SOCKS5-style
// address encoding (ATYP 1/3/4).
//
// Grounded on original_source/shoes/src/shadowsocks/shadowsocks_tcp_handler.rs:
// four constructors (plain server/client, AEAD-2022 server/client), a
// server setup that reads the location then (for AEAD-2022) a random
// padding length, and a client setup that writes the location followed by
// padding for AEAD-2022.
package shadowsocks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/apperr"
	"nerveproxy/pkg/cryptoutil/aead"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// tunnel is implemented by both aead.Tunnel and aead.Tunnel2022.
type tunnel interface {
	io.Reader
	io.Writer
}

// tunnelStream adapts an AEAD tunnel (plain io.ReadWriter) to
// streams.ByteStream by delegating Close/deadlines to the underlying raw
// connection, which the tunnel itself has no notion of.
type tunnelStream struct {
	tunnel
	raw streams.ByteStream
}

func (s *tunnelStream) Close() error                     { return s.raw.Close() }
func (s *tunnelStream) SetDeadline(t time.Time) error     { return s.raw.SetDeadline(t) }
func (s *tunnelStream) SetReadDeadline(t time.Time) error { return s.raw.SetReadDeadline(t) }
func (s *tunnelStream) SetWriteDeadline(t time.Time) error { return s.raw.SetWriteDeadline(t) }

// ServerHandler terminates inbound Shadowsocks connections.
type ServerHandler struct {
	Key        *aead.LegacyKey        // set for the legacy AEAD scheme
	Key2022    *aead.Session2022Key   // set for AEAD-2022
	Replay     *aead.ReplayFilter     // required when Key2022 is set
	UDPEnabled bool
}

var _ protocol.ServerHandler = (*ServerHandler)(nil)

func (h *ServerHandler) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	var t tunnel
	aead2022 := h.Key2022 != nil

	if aead2022 {
		tun, err := aead.NewServer2022Tunnel(stream, h.Key2022, h.Replay)
		if err != nil {
			return protocol.SetupResult{}, fmt.Errorf("shadowsocks: aead-2022 handshake: %w", err)
		}
		t = tun
	} else {
		tun, err := aead.NewServerTunnel(stream, h.Key)
		if err != nil {
			return protocol.SetupResult{}, fmt.Errorf("shadowsocks: aead handshake: %w", err)
		}
		t = tun
	}

	loc, err := readLocation(t)
	if err != nil {
		return protocol.SetupResult{}, err
	}

	if aead2022 {
		var lenBuf [2]byte
		if _, err := io.ReadFull(t, lenBuf[:]); err != nil {
			return protocol.SetupResult{}, fmt.Errorf("shadowsocks: read padding length: %w", err)
		}
		paddingLen := binary.BigEndian.Uint16(lenBuf[:])
		if paddingLen > aead.MaxPaddingLength {
			return protocol.SetupResult{}, fmt.Errorf("shadowsocks: padding length %d exceeds max: %w", paddingLen, apperr.ErrInvalidData)
		}
		if paddingLen > 0 {
			pad := make([]byte, paddingLen)
			if _, err := io.ReadFull(t, pad); err != nil {
				return protocol.SetupResult{}, fmt.Errorf("shadowsocks: read padding: %w", err)
			}
		}
	}

	return protocol.SetupResult{
		Kind:             protocol.KindTCPForward,
		RemoteLocation:   loc,
		Stream:           &tunnelStream{tunnel: t, raw: stream},
		NeedInitialFlush: false,
	}, nil
}

// ClientHandler dials outbound through a Shadowsocks hop.
type ClientHandler struct {
	Key     *aead.LegacyKey
	Key2022 *aead.Session2022Key
}

var _ protocol.ClientHandler = (*ClientHandler)(nil)

func (c *ClientHandler) SetupClientStream(stream streams.ByteStream, dest address.NetLocation) (streams.ByteStream, error) {
	var t tunnel
	aead2022 := c.Key2022 != nil

	if aead2022 {
		tun, err := aead.NewClient2022Tunnel(stream, c.Key2022)
		if err != nil {
			return nil, fmt.Errorf("shadowsocks: aead-2022 client handshake: %w", err)
		}
		t = tun
	} else {
		tun, err := aead.NewClientTunnel(stream, c.Key)
		if err != nil {
			return nil, fmt.Errorf("shadowsocks: aead client handshake: %w", err)
		}
		t = tun
	}

	buf := encodeLocation(dest)
	if aead2022 {
		padding, err := aead.RandomPadding()
		if err != nil {
			return nil, fmt.Errorf("shadowsocks: generate padding: %w", err)
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(padding)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, padding...)
	}

	if _, err := t.Write(buf); err != nil {
		return nil, fmt.Errorf("shadowsocks: write location: %w", err)
	}
	return &tunnelStream{tunnel: t, raw: stream}, nil
}

func readLocation(r io.Reader) (address.NetLocation, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return address.NetLocation{}, fmt.Errorf("shadowsocks: read address type: %w", err)
	}

	var host string
	switch atyp[0] {
	case atypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("shadowsocks: read ipv4: %w", err)
		}
		host = net.IP(b[:]).String()
	case atypDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("shadowsocks: read domain length: %w", err)
		}
		domain := make([]byte, lenByte[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return address.NetLocation{}, fmt.Errorf("shadowsocks: read domain: %w", err)
		}
		host = string(domain)
	case atypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("shadowsocks: read ipv6: %w", err)
		}
		host = net.IP(b[:]).String()
	default:
		return address.NetLocation{}, fmt.Errorf("shadowsocks: unsupported address type 0x%02x: %w", atyp[0], apperr.ErrInvalidData)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return address.NetLocation{}, fmt.Errorf("shadowsocks: read port: %w", err)
	}
	return address.NetLocation{Address: host, Port: binary.BigEndian.Uint16(portBuf[:])}, nil
}

func encodeLocation(loc address.NetLocation) []byte {
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
