// Package socks5 implements the SOCKS5 server and client handshakes (RFC
// 1928, username/password auth RFC 1929), including UDP ASSOCIATE.
// Grounded on the teacher's cmd/integration_test/main.go SOCKS5 wire-format
// exercise (ATYP/BND.ADDR/BND.PORT layout, the [00 00 00 01 DST DATA]
// UDP relay header) and the teacher's own DefaultClientConfig SOCKS5
// inbound default.
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/apperr"
	"nerveproxy/pkg/protocol"
	"nerveproxy/pkg/streams"
)

const (
	version5 = 0x05

	authNone         = 0x00
	authUsernamePass = 0x02
	authNoAcceptable = 0xFF

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess        = 0x00
	repGeneralFailure = 0x01
	repCommandNotSup  = 0x07
	repAddrNotSup     = 0x08
)

// ServerHandler implements the server side of SOCKS5, optionally requiring
// username/password authentication and optionally allowing UDP ASSOCIATE.
type ServerHandler struct {
	Username, Password string // both empty means no-auth
	UDPEnabled          bool
	// UDPBindAddr is the local address the UDP relay socket should be
	// described as listening on in the ASSOCIATE reply (BND.ADDR/PORT).
	// Callers that actually open the UDP relay socket pass its address
	// here once bound.
	UDPBindAddr string
}

var _ protocol.ServerHandler = (*ServerHandler)(nil)

func (h *ServerHandler) requireAuth() bool {
	return h.Username != "" || h.Password != ""
}

// SetupServerStream performs the SOCKS5 greeting/auth exchange, parses the
// client's request, and returns a SetupResult naming the requested target.
func (h *ServerHandler) SetupServerStream(stream streams.ByteStream) (protocol.SetupResult, error) {
	if err := h.handshake(stream); err != nil {
		return protocol.SetupResult{}, err
	}

	var hdr [4]byte
	if _, err := io.ReadFull(stream, hdr[:]); err != nil {
		return protocol.SetupResult{}, fmt.Errorf("socks5: read request header: %w", err)
	}
	if hdr[0] != version5 {
		return protocol.SetupResult{}, fmt.Errorf("socks5: unexpected version 0x%02x: %w", hdr[0], apperr.ErrInvalidData)
	}
	cmd := hdr[1]

	loc, err := readAddrPort(stream, hdr[3])
	if err != nil {
		return protocol.SetupResult{}, err
	}

	switch cmd {
	case cmdConnect:
		resp := buildReply(repSuccess, "0.0.0.0:0")
		return protocol.SetupResult{
			Kind:                      protocol.KindTCPForward,
			RemoteLocation:            loc,
			Stream:                    stream,
			ConnectionSuccessResponse: resp,
		}, nil
	case cmdUDPAssociate:
		if !h.UDPEnabled {
			_, _ = stream.Write(buildReply(repCommandNotSup, "0.0.0.0:0"))
			return protocol.SetupResult{}, fmt.Errorf("socks5: udp associate disabled: %w", apperr.ErrUnsupported)
		}
		bindAddr := h.UDPBindAddr
		if bindAddr == "" {
			bindAddr = "0.0.0.0:0"
		}
		resp := buildReply(repSuccess, bindAddr)
		if _, err := stream.Write(resp); err != nil {
			return protocol.SetupResult{}, fmt.Errorf("socks5: write udp associate reply: %w", err)
		}
		// The TCP control connection must stay open for the duration of
		// the association; the caller is responsible for keeping it
		// alive and tearing down the UDP relay when it closes. The
		// actual datagram relay is modeled as a MultiDirectionalUDP
		// stream elsewhere (copier.PerDatagram), since each datagram on
		// a SOCKS5 UDP association carries its own destination.
		return protocol.SetupResult{
			Kind:           protocol.KindMultiDirectionalUDP,
			RemoteLocation: loc,
		}, nil
	default:
		_, _ = stream.Write(buildReply(repCommandNotSup, "0.0.0.0:0"))
		return protocol.SetupResult{}, fmt.Errorf("socks5: unsupported command 0x%02x: %w", cmd, apperr.ErrUnsupported)
	}
}

func (h *ServerHandler) handshake(stream streams.ByteStream) error {
	var greetingHdr [2]byte
	if _, err := io.ReadFull(stream, greetingHdr[:]); err != nil {
		return fmt.Errorf("socks5: read greeting: %w", err)
	}
	if greetingHdr[0] != version5 {
		return fmt.Errorf("socks5: unexpected version 0x%02x: %w", greetingHdr[0], apperr.ErrInvalidData)
	}
	methods := make([]byte, greetingHdr[1])
	if _, err := io.ReadFull(stream, methods); err != nil {
		return fmt.Errorf("socks5: read methods: %w", err)
	}

	wantAuth := h.requireAuth()
	chosen := byte(authNoAcceptable)
	for _, m := range methods {
		if wantAuth && m == authUsernamePass {
			chosen = authUsernamePass
			break
		}
		if !wantAuth && m == authNone {
			chosen = authNone
			break
		}
	}
	if _, err := stream.Write([]byte{version5, chosen}); err != nil {
		return fmt.Errorf("socks5: write method selection: %w", err)
	}
	if chosen == authNoAcceptable {
		return fmt.Errorf("socks5: no acceptable auth method: %w", apperr.ErrAuthFailed)
	}
	if chosen == authUsernamePass {
		return h.checkUsernamePassword(stream)
	}
	return nil
}

func (h *ServerHandler) checkUsernamePassword(stream streams.ByteStream) error {
	var hdr [2]byte
	if _, err := io.ReadFull(stream, hdr[:]); err != nil {
		return fmt.Errorf("socks5: read auth version: %w", err)
	}
	ulen := hdr[1]
	user := make([]byte, ulen)
	if _, err := io.ReadFull(stream, user); err != nil {
		return fmt.Errorf("socks5: read username: %w", err)
	}
	var plen [1]byte
	if _, err := io.ReadFull(stream, plen[:]); err != nil {
		return fmt.Errorf("socks5: read password length: %w", err)
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(stream, pass); err != nil {
		return fmt.Errorf("socks5: read password: %w", err)
	}

	ok := string(user) == h.Username && string(pass) == h.Password
	status := byte(0x00)
	if !ok {
		status = 0x01
	}
	if _, err := stream.Write([]byte{0x01, status}); err != nil {
		return fmt.Errorf("socks5: write auth status: %w", err)
	}
	if !ok {
		return fmt.Errorf("socks5: bad username/password: %w", apperr.ErrAuthFailed)
	}
	return nil
}

// readAddrPort reads the ATYP-tagged address and port that follows a
// SOCKS5 request header (or a UDP datagram header), matching the
// ATYP=1(IPv4)/3(domain)/4(IPv6) layout the integration test exercises.
func readAddrPort(r io.Reader, atyp byte) (address.NetLocation, error) {
	var host string
	switch atyp {
	case atypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("socks5: read ipv4: %w", err)
		}
		host = net.IP(b[:]).String()
	case atypDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("socks5: read domain length: %w", err)
		}
		buf := make([]byte, lenByte[0])
		if _, err := io.ReadFull(r, buf); err != nil {
			return address.NetLocation{}, fmt.Errorf("socks5: read domain: %w", err)
		}
		host = string(buf)
	case atypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return address.NetLocation{}, fmt.Errorf("socks5: read ipv6: %w", err)
		}
		host = net.IP(b[:]).String()
	default:
		return address.NetLocation{}, fmt.Errorf("socks5: unsupported address type 0x%02x: %w", atyp, apperr.ErrInvalidData)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return address.NetLocation{}, fmt.Errorf("socks5: read port: %w", err)
	}
	return address.NetLocation{Address: host, Port: binary.BigEndian.Uint16(portBuf[:])}, nil
}

func buildReply(rep byte, boundAddr string) []byte {
	host, portStr, err := net.SplitHostPort(boundAddr)
	if err != nil {
		host, portStr = "0.0.0.0", "0"
	}
	port, _ := strconv.Atoi(portStr)

	ip := net.ParseIP(host)
	buf := []byte{version5, rep, 0x00}
	if ip4 := ip.To4(); ip != nil && ip4 != nil {
		buf = append(buf, atypIPv4)
		buf = append(buf, ip4...)
	} else if ip != nil {
		buf = append(buf, atypIPv6)
		buf = append(buf, ip.To16()...)
	} else {
		buf = append(buf, atypIPv4, 0, 0, 0, 0)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(port))
	buf = append(buf, portBuf[:]...)
	return buf
}

// EncodeUDPHeader builds the [RSV(2) FRAG(1) ATYP DST_ADDR DST_PORT] prefix
// that precedes every UDP-ASSOCIATE datagram payload, matching the
// integration test's [0x00 0x00 0x00 0x01 DST_IP DST_PORT] construction.
func EncodeUDPHeader(dest address.NetLocation) []byte {
	buf := []byte{0x00, 0x00, 0x00}
	ip := net.ParseIP(dest.Address)
	if ip4 := ip.To4(); ip != nil && ip4 != nil {
		buf = append(buf, atypIPv4)
		buf = append(buf, ip4...)
	} else if ip != nil {
		buf = append(buf, atypIPv6)
		buf = append(buf, ip.To16()...)
	} else {
		buf = append(buf, atypDomain, byte(len(dest.Address)))
		buf = append(buf, dest.Address...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], dest.Port)
	return append(buf, portBuf[:]...)
}

// DecodeUDPHeader parses a UDP-ASSOCIATE datagram's leading header and
// returns the destination plus the index where payload begins.
func DecodeUDPHeader(packet []byte) (address.NetLocation, int, error) {
	if len(packet) < 4 {
		return address.NetLocation{}, 0, fmt.Errorf("socks5: udp packet too short: %w", apperr.ErrInvalidData)
	}
	atyp := packet[3]
	r := &sliceReader{buf: packet[4:]}
	loc, err := readAddrPort(r, atyp)
	if err != nil {
		return address.NetLocation{}, 0, err
	}
	return loc, 4 + r.pos, nil
}

type sliceReader struct {
	buf []byte
	pos int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	n := copy(p, s.buf[s.pos:])
	if n == 0 {
		return 0, io.EOF
	}
	s.pos += n
	return n, nil
}

// ClientHandler dials outbound through a SOCKS5 hop: greeting, optional
// RFC 1929 username/password auth, then a CONNECT request for dest.
type ClientHandler struct {
	Username, Password string
}

var _ protocol.ClientHandler = (*ClientHandler)(nil)

func (c *ClientHandler) SetupClientStream(stream streams.ByteStream, dest address.NetLocation) (streams.ByteStream, error) {
	method := byte(authNone)
	if c.Username != "" || c.Password != "" {
		method = authUsernamePass
	}
	if _, err := stream.Write([]byte{version5, 1, method}); err != nil {
		return nil, fmt.Errorf("socks5: write greeting: %w", err)
	}

	var greeting [2]byte
	if _, err := io.ReadFull(stream, greeting[:]); err != nil {
		return nil, fmt.Errorf("socks5: read greeting reply: %w", err)
	}
	if greeting[0] != version5 || greeting[1] != method {
		return nil, fmt.Errorf("socks5: server offered auth method 0x%02x, wanted 0x%02x: %w", greeting[1], method, apperr.ErrInvalidData)
	}

	if method == authUsernamePass {
		req := []byte{0x01, byte(len(c.Username))}
		req = append(req, c.Username...)
		req = append(req, byte(len(c.Password)))
		req = append(req, c.Password...)
		if _, err := stream.Write(req); err != nil {
			return nil, fmt.Errorf("socks5: write auth: %w", err)
		}
		var authReply [2]byte
		if _, err := io.ReadFull(stream, authReply[:]); err != nil {
			return nil, fmt.Errorf("socks5: read auth reply: %w", err)
		}
		if authReply[1] != 0x00 {
			return nil, fmt.Errorf("socks5: server rejected credentials: %w", apperr.ErrAuthFailed)
		}
	}

	req := []byte{version5, cmdConnect, 0x00}
	ip := net.ParseIP(dest.Address)
	if ip4 := ip.To4(); ip != nil && ip4 != nil {
		req = append(req, atypIPv4)
		req = append(req, ip4...)
	} else if ip != nil {
		req = append(req, atypIPv6)
		req = append(req, ip.To16()...)
	} else {
		req = append(req, atypDomain, byte(len(dest.Address)))
		req = append(req, dest.Address...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], dest.Port)
	req = append(req, portBuf[:]...)
	if _, err := stream.Write(req); err != nil {
		return nil, fmt.Errorf("socks5: write connect request: %w", err)
	}

	var head [4]byte
	if _, err := io.ReadFull(stream, head[:]); err != nil {
		return nil, fmt.Errorf("socks5: read connect reply: %w", err)
	}
	if head[0] != version5 {
		return nil, fmt.Errorf("socks5: bad reply version 0x%02x: %w", head[0], apperr.ErrInvalidData)
	}
	if head[1] != repSuccess {
		return nil, fmt.Errorf("socks5: connect refused with code 0x%02x: %w", head[1], apperr.ErrConnectFailed)
	}
	// BND.ADDR/BND.PORT carry the server's bound address, unused here but
	// still part of the frame.
	if _, err := readAddrPort(stream, head[3]); err != nil {
		return nil, fmt.Errorf("socks5: read bound address: %w", err)
	}
	return stream, nil
}
