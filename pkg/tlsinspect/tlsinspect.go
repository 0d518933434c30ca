// Package tlsinspect reads and parses raw TLS ClientHello/ServerHello
// records without terminating the handshake, the zero-copy inspection step
// REALITY and SNI-based routing both need before deciding how (or whether)
// to proxy a TLS connection. Grounded byte-for-byte on
// original_source/shoes/src/utils/tls.rs.
package tlsinspect

import (
	"encoding/binary"
	"fmt"
	"io"

	"nerveproxy/pkg/streams"
)

const (
	HeaderLen   = 5
	FrameMaxLen = HeaderLen + 65535

	ContentTypeHandshake       = 0x16
	ContentTypeApplicationData = 0x17

	HandshakeTypeClientHello = 0x01
	HandshakeTypeServerHello = 0x02

	ExtSupportedVersions = 0x002b
	ExtServerName        = 0x0000
	ExtKeyShare          = 0x0033

	keyShareGroupX25519 = 0x001d
)

// RetryRequestRandom is the fixed ServerHello.random value a server sends
// when issuing a HelloRetryRequest (RFC 8446 §4.1.3); seeing it marks a
// ServerHello as not a real session continuation.
var RetryRequestRandom = [32]byte{
	0xCF, 0x21, 0xAD, 0x74, 0xE5, 0x9A, 0x61, 0x11, 0xBE, 0x1D, 0x8C, 0x02, 0x1E, 0x65, 0xB8, 0x91,
	0xC2, 0xA2, 0x11, 0x16, 0x7A, 0xBB, 0x8C, 0x5E, 0x07, 0x9E, 0x09, 0xE2, 0xC8, 0xA8, 0x33, 0x9C,
}

// ClientHelloDigest locates the 4-byte REALITY-carried HMAC digest tail
// inside a captured 32-byte session id field, and the offsets of that
// digest within the full ClientHello frame so a caller can zero it out
// before recomputing an HMAC over the rest of the frame.
type ClientHelloDigest struct {
	Digest     []byte // the last 4 bytes of the session id field
	StartIndex int    // offset of Digest's first byte within the frame
	EndIndex   int    // offset one past Digest's last byte
}

// ClientHello is everything extracted from a raw ClientHello record.
type ClientHello struct {
	Frame               []byte // the full raw record, header included
	RecordVersionMajor  byte
	RecordVersionMinor  byte
	ContentVersionMajor byte
	ContentVersionMinor byte
	ClientRandom        []byte // the 32-byte client random, REALITY's HKDF salt source
	SessionID           []byte // raw session id field, 32 bytes when REALITY-carrying
	Digest              *ClientHelloDigest
	ServerName          string
	SupportsTLS13       bool
	// KeyShareX25519 is the client's ephemeral X25519 public key from the
	// key_share extension (RFC 8446 §4.2.8), when present — REALITY's other
	// ECDH input alongside the server's long-term private key.
	KeyShareX25519 []byte
}

// ReadClientHello reads exactly one TLS record from r, validates it is a
// ClientHello handshake message, and extracts the SNI, supported_versions,
// and (when the session id is exactly 32 bytes, REALITY's carrier length)
// its trailing 4-byte digest.
func ReadClientHello(r *streams.Reader) (*ClientHello, error) {
	header, err := r.Peek(HeaderLen)
	if err != nil {
		return nil, fmt.Errorf("tlsinspect: read record header: %w", err)
	}
	header = append([]byte{}, header...)
	r.Consume(HeaderLen)

	if header[0] != ContentTypeHandshake {
		return nil, fmt.Errorf("tlsinspect: expected handshake content type, got 0x%02x", header[0])
	}
	recordMajor, recordMinor := header[1], header[2]
	payloadLen := int(binary.BigEndian.Uint16(header[3:5]))

	payload, err := r.Peek(payloadLen)
	if err != nil {
		return nil, fmt.Errorf("tlsinspect: read record payload: %w", err)
	}
	payload = append([]byte{}, payload...)
	r.Consume(payloadLen)

	br := newByteReader(payload)

	handshakeType, err := br.u8()
	if err != nil {
		return nil, err
	}
	if handshakeType != HandshakeTypeClientHello {
		return nil, fmt.Errorf("tlsinspect: expected ClientHello, got handshake type 0x%02x", handshakeType)
	}

	msgLen, err := br.u24()
	if err != nil {
		return nil, err
	}
	if msgLen+4 != payloadLen {
		return nil, fmt.Errorf("tlsinspect: ClientHello message length mismatch: %d+4 != %d", msgLen, payloadLen)
	}

	contentMajor, err := br.u8()
	if err != nil {
		return nil, err
	}
	contentMinor, err := br.u8()
	if err != nil {
		return nil, err
	}
	if !(contentMajor == 0x03 && (contentMinor == 0x01 || contentMinor == 0x03)) {
		return nil, fmt.Errorf("tlsinspect: unexpected ClientHello version %d.%d", contentMajor, contentMinor)
	}

	clientRandom, err := br.slice(32)
	if err != nil {
		return nil, err
	}
	clientRandom = append([]byte{}, clientRandom...)

	sessionIDLen, err := br.u8()
	if err != nil {
		return nil, err
	}

	var digest *ClientHelloDigest
	var sessionID []byte
	if sessionIDLen == 32 {
		raw, err := br.slice(32)
		if err != nil {
			return nil, err
		}
		sessionID = append([]byte{}, raw...)
		digestBytes := append([]byte{}, sessionID[28:]...)
		postSessionIDIndex := br.pos
		digest = &ClientHelloDigest{
			Digest:     digestBytes,
			StartIndex: HeaderLen + postSessionIDIndex - 4,
			EndIndex:   HeaderLen + postSessionIDIndex,
		}
	} else if sessionIDLen > 0 {
		if err := br.skip(int(sessionIDLen)); err != nil {
			return nil, err
		}
	}

	cipherSuiteLen, err := br.u16()
	if err != nil {
		return nil, err
	}
	if err := br.skip(int(cipherSuiteLen)); err != nil {
		return nil, err
	}

	compressionLen, err := br.u8()
	if err != nil {
		return nil, err
	}
	if err := br.skip(int(compressionLen)); err != nil {
		return nil, err
	}

	extensionsLen, err := br.u16()
	if err != nil {
		return nil, err
	}
	extensionBytes, err := br.slice(int(extensionsLen))
	if err != nil {
		return nil, err
	}

	serverName, supportsTLS13, keyShareX25519, err := parseClientExtensions(extensionBytes)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	return &ClientHello{
		Frame:               frame,
		RecordVersionMajor:  recordMajor,
		RecordVersionMinor:  recordMinor,
		ContentVersionMajor: contentMajor,
		ContentVersionMinor: contentMinor,
		ClientRandom:        clientRandom,
		SessionID:           sessionID,
		Digest:              digest,
		ServerName:          serverName,
		SupportsTLS13:       supportsTLS13,
		KeyShareX25519:      keyShareX25519,
	}, nil
}

func parseClientExtensions(buf []byte) (serverName string, supportsTLS13 bool, keyShareX25519 []byte, err error) {
	br := newByteReader(buf)
	haveServerName := false

	for !br.consumed() {
		extType, err := br.u16()
		if err != nil {
			return "", false, nil, err
		}
		extLen, err := br.u16()
		if err != nil {
			return "", false, nil, err
		}

		switch extType {
		case ExtServerName:
			if haveServerName {
				return "", false, nil, fmt.Errorf("tlsinspect: multiple server_name extensions")
			}
			if _, err := br.u16(); err != nil { // server_name_list_len
				return "", false, nil, err
			}
			nameType, err := br.u8()
			if err != nil {
				return "", false, nil, err
			}
			if nameType != 0 {
				return "", false, nil, fmt.Errorf("tlsinspect: expected server name type 0 (hostname), got %d", nameType)
			}
			nameLen, err := br.u16()
			if err != nil {
				return "", false, nil, err
			}
			nameBytes, err := br.slice(int(nameLen))
			if err != nil {
				return "", false, nil, err
			}
			serverName = string(nameBytes)
			haveServerName = true
		case ExtSupportedVersions:
			listLen, err := br.u8()
			if err != nil {
				return "", false, nil, err
			}
			if listLen%2 != 0 {
				return "", false, nil, fmt.Errorf("tlsinspect: odd supported_versions list length 0x%02x", listLen)
			}
			versions, err := br.slice(int(listLen))
			if err != nil {
				return "", false, nil, err
			}
			for i := 0; i < len(versions); i += 2 {
				if versions[i] == 3 && versions[i+1] == 4 {
					supportsTLS13 = true
					break
				}
			}
		case ExtKeyShare:
			shares, err := br.slice(int(extLen))
			if err != nil {
				return "", false, nil, err
			}
			keyShareX25519 = findX25519KeyShare(shares)
		default:
			if err := br.skip(int(extLen)); err != nil {
				return "", false, nil, err
			}
		}
	}
	return serverName, supportsTLS13, keyShareX25519, nil
}

// findX25519KeyShare scans a key_share extension's client_shares list (RFC
// 8446 §4.2.8) for the X25519 entry and returns its 32-byte public key, or
// nil if none is present.
func findX25519KeyShare(buf []byte) []byte {
	sbr := newByteReader(buf)
	listLen, err := sbr.u16()
	if err != nil {
		return nil
	}
	list, err := sbr.slice(int(listLen))
	if err != nil {
		return nil
	}

	lr := newByteReader(list)
	for !lr.consumed() {
		group, err := lr.u16()
		if err != nil {
			return nil
		}
		keyLen, err := lr.u16()
		if err != nil {
			return nil
		}
		key, err := lr.slice(int(keyLen))
		if err != nil {
			return nil
		}
		if group == keyShareGroupX25519 && keyLen == 32 {
			return append([]byte{}, key...)
		}
	}
	return nil
}

// ServerHello is everything extracted from a raw ServerHello record.
type ServerHello struct {
	Random       []byte
	CipherSuite  uint16
	SessionIDLen byte
	IsTLS13      bool
}

// ParseServerHello parses a complete ServerHello record (header included)
// already buffered in memory, performing the same structural validation as
// the Rust original: rejecting short frames, wrong record/handshake
// versions, a HelloRetryRequest random value, and malformed
// supported_versions extensions.
func ParseServerHello(frame []byte) (*ServerHello, error) {
	// 5 (record header) + 4 (handshake header) + 2 (version) + 32 (random)
	// + 1 (session_id_len) + 2 (cipher) + 1 (compression) = 47
	if len(frame) < 47 {
		return nil, fmt.Errorf("tlsinspect: ServerHello frame too short (%d bytes)", len(frame))
	}
	if frame[0] != ContentTypeHandshake {
		return nil, fmt.Errorf("tlsinspect: expected handshake content type, got 0x%02x", frame[0])
	}
	if frame[1] != 3 || frame[2] != 3 {
		return nil, fmt.Errorf("tlsinspect: unexpected record TLS version %d.%d", frame[1], frame[2])
	}

	br := newByteReader(frame[HeaderLen:])

	handshakeType, err := br.u8()
	if err != nil {
		return nil, err
	}
	if handshakeType != HandshakeTypeServerHello {
		return nil, fmt.Errorf("tlsinspect: expected ServerHello handshake type, got 0x%02x", handshakeType)
	}

	msgLen, err := br.u24()
	if err != nil {
		return nil, err
	}
	if br.remaining() < msgLen {
		return nil, fmt.Errorf("tlsinspect: ServerHello message length exceeds frame")
	}

	versionMajor, err := br.u8()
	if err != nil {
		return nil, err
	}
	versionMinor, err := br.u8()
	if err != nil {
		return nil, err
	}
	if versionMajor != 3 || versionMinor != 3 {
		return nil, fmt.Errorf("tlsinspect: expected TLS version 3.3, got %d.%d", versionMajor, versionMinor)
	}

	random, err := br.slice(32)
	if err != nil {
		return nil, err
	}
	random = append([]byte{}, random...)
	if isRetryRequestRandom(random) {
		return nil, fmt.Errorf("tlsinspect: server sent a HelloRetryRequest")
	}

	sessionIDLen, err := br.u8()
	if err != nil {
		return nil, err
	}
	if sessionIDLen > 32 {
		return nil, fmt.Errorf("tlsinspect: invalid session_id_len %d, max is 32", sessionIDLen)
	}
	if err := br.skip(int(sessionIDLen)); err != nil {
		return nil, err
	}

	cipherSuite, err := br.u16()
	if err != nil {
		return nil, err
	}
	if err := br.skip(1); err != nil { // compression method
		return nil, err
	}

	isTLS13 := false
	if !br.consumed() {
		extLen, err := br.u16()
		if err != nil {
			return nil, err
		}
		if br.remaining() < int(extLen) {
			return nil, fmt.Errorf("tlsinspect: extensions length exceeds remaining data")
		}
		extData, err := br.slice(int(extLen))
		if err != nil {
			return nil, err
		}
		extReader := newByteReader(extData)
		for !extReader.consumed() {
			extType, err := extReader.u16()
			if err != nil {
				return nil, err
			}
			thisExtLen, err := extReader.u16()
			if err != nil {
				return nil, err
			}
			if extType == ExtSupportedVersions {
				if thisExtLen != 2 {
					return nil, fmt.Errorf("tlsinspect: supported_versions extension should be 2 bytes, got %d", thisExtLen)
				}
				versionBytes, err := extReader.slice(2)
				if err != nil {
					return nil, err
				}
				isTLS13 = versionBytes[0] == 0x03 && versionBytes[1] == 0x04
			} else {
				if err := extReader.skip(int(thisExtLen)); err != nil {
					return nil, err
				}
			}
		}
	}

	return &ServerHello{
		Random:       random,
		CipherSuite:  cipherSuite,
		SessionIDLen: sessionIDLen,
		IsTLS13:      isTLS13,
	}, nil
}

func isRetryRequestRandom(random []byte) bool {
	if len(random) != 32 {
		return false
	}
	for i := range random {
		if random[i] != RetryRequestRandom[i] {
			return false
		}
	}
	return true
}

// byteReader is a minimal big-endian cursor over an in-memory buffer,
// grounded on the Rust original's BufReader helper.
type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(buf []byte) *byteReader {
	return &byteReader{buf: buf}
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }
func (r *byteReader) consumed() bool { return r.pos >= len(r.buf) }

func (r *byteReader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u24() (int, error) {
	if r.remaining() < 3 {
		return 0, io.ErrUnexpectedEOF
	}
	v := int(r.buf[r.pos])<<16 | int(r.buf[r.pos+1])<<8 | int(r.buf[r.pos+2])
	r.pos += 3
	return v, nil
}

func (r *byteReader) slice(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	s := r.buf[r.pos : r.pos+n]
	r.pos += n
	return s, nil
}

func (r *byteReader) skip(n int) error {
	if r.remaining() < n {
		return io.ErrUnexpectedEOF
	}
	r.pos += n
	return nil
}
