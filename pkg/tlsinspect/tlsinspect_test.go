package tlsinspect

import (
	"bytes"
	"encoding/binary"
	"testing"

	"nerveproxy/pkg/streams"
)

// buildClientHello assembles a minimal but structurally valid ClientHello
// record carrying the given SNI and session id, for testing the parser
// without a real TLS stack.
func buildClientHello(sni string, sessionID []byte) []byte {
	var body bytes.Buffer
	body.WriteByte(3) // version major
	body.WriteByte(3) // version minor
	body.Write(make([]byte, 32)) // client random

	body.WriteByte(byte(len(sessionID)))
	body.Write(sessionID)

	// cipher suites: one 2-byte suite
	body.WriteByte(0)
	body.WriteByte(2)
	body.Write([]byte{0x13, 0x01})

	// compression methods: one null method
	body.WriteByte(1)
	body.WriteByte(0)

	var ext bytes.Buffer
	if sni != "" {
		var sniBody bytes.Buffer
		sniBody.WriteByte(0) // hostname type
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sni)))
		sniBody.Write(lenBuf[:])
		sniBody.WriteString(sni)

		var listLenBuf [2]byte
		binary.BigEndian.PutUint16(listLenBuf[:], uint16(sniBody.Len()))

		var extBody bytes.Buffer
		extBody.Write(listLenBuf[:])
		extBody.Write(sniBody.Bytes())

		writeExt(&ext, ExtServerName, extBody.Bytes())
	}
	writeExt(&ext, ExtSupportedVersions, []byte{2, 3, 4})
	if len(sessionID) > 0 {
		var keyShareBody bytes.Buffer
		var entry bytes.Buffer
		var groupBuf, keyLenBuf [2]byte
		binary.BigEndian.PutUint16(groupBuf[:], 0x001d)
		binary.BigEndian.PutUint16(keyLenBuf[:], 32)
		entry.Write(groupBuf[:])
		entry.Write(keyLenBuf[:])
		entry.Write(bytes.Repeat([]byte{0xCD}, 32))

		var listLenBuf [2]byte
		binary.BigEndian.PutUint16(listLenBuf[:], uint16(entry.Len()))
		keyShareBody.Write(listLenBuf[:])
		keyShareBody.Write(entry.Bytes())

		writeExt(&ext, ExtKeyShare, keyShareBody.Bytes())
	}

	var extLenBuf [2]byte
	binary.BigEndian.PutUint16(extLenBuf[:], uint16(ext.Len()))
	body.Write(extLenBuf[:])
	body.Write(ext.Bytes())

	var handshake bytes.Buffer
	handshake.WriteByte(HandshakeTypeClientHello)
	handshake.Write(u24(body.Len()))
	handshake.Write(body.Bytes())

	var record bytes.Buffer
	record.WriteByte(ContentTypeHandshake)
	record.WriteByte(3)
	record.WriteByte(1)
	var payloadLenBuf [2]byte
	binary.BigEndian.PutUint16(payloadLenBuf[:], uint16(handshake.Len()))
	record.Write(payloadLenBuf[:])
	record.Write(handshake.Bytes())

	return record.Bytes()
}

func writeExt(buf *bytes.Buffer, extType uint16, body []byte) {
	var typeBuf, lenBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], extType)
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(body)))
	buf.Write(typeBuf[:])
	buf.Write(lenBuf[:])
	buf.Write(body)
}

func u24(n int) []byte {
	return []byte{byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestReadClientHelloExtractsSNI(t *testing.T) {
	frame := buildClientHello("example.com", bytes.Repeat([]byte{0xAB}, 32))
	r := streams.NewReader(bytes.NewReader(frame))

	ch, err := ReadClientHello(r)
	if err != nil {
		t.Fatalf("ReadClientHello: %v", err)
	}
	if ch.ServerName != "example.com" {
		t.Errorf("ServerName = %q, want example.com", ch.ServerName)
	}
	if !ch.SupportsTLS13 {
		t.Error("expected SupportsTLS13 to be true")
	}
	if ch.Digest == nil {
		t.Fatal("expected a digest since session id len is 32")
	}
	if len(ch.Digest.Digest) != 4 {
		t.Errorf("digest length = %d, want 4", len(ch.Digest.Digest))
	}
	if len(ch.KeyShareX25519) != 32 {
		t.Fatalf("KeyShareX25519 length = %d, want 32", len(ch.KeyShareX25519))
	}
	if ch.KeyShareX25519[0] != 0xCD {
		t.Errorf("KeyShareX25519[0] = 0x%02x, want 0xCD", ch.KeyShareX25519[0])
	}
	if len(ch.ClientRandom) != 32 {
		t.Errorf("ClientRandom length = %d, want 32", len(ch.ClientRandom))
	}
}

func TestReadClientHelloNoSessionIDNoDigest(t *testing.T) {
	frame := buildClientHello("example.com", nil)
	r := streams.NewReader(bytes.NewReader(frame))

	ch, err := ReadClientHello(r)
	if err != nil {
		t.Fatalf("ReadClientHello: %v", err)
	}
	if ch.Digest != nil {
		t.Error("expected no digest when session id is empty")
	}
}

func TestReadClientHelloRejectsWrongContentType(t *testing.T) {
	frame := buildClientHello("example.com", nil)
	frame[0] = ContentTypeApplicationData
	r := streams.NewReader(bytes.NewReader(frame))
	if _, err := ReadClientHello(r); err == nil {
		t.Fatal("expected error for wrong content type")
	}
}

func buildServerHello(sessionIDLen int, withTLS13Ext bool) []byte {
	var body bytes.Buffer
	body.WriteByte(3)
	body.WriteByte(3)
	body.Write(bytes.Repeat([]byte{0x11}, 32))
	body.WriteByte(byte(sessionIDLen))
	body.Write(make([]byte, sessionIDLen))
	body.Write([]byte{0x13, 0x01}) // cipher suite
	body.WriteByte(0)              // compression method

	var ext bytes.Buffer
	if withTLS13Ext {
		writeExt(&ext, ExtSupportedVersions, []byte{3, 4})
	}
	if ext.Len() > 0 {
		var extLenBuf [2]byte
		binary.BigEndian.PutUint16(extLenBuf[:], uint16(ext.Len()))
		body.Write(extLenBuf[:])
		body.Write(ext.Bytes())
	}

	var handshake bytes.Buffer
	handshake.WriteByte(HandshakeTypeServerHello)
	handshake.Write(u24(body.Len()))
	handshake.Write(body.Bytes())

	var record bytes.Buffer
	record.WriteByte(ContentTypeHandshake)
	record.WriteByte(3)
	record.WriteByte(3)
	var payloadLenBuf [2]byte
	binary.BigEndian.PutUint16(payloadLenBuf[:], uint16(handshake.Len()))
	record.Write(payloadLenBuf[:])
	record.Write(handshake.Bytes())

	return record.Bytes()
}

func TestParseServerHelloTLS13(t *testing.T) {
	frame := buildServerHello(0, true)
	sh, err := ParseServerHello(frame)
	if err != nil {
		t.Fatalf("ParseServerHello: %v", err)
	}
	if !sh.IsTLS13 {
		t.Error("expected IsTLS13 to be true")
	}
	if sh.CipherSuite != 0x1301 {
		t.Errorf("CipherSuite = 0x%04x, want 0x1301", sh.CipherSuite)
	}
}

func TestParseServerHelloRejectsRetryRequestRandom(t *testing.T) {
	frame := buildServerHello(0, false)
	// server_random starts right after the 5-byte record header, 4-byte
	// handshake header, and 2-byte legacy version.
	copy(frame[5+4+2:5+4+2+32], RetryRequestRandom[:])
	if _, err := ParseServerHello(frame); err == nil {
		t.Fatal("expected error for HelloRetryRequest random")
	}
}

func TestParseServerHelloTooShort(t *testing.T) {
	if _, err := ParseServerHello(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short frame")
	}
}
