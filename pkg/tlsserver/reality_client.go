package tlsserver

import (
	"fmt"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"

	"nerveproxy/pkg/cryptoutil/reality"
)

// RealityClient performs the outbound half of a REALITY handshake. It
// smuggles an encrypted session id into the ClientHello's session id field
// using the same X25519 ECDH + HKDF-SHA256 + AES-256-GCM construction
// Reality.authenticate verifies server-side, then lets uTLS carry out the
// rest of a camouflage TLS 1.3 handshake under a spoofed browser
// fingerprint.
//
// No REALITY client source made it into original_source/ (only the server
// side, reality_auth.rs, was retrieved), so the uTLS wiring below follows
// the field every REALITY client in the Go ecosystem uses for this
// (UConn.HandshakeState.Hello.SessionId) rather than a corpus file; see
// DESIGN.md.
type RealityClient struct {
	ServerPublicKey []byte
	ShortID         [8]byte
	ServerName      string
	Fingerprint     utls.ClientHelloID
}

func (rc *RealityClient) Handshake(raw net.Conn) (*utls.UConn, error) {
	ephemeralPriv, ephemeralPub, err := reality.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("tlsserver: generate reality client key pair: %w", err)
	}
	shared, err := reality.PerformECDH(ephemeralPriv, rc.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("tlsserver: reality client ecdh: %w", err)
	}

	cfg := &utls.Config{ServerName: rc.ServerName}
	uConn := utls.UClient(raw, cfg, rc.Fingerprint)
	if err := uConn.BuildHandshakeState(); err != nil {
		return nil, fmt.Errorf("tlsserver: build reality client hello: %w", err)
	}

	hello := uConn.HandshakeState.Hello
	if len(hello.Random) < 20 {
		return nil, fmt.Errorf("tlsserver: client random too short for reality salt")
	}
	salt := hello.Random[:20]

	authKey, err := reality.DeriveAuthKey(shared, salt, []byte(realityHKDFInfo))
	if err != nil {
		return nil, fmt.Errorf("tlsserver: derive reality client auth key: %w", err)
	}
	nonce, err := deriveNonce(shared, salt)
	if err != nil {
		return nil, fmt.Errorf("tlsserver: derive reality client nonce: %w", err)
	}

	sid := reality.SessionID{Timestamp: time.Now(), ShortID: rc.ShortID}
	plaintext := sid.Encode()

	hello.SessionId = make([]byte, reality.CiphertextLen)
	hello.KeyShares = []utls.KeyShare{{Group: utls.X25519, Data: ephemeralPub}}

	aad, err := helloBytesWithZeroedSessionID(hello)
	if err != nil {
		return nil, fmt.Errorf("tlsserver: marshal reality client hello for aad: %w", err)
	}
	ciphertext, err := reality.EncryptSessionID(plaintext, authKey, nonce, aad)
	if err != nil {
		return nil, fmt.Errorf("tlsserver: encrypt reality session id: %w", err)
	}
	copy(hello.SessionId, ciphertext[:])

	if err := uConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsserver: reality client handshake: %w", err)
	}
	return uConn, nil
}

// helloBytesWithZeroedSessionID renders the hello with its session id
// zeroed, mirroring aadFromFrame's server-side zero-out so both ends
// authenticate the same bytes.
func helloBytesWithZeroedSessionID(hello *utls.PubClientHelloMsg) ([]byte, error) {
	saved := hello.SessionId
	hello.Raw = nil
	hello.SessionId = make([]byte, len(saved))
	raw, err := hello.Marshal()
	hello.SessionId = saved
	hello.Raw = nil
	if err != nil {
		return nil, err
	}
	return append([]byte{}, raw...), nil
}
