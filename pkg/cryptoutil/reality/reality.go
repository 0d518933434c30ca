// Package reality implements the REALITY session-id authentication scheme:
// an X25519 ECDH shared secret between the server's long-term key and the
// client's ephemeral key, HKDF-SHA256-expanded into an AES-256-GCM key that
// seals a 16-byte plaintext session id (protocol version + timestamp +
// short id) into the 32-byte session-id field a normal TLS ClientHello
// already carries. Grounded line-for-line on
// original_source/shoes/src/protocols/reality/reality_auth.rs.
package reality

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// PlaintextLen is the length of the plaintext session id; CiphertextLen is
// the length of the TLS ClientHello session-id field that carries its
// sealed form.
const (
	PlaintextLen  = 16
	CiphertextLen = 32 // plaintext + 16-byte GCM tag
)

// PerformECDH computes the X25519 shared secret between a local private
// key and a peer's public key, grounded on perform_ecdh.
func PerformECDH(privateKey, peerPublicKey []byte) ([]byte, error) {
	curve := ecdh.X25519()
	priv, err := curve.NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("reality: load private key: %w", err)
	}
	pub, err := curve.NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("reality: load peer public key: %w", err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("reality: ecdh: %w", err)
	}
	return secret, nil
}

// DeriveAuthKey expands the ECDH shared secret into a 32-byte AES-256-GCM
// key via HKDF-SHA256, grounded on derive_auth_key. salt must be exactly 20
// bytes (the Rust side asserts this with debug_assert_eq!).
func DeriveAuthKey(sharedSecret, salt, info []byte) ([32]byte, error) {
	var authKey [32]byte
	if len(salt) != 20 {
		return authKey, fmt.Errorf("reality: salt must be 20 bytes, got %d", len(salt))
	}
	r := hkdf.New(newSHA256, sharedSecret, salt, info)
	if _, err := io.ReadFull(r, authKey[:]); err != nil {
		return authKey, fmt.Errorf("reality: hkdf expand: %w", err)
	}
	return authKey, nil
}

// EncryptSessionID seals a 16-byte plaintext session id under authKey,
// grounded on encrypt_session_id. nonce must be exactly 12 bytes.
func EncryptSessionID(plaintext [PlaintextLen]byte, authKey [32]byte, nonce, aad []byte) ([CiphertextLen]byte, error) {
	var out [CiphertextLen]byte
	if len(nonce) != 12 {
		return out, fmt.Errorf("reality: nonce must be 12 bytes, got %d", len(nonce))
	}
	block, err := aes.NewCipher(authKey[:])
	if err != nil {
		return out, fmt.Errorf("reality: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return out, fmt.Errorf("reality: new gcm: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext[:], aad)
	if len(sealed) != CiphertextLen {
		return out, fmt.Errorf("reality: unexpected sealed length %d", len(sealed))
	}
	copy(out[:], sealed)
	return out, nil
}

// DecryptSessionID opens a 32-byte sealed session id, grounded on
// decrypt_session_id.
func DecryptSessionID(ciphertext [CiphertextLen]byte, authKey [32]byte, nonce, aad []byte) ([PlaintextLen]byte, error) {
	var out [PlaintextLen]byte
	if len(nonce) != 12 {
		return out, fmt.Errorf("reality: nonce must be 12 bytes, got %d", len(nonce))
	}
	block, err := aes.NewCipher(authKey[:])
	if err != nil {
		return out, fmt.Errorf("reality: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return out, fmt.Errorf("reality: new gcm: %w", err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext[:], aad)
	if err != nil {
		return out, fmt.Errorf("reality: gcm open: %w", err)
	}
	if len(plain) != PlaintextLen {
		return out, fmt.Errorf("reality: unexpected plaintext length %d", len(plain))
	}
	copy(out[:], plain)
	return out, nil
}

// SessionID is the decoded plaintext payload REALITY hides inside the TLS
// session-id field: a 3-byte version tag, a 4-byte big-endian unix
// timestamp (with a 1-byte gap at index 3 left as reserved, matching the
// Rust test helper's byte layout: version at [0:3], timestamp at [4:8],
// short id at [8:16]), and an 8-byte short id used to select which client
// key this connection is authenticating against.
type SessionID struct {
	Version   [3]byte
	Timestamp time.Time
	ShortID   [8]byte
}

// Encode packs the SessionID into its 16-byte plaintext wire form.
func (s SessionID) Encode() [PlaintextLen]byte {
	var buf [PlaintextLen]byte
	copy(buf[0:3], s.Version[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.Timestamp.Unix()))
	copy(buf[8:16], s.ShortID[:])
	return buf
}

// DecodeSessionID unpacks a 16-byte plaintext session id.
func DecodeSessionID(buf [PlaintextLen]byte) SessionID {
	var s SessionID
	copy(s.Version[:], buf[0:3])
	s.Timestamp = time.Unix(int64(binary.BigEndian.Uint32(buf[4:8])), 0)
	copy(s.ShortID[:], buf[8:16])
	return s
}

// MaxTimestampSkew bounds how far a session id's embedded timestamp may
// drift from wall-clock time before it is rejected as stale or forged,
// matching the 60s window exercised in reality_auth.rs's own
// test_timestamp_validation_logic.
const MaxTimestampSkew = 60 * time.Second

// ValidTimestamp reports whether ts falls within MaxTimestampSkew of now.
func ValidTimestamp(ts, now time.Time) bool {
	return ValidTimestampWithin(ts, now, MaxTimestampSkew)
}

// ValidTimestampWithin is ValidTimestamp with a caller-chosen skew window,
// for servers configured with their own max_time_diff.
func ValidTimestampWithin(ts, now time.Time, skew time.Duration) bool {
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= skew
}

// GenerateKeyPair produces a fresh X25519 key pair for either endpoint.
func GenerateKeyPair() (priv, pub []byte, err error) {
	curve := ecdh.X25519()
	key, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reality: generate key: %w", err)
	}
	return key.Bytes(), key.PublicKey().Bytes(), nil
}
