// Package aead implements the Shadowsocks AEAD stream ciphers: the legacy
// per-direction-salt scheme (SIP004-ish, one fixed key, a subkey per salt)
// and the AEAD-2022 scheme (PSK-derived session keys, Blake3, a replay
// filter). Chunk framing for the legacy scheme is grounded on
// DGHeroin-shadowsocks-go-1's aead.go; the cipher construction itself goes
// through github.com/shadowsocks/go-shadowsocks2/core rather than
// hand-rolling the cipher-name table.
package aead

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	ss2core "github.com/shadowsocks/go-shadowsocks2/core"
	"golang.org/x/crypto/hkdf"
)

// MaxChunkPayload is the largest plaintext payload one AEAD chunk may
// carry; the 2-byte length prefix is masked to 14 bits.
const MaxChunkPayload = 0x3FFF

// Cipher names accepted by NewLegacyKey, matching go-shadowsocks2's own
// core.Ciphers table entries this repo actually exercises.
const (
	CipherAES128GCM            = "aes-128-gcm"
	CipherAES256GCM            = "aes-256-gcm"
	CipherChaCha20Poly1305IETF = "chacha20-ietf-poly1305"
)

// LegacyKey holds the fixed pre-shared key and the AEAD constructor for one
// legacy Shadowsocks method.
type LegacyKey struct {
	Method string
	PSK    []byte
	newAEAD func(subkey []byte) (cipher.AEAD, error)
}

// NewLegacyKey resolves method to a go-shadowsocks2 cipher constructor and
// derives the pre-shared key from password the same way go-shadowsocks2
// itself does (core.Key, an EVP_BytesToKey-style legacy KDF), so that a
// config written for any other Shadowsocks-legacy-compatible server
// interoperates unchanged.
func NewLegacyKey(method, password string) (*LegacyKey, error) {
	// PickCipher also validates that method names a cipher go-shadowsocks2
	// itself recognizes; its returned Cipher is discarded because we want
	// the per-salt subkey derivation and our own chunk framing below
	// (shared with the AEAD-2022 path) rather than its StreamConn wrapper.
	if _, err := ss2core.PickCipher(method, nil, password); err != nil {
		return nil, fmt.Errorf("legacy shadowsocks cipher %q: %w", method, err)
	}
	keySize := keySizeFor(method)
	psk := ss2core.Kdf(password, keySize)
	newAEAD, err := aeadConstructorFor(method)
	if err != nil {
		return nil, err
	}
	return &LegacyKey{Method: method, PSK: psk, newAEAD: newAEAD}, nil
}

func keySizeFor(method string) int {
	switch method {
	case CipherAES128GCM:
		return 16
	case CipherAES256GCM:
		return 32
	case CipherChaCha20Poly1305IETF:
		return 32
	default:
		return 32
	}
}

func aeadConstructorFor(method string) (func(subkey []byte) (cipher.AEAD, error), error) {
	switch method {
	case CipherAES128GCM, CipherAES256GCM:
		return newAESGCM, nil
	case CipherChaCha20Poly1305IETF:
		return newChaCha20Poly1305, nil
	default:
		return nil, fmt.Errorf("legacy shadowsocks cipher %q: %w", method, errUnsupportedMethod)
	}
}

// SaltSizeFor returns the per-direction salt length for method: always
// equal to the method's AEAD key length (16 for aes-128-gcm, 32 for the
// 256-bit methods), matching aead.go's Shadow() which sizes the salt off
// the cipher's key size.
func SaltSizeFor(method string) int {
	return keySizeFor(method)
}

// deriveSubkey derives the per-connection AEAD key from the fixed PSK and
// this connection's salt via HKDF-SHA1 with the "ss-subkey" info string,
// grounded on aead.go's Shadow().
func deriveSubkey(psk, salt []byte, keySize int) ([]byte, error) {
	subkey := make([]byte, keySize)
	r := hkdf.New(newSHA1, psk, salt, []byte("ss-subkey"))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return subkey, nil
}

// Tunnel wraps a raw connection with the legacy AEAD chunk framing in both
// directions, deriving independent read/write subkeys from independently
// generated salts, grounded on aead.go's aeadTunnel. Each direction's salt
// travels with that direction's first bytes: the constructor only sets up
// the side that already has a salt on the wire, and the opposite side
// initializes itself on first use — a server that never responds never
// emits a salt, and a client is never stuck waiting for one.
type Tunnel struct {
	rw      io.ReadWriter
	key     *LegacyKey
	keySize int

	rAEAD  cipher.AEAD
	rNonce []byte
	rBuf   []byte // leftover decrypted bytes from a prior Read

	wAEAD  cipher.AEAD
	wNonce []byte
}

// NewServerTunnel performs the server side of the salt exchange: read the
// client's salt. The server's own salt is written with its first response
// chunk.
func NewServerTunnel(rw io.ReadWriter, key *LegacyKey) (*Tunnel, error) {
	return newTunnel(rw, key, true)
}

// NewClientTunnel performs the client side: write our salt. The server's
// salt is read when the first response chunk is.
func NewClientTunnel(rw io.ReadWriter, key *LegacyKey) (*Tunnel, error) {
	return newTunnel(rw, key, false)
}

func newTunnel(rw io.ReadWriter, key *LegacyKey, serverSide bool) (*Tunnel, error) {
	keySize := keySizeFor(key.Method)
	saltSize := SaltSizeFor(key.Method)
	t := &Tunnel{rw: rw, key: key, keySize: keySize}

	if serverSide {
		readSalt := make([]byte, saltSize)
		if _, err := io.ReadFull(rw, readSalt); err != nil {
			return nil, fmt.Errorf("read client salt: %w", err)
		}
		if err := t.setupRead(readSalt); err != nil {
			return nil, err
		}
	} else {
		writeSalt := make([]byte, saltSize)
		if _, err := rand.Read(writeSalt); err != nil {
			return nil, err
		}
		if err := t.setupWrite(writeSalt); err != nil {
			return nil, err
		}
		if _, err := rw.Write(writeSalt); err != nil {
			return nil, fmt.Errorf("write client salt: %w", err)
		}
	}
	return t, nil
}

func (t *Tunnel) setupRead(salt []byte) error {
	subkey, err := deriveSubkey(t.key.PSK, salt, t.keySize)
	if err != nil {
		return err
	}
	aeadCiph, err := t.key.newAEAD(subkey)
	if err != nil {
		return err
	}
	t.rAEAD = aeadCiph
	t.rNonce = make([]byte, aeadCiph.NonceSize())
	return nil
}

func (t *Tunnel) setupWrite(salt []byte) error {
	subkey, err := deriveSubkey(t.key.PSK, salt, t.keySize)
	if err != nil {
		return err
	}
	aeadCiph, err := t.key.newAEAD(subkey)
	if err != nil {
		return err
	}
	t.wAEAD = aeadCiph
	t.wNonce = make([]byte, aeadCiph.NonceSize())
	return nil
}

func incrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

// Read implements io.Reader, decrypting one AEAD chunk at a time and
// buffering any plaintext left over from a chunk larger than the caller's
// buffer, matching aead.go's Read() cache field.
func (t *Tunnel) Read(p []byte) (int, error) {
	if len(t.rBuf) > 0 {
		n := copy(p, t.rBuf)
		t.rBuf = t.rBuf[n:]
		return n, nil
	}

	if t.rAEAD == nil {
		salt := make([]byte, SaltSizeFor(t.key.Method))
		if _, err := io.ReadFull(t.rw, salt); err != nil {
			return 0, fmt.Errorf("read peer salt: %w", err)
		}
		if err := t.setupRead(salt); err != nil {
			return 0, err
		}
	}

	lenSealed := make([]byte, 2+t.rAEAD.Overhead())
	if _, err := io.ReadFull(t.rw, lenSealed); err != nil {
		return 0, err
	}
	lenBuf, err := t.rAEAD.Open(nil, t.rNonce, lenSealed, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: chunk length tag", errAuthFailed(err))
	}
	incrementNonce(t.rNonce)

	size := int(binary.BigEndian.Uint16(lenBuf)) & MaxChunkPayload

	payloadSealed := make([]byte, size+t.rAEAD.Overhead())
	if _, err := io.ReadFull(t.rw, payloadSealed); err != nil {
		return 0, err
	}
	payload, err := t.rAEAD.Open(nil, t.rNonce, payloadSealed, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: chunk payload tag", errAuthFailed(err))
	}
	incrementNonce(t.rNonce)

	n := copy(p, payload)
	if n < len(payload) {
		t.rBuf = payload[n:]
	}
	return n, nil
}

// Write implements io.Writer, splitting p into chunks no larger than
// MaxChunkPayload and sealing each with its own length-prefix tag and
// payload tag.
func (t *Tunnel) Write(p []byte) (int, error) {
	if t.wAEAD == nil {
		salt := make([]byte, SaltSizeFor(t.key.Method))
		if _, err := rand.Read(salt); err != nil {
			return 0, err
		}
		if err := t.setupWrite(salt); err != nil {
			return 0, err
		}
		if _, err := t.rw.Write(salt); err != nil {
			return 0, fmt.Errorf("write salt: %w", err)
		}
	}

	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > MaxChunkPayload {
			n = MaxChunkPayload
		}
		chunk := p[:n]
		p = p[n:]

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		lenSealed := t.wAEAD.Seal(nil, t.wNonce, lenBuf[:], nil)
		incrementNonce(t.wNonce)
		if _, err := t.rw.Write(lenSealed); err != nil {
			return total, err
		}

		payloadSealed := t.wAEAD.Seal(nil, t.wNonce, chunk, nil)
		incrementNonce(t.wNonce)
		if _, err := t.rw.Write(payloadSealed); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

var errUnsupportedMethod = fmt.Errorf("unsupported legacy shadowsocks method")

func errAuthFailed(cause error) error {
	return fmt.Errorf("aead open failed: %w", cause)
}
