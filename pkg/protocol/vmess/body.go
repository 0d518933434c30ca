package vmess

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"nerveproxy/pkg/streams"
)

// bodyStream AEAD-chunk-frames both directions of a VMess body, keyed by
// the request direction's body key/IV and the response direction's
// sha256-derived key/IV (EncodeResponseHeader's scheme), with the first 12
// bytes of each 16-byte IV used as the GCM nonce base and incremented per
// chunk the same way the legacy Shadowsocks tunnel does.
type bodyStream struct {
	raw streams.ByteStream

	rAEAD  cipher.AEAD
	rNonce []byte
	rBuf   []byte

	wAEAD  cipher.AEAD
	wNonce []byte
}

func newBodyStream(raw streams.ByteStream, req *requestHeader, isServer bool) (*bodyStream, error) {
	respKey, respIV := responseBodyKeyIV(req)

	var rKey, rIV, wKey, wIV [16]byte
	if isServer {
		rKey, rIV = req.bodyKey, req.bodyIV
		wKey, wIV = respKey, respIV
	} else {
		rKey, rIV = respKey, respIV
		wKey, wIV = req.bodyKey, req.bodyIV
	}

	rAEAD, err := newGCM(rKey)
	if err != nil {
		return nil, err
	}
	wAEAD, err := newGCM(wKey)
	if err != nil {
		return nil, err
	}

	b := &bodyStream{raw: raw, rAEAD: rAEAD, wAEAD: wAEAD}
	b.rNonce = append([]byte{}, rIV[:rAEAD.NonceSize()]...)
	b.wNonce = append([]byte{}, wIV[:wAEAD.NonceSize()]...)
	return b, nil
}

func newGCM(key [16]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("vmess: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func incrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

func (b *bodyStream) Read(p []byte) (int, error) {
	if len(b.rBuf) > 0 {
		n := copy(p, b.rBuf)
		b.rBuf = b.rBuf[n:]
		return n, nil
	}

	lenSealed := make([]byte, 2+b.rAEAD.Overhead())
	if _, err := io.ReadFull(b.raw, lenSealed); err != nil {
		return 0, err
	}
	lenBuf, err := b.rAEAD.Open(nil, b.rNonce, lenSealed, nil)
	if err != nil {
		return 0, fmt.Errorf("vmess: open chunk length: %w", err)
	}
	incrementNonce(b.rNonce)

	size := binary.BigEndian.Uint16(lenBuf)
	payloadSealed := make([]byte, int(size)+b.rAEAD.Overhead())
	if _, err := io.ReadFull(b.raw, payloadSealed); err != nil {
		return 0, err
	}
	payload, err := b.rAEAD.Open(nil, b.rNonce, payloadSealed, nil)
	if err != nil {
		return 0, fmt.Errorf("vmess: open chunk payload: %w", err)
	}
	incrementNonce(b.rNonce)

	n := copy(p, payload)
	if n < len(payload) {
		b.rBuf = payload[n:]
	}
	return n, nil
}

func (b *bodyStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxChunkPayload {
			n = maxChunkPayload
		}
		chunk := p[:n]
		p = p[n:]

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		lenSealed := b.wAEAD.Seal(nil, b.wNonce, lenBuf[:], nil)
		incrementNonce(b.wNonce)
		if _, err := b.raw.Write(lenSealed); err != nil {
			return total, err
		}

		payloadSealed := b.wAEAD.Seal(nil, b.wNonce, chunk, nil)
		incrementNonce(b.wNonce)
		if _, err := b.raw.Write(payloadSealed); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (b *bodyStream) Close() error                     { return b.raw.Close() }
func (b *bodyStream) SetDeadline(t time.Time) error     { return b.raw.SetDeadline(t) }
func (b *bodyStream) SetReadDeadline(t time.Time) error { return b.raw.SetReadDeadline(t) }
func (b *bodyStream) SetWriteDeadline(t time.Time) error { return b.raw.SetWriteDeadline(t) }

var _ streams.ByteStream = (*bodyStream)(nil)

// messageStream frames UDP datagrams over a bodyStream the same way the
// VLESS UDP relay does: a 2-byte length prefix ahead of each payload.
type messageStream struct {
	body *bodyStream
}

func newMessageStream(body *bodyStream) streams.MessageStream {
	return &messageStream{body: body}
}

func (m *messageStream) ReadMessage() (streams.Message, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(m.body, lenBuf[:]); err != nil {
		return streams.Message{}, err
	}
	size := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(m.body, payload); err != nil {
		return streams.Message{}, err
	}
	return streams.Message{Payload: payload}, nil
}

func (m *messageStream) WriteMessage(msg streams.Message) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg.Payload)))
	if _, err := m.body.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := m.body.Write(msg.Payload)
	return err
}

func (m *messageStream) Close() error { return m.body.Close() }

func (m *messageStream) SetDeadline(t time.Time) error { return m.body.SetDeadline(t) }
