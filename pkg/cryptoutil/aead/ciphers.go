package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
)

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func newChaCha20Poly1305(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

func newSHA1() hash.Hash {
	return sha1.New()
}
