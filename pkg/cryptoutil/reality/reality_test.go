package reality

import (
	"bytes"
	"testing"
	"time"
)

func TestECDHAgreement(t *testing.T) {
	privA, pubA, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	privB, pubB, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	sharedA, err := PerformECDH(privA, pubB)
	if err != nil {
		t.Fatalf("PerformECDH A: %v", err)
	}
	sharedB, err := PerformECDH(privB, pubA)
	if err != nil {
		t.Fatalf("PerformECDH B: %v", err)
	}
	if !bytes.Equal(sharedA, sharedB) {
		t.Fatal("shared secrets do not match")
	}
}

func TestSessionIDRoundTrip(t *testing.T) {
	privA, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_, pubB, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	shared, err := PerformECDH(privA, pubB)
	if err != nil {
		t.Fatalf("PerformECDH: %v", err)
	}

	salt := bytes.Repeat([]byte{0x07}, 20)
	info := []byte("reality-auth")
	authKey, err := DeriveAuthKey(shared, salt, info)
	if err != nil {
		t.Fatalf("DeriveAuthKey: %v", err)
	}

	sid := SessionID{
		Version:   [3]byte{1, 8, 1},
		Timestamp: time.Unix(1700000000, 0),
		ShortID:   [8]byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0},
	}
	plain := sid.Encode()

	nonce := bytes.Repeat([]byte{0x01}, 12)
	aad := []byte("clienthello")

	sealed, err := EncryptSessionID(plain, authKey, nonce, aad)
	if err != nil {
		t.Fatalf("EncryptSessionID: %v", err)
	}

	opened, err := DecryptSessionID(sealed, authKey, nonce, aad)
	if err != nil {
		t.Fatalf("DecryptSessionID: %v", err)
	}
	if opened != plain {
		t.Fatalf("round trip mismatch: got %x want %x", opened, plain)
	}

	decoded := DecodeSessionID(opened)
	if decoded.ShortID != sid.ShortID {
		t.Fatalf("short id mismatch: got %x want %x", decoded.ShortID, sid.ShortID)
	}
	if !decoded.Timestamp.Equal(sid.Timestamp) {
		t.Fatalf("timestamp mismatch: got %v want %v", decoded.Timestamp, sid.Timestamp)
	}
}

func TestDecryptSessionIDWrongKeyFails(t *testing.T) {
	var authKey [32]byte
	var wrongKey [32]byte
	wrongKey[0] = 1

	nonce := bytes.Repeat([]byte{0x02}, 12)
	var plain [PlaintextLen]byte
	sealed, err := EncryptSessionID(plain, authKey, nonce, nil)
	if err != nil {
		t.Fatalf("EncryptSessionID: %v", err)
	}
	if _, err := DecryptSessionID(sealed, wrongKey, nonce, nil); err == nil {
		t.Fatal("expected decryption with wrong key to fail")
	}
}

func TestValidTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	if !ValidTimestamp(now.Add(-30*time.Second), now) {
		t.Error("expected 30s skew to be valid")
	}
	if ValidTimestamp(now.Add(-120*time.Second), now) {
		t.Error("expected 120s skew to be invalid")
	}
}
