package encryption

import (
	"bytes"
	"errors"
	"testing"

	"securechannel/internal/protocol/errs"
)

func TestDetachedRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	nonce, err := RandomNonce()
	if err != nil {
		t.Fatalf("RandomNonce: %v", err)
	}
	aad := []byte("aad")

	ct, tag, err := AEADEncryptDetached(key, nonce, []byte("hello"), aad)
	if err != nil {
		t.Fatalf("AEADEncryptDetached: %v", err)
	}
	if len(tag) != TagSize {
		t.Fatalf("tag size %d", len(tag))
	}

	pt, err := AEADDecryptDetached(key, nonce, ct, tag, aad)
	if err != nil {
		t.Fatalf("AEADDecryptDetached: %v", err)
	}
	if string(pt) != "hello" {
		t.Fatalf("got %q", pt)
	}
}

func TestTamperFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x02}, KeySize)
	nonce := make([]byte, NonceSize)
	sealed, err := AEADEncrypt(key, nonce, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}

	for i := range sealed {
		mutated := append([]byte(nil), sealed...)
		mutated[i] ^= 0x01
		if _, err := AEADDecrypt(key, nonce, mutated, nil); !errors.Is(err, errs.ErrAuthenticationFailed) {
			t.Fatalf("byte %d: got %v", i, err)
		}
	}

	if _, err := AEADDecrypt(key, nonce, sealed, []byte("other aad")); !errors.Is(err, errs.ErrAuthenticationFailed) {
		t.Fatalf("aad mismatch: got %v", err)
	}
}

func TestRejectsBadKeySize(t *testing.T) {
	_, err := AEADEncrypt(make([]byte, 16), make([]byte, NonceSize), nil, nil)
	if !errors.Is(err, errs.ErrInvalidKeySize) {
		t.Fatalf("got %v", err)
	}
}
