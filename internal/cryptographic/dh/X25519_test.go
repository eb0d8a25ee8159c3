package dh

import (
	"bytes"
	"errors"
	"testing"

	"securechannel/internal/protocol/errs"
)

func TestSharedSecretAgreement(t *testing.T) {
	a, err := NewX25519KeyPair()
	if err != nil {
		t.Fatalf("NewX25519KeyPair: %v", err)
	}
	b, err := NewX25519KeyPair()
	if err != nil {
		t.Fatalf("NewX25519KeyPair: %v", err)
	}

	ab, err := X25519SharedSecret(a.Private, b.Public)
	if err != nil {
		t.Fatalf("X25519SharedSecret: %v", err)
	}
	ba, err := X25519SharedSecret(b.Private, a.Public)
	if err != nil {
		t.Fatalf("X25519SharedSecret: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatal("shared secrets differ")
	}
}

func TestValidatePublicKey(t *testing.T) {
	kp, err := NewX25519KeyPair()
	if err != nil {
		t.Fatalf("NewX25519KeyPair: %v", err)
	}
	if err := ValidatePublicKey(kp.Public); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}

	if err := ValidatePublicKey(make([]byte, 31)); !errors.Is(err, errs.ErrInvalidKeySize) {
		t.Fatalf("short key: got %v", err)
	}

	for i, bad := range smallOrder {
		if err := ValidatePublicKey(bad[:]); !errors.Is(err, errs.ErrInvalidBundle) {
			t.Fatalf("small order point %d accepted: %v", i, err)
		}
	}

	// The top bit is ignored by X25519, so it must not smuggle a bad point.
	highBit := smallOrder[2]
	highBit[31] |= 0x80
	if err := ValidatePublicKey(highBit[:]); !errors.Is(err, errs.ErrInvalidBundle) {
		t.Fatalf("small order point with top bit set accepted: %v", err)
	}
}

func TestKeyPairWipe(t *testing.T) {
	kp, err := NewX25519KeyPair()
	if err != nil {
		t.Fatalf("NewX25519KeyPair: %v", err)
	}
	priv := kp.Private
	kp.Wipe()
	if kp.Private != nil {
		t.Fatal("private key still referenced")
	}
	for _, c := range priv {
		if c != 0 {
			t.Fatal("private key bytes not wiped")
		}
	}
}
