package dh

import (
	"crypto/rand"
	"fmt"

	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/protocol/errs"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.PointSize

// smallOrder lists the encodings of the points of order 1, 2, 4 and 8 with
// the top bit cleared. A peer key equal to any of them forces a predictable
// shared secret.
var smallOrder = [][KeySize]byte{
	{},
	{1},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a,
		0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b,
		0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
}

// KeyPair is an X25519 key pair. Private is wiped by Wipe.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// Wipe zeroes the private half.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	secret.Wipe(kp.Private)
	kp.Private = nil
}

// Clone returns an independent copy.
func (kp *KeyPair) Clone() *KeyPair {
	if kp == nil {
		return nil
	}
	return &KeyPair{Private: secret.Clone(kp.Private), Public: secret.Clone(kp.Public)}
}

// Generate a new X25519 key pair. The private key is clamped per RFC 7748.
func NewX25519KeyPair() (*KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := PublicKey(priv)
	if err != nil {
		secret.Wipe(priv)
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// PublicKey returns priv * basepoint.
func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("private key: %w", errs.ErrInvalidKeySize)
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// ValidatePublicKey checks that pub is a 32-byte point outside the small
// subgroup.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != KeySize {
		return errs.ErrInvalidKeySize
	}
	for _, bad := range smallOrder {
		var diff byte
		for i := 0; i < KeySize-1; i++ {
			diff |= pub[i] ^ bad[i]
		}
		diff |= (pub[KeySize-1] & 0x7f) ^ bad[KeySize-1]
		if diff == 0 {
			return errs.ErrInvalidBundle
		}
	}
	return nil
}

// Perform X25519 scalar multiplication: priv * pub
func X25519SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, errs.ErrInvalidKeySize
	}
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidBundle, err)
	}
	return out, nil
}
