package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"securechannel/internal/protocol/errs"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// ChaCha20-Poly1305 helper. The caller owns nonce uniqueness per key.
func AEADEncrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func AEADDecrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", errs.ErrAuthenticationFailed)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.ErrAuthenticationFailed
	}
	return plain, nil
}

// AEADEncryptDetached returns the ciphertext and the tag separately.
func AEADEncryptDetached(key, nonce, plaintext, aad []byte) (ciphertext, tag []byte, err error) {
	sealed, err := AEADEncrypt(key, nonce, plaintext, aad)
	if err != nil {
		return nil, nil, err
	}
	split := len(sealed) - TagSize
	return sealed[:split:split], sealed[split:], nil
}

func AEADDecryptDetached(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag size %d", errs.ErrAuthenticationFailed, len(tag))
	}
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return AEADDecrypt(key, nonce, sealed, aad)
}

// RandomNonce returns NonceSize bytes from crypto/rand.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return nonce, nil
}

func newAEAD(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead key: %w", errs.ErrInvalidKeySize)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aead nonce: %w", errs.ErrInvalidKeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: chacha20poly1305.New: %v", errs.ErrDerivationFailed, err)
	}
	return aead, nil
}
