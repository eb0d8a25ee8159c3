// Package kdf holds the HKDF-SHA256 derivations of the channel: root steps,
// chain steps, message keys and header keys. All functions are pure.
package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/protocol/errs"

	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

const (
	infoMessage   = "msg"
	infoChain     = "chain"
	infoHeader    = "header-enc"
	infoDHRatchet = "dh-ratchet"
)

// HKDF runs extract and expand, filling buffer.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	n, err := io.ReadFull(h, buffer)
	if err != nil {
		return n, fmt.Errorf("%w: %v", errs.ErrDerivationFailed, err)
	}
	return n, nil
}

// Expand runs HKDF-Expand with key as the pseudorandom key.
func Expand(key []byte, info string, n int) ([]byte, error) {
	if len(key) < sha256.Size {
		return nil, fmt.Errorf("%w: expand key: %w", errs.ErrDerivationFailed, errs.ErrInvalidKeySize)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, key, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDerivationFailed, err)
	}
	return out, nil
}

// ChainStep derives the message key for the current position of a chain and
// the chain key of the next position. The two outputs come from independent
// expansions of the same chain key.
func ChainStep(chainKey []byte) (messageKey, nextChainKey []byte, err error) {
	messageKey, err = Expand(chainKey, infoMessage, KeySize)
	if err != nil {
		return nil, nil, err
	}
	nextChainKey, err = Expand(chainKey, infoChain, KeySize)
	if err != nil {
		secret.Wipe(messageKey)
		return nil, nil, err
	}
	return messageKey, nextChainKey, nil
}

// RootStep derives a new root key and chain key from the old root key and a
// DH output.
func RootStep(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	buffer := make([]byte, 2*KeySize)
	if _, err := HKDF(dhOut, rootKey, []byte(infoDHRatchet), buffer); err != nil {
		return nil, nil, err
	}

	newRootKey = secret.Clone(buffer[:KeySize])
	newChainKey = secret.Clone(buffer[KeySize:])
	secret.Wipe(buffer)
	return newRootKey, newChainKey, nil
}

// HeaderKey derives the metadata encryption key bound to a chain key.
func HeaderKey(chainKey []byte) ([]byte, error) {
	return Expand(chainKey, infoHeader, KeySize)
}

// Split derives len(parts) consecutive KeySize outputs of one HKDF run.
func Split(ikm, salt []byte, info string, parts int) ([][]byte, error) {
	buffer := make([]byte, parts*KeySize)
	defer secret.Wipe(buffer)

	if _, err := HKDF(ikm, salt, []byte(info), buffer); err != nil {
		return nil, err
	}

	out := make([][]byte, parts)
	for i := range out {
		out[i] = secret.Clone(buffer[i*KeySize : (i+1)*KeySize])
	}
	return out, nil
}
