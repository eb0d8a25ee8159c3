package x3dh

import (
	"fmt"

	"securechannel/internal/cryptographic/dh"
	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/cryptographic/signature"
	"securechannel/internal/model"
	"securechannel/internal/protocol/errs"

	"github.com/awnumar/memguard"
)

type (
	// IdentityBundle is one party's own key material. Private halves stay
	// sealed in memguard enclaves and are opened only while a DH runs.
	IdentityBundle struct {
		Name string

		SigningPublic  []byte
		signingPrivate *memguard.Enclave

		IdentityPublic  []byte
		identityPrivate *memguard.Enclave

		SignedPreKey   SignedPreKey
		OneTimePreKeys []OneTimePreKey

		EphemeralPublic  []byte
		ephemeralPrivate *memguard.Enclave
	}

	SignedPreKey struct {
		ID        uint32
		Public    []byte
		Signature []byte
		private   *memguard.Enclave
	}

	OneTimePreKey struct {
		ID      uint32
		Public  []byte
		private *memguard.Enclave
	}
)

// NewIdentityBundle generates identity, signed prekey, ephemeral and
// oneTimePreKeys one-time prekeys.
func NewIdentityBundle(name string, oneTimePreKeys int) (*IdentityBundle, error) {
	signPub, signPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, err
	}

	ik, err := dh.NewX25519KeyPair()
	if err != nil {
		secret.Wipe(signPriv)
		return nil, err
	}

	b := &IdentityBundle{
		Name:            name,
		SigningPublic:   signPub,
		IdentityPublic:  ik.Public,
		identityPrivate: secret.Seal(ik.Private),
	}

	if err := b.rotateSignedPreKey(signPriv, 1); err != nil {
		secret.Wipe(signPriv)
		return nil, err
	}
	b.signingPrivate = secret.Seal(signPriv)

	for i := 0; i < oneTimePreKeys; i++ {
		kp, err := dh.NewX25519KeyPair()
		if err != nil {
			return nil, err
		}
		b.OneTimePreKeys = append(b.OneTimePreKeys, OneTimePreKey{
			ID:      uint32(i + 1),
			Public:  kp.Public,
			private: secret.Seal(kp.Private),
		})
	}

	if err := b.RotateEphemeral(); err != nil {
		return nil, err
	}
	return b, nil
}

// RotateSignedPreKey replaces the signed prekey and signs the new public key
// with the identity signing key.
func (b *IdentityBundle) RotateSignedPreKey() error {
	return secret.Open(b.signingPrivate, func(signPriv []byte) error {
		return b.rotateSignedPreKey(signPriv, b.SignedPreKey.ID+1)
	})
}

func (b *IdentityBundle) rotateSignedPreKey(signPriv []byte, id uint32) error {
	kp, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	b.SignedPreKey = SignedPreKey{
		ID:        id,
		Public:    kp.Public,
		Signature: signature.ED25519Sign(signPriv, kp.Public),
		private:   secret.Seal(kp.Private),
	}
	return nil
}

// RotateEphemeral replaces the ephemeral key pair.
func (b *IdentityBundle) RotateEphemeral() error {
	kp, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	b.EphemeralPublic = kp.Public
	b.ephemeralPrivate = secret.Seal(kp.Private)
	return nil
}

// EphemeralKeyPair returns a copy of the ephemeral key pair. The caller owns
// the copy and must wipe it.
func (b *IdentityBundle) EphemeralKeyPair() (*dh.KeyPair, error) {
	kp := &dh.KeyPair{Public: secret.Clone(b.EphemeralPublic)}
	err := secret.Open(b.ephemeralPrivate, func(priv []byte) error {
		kp.Private = secret.Clone(priv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kp, nil
}

// Public returns the publishable half of the bundle.
func (b *IdentityBundle) Public() model.PublicBundle {
	pub := model.PublicBundle{
		Name:                  b.Name,
		IdentitySigningKey:    secret.Clone(b.SigningPublic),
		IdentityKey:           secret.Clone(b.IdentityPublic),
		SignedPreKeyID:        b.SignedPreKey.ID,
		SignedPreKey:          secret.Clone(b.SignedPreKey.Public),
		SignedPreKeySignature: secret.Clone(b.SignedPreKey.Signature),
		EphemeralKey:          secret.Clone(b.EphemeralPublic),
	}
	for _, otk := range b.OneTimePreKeys {
		pub.OneTimePreKeys = append(pub.OneTimePreKeys, model.OneTimePreKey{ID: otk.ID, Key: secret.Clone(otk.Public)})
	}
	return pub
}

// ValidateBundle checks every public key of a peer bundle and the signed
// prekey signature. Nothing is trusted until it passes.
func ValidateBundle(peer model.PublicBundle) error {
	if len(peer.IdentitySigningKey) != signature.PublicKeySize {
		return fmt.Errorf("%w: identity signing key: %w", errs.ErrInvalidBundle, errs.ErrInvalidKeySize)
	}

	keys := []struct {
		name string
		key  []byte
	}{
		{"identity key", peer.IdentityKey},
		{"signed prekey", peer.SignedPreKey},
		{"ephemeral key", peer.EphemeralKey},
	}
	for _, k := range keys {
		if err := dh.ValidatePublicKey(k.key); err != nil {
			return fmt.Errorf("%w: %s: %w", errs.ErrInvalidBundle, k.name, err)
		}
	}
	for _, otk := range peer.OneTimePreKeys {
		if err := dh.ValidatePublicKey(otk.Key); err != nil {
			return fmt.Errorf("%w: one-time prekey %d: %w", errs.ErrInvalidBundle, otk.ID, err)
		}
	}

	if !signature.ED25519Verify(peer.IdentitySigningKey, peer.SignedPreKey, peer.SignedPreKeySignature) {
		return errs.ErrInvalidSignature
	}
	return nil
}
