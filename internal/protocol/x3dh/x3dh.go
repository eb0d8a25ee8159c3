package x3dh

import (
	"fmt"

	"securechannel/internal/cryptographic/dh"
	"securechannel/internal/cryptographic/kdf"
	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/model"
)

const SharedSecretSize = 4 * dh.KeySize

const (
	infoRoot          = "securechannel-x3dh"
	infoSenderChain   = "sender-chain"
	infoReceiverChain = "receiver-chain"
)

type (
	X3DHBase struct {
	}

	X3DHSender struct {
		*X3DHBase
	}

	X3DHReceiver struct {
		*X3DHBase
	}

	// Agreement is the key material both parties hold after X3DH.
	Agreement struct {
		RootKey           []byte
		SendingChainKey   []byte
		ReceivingChainKey []byte
	}
)

// Wipe zeroes every key of the agreement.
func (a *Agreement) Wipe() {
	if a == nil {
		return
	}
	secret.Wipe(a.RootKey, a.SendingChainKey, a.ReceivingChainKey)
}

// GenerateShareKey concatenates the four DH outputs in fixed order into the
// 128-byte shared secret.
func (s *X3DHBase) GenerateShareKey(dh1, dh2, dh3, dh4 []byte) []byte {
	concat := make([]byte, 0, SharedSecretSize)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	concat = append(concat, dh4...)
	return concat
}

// DeriveKeys turns the shared secret into the root key and the two initial
// chain keys. The sender-chain belongs to the initiator's sending direction.
func (s *X3DHBase) DeriveKeys(sharedSecret []byte, isInitiator bool) (*Agreement, error) {
	parts, err := kdf.Split(sharedSecret, nil, infoRoot, 2)
	if err != nil {
		return nil, err
	}
	root, chainSecret := parts[0], parts[1]
	defer secret.Wipe(chainSecret)

	senderChain, err := kdf.Expand(chainSecret, infoSenderChain, kdf.KeySize)
	if err != nil {
		secret.Wipe(root)
		return nil, err
	}
	receiverChain, err := kdf.Expand(chainSecret, infoReceiverChain, kdf.KeySize)
	if err != nil {
		secret.Wipe(root, senderChain)
		return nil, err
	}

	if isInitiator {
		return &Agreement{RootKey: root, SendingChainKey: senderChain, ReceivingChainKey: receiverChain}, nil
	}
	return &Agreement{RootKey: root, SendingChainKey: receiverChain, ReceivingChainKey: senderChain}, nil
}

// GenerateShareKey computes the initiator side:
// DH(IKa, SPKb) ‖ DH(EKa, IKb) ‖ DH(EKa, SPKb) ‖ DH(EKa, EKb).
func (s *X3DHSender) GenerateShareKey(own *IdentityBundle, peer model.PublicBundle) ([]byte, error) {
	if err := ValidateBundle(peer); err != nil {
		return nil, err
	}

	var dh1, dh2, dh3, dh4 []byte
	defer func() { secret.Wipe(dh1, dh2, dh3, dh4) }()

	err := secret.Open(own.identityPrivate, func(ik []byte) (err error) {
		dh1, err = dh.X25519SharedSecret(ik, peer.SignedPreKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("x3dh dh1: %w", err)
	}

	err = secret.Open(own.ephemeralPrivate, func(ek []byte) (err error) {
		if dh2, err = dh.X25519SharedSecret(ek, peer.IdentityKey); err != nil {
			return err
		}
		if dh3, err = dh.X25519SharedSecret(ek, peer.SignedPreKey); err != nil {
			return err
		}
		dh4, err = dh.X25519SharedSecret(ek, peer.EphemeralKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("x3dh ephemeral: %w", err)
	}

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3, dh4), nil
}

// GenerateShareKey computes the responder side with the pairings swapped:
// DH(SPKb, IKa) ‖ DH(IKb, EKa) ‖ DH(SPKb, EKa) ‖ DH(EKb, EKa).
func (s *X3DHReceiver) GenerateShareKey(own *IdentityBundle, peer model.PublicBundle) ([]byte, error) {
	if err := ValidateBundle(peer); err != nil {
		return nil, err
	}

	var dh1, dh2, dh3, dh4 []byte
	defer func() { secret.Wipe(dh1, dh2, dh3, dh4) }()

	err := secret.Open(own.SignedPreKey.private, func(spk []byte) (err error) {
		if dh1, err = dh.X25519SharedSecret(spk, peer.IdentityKey); err != nil {
			return err
		}
		dh3, err = dh.X25519SharedSecret(spk, peer.EphemeralKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("x3dh signed prekey: %w", err)
	}

	err = secret.Open(own.identityPrivate, func(ik []byte) (err error) {
		dh2, err = dh.X25519SharedSecret(ik, peer.EphemeralKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("x3dh dh2: %w", err)
	}

	err = secret.Open(own.ephemeralPrivate, func(ek []byte) (err error) {
		dh4, err = dh.X25519SharedSecret(ek, peer.EphemeralKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("x3dh dh4: %w", err)
	}

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3, dh4), nil
}

// Agree runs the role-appropriate side of X3DH and derives the initial keys.
// The shared secret is wiped before returning.
func Agree(own *IdentityBundle, peer model.PublicBundle, isInitiator bool) (*Agreement, error) {
	base := &X3DHBase{}

	var (
		sk  []byte
		err error
	)
	if isInitiator {
		sk, err = (&X3DHSender{X3DHBase: base}).GenerateShareKey(own, peer)
	} else {
		sk, err = (&X3DHReceiver{X3DHBase: base}).GenerateShareKey(own, peer)
	}
	if err != nil {
		return nil, err
	}
	defer secret.Wipe(sk)

	return base.DeriveKeys(sk, isInitiator)
}
