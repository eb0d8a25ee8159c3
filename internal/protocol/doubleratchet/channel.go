package doubleratchet

import (
	"fmt"

	"securechannel/internal/cryptographic/dh"
	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/protocol/envelope"
	"securechannel/internal/protocol/errs"

	"github.com/google/uuid"
)

// SendOptions describe the clear and routed fields of an outbound envelope.
type SendOptions struct {
	Type          envelope.MessageType
	CorrelationID string
	ResultCode    int32
}

// EncryptOutbound seals plaintext into the next envelope of the sending
// chain.
func (c *Connection) EncryptOutbound(plaintext []byte, opts SendOptions) (*envelope.SecureEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	step, err := c.prepareSend()
	if err != nil {
		return nil, err
	}
	nonce, err := c.nextNonce()
	if err != nil {
		return nil, err
	}
	if opts.Type == 0 {
		opts.Type = envelope.TypeRequest
	}

	meta := envelope.Metadata{
		EnvelopeID:    uuid.New(),
		ChannelKeyID:  c.sendEpoch,
		Nonce:         nonce,
		RatchetIndex:  step.Index,
		Type:          opts.Type,
		CorrelationID: opts.CorrelationID,
	}

	headerKey := c.sending.headerKeyCopy()
	defer secret.Wipe(headerKey)

	var env *envelope.SecureEnvelope
	err = step.Handle.Use(func(mk []byte) error {
		var sealErr error
		env, sealErr = envelope.CreateRequestEnvelope(plaintext, envelope.Keys{Header: headerKey, Message: mk}, meta, envelope.Options{
			ResultCode:  opts.ResultCode,
			Timestamp:   c.now(),
			DHPublicKey: step.DHPublic,
		})
		return sealErr
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// DecryptInbound authenticates and opens env. A DH public key that differs
// from the peer's current key triggers a receiving ratchet, committed only
// once the metadata authenticates under the ratcheted header key.
func (c *Connection) DecryptInbound(env *envelope.SecureEnvelope) ([]byte, error) {
	plain, _, err := c.DecryptInboundWithMetadata(env)
	return plain, err
}

// DecryptInboundWithMetadata is DecryptInbound that also returns the
// authenticated metadata.
func (c *Connection) DecryptInboundWithMetadata(env *envelope.SecureEnvelope) ([]byte, *envelope.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, nil, err
	}
	if c.receiving == nil {
		return nil, nil, errs.ErrNotFinalized
	}
	if env == nil {
		return nil, nil, fmt.Errorf("%w: nil envelope", errs.ErrMalformedEnvelope)
	}

	var pending *pendingRatchet
	defer func() { pending.wipe() }()

	var headerKey []byte
	if len(env.DHPublicKey) > 0 && !secret.Equal(env.DHPublicKey, c.peerDHPublic) {
		if err := dh.ValidatePublicKey(env.DHPublicKey); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", errs.ErrMalformedEnvelope, err)
		}
		p, err := c.previewReceivingRatchet(env.DHPublicKey)
		if err != nil {
			return nil, nil, err
		}
		pending = p
		headerKey = secret.Clone(p.headerKey)
	} else {
		headerKey = c.receiving.headerKeyCopy()
	}
	defer secret.Wipe(headerKey)

	plain, meta, err := envelope.DecryptResponseEnvelope(env, headerKey, func(meta *envelope.Metadata) (envelope.KeyUser, error) {
		if pending != nil {
			p := pending
			pending = nil
			if err := c.commitReceivingRatchet(p); err != nil {
				return nil, err
			}
		}
		chainID := c.receivingChainID()
		if err := c.replay.Validate(chainID, meta.Nonce[:], meta.RatchetIndex); err != nil {
			c.observer.ReplayRejected(c.id, err)
			return nil, err
		}
		// Replay state is recorded only once the message key is in hand, so a
		// rejected attempt can be redelivered.
		h, err := c.processReceived(meta.RatchetIndex)
		if err != nil {
			return nil, err
		}
		if err := c.replay.Check(chainID, meta.Nonce[:], meta.RatchetIndex); err != nil {
			c.observer.ReplayRejected(c.id, err)
			return nil, err
		}
		return h, nil
	})
	if err != nil {
		return nil, meta, err
	}
	return plain, meta, nil
}

func (c *Connection) receivingChainID() string {
	return fmt.Sprintf("recv/%d", c.recvEpoch)
}
