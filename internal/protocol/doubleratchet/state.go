package doubleratchet

import (
	"fmt"
	"time"

	"securechannel/internal/cryptographic/dh"
	"securechannel/internal/cryptographic/kdf"
	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/protocol/errs"

	"github.com/fxamacker/cbor/v2"
)

const stateVersion = 1

// connectionState is the persisted form of a Connection. Replay windows and
// cached message keys are not part of it; skipped keys are persisted through
// the RecoveryStore on their own.
type connectionState struct {
	Version      uint8          `cbor:"1,keyasint"`
	ID           string         `cbor:"2,keyasint"`
	Initiator    bool           `cbor:"3,keyasint"`
	State        State          `cbor:"4,keyasint"`
	RootKey      []byte         `cbor:"5,keyasint"`
	Sending      chainSnapshot  `cbor:"6,keyasint"`
	Receiving    *chainSnapshot `cbor:"7,keyasint,omitempty"`
	PeerDHPublic []byte         `cbor:"8,keyasint,omitempty"`

	PersistentPrivate []byte `cbor:"9,keyasint,omitempty"`
	PersistentPublic  []byte `cbor:"10,keyasint,omitempty"`

	CreatedAt    int64  `cbor:"11,keyasint"`
	LastRatchet  int64  `cbor:"12,keyasint"`
	NonceCounter uint64 `cbor:"13,keyasint"`
	Processed    uint32 `cbor:"14,keyasint"`
	SendEpoch    uint32 `cbor:"15,keyasint"`
	RecvEpoch    uint32 `cbor:"16,keyasint"`

	RatchetTurn   bool `cbor:"17,keyasint"`
	NewPeerKey    bool `cbor:"18,keyasint"`
	PendingDHSend bool `cbor:"19,keyasint"`
}

func (s *connectionState) wipe() {
	secret.Wipe(s.RootKey, s.PersistentPrivate)
	s.Sending.wipe()
	s.Receiving.wipe()
}

// SerializeState encodes the connection with CBOR. The output contains key
// material; callers encrypt or wipe it.
func (c *Connection) SerializeState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed {
		return nil, errs.ErrDisposed
	}

	s := connectionState{
		Version:       stateVersion,
		ID:            c.id,
		Initiator:     c.isInitiator,
		State:         c.state,
		RootKey:       secret.Clone(c.rootKey),
		Sending:       c.sending.snapshot(),
		PeerDHPublic:  secret.Clone(c.peerDHPublic),
		CreatedAt:     c.createdAt.UnixNano(),
		LastRatchet:   c.lastRatchet.UnixNano(),
		NonceCounter:  c.nonceCounter,
		Processed:     c.processed,
		SendEpoch:     c.sendEpoch,
		RecvEpoch:     c.recvEpoch,
		RatchetTurn:   c.ratchetTurn,
		NewPeerKey:    c.newPeerKey,
		PendingDHSend: c.pendingDHSend,
	}
	defer s.wipe()

	if c.receiving != nil {
		r := c.receiving.snapshot()
		s.Receiving = &r
	}
	if c.persistentDH != nil {
		s.PersistentPrivate = secret.Clone(c.persistentDH.Private)
		s.PersistentPublic = secret.Clone(c.persistentDH.Public)
	}

	data, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode connection state: %w", err)
	}
	return data, nil
}

// RestoreState rebuilds a connection from SerializeState output. cfg and
// opts apply as in New.
func RestoreState(data []byte, cfg Config, opts ...Option) (*Connection, error) {
	var s connectionState
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode connection state: %w", err)
	}
	defer s.wipe()

	if s.Version != stateVersion {
		return nil, fmt.Errorf("connection state version %d not supported", s.Version)
	}
	if s.State != StateCreated && s.State != StateFinalized {
		return nil, fmt.Errorf("connection state %s cannot be restored", s.State)
	}
	if len(s.RootKey) != kdf.KeySize {
		return nil, fmt.Errorf("root key: %w", errs.ErrInvalidKeySize)
	}
	if (s.State == StateFinalized) != (s.Receiving != nil) {
		return nil, fmt.Errorf("connection state %s with receiving chain %t", s.State, s.Receiving != nil)
	}

	c := &Connection{
		id:            s.ID,
		isInitiator:   s.Initiator,
		cfg:           cfg.withDefaults(),
		now:           time.Now,
		observer:      nopObserver{},
		rootKey:       secret.Clone(s.RootKey),
		createdAt:     time.Unix(0, s.CreatedAt),
		lastRatchet:   time.Unix(0, s.LastRatchet),
		nonceCounter:  s.NonceCounter,
		processed:     s.Processed,
		sendEpoch:     s.SendEpoch,
		recvEpoch:     s.RecvEpoch,
		ratchetTurn:   s.RatchetTurn,
		newPeerKey:    s.NewPeerKey,
		pendingDHSend: s.PendingDHSend,
		state:         s.State,
	}
	for _, opt := range opts {
		opt(c)
	}

	fail := func(err error) (*Connection, error) {
		secret.Wipe(c.rootKey)
		if c.sending != nil {
			c.sending.Wipe()
		}
		if c.receiving != nil {
			c.receiving.Wipe()
		}
		c.persistentDH.Wipe()
		return nil, err
	}

	var err error
	if c.sending, err = restoreChainStep(Sending, s.Sending, c.cfg.CacheWindowSize); err != nil {
		return fail(err)
	}
	if s.Receiving != nil {
		if c.receiving, err = restoreChainStep(Receiving, *s.Receiving, c.cfg.CacheWindowSize); err != nil {
			return fail(err)
		}
		if err := dh.ValidatePublicKey(s.PeerDHPublic); err != nil {
			return fail(err)
		}
		c.peerDHPublic = secret.Clone(s.PeerDHPublic)
	}
	if len(s.PersistentPrivate) > 0 {
		if len(s.PersistentPrivate) != dh.KeySize || len(s.PersistentPublic) != dh.KeySize {
			return fail(fmt.Errorf("persistent dh key: %w", errs.ErrInvalidKeySize))
		}
		c.persistentDH = &dh.KeyPair{Private: secret.Clone(s.PersistentPrivate), Public: secret.Clone(s.PersistentPublic)}
	}
	if c.state == StateCreated && c.persistentDH == nil {
		return fail(fmt.Errorf("created connection without persistent dh key: %w", errs.ErrInvalidKeySize))
	}

	c.replay = NewReplayGuard(c.cfg.Replay, c.now)
	c.recovery = NewRecoveryStore(c.cfg.MaxSkippedMessages)
	c.recovery.chain = c.recvEpoch
	return c, nil
}
