package doubleratchet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"securechannel/internal/cryptographic/dh"
	"securechannel/internal/cryptographic/kdf"
	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/protocol/errs"
)

type State uint8

const (
	StateCreated State = iota + 1
	StateFinalized
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFinalized:
		return "finalized"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Connection is one end of a Double Ratchet channel.
//
// Sending DH ratchets are token passed: the initiator holds the turn after
// Finalize and hands it over with its next sending ratchet; a party gets it
// back when it processes a new DH key from its peer. Ratchet triggers are
// only evaluated while holding the turn, so both root chains advance in
// lockstep even when both parties send concurrently.
//
// Every exported method takes the connection lock.
type Connection struct {
	mu sync.Mutex

	id          string
	isInitiator bool
	cfg         Config
	now         func() time.Time
	observer    Observer

	rootKey      []byte
	sending      *ChainStep
	receiving    *ChainStep
	peerDHPublic []byte
	persistentDH *dh.KeyPair

	createdAt    time.Time
	lastRatchet  time.Time
	nonceCounter uint64
	processed    uint32
	sendEpoch    uint32
	recvEpoch    uint32

	ratchetTurn   bool
	newPeerKey    bool
	pendingDHSend bool

	replay   *ReplayGuard
	recovery *RecoveryStore
	state    State
}

// SendStep is the outcome of PrepareNextSendMessage.
type SendStep struct {
	Handle *KeyHandle
	Index  uint32
	// DHPublic is set for every message of a sending chain that was opened
	// by a DH ratchet.
	DHPublic []byte
}

// WithPersistentKey sets the DH key pair announced before Finalize. The
// connection takes ownership of kp.
func WithPersistentKey(kp *dh.KeyPair) Option {
	return func(c *Connection) {
		if kp != nil {
			c.persistentDH = kp
		}
	}
}

// New creates a connection in the Created state. rootKey and chainKey are
// copied; chainKey seeds the sending chain.
func New(connectionID string, isInitiator bool, rootKey, chainKey []byte, cfg Config, opts ...Option) (*Connection, error) {
	if len(rootKey) != kdf.KeySize {
		return nil, fmt.Errorf("root key: %w", errs.ErrInvalidKeySize)
	}

	c := &Connection{
		id:           connectionID,
		isInitiator:  isInitiator,
		cfg:          cfg.withDefaults(),
		now:          time.Now,
		observer:     nopObserver{},
		nonceCounter: InitialNonceCounter,
		state:        StateCreated,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.persistentDH == nil {
		kp, err := dh.NewX25519KeyPair()
		if err != nil {
			return nil, err
		}
		c.persistentDH = kp
	}

	sending, err := NewChainStep(Sending, chainKey, nil, c.cfg.CacheWindowSize)
	if err != nil {
		c.persistentDH.Wipe()
		return nil, err
	}

	now := c.now()
	c.rootKey = secret.Clone(rootKey)
	c.sending = sending
	c.createdAt = now
	c.lastRatchet = now
	c.replay = NewReplayGuard(c.cfg.Replay, c.now)
	c.recovery = NewRecoveryStore(c.cfg.MaxSkippedMessages)
	return c, nil
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) IsInitiator() bool { return c.isInitiator }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PersistentPublicKey is the DH public key the peer passes to Finalize.
func (c *Connection) PersistentPublicKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistentDH == nil {
		return nil
	}
	return secret.Clone(c.persistentDH.Public)
}

// Recovery exposes the skipped-key store for persistence.
func (c *Connection) Recovery() *RecoveryStore { return c.recovery }

func (c *Connection) SendingIndex() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending.Index()
}

func (c *Connection) ReceivingIndex() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiving == nil {
		return 0
	}
	return c.receiving.Index()
}

// Finalize mixes DH(persistent, peerInitialPublic) into the root key and
// installs both chains. The persistent key pair becomes the sending DH key
// pair, so the peer's first ratchet targets it.
func (c *Connection) Finalize(peerInitialPublic []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if c.receiving != nil {
		return errs.ErrAlreadyFinalized
	}
	if err := dh.ValidatePublicKey(peerInitialPublic); err != nil {
		return err
	}

	dhOut, err := dh.X25519SharedSecret(c.persistentDH.Private, peerInitialPublic)
	if err != nil {
		return err
	}
	newRoot, ck1, ck2, err := KDFFinalize(c.rootKey, dhOut)
	secret.Wipe(dhOut)
	if err != nil {
		return err
	}
	defer secret.Wipe(newRoot, ck1, ck2)

	sendCK, recvCK := ck1, ck2
	if !c.isInitiator {
		sendCK, recvCK = ck2, ck1
	}

	receiving, err := NewChainStep(Receiving, recvCK, nil, c.cfg.CacheWindowSize)
	if err != nil {
		return err
	}
	if err := c.sending.UpdateKeysAfterDhRatchet(sendCK, c.persistentDH); err != nil {
		receiving.Wipe()
		return err
	}

	secret.Replace(&c.rootKey, newRoot)
	c.persistentDH = nil
	c.receiving = receiving
	c.peerDHPublic = secret.Clone(peerInitialPublic)
	c.ratchetTurn = c.isInitiator
	c.lastRatchet = c.now()
	c.recovery.Reset(c.recvEpoch)
	c.replay.OnRatchetRotation()
	c.state = StateFinalized
	return nil
}

// PrepareNextSendMessage advances the sending chain by one, performing a
// sending DH ratchet first when one is due.
func (c *Connection) PrepareNextSendMessage() (*SendStep, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}
	return c.prepareSend()
}

// ProcessReceivedMessage returns the key handle for index on the current
// receiving chain. Skipped indices are stored in the recovery store first;
// an index already consumed fails with ErrIndexRegression.
func (c *Connection) ProcessReceivedMessage(index uint32) (*KeyHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.receiving == nil {
		return nil, errs.ErrNotFinalized
	}
	return c.processReceived(index)
}

// PerformDhRatchet steps the root chain. A sending ratchet generates a new
// DH key pair and agrees with peerKey; a receiving ratchet agrees with the
// current sending key pair and records peerKey as the peer's key.
func (c *Connection) PerformDhRatchet(isSender bool, peerKey []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	if c.receiving == nil {
		return errs.ErrNotFinalized
	}
	if err := dh.ValidatePublicKey(peerKey); err != nil {
		return err
	}
	if isSender {
		return c.sendingRatchet(peerKey)
	}
	p, err := c.previewReceivingRatchet(peerKey)
	if err != nil {
		return err
	}
	return c.commitReceivingRatchet(p)
}

// NextNonce returns the next 12-byte metadata nonce: the little-endian
// counter followed by 4 random bytes.
func (c *Connection) NextNonce() ([NonceSize]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return [NonceSize]byte{}, err
	}
	return c.nextNonce()
}

// Dispose wipes every secret. It is safe to call more than once.
func (c *Connection) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed {
		return
	}
	secret.Wipe(c.rootKey)
	c.rootKey = nil
	c.sending.Wipe()
	if c.receiving != nil {
		c.receiving.Wipe()
	}
	c.persistentDH.Wipe()
	c.persistentDH = nil
	c.peerDHPublic = nil
	c.recovery.Wipe()
	c.state = StateDisposed
}

func (c *Connection) usable() error {
	if c.state == StateDisposed {
		return errs.ErrDisposed
	}
	if c.now().Sub(c.createdAt) > c.cfg.SessionLifetime {
		return errs.ErrSessionExpired
	}
	return nil
}

func (c *Connection) prepareSend() (*SendStep, error) {
	if c.ratchetDue() {
		if err := c.sendingRatchet(c.peerDHPublic); err != nil {
			return nil, err
		}
	}

	index := c.sending.Index() + 1
	h, err := c.sending.GetOrDeriveKeyFor(index)
	if err != nil {
		return nil, err
	}

	step := &SendStep{Handle: h, Index: index}
	if c.pendingDHSend {
		step.DHPublic = c.sending.DHPublic()
	}
	return step, nil
}

// ratchetDue evaluates the sending ratchet triggers for the next message.
func (c *Connection) ratchetDue() bool {
	if c.receiving == nil || c.peerDHPublic == nil || !c.ratchetTurn {
		return false
	}
	if !c.cfg.DisableRatchetOnNewDHKey && c.newPeerKey {
		return true
	}
	next := c.sending.Index() + 1
	if n := c.cfg.DHRatchetEveryNMessages; n > 0 && next%n == 0 {
		return true
	}
	return c.now().Sub(c.lastRatchet) >= c.cfg.RatchetInterval
}

func (c *Connection) sendingRatchet(peerKey []byte) error {
	kp, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	dhOut, err := dh.X25519SharedSecret(kp.Private, peerKey)
	if err != nil {
		kp.Wipe()
		return err
	}
	newRoot, newChain, err := KDFRootKey(c.rootKey, dhOut)
	secret.Wipe(dhOut)
	if err != nil {
		kp.Wipe()
		return err
	}
	defer secret.Wipe(newRoot, newChain)

	if err := c.sending.UpdateKeysAfterDhRatchet(newChain, kp); err != nil {
		kp.Wipe()
		return err
	}
	secret.Replace(&c.rootKey, newRoot)
	c.sendEpoch++
	c.ratchetTurn = false
	c.newPeerKey = false
	c.pendingDHSend = true
	c.afterRatchet(true)
	return nil
}

// pendingRatchet holds the outcome of a receiving ratchet that has not been
// committed yet.
type pendingRatchet struct {
	peerKey   []byte
	rootKey   []byte
	chainKey  []byte
	headerKey []byte
}

func (p *pendingRatchet) wipe() {
	if p != nil {
		secret.Wipe(p.rootKey, p.chainKey, p.headerKey)
	}
}

func (c *Connection) previewReceivingRatchet(peerKey []byte) (*pendingRatchet, error) {
	priv := c.sending.dhPrivateCopy()
	if priv == nil {
		return nil, fmt.Errorf("%w: no local dh key", errs.ErrNotFinalized)
	}
	dhOut, err := dh.X25519SharedSecret(priv, peerKey)
	secret.Wipe(priv)
	if err != nil {
		return nil, err
	}
	newRoot, newChain, err := KDFRootKey(c.rootKey, dhOut)
	secret.Wipe(dhOut)
	if err != nil {
		return nil, err
	}
	hk, err := kdf.HeaderKey(newChain)
	if err != nil {
		secret.Wipe(newRoot, newChain)
		return nil, err
	}
	return &pendingRatchet{
		peerKey:   secret.Clone(peerKey),
		rootKey:   newRoot,
		chainKey:  newChain,
		headerKey: hk,
	}, nil
}

func (c *Connection) commitReceivingRatchet(p *pendingRatchet) error {
	defer p.wipe()

	if err := c.receiving.UpdateKeysAfterDhRatchet(p.chainKey, nil); err != nil {
		return err
	}
	secret.Replace(&c.rootKey, p.rootKey)
	c.peerDHPublic = p.peerKey
	c.recvEpoch++
	c.ratchetTurn = true
	c.newPeerKey = true
	c.recovery.Reset(c.recvEpoch)
	c.afterRatchet(false)
	return nil
}

func (c *Connection) afterRatchet(sender bool) {
	c.replay.OnRatchetRotation()
	c.lastRatchet = c.now()
	c.observer.RatchetStepped(c.id, sender)
}

func (c *Connection) processReceived(index uint32) (*KeyHandle, error) {
	if h, ok := c.recovery.TryRecoverMessageKey(index); ok {
		return h, nil
	}

	current := c.receiving.Index()
	skipped := uint64(index) > uint64(current)+1
	if skipped {
		ck := c.receiving.chainKeyCopy()
		err := c.recovery.StoreSkippedMessageKeys(ck, current+1, index)
		secret.Wipe(ck)
		if err != nil {
			return nil, err
		}
		c.observer.SkippedKeysStored(c.id, int(index-current-1))
	}

	h, err := c.receiving.GetOrDeriveKeyFor(index)
	if err != nil {
		return nil, err
	}
	if skipped {
		c.receiving.discard(current+1, index)
	}

	c.processed++
	period := c.cfg.RecoveryEvictionPeriod
	if c.processed%period == 0 && index > period {
		c.recovery.EvictOlderThan(index - period)
	}
	return h, nil
}

func (c *Connection) nextNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], c.nonceCounter)
	if _, err := rand.Read(n[8:]); err != nil {
		return n, fmt.Errorf("rand.Read nonce: %w", err)
	}
	c.nonceCounter++
	return n, nil
}
