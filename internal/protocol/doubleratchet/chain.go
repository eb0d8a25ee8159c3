package doubleratchet

import (
	"fmt"
	"sync"

	"securechannel/internal/cryptographic/dh"
	"securechannel/internal/cryptographic/kdf"
	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/protocol/errs"
)

type Direction uint8

const (
	Sending Direction = iota + 1
	Receiving
)

func (d Direction) String() string {
	switch d {
	case Sending:
		return "sending"
	case Receiving:
		return "receiving"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// ChainStep is one direction of the symmetric ratchet. Index 0 is the state
// right after a reset; the key for index i is derived from the chain key at
// index i-1.
type ChainStep struct {
	mu sync.Mutex

	direction Direction
	index     uint32
	chainKey  []byte
	headerKey []byte
	dh        *dh.KeyPair

	cache  map[uint32][]byte
	window uint32
	epoch  uint64
	wiped  bool
}

// NewChainStep copies chainKey and takes ownership of dhPair.
func NewChainStep(direction Direction, chainKey []byte, dhPair *dh.KeyPair, window int) (*ChainStep, error) {
	if len(chainKey) != kdf.KeySize {
		return nil, fmt.Errorf("chain key: %w", errs.ErrInvalidKeySize)
	}
	if window <= 0 {
		window = DefaultCacheWindowSize
	}

	headerKey, err := kdf.HeaderKey(chainKey)
	if err != nil {
		return nil, err
	}

	return &ChainStep{
		direction: direction,
		chainKey:  secret.Clone(chainKey),
		headerKey: headerKey,
		dh:        dhPair,
		cache:     make(map[uint32][]byte),
		window:    uint32(window),
	}, nil
}

func (c *ChainStep) Direction() Direction { return c.direction }

// Index is the highest index derived so far.
func (c *ChainStep) Index() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// DHPublic returns a copy of the chain's DH public key, or nil.
func (c *ChainStep) DHPublic() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dh == nil {
		return nil
	}
	return secret.Clone(c.dh.Public)
}

// GetOrDeriveKeyFor returns a handle for target, deriving every key between
// the current index and target. Cached targets are returned as is; anything
// else at or below the current index fails with ErrIndexRegression.
func (c *ChainStep) GetOrDeriveKeyFor(target uint32) (*KeyHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return nil, errs.ErrDisposed
	}
	if _, ok := c.cache[target]; ok {
		return c.handle(target), nil
	}
	if target <= c.index {
		return nil, fmt.Errorf("%w: %s chain at %d, requested %d", errs.ErrIndexRegression, c.direction, c.index, target)
	}

	for i := uint64(c.index) + 1; i <= uint64(target); i++ {
		mk, next, err := KDFChainKey(c.chainKey)
		if err != nil {
			return nil, err
		}
		c.cache[uint32(i)] = mk
		secret.Wipe(c.chainKey)
		c.chainKey = next
		c.index = uint32(i)
	}

	c.prune()
	return c.handle(target), nil
}

// UpdateKeysAfterDhRatchet starts a new chain: cached keys are wiped, the
// index resets to 0 and the chain and header keys are replaced. newDH, when
// not nil, replaces (and wipes) the current DH key pair.
func (c *ChainStep) UpdateKeysAfterDhRatchet(newChainKey []byte, newDH *dh.KeyPair) error {
	if len(newChainKey) != kdf.KeySize {
		return fmt.Errorf("chain key: %w", errs.ErrInvalidKeySize)
	}
	headerKey, err := kdf.HeaderKey(newChainKey)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		secret.Wipe(headerKey)
		return errs.ErrDisposed
	}

	c.wipeCache()
	c.index = 0
	c.epoch++
	secret.Replace(&c.chainKey, newChainKey)
	secret.Wipe(c.headerKey)
	c.headerKey = headerKey

	if newDH != nil {
		c.dh.Wipe()
		c.dh = newDH
	}
	return nil
}

// Wipe destroys every key held by the chain. Further use fails with
// ErrDisposed.
func (c *ChainStep) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wipeCache()
	secret.Wipe(c.chainKey, c.headerKey)
	c.chainKey, c.headerKey = nil, nil
	c.dh.Wipe()
	c.epoch++
	c.wiped = true
}

// CachedIndices reports how many message keys are currently cached.
func (c *ChainStep) CachedIndices() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *ChainStep) useKey(index uint32, epoch uint64, fn func(key []byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return errs.ErrDisposed
	}
	key, ok := c.cache[index]
	if !ok || epoch != c.epoch {
		return fmt.Errorf("%w: %s chain index %d", errs.ErrKeyNotFound, c.direction, index)
	}
	defer func() {
		secret.Wipe(key)
		delete(c.cache, index)
	}()
	return fn(key)
}

// discard wipes cached keys in [from, to).
func (c *ChainStep) discard(from, to uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := uint64(from); i < uint64(to); i++ {
		if key, ok := c.cache[uint32(i)]; ok {
			secret.Wipe(key)
			delete(c.cache, uint32(i))
		}
	}
}

func (c *ChainStep) chainKeyCopy() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return secret.Clone(c.chainKey)
}

func (c *ChainStep) headerKeyCopy() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return secret.Clone(c.headerKey)
}

func (c *ChainStep) dhPrivateCopy() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dh == nil {
		return nil
	}
	return secret.Clone(c.dh.Private)
}

func (c *ChainStep) handle(index uint32) *KeyHandle {
	return &KeyHandle{index: index, epoch: c.epoch, owner: c}
}

// prune evicts keys that fell out of the window behind the current index.
func (c *ChainStep) prune() {
	if c.index <= c.window {
		return
	}
	floor := c.index - c.window
	for i, key := range c.cache {
		if i < floor {
			secret.Wipe(key)
			delete(c.cache, i)
		}
	}
}

func (c *ChainStep) wipeCache() {
	for i, key := range c.cache {
		secret.Wipe(key)
		delete(c.cache, i)
	}
}

type chainSnapshot struct {
	Index     uint32 `cbor:"1,keyasint"`
	ChainKey  []byte `cbor:"2,keyasint"`
	HeaderKey []byte `cbor:"3,keyasint"`
	DHPrivate []byte `cbor:"4,keyasint,omitempty"`
	DHPublic  []byte `cbor:"5,keyasint,omitempty"`
}

func (s *chainSnapshot) wipe() {
	if s != nil {
		secret.Wipe(s.ChainKey, s.HeaderKey, s.DHPrivate)
	}
}

// snapshot copies the chain's position and keys. Cached message keys are not
// included.
func (c *ChainStep) snapshot() chainSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := chainSnapshot{
		Index:     c.index,
		ChainKey:  secret.Clone(c.chainKey),
		HeaderKey: secret.Clone(c.headerKey),
	}
	if c.dh != nil {
		s.DHPrivate = secret.Clone(c.dh.Private)
		s.DHPublic = secret.Clone(c.dh.Public)
	}
	return s
}

func restoreChainStep(direction Direction, s chainSnapshot, window int) (*ChainStep, error) {
	if len(s.HeaderKey) != kdf.KeySize {
		return nil, fmt.Errorf("%s header key: %w", direction, errs.ErrInvalidKeySize)
	}
	var pair *dh.KeyPair
	if len(s.DHPrivate) > 0 || len(s.DHPublic) > 0 {
		if len(s.DHPrivate) != dh.KeySize || len(s.DHPublic) != dh.KeySize {
			return nil, fmt.Errorf("%s dh key: %w", direction, errs.ErrInvalidKeySize)
		}
		pair = &dh.KeyPair{Private: secret.Clone(s.DHPrivate), Public: secret.Clone(s.DHPublic)}
	}

	c, err := NewChainStep(direction, s.ChainKey, pair, window)
	if err != nil {
		pair.Wipe()
		return nil, err
	}
	secret.Replace(&c.headerKey, s.HeaderKey)
	c.index = s.Index
	return c, nil
}
