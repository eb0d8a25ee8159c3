package doubleratchet

import "securechannel/internal/protocol/errs"

// keyOwner resolves a handle to the key bytes it addresses. Implementations
// wipe and evict the key once fn returns.
type keyOwner interface {
	useKey(index uint32, epoch uint64, fn func(key []byte) error) error
}

// KeyHandle addresses a message key held by a ChainStep or RecoveryStore.
// It never holds key bytes; Use resolves it through the owner, and the key is
// wiped after a single use. A handle outlived by its owner's epoch (a DH
// ratchet or disposal) resolves to ErrKeyNotFound or ErrDisposed.
type KeyHandle struct {
	index uint32
	epoch uint64
	owner keyOwner
}

// Index is the ratchet index the handle addresses.
func (h *KeyHandle) Index() uint32 {
	if h == nil {
		return 0
	}
	return h.index
}

// Use runs fn with the key bytes. fn must not retain key or call back into
// the owner.
func (h *KeyHandle) Use(fn func(key []byte) error) error {
	if h == nil || h.owner == nil {
		return errs.ErrKeyNotFound
	}
	return h.owner.useKey(h.index, h.epoch, fn)
}
