package doubleratchet

import (
	"fmt"
	"sync"

	"securechannel/internal/cryptographic/kdf"
	"securechannel/internal/cryptographic/secret"
	"securechannel/internal/protocol/errs"

	"github.com/fxamacker/cbor/v2"
)

// RecoveryStore keeps message keys of indices skipped on the receiving chain,
// so messages delivered out of order can still be opened. Every stored key is
// single use.
type RecoveryStore struct {
	mu sync.Mutex

	keys       map[uint32][]byte
	checkedOut map[uint32][]byte
	capacity   int
	chain      uint32 // receiving chain generation the keys belong to
	epoch      uint64
	dirty      bool
	wiped      bool
}

type recoverySnapshot struct {
	Keys  map[uint32][]byte `cbor:"1,keyasint"`
	Chain uint32            `cbor:"2,keyasint"`
}

func NewRecoveryStore(capacity int) *RecoveryStore {
	if capacity <= 0 {
		capacity = DefaultMaxSkippedMessages
	}
	return &RecoveryStore{
		keys:       make(map[uint32][]byte),
		checkedOut: make(map[uint32][]byte),
		capacity:   capacity,
	}
}

// StoreSkippedMessageKeys derives and stores the keys of [from, to). chainKey
// must be the chain key whose first step yields the key of from. Capacity is
// checked before anything is derived.
func (r *RecoveryStore) StoreSkippedMessageKeys(chainKey []byte, from, to uint32) error {
	if from >= to {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wiped {
		return errs.ErrDisposed
	}
	n := uint64(to) - uint64(from)
	if uint64(len(r.keys))+n > uint64(r.capacity) {
		return fmt.Errorf("%w: %d stored, %d skipped, capacity %d", errs.ErrCapacityExceeded, len(r.keys), n, r.capacity)
	}

	ck := secret.Clone(chainKey)
	defer func() { secret.Wipe(ck) }()

	derived := make(map[uint32][]byte, n)
	for i := uint64(from); i < uint64(to); i++ {
		mk, next, err := KDFChainKey(ck)
		if err != nil {
			for _, k := range derived {
				secret.Wipe(k)
			}
			return err
		}
		derived[uint32(i)] = mk
		secret.Wipe(ck)
		ck = next
	}

	for i, mk := range derived {
		if old, ok := r.keys[i]; ok {
			secret.Wipe(old)
		}
		r.keys[i] = mk
	}
	r.dirty = true
	return nil
}

// TryRecoverMessageKey consumes the stored key of index. The key moves out of
// the store on success; a second call for the same index misses.
func (r *RecoveryStore) TryRecoverMessageKey(index uint32) (*KeyHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wiped {
		return nil, false
	}
	key, ok := r.keys[index]
	if !ok {
		return nil, false
	}
	delete(r.keys, index)
	r.checkedOut[index] = key
	r.dirty = true
	return &KeyHandle{index: index, epoch: r.epoch, owner: r}, true
}

// EvictOlderThan wipes stored keys with an index below index.
func (r *RecoveryStore) EvictOlderThan(index uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i, key := range r.keys {
		if i < index {
			secret.Wipe(key)
			delete(r.keys, i)
			n++
		}
	}
	if n > 0 {
		r.dirty = true
	}
	return n
}

// Reset drops every key and binds the store to receiving chain generation
// chain. Outstanding handles go stale.
func (r *RecoveryStore) Reset(chain uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	r.chain = chain
}

// Chain is the receiving chain generation of the stored keys.
func (r *RecoveryStore) Chain() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain
}

func (r *RecoveryStore) Wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	r.wiped = true
}

func (r *RecoveryStore) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func (r *RecoveryStore) Capacity() int { return r.capacity }

// Dirty reports whether the store changed since the last snapshot.
func (r *RecoveryStore) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// MarkDirty flags the store for the next snapshot, e.g. after a failed
// write of the previous one.
func (r *RecoveryStore) MarkDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = true
}

// MarshalBinary encodes the stored keys with CBOR. Checked out keys are not
// included. The dirty flag is cleared.
func (r *RecoveryStore) MarshalBinary() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wiped {
		return nil, errs.ErrDisposed
	}
	data, err := cbor.Marshal(recoverySnapshot{Keys: r.keys, Chain: r.chain})
	if err != nil {
		return nil, fmt.Errorf("encode recovery store: %w", err)
	}
	r.dirty = false
	return data, nil
}

// UnmarshalBinary replaces the stored keys with a snapshot. A snapshot taken
// on another receiving chain generation is dropped: the store is left empty
// and dirty so the stale copy gets overwritten.
func (r *RecoveryStore) UnmarshalBinary(data []byte) error {
	var snap recoverySnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode recovery store: %w", err)
	}
	for _, key := range snap.Keys {
		if len(key) != kdf.KeySize {
			for _, k := range snap.Keys {
				secret.Wipe(k)
			}
			return fmt.Errorf("recovery key: %w", errs.ErrInvalidKeySize)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wiped {
		return errs.ErrDisposed
	}
	if snap.Chain != r.chain {
		for _, k := range snap.Keys {
			secret.Wipe(k)
		}
		r.reset()
		return nil
	}
	if len(snap.Keys) > r.capacity {
		return fmt.Errorf("%w: snapshot holds %d keys", errs.ErrCapacityExceeded, len(snap.Keys))
	}
	r.reset()
	for i, key := range snap.Keys {
		r.keys[i] = key
	}
	r.dirty = false
	return nil
}

func (r *RecoveryStore) useKey(index uint32, epoch uint64, fn func(key []byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wiped {
		return errs.ErrDisposed
	}
	key, ok := r.checkedOut[index]
	if !ok || epoch != r.epoch {
		return fmt.Errorf("%w: recovered index %d", errs.ErrKeyNotFound, index)
	}
	defer func() {
		secret.Wipe(key)
		delete(r.checkedOut, index)
	}()
	return fn(key)
}

func (r *RecoveryStore) reset() {
	for i, key := range r.keys {
		secret.Wipe(key)
		delete(r.keys, i)
	}
	for i, key := range r.checkedOut {
		secret.Wipe(key)
		delete(r.checkedOut, i)
	}
	r.epoch++
	r.dirty = true
}
