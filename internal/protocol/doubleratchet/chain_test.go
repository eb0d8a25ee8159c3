package doubleratchet

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"securechannel/internal/cryptographic/dh"
	"securechannel/internal/protocol/errs"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func keyOf(t *testing.T, h *KeyHandle) []byte {
	t.Helper()
	var out []byte
	if err := h.Use(func(key []byte) error {
		out = append([]byte(nil), key...)
		return nil
	}); err != nil {
		t.Fatalf("Use(%d): %v", h.Index(), err)
	}
	return out
}

func newChain(t *testing.T, ck []byte, window int) *ChainStep {
	t.Helper()
	c, err := NewChainStep(Receiving, ck, nil, window)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestChainDerivationIsDeterministic(t *testing.T) {
	ck := randomKey(t)
	a, b := newChain(t, ck, 10), newChain(t, ck, 10)

	// a walks one by one, b jumps straight to 5.
	var walked []byte
	for i := uint32(1); i <= 5; i++ {
		h, err := a.GetOrDeriveKeyFor(i)
		if err != nil {
			t.Fatal(err)
		}
		walked = keyOf(t, h)
	}
	h, err := b.GetOrDeriveKeyFor(5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(walked, keyOf(t, h)) {
		t.Error("key for index 5 depends on the derivation path")
	}
	if a.Index() != 5 || b.Index() != 5 {
		t.Errorf("indices = %d, %d", a.Index(), b.Index())
	}
}

func TestChainCachedTargetIsIdempotent(t *testing.T) {
	c := newChain(t, randomKey(t), 10)
	h1, err := c.GetOrDeriveKeyFor(3)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.GetOrDeriveKeyFor(3)
	if err != nil {
		t.Fatalf("cached index: %v", err)
	}
	if h1.Index() != h2.Index() || c.Index() != 3 {
		t.Errorf("handles %d/%d, chain index %d", h1.Index(), h2.Index(), c.Index())
	}
}

func TestChainIndexRegression(t *testing.T) {
	c := newChain(t, randomKey(t), 10)
	h, err := c.GetOrDeriveKeyFor(4)
	if err != nil {
		t.Fatal(err)
	}
	keyOf(t, h)

	if _, err := c.GetOrDeriveKeyFor(4); !errors.Is(err, errs.ErrIndexRegression) {
		t.Errorf("consumed index: err = %v", err)
	}
	if _, err := c.GetOrDeriveKeyFor(0); !errors.Is(err, errs.ErrIndexRegression) {
		t.Errorf("index 0: err = %v", err)
	}
}

func TestHandleIsSingleUse(t *testing.T) {
	c := newChain(t, randomKey(t), 10)
	h, err := c.GetOrDeriveKeyFor(1)
	if err != nil {
		t.Fatal(err)
	}
	keyOf(t, h)
	if err := h.Use(func([]byte) error { return nil }); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Errorf("second Use: err = %v", err)
	}
}

func TestChainPrunesOutsideWindow(t *testing.T) {
	c := newChain(t, randomKey(t), 5)
	old, err := c.GetOrDeriveKeyFor(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrDeriveKeyFor(20); err != nil {
		t.Fatal(err)
	}
	if n := c.CachedIndices(); n > 6 {
		t.Errorf("cache holds %d keys, want at most window+1", n)
	}
	if err := old.Use(func([]byte) error { return nil }); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Errorf("pruned key: err = %v", err)
	}
}

func TestUpdateKeysAfterDhRatchet(t *testing.T) {
	kp, err := dh.NewX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewChainStep(Sending, randomKey(t), kp, 10)
	if err != nil {
		t.Fatal(err)
	}
	stale, err := c.GetOrDeriveKeyFor(3)
	if err != nil {
		t.Fatal(err)
	}
	headerBefore := c.headerKeyCopy()

	next, err := dh.NewX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	nextPub := append([]byte(nil), next.Public...)
	if err := c.UpdateKeysAfterDhRatchet(randomKey(t), next); err != nil {
		t.Fatal(err)
	}

	if c.Index() != 0 || c.CachedIndices() != 0 {
		t.Errorf("index %d, cache %d after reset", c.Index(), c.CachedIndices())
	}
	if kp.Private != nil {
		t.Error("previous dh private key not wiped")
	}
	if !bytes.Equal(c.DHPublic(), nextPub) {
		t.Error("dh key pair not rotated")
	}
	if bytes.Equal(headerBefore, c.headerKeyCopy()) {
		t.Error("header key not re-derived")
	}
	if err := stale.Use(func([]byte) error { return nil }); !errors.Is(err, errs.ErrKeyNotFound) {
		t.Errorf("stale handle: err = %v", err)
	}
}

func TestChainWipe(t *testing.T) {
	c := newChain(t, randomKey(t), 10)
	h, err := c.GetOrDeriveKeyFor(2)
	if err != nil {
		t.Fatal(err)
	}
	c.Wipe()

	if err := h.Use(func([]byte) error { return nil }); !errors.Is(err, errs.ErrDisposed) {
		t.Errorf("Use after Wipe: err = %v", err)
	}
	if _, err := c.GetOrDeriveKeyFor(3); !errors.Is(err, errs.ErrDisposed) {
		t.Errorf("derive after Wipe: err = %v", err)
	}
}

func TestNewChainStepRejectsShortKey(t *testing.T) {
	if _, err := NewChainStep(Sending, make([]byte, 16), nil, 10); !errors.Is(err, errs.ErrInvalidKeySize) {
		t.Errorf("err = %v", err)
	}
}
