package doubleratchet

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"securechannel/internal/protocol/errs"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func nonce(n uint64) []byte {
	b := make([]byte, NonceSize)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func TestReplayRejectsDuplicates(t *testing.T) {
	g := NewReplayGuard(DefaultReplayConfig(), newFakeClock().Now)

	if err := g.Check("c", nonce(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := g.Check("c", nonce(1), 2); !errors.Is(err, errs.ErrReplayDetected) {
		t.Errorf("reused nonce: err = %v", err)
	}
	if err := g.Check("c", nonce(2), 1); !errors.Is(err, errs.ErrReplayDetected) {
		t.Errorf("reused index: err = %v", err)
	}
	// The failed checks must not have consumed index 2.
	if err := g.Check("c", nonce(3), 2); err != nil {
		t.Errorf("index 2 after rejected attempts: %v", err)
	}
}

func TestReplayValidateDoesNotRecord(t *testing.T) {
	g := NewReplayGuard(DefaultReplayConfig(), newFakeClock().Now)

	for i := 0; i < 2; i++ {
		if err := g.Validate("c", nonce(1), 1); err != nil {
			t.Fatalf("validate #%d: %v", i+1, err)
		}
	}
	if err := g.Check("c", nonce(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := g.Validate("c", nonce(2), 1); !errors.Is(err, errs.ErrReplayDetected) {
		t.Errorf("processed index: err = %v", err)
	}
	if err := g.Validate("c", nonce(1), 2); !errors.Is(err, errs.ErrReplayDetected) {
		t.Errorf("seen nonce: err = %v", err)
	}
	if err := g.Validate("c", nonce(3), 1+g.Window()+1); !errors.Is(err, errs.ErrGapTooLarge) {
		t.Errorf("gap: err = %v", err)
	}
}

func TestReplayAcceptsOutOfOrderWithinWindow(t *testing.T) {
	g := NewReplayGuard(DefaultReplayConfig(), newFakeClock().Now)
	for i, idx := range []uint32{5, 3, 4, 1, 2} {
		if err := g.Check("c", nonce(uint64(i)), idx); err != nil {
			t.Fatalf("index %d: %v", idx, err)
		}
	}
}

func TestReplayGapTooLarge(t *testing.T) {
	g := NewReplayGuard(DefaultReplayConfig(), newFakeClock().Now)
	if err := g.Check("c", nonce(1), 1500); err != nil {
		t.Fatal(err)
	}
	if err := g.Check("c", nonce(2), 1500+1001); !errors.Is(err, errs.ErrGapTooLarge) {
		t.Errorf("ahead: err = %v", err)
	}
	if err := g.Check("c", nonce(3), 499); !errors.Is(err, errs.ErrGapTooLarge) {
		t.Errorf("behind: err = %v", err)
	}
	if err := g.Check("c", nonce(4), 500); err != nil {
		t.Errorf("exactly one window behind: %v", err)
	}
}

func TestReplayChainsAreIndependent(t *testing.T) {
	g := NewReplayGuard(DefaultReplayConfig(), newFakeClock().Now)
	if err := g.Check("a", nonce(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := g.Check("b", nonce(2), 1); err != nil {
		t.Errorf("same index on another chain: %v", err)
	}
}

func TestReplayRotationClearsWindows(t *testing.T) {
	g := NewReplayGuard(DefaultReplayConfig(), newFakeClock().Now)
	if err := g.Check("c", nonce(1), 1); err != nil {
		t.Fatal(err)
	}
	g.OnRatchetRotation()
	if err := g.Check("c", nonce(2), 1); err != nil {
		t.Errorf("index after rotation: %v", err)
	}
	if err := g.Check("c", nonce(1), 2); !errors.Is(err, errs.ErrReplayDetected) {
		t.Errorf("nonce forgotten on rotation: err = %v", err)
	}
}

func TestReplayNonceExpires(t *testing.T) {
	clock := newFakeClock()
	g := NewReplayGuard(DefaultReplayConfig(), clock.Now)
	if err := g.Check("c", nonce(1), 1); err != nil {
		t.Fatal(err)
	}

	clock.Advance(301 * time.Second)
	if err := g.Check("c", nonce(1), 2); err != nil {
		t.Errorf("nonce past its lifetime: %v", err)
	}
}

func TestReplayAdaptiveWindow(t *testing.T) {
	clock := newFakeClock()
	g := NewReplayGuard(DefaultReplayConfig(), clock.Now)
	if w := g.Window(); w != 1000 {
		t.Fatalf("base window = %d", w)
	}

	var n uint64
	burst := func(count int) {
		for i := 0; i < count; i++ {
			n++
			if err := g.Check("c", nonce(n), uint32(n)); err != nil {
				t.Fatal(err)
			}
		}
	}

	clock.Advance(29 * time.Second)
	burst(30)
	clock.Advance(time.Second)
	if w := g.Window(); w != 2000 {
		t.Errorf("window at medium rate = %d, want 2000", w)
	}

	clock.Advance(29 * time.Second)
	burst(60)
	clock.Advance(time.Second)
	if w := g.Window(); w != 3000 {
		t.Errorf("window at high rate = %d, want 3000", w)
	}

	clock.Advance(30 * time.Second)
	if w := g.Window(); w != 1000 {
		t.Errorf("window when idle = %d, want 1000", w)
	}
}

func TestReplayWindowIsCapped(t *testing.T) {
	cfg := DefaultReplayConfig()
	cfg.BaseWindow = 4000
	clock := newFakeClock()
	g := NewReplayGuard(cfg, clock.Now)

	clock.Advance(29 * time.Second)
	for i := uint64(1); i <= 60; i++ {
		if err := g.Check("c", nonce(i), uint32(i)); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(time.Second)
	if w := g.Window(); w != 5000 {
		t.Errorf("window = %d, want cap 5000", w)
	}
}
