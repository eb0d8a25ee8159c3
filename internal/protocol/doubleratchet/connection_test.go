package doubleratchet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"securechannel/internal/protocol/envelope"
	"securechannel/internal/protocol/errs"
)

type countingObserver struct {
	ratchets map[bool]int
	skipped  int
	replays  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{ratchets: make(map[bool]int)}
}

func (o *countingObserver) RatchetStepped(_ string, sender bool) { o.ratchets[sender]++ }
func (o *countingObserver) SkippedKeysStored(_ string, n int)    { o.skipped += n }
func (o *countingObserver) ReplayRejected(string, error)         { o.replays++ }

// newPair returns a finalized initiator and responder sharing a root key.
func newPair(t *testing.T, cfg Config, opts ...Option) (a, b *Connection) {
	t.Helper()
	root := randomKey(t)

	a, err := New("conn-1", true, root, randomKey(t), cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	b, err = New("conn-1", false, root, randomKey(t), cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	aPub, bPub := a.PersistentPublicKey(), b.PersistentPublicKey()
	if err := a.Finalize(bPub); err != nil {
		t.Fatal(err)
	}
	if err := b.Finalize(aPub); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func rootKeyOf(c *Connection) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.rootKey...)
}

func send(t *testing.T, c *Connection, msg string) *envelope.SecureEnvelope {
	t.Helper()
	env, err := c.EncryptOutbound([]byte(msg), SendOptions{})
	if err != nil {
		t.Fatalf("encrypt %q: %v", msg, err)
	}
	return env
}

func receive(t *testing.T, c *Connection, env *envelope.SecureEnvelope, want string) {
	t.Helper()
	plain, err := c.DecryptInbound(env)
	if err != nil {
		t.Fatalf("decrypt %q: %v", want, err)
	}
	if string(plain) != want {
		t.Fatalf("plaintext = %q, want %q", plain, want)
	}
}

func TestFinalizeDerivesMatchingChains(t *testing.T) {
	a, b := newPair(t, DefaultConfig())

	if !bytes.Equal(rootKeyOf(a), rootKeyOf(b)) {
		t.Fatal("root keys differ after finalize")
	}
	if a.State() != StateFinalized || b.State() != StateFinalized {
		t.Errorf("states = %s, %s", a.State(), b.State())
	}

	for i := 0; i < 3; i++ {
		receive(t, b, send(t, a, "a->b"), "a->b")
		receive(t, a, send(t, b, "b->a"), "b->a")
	}
}

func TestFinalizeTwice(t *testing.T) {
	a, _ := newPair(t, DefaultConfig())
	if err := a.Finalize(randomKey(t)); !errors.Is(err, errs.ErrAlreadyFinalized) {
		t.Errorf("err = %v, want ErrAlreadyFinalized", err)
	}
}

func TestReceiveBeforeFinalize(t *testing.T) {
	c, err := New("c", false, randomKey(t), randomKey(t), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ProcessReceivedMessage(1); !errors.Is(err, errs.ErrNotFinalized) {
		t.Errorf("err = %v, want ErrNotFinalized", err)
	}
	// Sending is possible before finalize, without any ratchet.
	step, err := c.PrepareNextSendMessage()
	if err != nil {
		t.Fatal(err)
	}
	if step.Index != 1 || step.DHPublic != nil {
		t.Errorf("step = %+v", step)
	}
}

func TestNewRejectsShortKeys(t *testing.T) {
	if _, err := New("c", true, make([]byte, 31), randomKey(t), DefaultConfig()); !errors.Is(err, errs.ErrInvalidKeySize) {
		t.Errorf("root key: err = %v", err)
	}
	if _, err := New("c", true, randomKey(t), make([]byte, 33), DefaultConfig()); !errors.Is(err, errs.ErrInvalidKeySize) {
		t.Errorf("chain key: err = %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	clock := newFakeClock()
	a, _ := newPair(t, DefaultConfig(), WithClock(clock.Now))

	clock.Advance(time.Hour)
	if _, err := a.PrepareNextSendMessage(); err != nil {
		t.Fatalf("at exactly the lifetime: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := a.PrepareNextSendMessage(); !errors.Is(err, errs.ErrSessionExpired) {
		t.Errorf("err = %v, want ErrSessionExpired", err)
	}
}

func TestDispose(t *testing.T) {
	a, _ := newPair(t, DefaultConfig())
	step, err := a.PrepareNextSendMessage()
	if err != nil {
		t.Fatal(err)
	}

	a.Dispose()
	a.Dispose()

	if a.State() != StateDisposed {
		t.Errorf("state = %s", a.State())
	}
	if _, err := a.PrepareNextSendMessage(); !errors.Is(err, errs.ErrDisposed) {
		t.Errorf("send after dispose: err = %v", err)
	}
	if err := step.Handle.Use(func([]byte) error { return nil }); !errors.Is(err, errs.ErrDisposed) {
		t.Errorf("handle after dispose: err = %v", err)
	}
	if a.rootKey != nil {
		t.Error("root key kept after dispose")
	}
	if _, err := a.SerializeState(); !errors.Is(err, errs.ErrDisposed) {
		t.Errorf("serialize after dispose: err = %v", err)
	}
}

func TestSendAndReceiveKeysAgree(t *testing.T) {
	a, b := newPair(t, DefaultConfig())

	for i := uint32(1); i <= 3; i++ {
		step, err := a.PrepareNextSendMessage()
		if err != nil {
			t.Fatal(err)
		}
		if step.Index != i {
			t.Fatalf("send index = %d, want %d", step.Index, i)
		}
		h, err := b.ProcessReceivedMessage(i)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(keyOf(t, step.Handle), keyOf(t, h)) {
			t.Fatalf("index %d: keys differ", i)
		}
	}
}

func TestOutOfOrderRecovery(t *testing.T) {
	a, b := newPair(t, DefaultConfig())

	sent := make(map[uint32][]byte)
	for i := 0; i < 5; i++ {
		step, err := a.PrepareNextSendMessage()
		if err != nil {
			t.Fatal(err)
		}
		sent[step.Index] = keyOf(t, step.Handle)
	}

	h5, err := b.ProcessReceivedMessage(5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keyOf(t, h5), sent[5]) {
		t.Error("index 5 key differs")
	}
	if n := b.Recovery().Len(); n != 4 {
		t.Errorf("recovery holds %d keys, want 4", n)
	}

	h3, err := b.ProcessReceivedMessage(3)
	if err != nil {
		t.Fatalf("index 3 after 5: %v", err)
	}
	if !bytes.Equal(keyOf(t, h3), sent[3]) {
		t.Error("index 3 key differs")
	}
	if _, err := b.ProcessReceivedMessage(3); !errors.Is(err, errs.ErrIndexRegression) {
		t.Errorf("index 3 again: err = %v, want ErrIndexRegression", err)
	}
}

func TestSkippedCapacity(t *testing.T) {
	_, b := newPair(t, DefaultConfig())
	if _, err := b.ProcessReceivedMessage(DefaultMaxSkippedMessages + 2); !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	if b.ReceivingIndex() != 0 {
		t.Errorf("receiving chain advanced to %d", b.ReceivingIndex())
	}
	if _, err := b.ProcessReceivedMessage(DefaultMaxSkippedMessages + 1); err != nil {
		t.Errorf("exactly at capacity: %v", err)
	}
}

func TestRejectedEnvelopeCanBeRedelivered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSkippedMessages = 4
	a, b := newPair(t, cfg)

	var envs []*envelope.SecureEnvelope
	for i := 1; i <= 7; i++ {
		envs = append(envs, send(t, a, fmt.Sprintf("m%d", i)))
	}

	receive(t, b, envs[4], "m5")
	if _, err := b.DecryptInbound(envs[6]); !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("m7 with a full store: err = %v, want ErrCapacityExceeded", err)
	}

	for _, i := range []int{0, 1, 2, 3, 5} {
		receive(t, b, envs[i], fmt.Sprintf("m%d", i+1))
	}
	receive(t, b, envs[6], "m7")

	if _, err := b.DecryptInbound(envs[6]); !errors.Is(err, errs.ErrReplayDetected) {
		t.Errorf("m7 after acceptance: err = %v, want ErrReplayDetected", err)
	}
}

func TestConnectionEvictsOldSkippedKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryEvictionPeriod = 10
	_, b := newPair(t, cfg)

	// Index 3 stores 1 and 2 and is the first processed message.
	if _, err := b.ProcessReceivedMessage(3); err != nil {
		t.Fatal(err)
	}
	for i := uint32(4); i < 12; i++ {
		if _, err := b.ProcessReceivedMessage(i); err != nil {
			t.Fatal(err)
		}
	}
	if n := b.Recovery().Len(); n != 2 {
		t.Fatalf("before the tenth message: %d skipped keys, want 2", n)
	}

	// The tenth processed message is index 12: keys below 2 go.
	if _, err := b.ProcessReceivedMessage(12); err != nil {
		t.Fatal(err)
	}
	if n := b.Recovery().Len(); n != 1 {
		t.Fatalf("after eviction: %d skipped keys, want 1", n)
	}
	if _, err := b.ProcessReceivedMessage(1); err == nil {
		t.Error("evicted index 1 still processed")
	}
	if _, err := b.ProcessReceivedMessage(2); err != nil {
		t.Errorf("index 2 survives eviction: %v", err)
	}
}

func TestZeroConfigRatchetsOnNewDHKey(t *testing.T) {
	for _, disable := range []bool{false, true} {
		cfg := Config{DHRatchetEveryNMessages: 2, DisableRatchetOnNewDHKey: disable}
		a, b := newPair(t, cfg)

		// a ratchets on its second message, which hands b a new key.
		receive(t, b, send(t, a, "one"), "one")
		receive(t, b, send(t, a, "two"), "two")

		step, err := b.PrepareNextSendMessage()
		if err != nil {
			t.Fatal(err)
		}
		if got := step.DHPublic != nil; got == disable {
			t.Errorf("disable=%v: ratchet on new key = %v", disable, got)
		}
	}
}

func TestDhRatchetAdvancesRootKey(t *testing.T) {
	a, b := newPair(t, DefaultConfig())
	if _, err := a.PrepareNextSendMessage(); err != nil {
		t.Fatal(err)
	}
	before := rootKeyOf(a)

	peer := append([]byte(nil), a.peerDHPublic...)
	if err := a.PerformDhRatchet(true, peer); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, rootKeyOf(a)) {
		t.Error("root key unchanged by ratchet")
	}
	if n := a.sending.CachedIndices(); n != 0 {
		t.Errorf("sending cache holds %d keys after ratchet", n)
	}
	if a.SendingIndex() != 0 {
		t.Errorf("sending index = %d after ratchet", a.SendingIndex())
	}

	// The responder follows with a receiving ratchet on the new key.
	if err := b.PerformDhRatchet(false, a.sending.DHPublic()); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rootKeyOf(a), rootKeyOf(b)) {
		t.Error("root keys diverged")
	}
}

func TestNextNonce(t *testing.T) {
	a, _ := newPair(t, DefaultConfig())
	for i := uint64(0); i < 3; i++ {
		n, err := a.NextNonce()
		if err != nil {
			t.Fatal(err)
		}
		if got := binary.LittleEndian.Uint64(n[:8]); got != InitialNonceCounter+i {
			t.Errorf("counter = %d, want %d", got, InitialNonceCounter+i)
		}
	}
}

func TestReplayedEnvelopeIsRejected(t *testing.T) {
	obs := newCountingObserver()
	a, b := newPair(t, DefaultConfig(), WithObserver(obs))

	env := send(t, a, "once")
	receive(t, b, env, "once")
	if _, err := b.DecryptInbound(env); !errors.Is(err, errs.ErrReplayDetected) {
		t.Errorf("err = %v, want ErrReplayDetected", err)
	}
	if obs.replays != 1 {
		t.Errorf("replay rejections = %d", obs.replays)
	}
}

func TestTamperedEnvelopeLeavesStateUntouched(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DHRatchetEveryNMessages = 1
	a, b := newPair(t, cfg)

	env := send(t, a, "ratchet")
	if env.DHPublicKey == nil {
		t.Fatal("first message of the initiator carries no dh key")
	}
	rootBefore := rootKeyOf(b)

	forged := *env
	forged.EncryptedMetadata = append([]byte(nil), env.EncryptedMetadata...)
	forged.EncryptedMetadata[3] ^= 0x40
	if _, err := b.DecryptInbound(&forged); !errors.Is(err, errs.ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
	if !bytes.Equal(rootBefore, rootKeyOf(b)) {
		t.Error("forged envelope ratcheted the root key")
	}

	receive(t, b, env, "ratchet")
}

func TestOutOfOrderEnvelopes(t *testing.T) {
	a, b := newPair(t, DefaultConfig())

	e1, e2, e3 := send(t, a, "one"), send(t, a, "two"), send(t, a, "three")
	receive(t, b, e3, "three")
	receive(t, b, e1, "one")
	receive(t, b, e2, "two")
}

func TestIntervalTriggersRatchet(t *testing.T) {
	clock := newFakeClock()
	obs := newCountingObserver()
	a, b := newPair(t, DefaultConfig(), WithClock(clock.Now), WithObserver(obs))

	receive(t, b, send(t, a, "early"), "early")
	if obs.ratchets[true] != 0 {
		t.Fatalf("ratchet before the interval")
	}

	clock.Advance(DefaultRatchetInterval)
	env := send(t, a, "late")
	if env.DHPublicKey == nil || obs.ratchets[true] != 1 {
		t.Fatalf("no sending ratchet after the interval (dh key %x, ratchets %v)", env.DHPublicKey, obs.ratchets)
	}
	receive(t, b, env, "late")
	if obs.ratchets[false] != 1 {
		t.Errorf("receiving ratchets = %d", obs.ratchets[false])
	}

	// b now holds the turn and answers with its own ratchet.
	receive(t, a, send(t, b, "reply"), "reply")
	if obs.ratchets[true] != 2 {
		t.Errorf("sending ratchets = %d, want 2", obs.ratchets[true])
	}
}

func TestConversationScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DHRatchetEveryNMessages = 1
	a, b := newPair(t, cfg)

	rootsA := [][]byte{rootKeyOf(a)}
	track := func() {
		if r := rootKeyOf(a); !bytes.Equal(r, rootsA[len(rootsA)-1]) {
			rootsA = append(rootsA, r)
		}
	}

	var toB []*envelope.SecureEnvelope
	for _, m := range []string{"a1", "a2", "a3"} {
		toB = append(toB, send(t, a, m))
		track()
	}
	for i, m := range []string{"a1", "a2", "a3"} {
		receive(t, b, toB[i], m)
	}

	var toA []*envelope.SecureEnvelope
	for _, m := range []string{"b1", "b2", "b3"} {
		toA = append(toA, send(t, b, m))
	}
	for i, m := range []string{"b1", "b2", "b3"} {
		receive(t, a, toA[i], m)
		track()
	}

	if changes := len(rootsA) - 1; changes != 2 {
		t.Errorf("root key changed %d times, want 2", changes)
	}
	if !bytes.Equal(rootKeyOf(a), rootKeyOf(b)) {
		t.Error("root keys diverged")
	}
}

func TestSerializeRestore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DHRatchetEveryNMessages = 2
	a, b := newPair(t, cfg)

	for _, m := range []string{"x", "y", "z"} {
		receive(t, b, send(t, a, m), m)
	}
	pending := send(t, a, "in flight")

	data, err := b.SerializeState()
	if err != nil {
		t.Fatal(err)
	}
	b.Dispose()

	restored, err := RestoreState(data, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if restored.ID() != "conn-1" || restored.IsInitiator() || restored.State() != StateFinalized {
		t.Errorf("restored identity: %s initiator=%t state=%s", restored.ID(), restored.IsInitiator(), restored.State())
	}
	if !bytes.Equal(rootKeyOf(a), rootKeyOf(restored)) {
		t.Error("root key lost in restore")
	}

	receive(t, restored, pending, "in flight")
	receive(t, a, send(t, restored, "back"), "back")
}

func TestRestoreRejectsGarbage(t *testing.T) {
	if _, err := RestoreState([]byte{0xff, 0x00}, DefaultConfig()); err == nil {
		t.Error("garbage state restored")
	}
}
