package doubleratchet

import (
	"fmt"
	"math"
	"sync"
	"time"

	"securechannel/internal/protocol/errs"

	"golang.zx2c4.com/wireguard/replay"
)

const NonceSize = 12

type ReplayConfig struct {
	NonceLifetime  time.Duration // how long a seen nonce is remembered
	PurgeInterval  time.Duration
	BaseWindow     uint32
	MaxWindow      uint32
	SampleInterval time.Duration
	RateWindow     time.Duration // arrivals counted for the adaptive window
	HighRate       int
	MediumRate     int
}

func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		NonceLifetime:  300 * time.Second,
		PurgeInterval:  30 * time.Second,
		BaseWindow:     1000,
		MaxWindow:      5000,
		SampleInterval: 30 * time.Second,
		RateWindow:     2 * time.Second,
		HighRate:       50,
		MediumRate:     20,
	}
}

func (c ReplayConfig) withDefaults() ReplayConfig {
	d := DefaultReplayConfig()
	if c.NonceLifetime <= 0 {
		c.NonceLifetime = d.NonceLifetime
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = d.PurgeInterval
	}
	if c.BaseWindow == 0 {
		c.BaseWindow = d.BaseWindow
	}
	if c.MaxWindow == 0 {
		c.MaxWindow = d.MaxWindow
	}
	if c.MaxWindow < c.BaseWindow {
		c.MaxWindow = c.BaseWindow
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.HighRate <= 0 {
		c.HighRate = d.HighRate
	}
	if c.MediumRate <= 0 {
		c.MediumRate = d.MediumRate
	}
	return c
}

type chainWindow struct {
	highest uint32
	started bool
	seen    replay.Filter
}

// ReplayGuard rejects envelopes whose nonce was already seen or whose ratchet
// index was already processed on the same chain. Indices too far behind or
// ahead of the highest processed index are refused as well.
type ReplayGuard struct {
	mu  sync.Mutex
	cfg ReplayConfig
	now func() time.Time

	nonces    map[[NonceSize]byte]time.Time
	lastPurge time.Time

	chains map[string]*chainWindow

	window     uint32
	arrivals   []time.Time
	lastSample time.Time
}

func NewReplayGuard(cfg ReplayConfig, now func() time.Time) *ReplayGuard {
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()
	t := now()
	return &ReplayGuard{
		cfg:        cfg,
		now:        now,
		nonces:     make(map[[NonceSize]byte]time.Time),
		lastPurge:  t,
		chains:     make(map[string]*chainWindow),
		window:     cfg.BaseWindow,
		lastSample: t,
	}
}

// Validate reports whether (nonce, index) would be accepted on chainID
// without recording it.
func (g *ReplayGuard) Validate(chainID string, nonce []byte, index uint32) error {
	return g.check(chainID, nonce, index, false)
}

// Check accepts (nonce, index) for chainID exactly once. Nothing is recorded
// when the check fails.
func (g *ReplayGuard) Check(chainID string, nonce []byte, index uint32) error {
	return g.check(chainID, nonce, index, true)
}

func (g *ReplayGuard) check(chainID string, nonce []byte, index uint32, record bool) error {
	if len(nonce) != NonceSize {
		return fmt.Errorf("%w: nonce of %d bytes", errs.ErrMalformedEnvelope, len(nonce))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.purge(now)
	g.sample(now)

	var n [NonceSize]byte
	copy(n[:], nonce)
	if seenAt, ok := g.nonces[n]; ok && now.Sub(seenAt) < g.cfg.NonceLifetime {
		return fmt.Errorf("%w: nonce reused", errs.ErrReplayDetected)
	}

	w, ok := g.chains[chainID]
	if !ok {
		w = &chainWindow{}
	}
	if w.started {
		if index <= w.highest && w.highest-index > g.window {
			return fmt.Errorf("%w: index %d is %d behind %d", errs.ErrGapTooLarge, index, w.highest-index, w.highest)
		}
		if index > w.highest && index-w.highest > g.window {
			return fmt.Errorf("%w: index %d is %d ahead of %d", errs.ErrGapTooLarge, index, index-w.highest, w.highest)
		}
	}

	if !record {
		// The filter records as it validates; try it on a copy.
		seen := w.seen
		if !seen.ValidateCounter(uint64(index), math.MaxUint32+1) {
			return fmt.Errorf("%w: index %d already processed", errs.ErrReplayDetected, index)
		}
		return nil
	}
	if !w.seen.ValidateCounter(uint64(index), math.MaxUint32+1) {
		return fmt.Errorf("%w: index %d already processed", errs.ErrReplayDetected, index)
	}

	if !w.started || index > w.highest {
		w.highest = index
	}
	w.started = true
	g.chains[chainID] = w
	g.nonces[n] = now
	g.arrivals = append(g.arrivals, now)
	return nil
}

// OnRatchetRotation clears every per-chain window. Seen nonces are kept.
func (g *ReplayGuard) OnRatchetRotation() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.chains)
}

// Window returns the current adaptive window size.
func (g *ReplayGuard) Window() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sample(g.now())
	return g.window
}

func (g *ReplayGuard) purge(now time.Time) {
	if now.Sub(g.lastPurge) < g.cfg.PurgeInterval {
		return
	}
	for n, seenAt := range g.nonces {
		if now.Sub(seenAt) >= g.cfg.NonceLifetime {
			delete(g.nonces, n)
		}
	}
	g.lastPurge = now
}

func (g *ReplayGuard) sample(now time.Time) {
	cutoff := now.Add(-g.cfg.RateWindow)
	i := 0
	for i < len(g.arrivals) && g.arrivals[i].Before(cutoff) {
		i++
	}
	g.arrivals = g.arrivals[i:]

	if now.Sub(g.lastSample) < g.cfg.SampleInterval {
		return
	}

	var mult uint32 = 1
	switch rate := len(g.arrivals); {
	case rate > g.cfg.HighRate:
		mult = 3
	case rate > g.cfg.MediumRate:
		mult = 2
	}
	g.window = min(g.cfg.BaseWindow*mult, g.cfg.MaxWindow)
	g.lastSample = now
}
