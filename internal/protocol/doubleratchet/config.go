package doubleratchet

import "time"

const (
	DefaultCacheWindowSize         = 100
	DefaultRatchetInterval         = 300 * time.Second
	DefaultDHRatchetEveryNMessages = 100
	DefaultMaxSkippedMessages      = 1000
	DefaultSessionLifetime         = time.Hour
	DefaultRecoveryEvictionPeriod  = 1000

	// InitialNonceCounter seeds the per-connection metadata nonce counter.
	InitialNonceCounter = 1000
)

// Config holds the ratchet knobs of a connection. The zero value is usable:
// zero numeric fields are replaced with their defaults and the new-key
// ratchet trigger stays on unless disabled.
type Config struct {
	CacheWindowSize         int
	RatchetInterval         time.Duration
	DHRatchetEveryNMessages uint32
	MaxSkippedMessages      int
	SessionLifetime         time.Duration

	// DisableRatchetOnNewDHKey turns off the sending ratchet that follows a
	// new peer DH key.
	DisableRatchetOnNewDHKey bool

	// RecoveryEvictionPeriod is the number of processed messages between two
	// recovery evictions; keys more than this many indices behind are dropped.
	RecoveryEvictionPeriod uint32

	Replay ReplayConfig
}

func DefaultConfig() Config {
	return Config{
		CacheWindowSize:         DefaultCacheWindowSize,
		RatchetInterval:         DefaultRatchetInterval,
		DHRatchetEveryNMessages: DefaultDHRatchetEveryNMessages,
		MaxSkippedMessages:      DefaultMaxSkippedMessages,
		SessionLifetime:         DefaultSessionLifetime,
		RecoveryEvictionPeriod:  DefaultRecoveryEvictionPeriod,
		Replay:                  DefaultReplayConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheWindowSize <= 0 {
		c.CacheWindowSize = d.CacheWindowSize
	}
	if c.RatchetInterval <= 0 {
		c.RatchetInterval = d.RatchetInterval
	}
	if c.DHRatchetEveryNMessages == 0 {
		c.DHRatchetEveryNMessages = d.DHRatchetEveryNMessages
	}
	if c.MaxSkippedMessages <= 0 {
		c.MaxSkippedMessages = d.MaxSkippedMessages
	}
	if c.SessionLifetime <= 0 {
		c.SessionLifetime = d.SessionLifetime
	}
	if c.RecoveryEvictionPeriod == 0 {
		c.RecoveryEvictionPeriod = d.RecoveryEvictionPeriod
	}
	c.Replay = c.Replay.withDefaults()
	return c
}

// Observer receives protocol events of a connection. Calls are made with the
// connection lock held and must not call back into the connection.
type Observer interface {
	RatchetStepped(connectionID string, sender bool)
	SkippedKeysStored(connectionID string, n int)
	ReplayRejected(connectionID string, err error)
}

type nopObserver struct{}

func (nopObserver) RatchetStepped(string, bool)   {}
func (nopObserver) SkippedKeysStored(string, int) {}
func (nopObserver) ReplayRejected(string, error)  {}

// Option configures a Connection.
type Option func(*Connection)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Connection) {
		if now != nil {
			c.now = now
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Connection) {
		if o != nil {
			c.observer = o
		}
	}
}
