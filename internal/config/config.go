package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"securechannel/internal/protocol/doubleratchet"
	"securechannel/internal/utils/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Addr     string
	LogLevel string
	LogDev   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI      string
	MongoDatabase string

	MembershipID  string
	StateTTL      time.Duration
	FlushInterval time.Duration

	Ratchet doubleratchet.Config
}

// Load reads the environment, after merging the given .env files (or ".env"
// when none is given). Missing files are ignored; variables already set in
// the environment win.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	ratchet := doubleratchet.DefaultConfig()
	ratchet.CacheWindowSize = envInt("CACHE_WINDOW_SIZE", ratchet.CacheWindowSize)
	ratchet.RatchetInterval = envSeconds("RATCHET_INTERVAL_SECONDS", ratchet.RatchetInterval)
	ratchet.DHRatchetEveryNMessages = uint32(envInt("DH_RATCHET_EVERY_N_MESSAGES", int(ratchet.DHRatchetEveryNMessages)))
	ratchet.DisableRatchetOnNewDHKey = !envBool("RATCHET_ON_NEW_DH_KEY", !ratchet.DisableRatchetOnNewDHKey)
	ratchet.MaxSkippedMessages = envInt("MAX_SKIPPED_MESSAGES", ratchet.MaxSkippedMessages)
	ratchet.SessionLifetime = envSeconds("SESSION_LIFETIME_SECONDS", ratchet.SessionLifetime)

	if ratchet.CacheWindowSize <= 0 {
		log.Warn("config: invalid cache window, defaulting", zap.Int("value", ratchet.CacheWindowSize))
		ratchet.CacheWindowSize = doubleratchet.DefaultCacheWindowSize
	}
	if ratchet.DHRatchetEveryNMessages == 0 {
		log.Warn("config: dh ratchet period must be positive, defaulting")
		ratchet.DHRatchetEveryNMessages = doubleratchet.DefaultDHRatchetEveryNMessages
	}

	return Config{
		Addr:          envOr("RELAY_ADDR", "localhost:9090"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogDev:        envBool("LOG_DEVELOPMENT", false),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		MongoURI:      envOr("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: envOr("MONGO_DATABASE", "securechannel"),
		MembershipID:  envOr("MEMBERSHIP_ID", "default"),
		StateTTL:      envSeconds("STATE_TTL_SECONDS", 2*time.Hour),
		FlushInterval: envSeconds("RECOVERY_FLUSH_SECONDS", 5*time.Second),
		Ratchet:       ratchet,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		log.Warn("config: invalid int, using default", zap.String("key", key), zap.String("value", v), zap.Int("default", fallback))
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		log.Warn("config: invalid duration, using default", zap.String("key", key), zap.String("value", v), zap.Duration("default", fallback))
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		log.Warn("config: invalid bool, using default", zap.String("key", key), zap.String("value", v), zap.Bool("default", fallback))
	}
	return fallback
}
