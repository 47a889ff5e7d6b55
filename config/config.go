// Package config holds the tunables of a LineDB storage engine instance.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDataDir          = "data"
	defaultBTreeOrder       = 32
	defaultPageCacheSize    = 4096
	defaultHashThreshold    = 1000
	defaultHysteresisMargin = 0.20
	defaultLeaseTimeout     = 5 * time.Second
	defaultLeaseTTL         = 30 * time.Second
	defaultDeltaRetention   = 16
	defaultConflictStrategy = "reject"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
)

type Config struct {
	DataDir string

	// B+Tree fan-out and the number of decoded pages kept in the cache.
	BTreeOrder    int
	PageCacheSize int

	// Row count at which an index moves from the hash backend to the B+Tree,
	// and the fraction around it inside which no migration happens.
	HashThreshold    int
	HysteresisMargin float64

	LeaseTimeout time.Duration // default wait for AcquireLease
	LeaseTTL     time.Duration // a lease not released within this is presumed dead

	SyncWrites      bool // fsync the WAL on every append
	CheckpointEvery int  // WAL entries between automatic checkpoints, 0 = manual only
	DeltaRetention  int  // deltas kept before the oldest are folded into a base

	ConflictStrategy string // "reject" or "lww"
	AutoRebuild      bool   // rebuild corrupted tables from the delta chain on open

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		DataDir:          defaultDataDir,
		BTreeOrder:       defaultBTreeOrder,
		PageCacheSize:    defaultPageCacheSize,
		HashThreshold:    defaultHashThreshold,
		HysteresisMargin: defaultHysteresisMargin,
		LeaseTimeout:     defaultLeaseTimeout,
		LeaseTTL:         defaultLeaseTTL,
		SyncWrites:       true,
		DeltaRetention:   defaultDeltaRetention,
		ConflictStrategy: defaultConflictStrategy,
		AutoRebuild:      true,
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
	}
}

// FillDefaults sets any zero-value fields to their default values.
// Booleans are left alone: their zero value is a valid choice.
func (c *Config) FillDefaults() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.BTreeOrder == 0 {
		c.BTreeOrder = def.BTreeOrder
	}
	if c.PageCacheSize == 0 {
		c.PageCacheSize = def.PageCacheSize
	}
	if c.HashThreshold == 0 {
		c.HashThreshold = def.HashThreshold
	}
	if c.HysteresisMargin == 0 {
		c.HysteresisMargin = def.HysteresisMargin
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = def.LeaseTimeout
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.DeltaRetention == 0 {
		c.DeltaRetention = def.DeltaRetention
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = def.ConflictStrategy
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
}

// LoadConfig reads .env (if present) and LINEDB_* variables on top of the defaults.
func LoadConfig() *Config {
	_ = godotenv.Load(".env")

	c := DefaultConfig()
	if v := os.Getenv("LINEDB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	c.BTreeOrder = envInt("LINEDB_BTREE_ORDER", c.BTreeOrder)
	c.PageCacheSize = envInt("LINEDB_PAGE_CACHE_SIZE", c.PageCacheSize)
	c.HashThreshold = envInt("LINEDB_HASH_THRESHOLD", c.HashThreshold)
	c.CheckpointEvery = envInt("LINEDB_CHECKPOINT_EVERY", c.CheckpointEvery)
	c.DeltaRetention = envInt("LINEDB_DELTA_RETENTION", c.DeltaRetention)
	if v, err := strconv.ParseFloat(os.Getenv("LINEDB_HYSTERESIS_MARGIN"), 64); err == nil {
		c.HysteresisMargin = v
	}
	c.LeaseTimeout = envDuration("LINEDB_LEASE_TIMEOUT", c.LeaseTimeout)
	c.LeaseTTL = envDuration("LINEDB_LEASE_TTL", c.LeaseTTL)
	c.SyncWrites = envBool("LINEDB_SYNC_WRITES", c.SyncWrites)
	c.AutoRebuild = envBool("LINEDB_AUTO_REBUILD", c.AutoRebuild)
	if v := os.Getenv("LINEDB_CONFLICT_STRATEGY"); v != "" {
		c.ConflictStrategy = strings.ToLower(v)
	}
	if v := os.Getenv("LINEDB_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LINEDB_LOG_FORMAT"); v != "" {
		c.LogFormat = strings.ToLower(v)
	}
	return c
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(name)); err == nil {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(name)); err == nil {
		return v
	}
	return def
}
