package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFillDefaults(t *testing.T) {
	c := &Config{DataDir: "/tmp/x", BTreeOrder: 4}
	c.FillDefaults()

	assert.Equal(t, "/tmp/x", c.DataDir)
	assert.Equal(t, 4, c.BTreeOrder)
	assert.Equal(t, defaultHashThreshold, c.HashThreshold)
	assert.Equal(t, defaultHysteresisMargin, c.HysteresisMargin)
	assert.Equal(t, defaultLeaseTimeout, c.LeaseTimeout)
	assert.Equal(t, "reject", c.ConflictStrategy)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("LINEDB_DATA_DIR", "/var/lib/linedb")
	t.Setenv("LINEDB_HASH_THRESHOLD", "500")
	t.Setenv("LINEDB_LEASE_TIMEOUT", "250ms")
	t.Setenv("LINEDB_SYNC_WRITES", "false")
	t.Setenv("LINEDB_CONFLICT_STRATEGY", "LWW")

	c := LoadConfig()

	assert.Equal(t, "/var/lib/linedb", c.DataDir)
	assert.Equal(t, 500, c.HashThreshold)
	assert.Equal(t, 250*time.Millisecond, c.LeaseTimeout)
	assert.False(t, c.SyncWrites)
	assert.Equal(t, "lww", c.ConflictStrategy)
	assert.Equal(t, defaultBTreeOrder, c.BTreeOrder)
}
