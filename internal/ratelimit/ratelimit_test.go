package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowBurstThenDeny(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, Burst: 3})
	defer l.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("1.2.3.4"), "burst exhausted")
}

func TestAllowIsPerClient(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, Burst: 1})
	defer l.Close()

	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))

	assert.True(t, l.Allow("5.6.7.8"), "a different client has its own bucket")
	assert.Equal(t, 2, l.Len())
}

func TestPruneRemovesIdleClients(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, Burst: 1})
	defer l.Close()

	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("1.2.3.4")
	l.Allow("5.6.7.8")
	require.Equal(t, 2, l.Len())

	now = now.Add(idleTTL + time.Second)
	l.Allow("5.6.7.8") // refreshes lastSeen
	l.prune()

	assert.Equal(t, 1, l.Len(), "idle client pruned, active one kept")
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, float64(defaultRequestsPerMinute), cfg.RequestsPerMinute)
	assert.Equal(t, defaultBurst, cfg.Burst)
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, Burst: 1, Disabled: true})
	defer l.Close()

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("1.2.3.4"))
	}
	assert.Zero(t, l.Len(), "disabled limiter tracks no clients")
}
