package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	t.Run("PerClientBuckets", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 2)

		assert.True(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.1"))
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"))
	})

	t.Run("Disabled", func(t *testing.T) {
		rl := NewRateLimiter(0, 1)
		for range 100 {
			assert.True(t, rl.Allow("10.0.0.1"))
		}
		assert.Equal(t, 0, rl.Len())
	})

	t.Run("CleanupForgetsIdleClients", func(t *testing.T) {
		now := time.Unix(1_700_000_000, 0)
		rl := NewRateLimiter(1, 1)
		rl.now = func() time.Time { return now }

		rl.Allow("old")
		now = now.Add(10 * time.Minute)
		rl.Allow("new")

		rl.Cleanup(5 * time.Minute)

		assert.Equal(t, 1, rl.Len())
		assert.True(t, rl.Allow("old"), "a forgotten client starts with a full bucket")
	})
}
