package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoomRateLimiter(t *testing.T) {
	clock := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s2"), "limits are per connection")

	clock = clock.Add(11 * time.Second)
	assert.True(t, rl.Allow("s1"))

	rl.Forget("s1")
	assert.True(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
}

func TestRoomRateLimiterDisabled(t *testing.T) {
	rl := NewRoomRateLimiter(0, time.Second)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("s1"))
	}
}

func TestRoomRateLimiterSweepsIdleKeys(t *testing.T) {
	clock := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(1, time.Second)
	rl.now = func() time.Time { return clock }

	for i := 0; i < maxTracked; i++ {
		rl.Allow(fmt.Sprintf("k%d", i))
	}
	assert.False(t, rl.Allow("k0"))

	clock = clock.Add(2 * time.Second)
	assert.True(t, rl.Allow("fresh"))
	assert.Len(t, rl.history, 1)
}

func TestRateKey(t *testing.T) {
	assert.Equal(t, "client:tok", (&WsSignalConn{client: "tok"}).rateKey("s1"))
	assert.Equal(t, "sid:s1", (&WsSignalConn{}).rateKey("s1"))
}
