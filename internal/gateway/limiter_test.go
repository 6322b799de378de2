package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandshakeLimiter_PerHost(t *testing.T) {
	l := newHandshakeLimiter(0.001, 2)

	assert.True(t, l.Allow("10.0.0.1:1000"))
	assert.True(t, l.Allow("10.0.0.1:1001"), "ports share the host bucket")
	assert.False(t, l.Allow("10.0.0.1:1002"))

	assert.True(t, l.Allow("10.0.0.2:1000"), "other hosts have their own bucket")
}

func TestHandshakeLimiter_PrunesIdleBuckets(t *testing.T) {
	l := newHandshakeLimiter(1, 1)
	l.Allow("10.0.0.1:1")
	l.Allow("10.0.0.2:1")

	l.mu.Lock()
	l.buckets["10.0.0.1"].lastSeen = time.Now().Add(-2 * limiterIdleTTL)
	l.pruneLocked(time.Now())
	_, stale := l.buckets["10.0.0.1"]
	_, fresh := l.buckets["10.0.0.2"]
	l.mu.Unlock()

	assert.False(t, stale)
	assert.True(t, fresh)
}
