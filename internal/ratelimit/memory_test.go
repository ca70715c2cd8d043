package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeClock drives a MemoryLimiter's token refill and eviction.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rps float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: epoch}
	m := NewMemoryLimiter(rps, burst)
	m.now = clk.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clk
}

// drain calls Allow n times for key and reports how many were admitted.
func drain(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	admitted := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	return admitted
}

func TestMemoryLimiter_BurstPerPrincipal(t *testing.T) {
	tests := []struct {
		name     string
		burst    int
		requests int
		want     int
	}{
		{"under burst", 5, 4, 4},
		{"exactly burst", 3, 3, 3},
		{"over burst", 3, 10, 3},
		{"burst of one", 1, 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newLimiter(t, 10, tt.burst)
			assert.Equal(t, tt.want, drain(t, m, "principal:harvester", tt.requests))
		})
	}
}

func TestMemoryLimiter_RefillFollowsRate(t *testing.T) {
	m, clk := newLimiter(t, 2, 2) // one token per 500ms
	const key = "principal:router"

	require.Equal(t, 2, drain(t, m, key, 3))

	clk.Advance(400 * time.Millisecond)
	assert.Zero(t, drain(t, m, key, 1), "not yet a full token")

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, drain(t, m, key, 2), "exactly one token after 500ms")

	clk.Advance(time.Second)
	assert.Equal(t, 2, drain(t, m, key, 3))
}

func TestMemoryLimiter_IdleRefillCapsAtBurst(t *testing.T) {
	m, clk := newLimiter(t, 1000, 3)
	const key = "principal:operator"

	drain(t, m, key, 1)
	clk.Advance(time.Hour)
	assert.Equal(t, 3, drain(t, m, key, 10))
}

func TestMemoryLimiter_PrincipalsAndAddressesAreIndependent(t *testing.T) {
	m, _ := newLimiter(t, 10, 1)

	require.Equal(t, 1, drain(t, m, "principal:agent-7", 2))
	assert.Equal(t, 1, drain(t, m, "principal:agent-8", 2), "another principal has its own bucket")
	assert.Equal(t, 1, drain(t, m, "ip:10.0.0.1", 2), "the token endpoint is limited by address")
}

func TestMemoryLimiter_ConcurrentCallersShareOneBucket(t *testing.T) {
	m, _ := newLimiter(t, 100, 50)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				ok, err := m.Allow(context.Background(), "principal:shared")
				assert.NoError(t, err)
				if ok {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// The clock never moves, so only the burst is available.
	assert.Equal(t, int64(50), admitted.Load())
}

func TestMemoryLimiter_EvictsIdleBuckets(t *testing.T) {
	m, clk := newLimiter(t, 10, 2)

	drain(t, m, "principal:gone", 2)
	clk.Advance(staleThreshold - time.Minute)
	drain(t, m, "principal:active", 1)
	clk.Advance(2 * time.Minute)

	m.evictStale()

	m.mu.Lock()
	_, gone := m.buckets["principal:gone"]
	_, active := m.buckets["principal:active"]
	m.mu.Unlock()
	assert.False(t, gone, "idle past the threshold")
	assert.True(t, active)

	// An evicted principal starts again with a full burst.
	assert.Equal(t, 2, drain(t, m, "principal:gone", 3))
}

func TestMemoryLimiter_CloseTwice(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "principal:any")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
