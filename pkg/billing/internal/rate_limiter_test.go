package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(requests int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(requests, window, 0)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_AllowsBurstThenBlocks(t *testing.T) {
	rl, _ := newTestLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, rl.Allow("10.0.0.1"))

	// other clients have their own bucket
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiter_Refills(t *testing.T) {
	rl, clock := newTestLimiter(60, time.Minute)

	for i := 0; i < 60; i++ {
		require.True(t, rl.Allow("10.0.0.1"))
	}
	require.False(t, rl.Allow("10.0.0.1"))

	clock.Advance(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiter_CleanupRemovesIdleClients(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	rl.Allow("192.168.1.100")
	clock.Advance(30 * time.Second)
	rl.Allow("192.168.1.200")

	clock.Advance(rl.idleTTL - 10*time.Second)
	rl.Cleanup()

	_, idle := rl.clients["192.168.1.100"]
	_, active := rl.clients["192.168.1.200"]
	assert.False(t, idle, "idle client should have been removed")
	assert.True(t, active, "recent client should remain")
}

func TestRateLimiter_CleanupBoundsMap(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 150; i++ {
		rl.Allow(fmt.Sprintf("172.16.0.%d", i))
	}
	require.Len(t, rl.clients, 150)

	clock.Advance(rl.idleTTL + time.Second)
	for i := 0; i < 100; i++ {
		rl.Allow("10.0.0.1")
	}

	assert.LessOrEqual(t, len(rl.clients), 1)
}

func TestRateLimiter_CleanupCounterReset(t *testing.T) {
	rl, _ := newTestLimiter(10, time.Minute)

	for i := 0; i < rl.cleanupEvery*15; i++ {
		rl.Allow("192.168.1.1")
	}

	assert.LessOrEqual(t, rl.requestCount, rl.cleanupEvery*10)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(2, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "192.168.1.1:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"remote with port", "", "192.168.1.1:1234", "192.168.1.1"},
		{"remote without port", "", "192.168.1.1", "192.168.1.1"},
		{"forwarded chain", "203.0.113.7, 10.0.0.1", "10.0.0.1:80", "203.0.113.7"},
		{"ipv6 remote", "", "[::1]:8080", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}
