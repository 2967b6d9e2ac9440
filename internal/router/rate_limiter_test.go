package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	req := require.New(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return clock }

	// Given a fresh window the first three requests pass
	for i := 0; i < 3; i++ {
		req.True(rl.Allow("s1"), "request %d", i)
	}
	req.False(rl.Allow("s1"))

	// Sessions are limited independently
	req.True(rl.Allow("s2"))

	// When the window passes the budget is restored
	clock = clock.Add(time.Minute)
	req.True(rl.Allow("s1"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	req := require.New(t)
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		req.True(rl.Allow("s1"))
	}
	req.Zero(rl.Size())
}

func TestRateLimiter_CleanupAndForget(t *testing.T) {
	req := require.New(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(10, time.Minute)
	rl.now = func() time.Time { return clock }

	rl.Allow("old")
	clock = clock.Add(10 * time.Minute)
	rl.Allow("new")
	rl.Allow("gone")

	req.Equal(1, rl.Cleanup())
	req.Equal(2, rl.Size())

	rl.Forget("gone")
	req.Equal(1, rl.Size())
}
