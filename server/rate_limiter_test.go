package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollLimiterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewPollLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	for want := 2; want >= 0; want-- {
		d := l.Allow("dev-a")
		require.True(t, d.Allowed)
		require.Equal(t, want, d.Remaining)
	}
	d := l.Allow("dev-a")
	require.False(t, d.Allowed)
	require.Equal(t, time.Minute, d.RetryAfter)

	now = now.Add(20 * time.Second)
	require.Equal(t, 40*time.Second, l.Allow("dev-a").RetryAfter)
	require.True(t, l.Allow("dev-b").Allowed)

	now = now.Add(41 * time.Second)
	require.True(t, l.Allow("dev-a").Allowed)
}

func TestPollLimiterPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewPollLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("dev-a")
	now = now.Add(30 * time.Second)
	l.Allow("dev-b")
	require.Equal(t, 2, l.Tracked())

	now = now.Add(45 * time.Second)
	require.Equal(t, 1, l.Prune())
	now = now.Add(time.Minute)
	require.Zero(t, l.Prune())
}

func TestPollLimiterZeroLimitDisables(t *testing.T) {
	l := NewPollLimiter(0, time.Minute)
	for i := 0; i < 10; i++ {
		require.True(t, l.Allow("dev-a").Allowed)
	}
	require.Zero(t, l.Tracked())
}
