package main

import (
	"sync"
	"time"
)

// pollBudget is one device's allowance in the current window.
type pollBudget struct {
	used  int
	reset time.Time
}

// limitDecision is the verdict for one poll.
type limitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// PollLimiter caps polls per device in fixed windows. A limit of zero or
// less disables it. State is per process.
type PollLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	devices map[string]pollBudget
	now     func() time.Time
}

func NewPollLimiter(limit int, window time.Duration) *PollLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &PollLimiter{
		limit:   limit,
		window:  window,
		devices: make(map[string]pollBudget),
		now:     time.Now,
	}
}

// Allow spends one poll of the device's budget.
func (l *PollLimiter) Allow(deviceID string) limitDecision {
	if l.limit <= 0 {
		return limitDecision{Allowed: true, Remaining: -1}
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.devices[deviceID]
	if !ok || !now.Before(b.reset) {
		b = pollBudget{reset: now.Add(l.window)}
	}
	if b.used >= l.limit {
		return limitDecision{RetryAfter: b.reset.Sub(now)}
	}
	b.used++
	l.devices[deviceID] = b
	return limitDecision{Allowed: true, Remaining: l.limit - b.used}
}

// Prune forgets devices whose window has ended and returns how many remain.
func (l *PollLimiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.devices {
		if !now.Before(b.reset) {
			delete(l.devices, id)
		}
	}
	return len(l.devices)
}

func (l *PollLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.devices)
}
