// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package monitor

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum spacing between repeated alerts for the
// same validator.
const DefaultCooldown = 5 * time.Minute

// Tracker rate-limits alerts per validator. The first ShouldFire for an
// index fires immediately; subsequent calls fire only once the cooldown has
// elapsed. Reset re-arms the index so a fresh lapse alerts at once.
type Tracker struct {
	mu       sync.Mutex
	last     map[int]time.Time
	cooldown time.Duration
	now      func() time.Time
}

// NewTracker creates a tracker with the given cooldown.
func NewTracker(cooldown time.Duration) *Tracker {
	return &Tracker{
		last:     make(map[int]time.Time),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// ShouldFire reports whether an alert for validator index i may fire now,
// recording the fire time when it returns true.
func (t *Tracker) ShouldFire(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	last, seen := t.last[i]
	if seen && now.Sub(last) < t.cooldown {
		return false
	}
	t.last[i] = now
	return true
}

// Reset clears the cooldown for validator index i.
func (t *Tracker) Reset(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, i)
}
