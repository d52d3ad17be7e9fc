// Package cooldown keeps per-tool call counters over fixed hourly and daily windows.
package cooldown

import (
	"fmt"
	"sync"
	"time"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Limits caps how often a tool may run. Zero disables that window.
type Limits struct {
	MaxPerHour int `yaml:"max_per_hour" json:"maxPerHour"`
	MaxPerDay  int `yaml:"max_per_day" json:"maxPerDay"`
}

// Enabled reports whether any window is limited.
func (l *Limits) Enabled() bool {
	return l != nil && (l.MaxPerHour > 0 || l.MaxPerDay > 0)
}

// State is the counter pair for one tool.
type State struct {
	HourlyCount   int
	HourlyResetAt time.Time
	DailyCount    int
	DailyResetAt  time.Time
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Tracker counts calls per tool name. Windows are fixed, not sliding:
// once a window's reset time passes, its counter starts again from zero.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time
}

// NewTracker creates a Tracker. now may be nil to use the wall clock.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		states: make(map[string]*State),
		now:    now,
	}
}

// Check reports whether one more call is within limits. It never mutates state.
func (t *Tracker) Check(tool string, limits *Limits) Decision {
	if !limits.Enabled() {
		return Decision{Allowed: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[tool]
	if !ok {
		return Decision{Allowed: true}
	}
	now := t.now()

	hourly := st.HourlyCount
	if !now.Before(st.HourlyResetAt) {
		hourly = 0
	}
	daily := st.DailyCount
	if !now.Before(st.DailyResetAt) {
		daily = 0
	}

	if limits.MaxPerHour > 0 && hourly >= limits.MaxPerHour {
		return Decision{
			Reason: fmt.Sprintf("cooldown: %s reached hourly limit (%d/%d per hour), resets at %s",
				tool, hourly, limits.MaxPerHour, st.HourlyResetAt.UTC().Format(time.RFC3339)),
		}
	}
	if limits.MaxPerDay > 0 && daily >= limits.MaxPerDay {
		return Decision{
			Reason: fmt.Sprintf("cooldown: %s reached daily limit (%d/%d per day), resets at %s",
				tool, daily, limits.MaxPerDay, st.DailyResetAt.UTC().Format(time.RFC3339)),
		}
	}
	return Decision{Allowed: true}
}

// Record counts one call. Call it only once the operation is allowed to run.
func (t *Tracker) Record(tool string, limits *Limits) {
	if !limits.Enabled() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st, ok := t.states[tool]
	if !ok {
		st = &State{
			HourlyResetAt: now.Add(hourWindow),
			DailyResetAt:  now.Add(dayWindow),
		}
		t.states[tool] = st
	}
	if !now.Before(st.HourlyResetAt) {
		st.HourlyCount = 0
		st.HourlyResetAt = now.Add(hourWindow)
	}
	if !now.Before(st.DailyResetAt) {
		st.DailyCount = 0
		st.DailyResetAt = now.Add(dayWindow)
	}
	st.HourlyCount++
	st.DailyCount++
}

// Snapshot returns a copy of the counters for tool, if it is tracked.
func (t *Tracker) Snapshot(tool string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[tool]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Len returns the number of tracked tools.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
