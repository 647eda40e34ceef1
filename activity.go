package beacon

import (
	"context"
	"sync"
	"time"
)

// SignalKind tags a Signal.
type SignalKind int

const (
	// SignalInput is pointer, keyboard, scroll or touch input.
	SignalInput SignalKind = iota
	// SignalVisibility is a change in whether the user can see the app.
	SignalVisibility
)

// Signal is a single activity observation fed to an ActivityTracker.
type Signal struct {
	Kind    SignalKind
	Visible bool
	At      time.Time
}

// ActivitySnapshot is the tracker state used to gate presence pings.
type ActivitySnapshot struct {
	LastActivityAt time.Time
	Visible        bool
}

// ActivityTracker records the last input time and visibility. Callers push
// observations into it; nothing is read from the environment.
type ActivityTracker struct {
	minGap time.Duration

	mu      sync.RWMutex
	last    time.Time
	visible bool
}

// NewActivityTracker starts visible with activity at now.
func NewActivityTracker(now time.Time, minGap time.Duration) *ActivityTracker {
	if minGap <= 0 {
		minGap = DefaultMinActivityGap
	}
	return &ActivityTracker{
		minGap:  minGap,
		last:    now,
		visible: true,
	}
}

// RecordInput marks user input at at. Timestamps older than the current one
// are ignored.
func (a *ActivityTracker) RecordInput(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if at.After(a.last) {
		a.last = at
	}
}

// SetVisible records a visibility transition. Becoming visible counts as
// activity.
func (a *ActivityTracker) SetVisible(visible bool, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.visible = visible
	if visible && at.After(a.last) {
		a.last = at
	}
}

// Observe applies a single signal.
func (a *ActivityTracker) Observe(s Signal) {
	switch s.Kind {
	case SignalInput:
		a.RecordInput(s.At)
	case SignalVisibility:
		a.SetVisible(s.Visible, s.At)
	}
}

// Run applies signals until ctx is done or signals is closed.
func (a *ActivityTracker) Run(ctx context.Context, signals <-chan Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-signals:
			if !ok {
				return
			}
			a.Observe(s)
		}
	}
}

// IsEligibleForPing reports whether the app is visible and the last input
// is no older than the minimum activity gap.
func (a *ActivityTracker) IsEligibleForPing(now time.Time) bool {
	return a.skipReason(now) == ""
}

// skipReason names why a ping at now should be skipped, or "" if it should
// not.
func (a *ActivityTracker) skipReason(now time.Time) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.visible {
		return skipHidden
	}
	if now.Sub(a.last) > a.minGap {
		return skipIdle
	}
	return ""
}

// Snapshot returns the current state.
func (a *ActivityTracker) Snapshot() ActivitySnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return ActivitySnapshot{LastActivityAt: a.last, Visible: a.visible}
}
