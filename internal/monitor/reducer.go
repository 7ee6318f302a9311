package monitor

import (
	"time"

	"tools.zach/dev/plexcord/internal/plex"
)

// ///////////////////////////////////////////////
// Events
// ///////////////////////////////////////////////

// EventKind distinguishes the two outputs of the reducer.
type EventKind int

const (
	// EventChanged means a new or materially different session should be
	// published.
	EventChanged EventKind = iota
	// EventCleared means playback ended and the presence should be cleared
	// (or replaced with the idle payload).
	EventCleared
)

// Event is one reducer emission. Session is set for EventChanged and nil
// for EventCleared.
type Event struct {
	Kind    EventKind
	Session *plex.Session
}

// ///////////////////////////////////////////////
// Reducer
// ///////////////////////////////////////////////

// reducerState enumerates the reducer's internal states.
type reducerState int

const (
	stateNoSession reducerState = iota
	stateActive
	statePendingIdle
)

// Reducer turns the raw observation stream into a deduplicated, debounced
// sequence of session-changed and session-cleared events. It is the sole
// owner of the "last emitted" snapshot; one Reducer is created per
// monitoring run and is not safe for concurrent use.
type Reducer struct {
	// reportIdle selects whether an idle observation clears immediately
	// (false) or after the grace period (true).
	reportIdle bool
	// driftTolerance is the maximum gap between the expected playback
	// position and an observed one before a re-emission is forced.
	driftTolerance time.Duration
	// idleGrace is how long an idle observation must persist before a
	// cleared event fires, when reportIdle is set.
	idleGrace time.Duration

	state reducerState
	// last is the most recently emitted snapshot; comparisons for material
	// equality run against it, never against suppressed observations.
	last *plex.Session
	// lastEmit is when last was emitted, anchoring expected-drift math.
	lastEmit time.Time
	// deadline is the pending-idle expiry; valid only in statePendingIdle.
	deadline time.Time
	// stale is set by Invalidate after a failed send so the next
	// observation is never suppressed.
	stale bool
}

// NewReducer creates a reducer with the given idle behavior and tolerances.
func NewReducer(reportIdle bool, driftTolerance, idleGrace time.Duration) *Reducer {
	return &Reducer{
		reportIdle:     reportIdle,
		driftTolerance: driftTolerance,
		idleGrace:      idleGrace,
		state:          stateNoSession,
	}
}

// Observe feeds one observation into the state machine. A nil session is
// the idle marker. Returned events must be dispatched in order.
func (r *Reducer) Observe(s *plex.Session, now time.Time) []Event {
	if s == nil {
		return r.observeIdle(now)
	}
	return r.observeActive(s, now)
}

// observeActive handles a non-nil snapshot.
func (r *Reducer) observeActive(s *plex.Session, now time.Time) []Event {
	switch r.state {
	case stateActive:
		if !r.stale && r.materiallyEqual(s, now) {
			return nil
		}
	case statePendingIdle:
		// New activity inside the grace window cancels the pending clear.
		r.deadline = time.Time{}
	}

	r.state = stateActive
	r.last = s
	r.lastEmit = now
	r.stale = false
	return []Event{{Kind: EventChanged, Session: s}}
}

// observeIdle handles the idle marker.
func (r *Reducer) observeIdle(now time.Time) []Event {
	switch r.state {
	case stateActive:
		if !r.reportIdle {
			r.state = stateNoSession
			r.last = nil
			r.stale = false
			return []Event{{Kind: EventCleared}}
		}
		r.state = statePendingIdle
		r.deadline = now.Add(r.idleGrace)
	case stateNoSession, statePendingIdle:
		// Already idle or already counting down; nothing to do.
	}
	return nil
}

// Tick fires the pending-idle deadline if it has elapsed. The orchestrator
// calls it when the timer armed from IdleDeadline expires.
func (r *Reducer) Tick(now time.Time) []Event {
	if r.state != statePendingIdle || now.Before(r.deadline) {
		return nil
	}
	r.state = stateNoSession
	r.last = nil
	r.deadline = time.Time{}
	r.stale = false
	return []Event{{Kind: EventCleared}}
}

// IdleDeadline reports the pending-idle expiry, if one is armed.
func (r *Reducer) IdleDeadline() (time.Time, bool) {
	if r.state != statePendingIdle {
		return time.Time{}, false
	}
	return r.deadline, true
}

// Invalidate marks the last emitted state stale. Called after a failed
// presence send so change-detection cannot suppress the next send.
func (r *Reducer) Invalidate() {
	r.stale = true
}

// materiallyEqual reports whether s matches the last emitted snapshot
// closely enough to suppress a re-emission: media type, title, and player
// state identical, and the observed position within driftTolerance of the
// expected position. The expected position is the emitted offset plus
// elapsed wall-clock time, which only accrues while playing. A seek, a
// state change, or excess drift all force a re-emission.
func (r *Reducer) materiallyEqual(s *plex.Session, now time.Time) bool {
	if r.last.MediaType != s.MediaType || r.last.Title != s.Title || r.last.State != s.State {
		return false
	}

	expected := r.last.ViewOffsetMS
	if r.last.State == plex.StatePlaying {
		expected += now.Sub(r.lastEmit).Milliseconds()
	}

	drift := s.ViewOffsetMS - expected
	if drift < 0 {
		drift = -drift
	}
	return drift <= r.driftTolerance.Milliseconds()
}
