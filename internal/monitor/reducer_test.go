// Tests for the [Reducer] state machine: drift suppression, state-change
// re-emission, idle grace handling, and invalidation after failed sends.
package monitor

import (
	"testing"
	"time"

	"tools.zach/dev/plexcord/internal/plex"
)

// testSession builds a playing episode snapshot for reducer tests.
func testSession(offsetMS int64, state plex.PlayerState) *plex.Session {
	return &plex.Session{
		SessionKey:       "7",
		MediaType:        plex.MediaEpisode,
		Title:            "Pilot",
		GrandparentTitle: "Show X",
		Index:            1,
		ParentIndex:      1,
		DurationMS:       1_800_000,
		ViewOffsetMS:     offsetMS,
		State:            state,
		Username:         "alice",
	}
}

func newTestReducer(reportIdle bool) *Reducer {
	return NewReducer(reportIdle, 5000*time.Millisecond, 3000*time.Millisecond)
}

// ///////////////////////////////////////////////
// First Observation
// ///////////////////////////////////////////////

func TestReducer_FirstSnapshotEmits(t *testing.T) {
	r := newTestReducer(false)
	now := time.Now()

	events := r.Observe(testSession(0, plex.StatePlaying), now)
	if len(events) != 1 || events[0].Kind != EventChanged {
		t.Fatalf("expected one EventChanged, got %v", events)
	}
	if events[0].Session == nil {
		t.Fatal("EventChanged must carry the snapshot")
	}
}

func TestReducer_IdleWhileNoSessionIsSilent(t *testing.T) {
	r := newTestReducer(false)

	if events := r.Observe(nil, time.Now()); len(events) != 0 {
		t.Fatalf("expected no events for idle while already idle, got %v", events)
	}
}

// ///////////////////////////////////////////////
// Drift Suppression
// ///////////////////////////////////////////////

func TestReducer_SuppressesWithinDriftTolerance(t *testing.T) {
	r := newTestReducer(false)
	start := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), start)

	// 10 s of wall clock later the expected offset is 310 000 ms; every
	// observation within ±5000 ms of that must be suppressed.
	later := start.Add(10 * time.Second)
	for _, offset := range []int64{305_000, 310_000, 315_000} {
		events := r.Observe(testSession(offset, plex.StatePlaying), later)
		if len(events) != 0 {
			t.Fatalf("offset %d within tolerance emitted %v", offset, events)
		}
	}
}

func TestReducer_EmitsOnSeek(t *testing.T) {
	r := newTestReducer(false)
	start := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), start)

	// Expected offset after 10 s is 310 000 ms; a jump to 400 000 ms is a
	// seek and must re-emit even though title/type/state are unchanged.
	later := start.Add(10 * time.Second)
	events := r.Observe(testSession(400_000, plex.StatePlaying), later)
	if len(events) != 1 || events[0].Kind != EventChanged {
		t.Fatalf("expected re-emission on seek, got %v", events)
	}
}

func TestReducer_DriftComparesAgainstLastEmitted(t *testing.T) {
	r := newTestReducer(false)
	start := time.Now()

	r.Observe(testSession(0, plex.StatePlaying), start)

	// Suppressed observations must not move the comparison anchor:
	// creeping 4 s per tick stays inside per-tick tolerance but the
	// cumulative drift from the emitted snapshot eventually exceeds it.
	t1 := start.Add(1 * time.Second)
	if events := r.Observe(testSession(5_000, plex.StatePlaying), t1); len(events) != 0 {
		t.Fatalf("tick 1 should be suppressed, got %v", events)
	}
	t2 := start.Add(2 * time.Second)
	events := r.Observe(testSession(10_000, plex.StatePlaying), t2)
	if len(events) != 1 {
		t.Fatalf("cumulative drift beyond tolerance must emit, got %v", events)
	}
}

func TestReducer_NoDriftAccrualWhilePaused(t *testing.T) {
	r := newTestReducer(false)
	start := time.Now()

	r.Observe(testSession(300_000, plex.StatePaused), start)

	// Paused playback does not advance; the expected offset an hour later
	// is still 300 000 ms.
	later := start.Add(1 * time.Hour)
	if events := r.Observe(testSession(300_000, plex.StatePaused), later); len(events) != 0 {
		t.Fatalf("expected suppression for unchanged paused session, got %v", events)
	}
}

// ///////////////////////////////////////////////
// State Changes
// ///////////////////////////////////////////////

func TestReducer_EmitsOnPlayerStateChange(t *testing.T) {
	r := newTestReducer(false)
	now := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), now)

	events := r.Observe(testSession(300_000, plex.StatePaused), now.Add(time.Second))
	if len(events) != 1 || events[0].Kind != EventChanged {
		t.Fatalf("expected emission on playing->paused, got %v", events)
	}
}

func TestReducer_EmitsOnTitleChange(t *testing.T) {
	r := newTestReducer(false)
	now := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), now)

	next := testSession(0, plex.StatePlaying)
	next.Title = "The One After Pilot"
	events := r.Observe(next, now.Add(time.Second))
	if len(events) != 1 {
		t.Fatalf("expected emission on title change, got %v", events)
	}
}

// ///////////////////////////////////////////////
// Idle Handling
// ///////////////////////////////////////////////

func TestReducer_ImmediateClearWithoutReportIdle(t *testing.T) {
	r := newTestReducer(false)
	now := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), now)

	events := r.Observe(nil, now.Add(time.Second))
	if len(events) != 1 || events[0].Kind != EventCleared {
		t.Fatalf("expected immediate EventCleared, got %v", events)
	}
	if _, armed := r.IdleDeadline(); armed {
		t.Fatal("no idle deadline should be armed when reportIdle is false")
	}
}

func TestReducer_IdleGraceSuppressesTransientIdle(t *testing.T) {
	r := newTestReducer(true)
	now := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), now)

	// Idle observation arms the grace period without emitting.
	events := r.Observe(nil, now.Add(time.Second))
	if len(events) != 0 {
		t.Fatalf("idle observation must not emit during grace, got %v", events)
	}
	deadline, armed := r.IdleDeadline()
	if !armed {
		t.Fatal("expected idle deadline to be armed")
	}
	if got := deadline.Sub(now.Add(time.Second)); got != 3000*time.Millisecond {
		t.Fatalf("deadline = now+%v, want now+3s", got)
	}

	// Activity resuming inside the window cancels the clear entirely.
	events = r.Observe(testSession(302_000, plex.StatePlaying), now.Add(2*time.Second))
	if len(events) != 1 || events[0].Kind != EventChanged {
		t.Fatalf("expected EventChanged on resume, got %v", events)
	}
	if _, armed := r.IdleDeadline(); armed {
		t.Fatal("resume must disarm the idle deadline")
	}

	// The old deadline firing late must be a no-op.
	if events := r.Tick(now.Add(5 * time.Second)); len(events) != 0 {
		t.Fatalf("stale tick after resume emitted %v", events)
	}
}

func TestReducer_IdleGraceExpiryEmitsOnce(t *testing.T) {
	r := newTestReducer(true)
	now := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), now)
	r.Observe(nil, now.Add(time.Second))

	deadline, _ := r.IdleDeadline()

	events := r.Tick(deadline)
	if len(events) != 1 || events[0].Kind != EventCleared {
		t.Fatalf("expected exactly one EventCleared at deadline, got %v", events)
	}

	// Further idle observations and ticks stay silent.
	if events := r.Observe(nil, deadline.Add(time.Second)); len(events) != 0 {
		t.Fatalf("idle after clear emitted %v", events)
	}
	if events := r.Tick(deadline.Add(time.Second)); len(events) != 0 {
		t.Fatalf("tick after clear emitted %v", events)
	}
}

func TestReducer_TickBeforeDeadlineIsSilent(t *testing.T) {
	r := newTestReducer(true)
	now := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), now)
	r.Observe(nil, now)

	if events := r.Tick(now.Add(time.Second)); len(events) != 0 {
		t.Fatalf("tick before deadline emitted %v", events)
	}
}

// ///////////////////////////////////////////////
// Invalidation
// ///////////////////////////////////////////////

func TestReducer_InvalidateForcesNextEmission(t *testing.T) {
	r := newTestReducer(false)
	now := time.Now()

	r.Observe(testSession(300_000, plex.StatePlaying), now)

	// Normally this identical observation would be suppressed.
	r.Invalidate()
	events := r.Observe(testSession(300_000, plex.StatePlaying), now)
	if len(events) != 1 || events[0].Kind != EventChanged {
		t.Fatalf("expected forced emission after Invalidate, got %v", events)
	}

	// The flag clears after one emission; suppression resumes.
	if events := r.Observe(testSession(300_000, plex.StatePlaying), now); len(events) != 0 {
		t.Fatalf("expected suppression after stale flag cleared, got %v", events)
	}
}
