package monitor

import (
	"fmt"
	"sync"

	"tools.zach/dev/plexcord/internal/plex"
)

// ///////////////////////////////////////////////
// Status
// ///////////////////////////////////////////////

// Phase is the coarse state of the monitoring run.
type Phase string

const (
	// PhaseMonitoring means the pipeline is connected and observing.
	PhaseMonitoring Phase = "monitoring"
	// PhaseReconnecting means presence sends are being dropped while the
	// Discord connection is re-established in the background.
	PhaseReconnecting Phase = "reconnecting"
	// PhaseStopped means the run terminated because the server rejected
	// the auth token; the user must re-authenticate.
	PhaseStopped Phase = "stopped: needs re-auth"
)

// Status is a read-only snapshot of the monitor's state, last-write-wins.
type Status struct {
	// Phase is the coarse run state.
	Phase Phase
	// Detail is a human-readable line describing current playback,
	// e.g. "Playing: Pilot" or "No active session".
	Detail string
}

// statusValue holds the latest Status behind a mutex. Writers are the
// orchestrator goroutine and the reconnect goroutine; readers are external.
type statusValue struct {
	mu      sync.RWMutex
	current Status
}

func (v *statusValue) get() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

func (v *statusValue) setPhase(p Phase) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current.Phase = p
}

func (v *statusValue) setDetail(d string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current.Detail = d
}

// sessionDetail renders the human-readable status line for an observation.
func sessionDetail(s *plex.Session) string {
	if s == nil {
		return "No active session"
	}
	switch s.State {
	case plex.StatePaused:
		return fmt.Sprintf("Paused: %s", s.Title)
	case plex.StateBuffering:
		return fmt.Sprintf("Buffering: %s", s.Title)
	default:
		return fmt.Sprintf("Playing: %s", s.Title)
	}
}
