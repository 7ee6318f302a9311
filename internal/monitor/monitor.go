package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"tools.zach/dev/plexcord/internal/discord"
	"tools.zach/dev/plexcord/internal/plex"
)

// ///////////////////////////////////////////////
// Presence Interface
// ///////////////////////////////////////////////

// Presence is the downstream side of the pipeline: the Discord IPC client,
// or a fake in tests.
type Presence interface {
	Connect() error
	SetActivity(*discord.Activity) error
	ClearActivity() error
	Close() error
}

// ///////////////////////////////////////////////
// Config
// ///////////////////////////////////////////////

// Config holds the orchestrator's knobs. It is immutable for the life of
// one monitoring run; reconfiguration tears the run down and starts a new
// Monitor.
type Config struct {
	// ReportIdle shows an "Idle" presence instead of clearing on idle.
	ReportIdle bool
	// DriftTolerance is forwarded to the reducer.
	DriftTolerance time.Duration
	// IdleGrace is forwarded to the reducer.
	IdleGrace time.Duration
	// ReconnectInitial and ReconnectMax bound the Discord reconnect backoff.
	ReconnectInitial time.Duration
	// ReconnectMax caps the Discord reconnect backoff.
	ReconnectMax time.Duration
	// Ignored reports whether a session's titles match a privacy ignore
	// pattern; matching sessions are treated as idle. May be nil.
	Ignored func(titles ...string) bool
}

// ///////////////////////////////////////////////
// Monitor
// ///////////////////////////////////////////////

// Monitor runs the whole pipeline on a single logical timeline: source
// observations feed the reducer, reducer events feed the mapper, and
// mapped activities are sent to the presence client serially. Failed sends
// are dropped with a warning while a background goroutine re-establishes
// the Discord connection.
type Monitor struct {
	cfg      Config
	source   Source
	reducer  *Reducer
	mapper   *Mapper
	presence Presence
	log      *slog.Logger

	status statusValue
	// reconnecting guards against stacking reconnect goroutines when
	// several sends fail in a row.
	reconnecting atomic.Bool
}

// observation pairs one source result with its error for channel delivery.
type observation struct {
	session *plex.Session
	err     error
}

// New assembles a monitor from its parts.
func New(cfg Config, source Source, mapper *Mapper, presence Presence, log *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		source:   source,
		reducer:  NewReducer(cfg.ReportIdle, cfg.DriftTolerance, cfg.IdleGrace),
		mapper:   mapper,
		presence: presence,
		log:      log,
	}
}

// Status returns the latest status snapshot.
func (m *Monitor) Status() Status {
	return m.status.get()
}

// Run executes the monitoring loop until ctx is cancelled or the server
// rejects the auth token. All other failures are handled internally.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.source.Close()

	if err := m.connectWithBackoff(ctx); err != nil {
		return err
	}
	m.status.setPhase(PhaseMonitoring)
	m.status.setDetail(sessionDetail(nil))

	obsCh := make(chan observation)
	go func() {
		for {
			s, err := m.source.Next(ctx)
			select {
			case obsCh <- observation{session: s, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		// Arm a timer only while an idle grace period is pending. The
		// timer is rebuilt each iteration so reconfigured or cancelled
		// deadlines never fire.
		var idleC <-chan time.Time
		var idleTimer *time.Timer
		if deadline, ok := m.reducer.IdleDeadline(); ok {
			idleTimer = time.NewTimer(time.Until(deadline))
			idleC = idleTimer.C
		}

		select {
		case <-ctx.Done():
			if idleTimer != nil {
				idleTimer.Stop()
			}
			m.presence.Close()
			return ctx.Err()

		case obs := <-obsCh:
			if idleTimer != nil {
				idleTimer.Stop()
			}
			if obs.err != nil {
				if errors.Is(obs.err, plex.ErrAuthRejected) {
					m.status.setPhase(PhaseStopped)
					m.log.Error("plex rejected auth token, stopping", "error", obs.err)
					m.presence.Close()
					return obs.err
				}
				m.presence.Close()
				return obs.err
			}

			s := obs.session
			if s != nil && m.cfg.Ignored != nil && m.cfg.Ignored(s.Title, s.GrandparentTitle) {
				m.log.Debug("session matches ignore pattern, treating as idle", "title", s.Title)
				s = nil
			}
			m.dispatch(ctx, m.reducer.Observe(s, time.Now()))
			m.status.setDetail(sessionDetail(s))

		case now := <-idleC:
			m.dispatch(ctx, m.reducer.Tick(now))
			m.status.setDetail(sessionDetail(nil))
		}
	}
}

// dispatch maps reducer events to presence sends. A failed send drops the
// update, invalidates the reducer so the next emission is never
// suppressed, and kicks off a background reconnect.
func (m *Monitor) dispatch(ctx context.Context, events []Event) {
	for _, ev := range events {
		var err error
		switch ev.Kind {
		case EventChanged:
			err = m.presence.SetActivity(m.mapper.Map(ev.Session, time.Now()))
		case EventCleared:
			if m.cfg.ReportIdle {
				err = m.presence.SetActivity(m.mapper.Idle())
			} else {
				err = m.presence.ClearActivity()
			}
		}
		if err != nil {
			m.log.Warn("presence send failed, dropping update", "error", err)
			m.reducer.Invalidate()
			m.startReconnect(ctx)
		} else {
			m.log.Debug("presence updated", "kind", int(ev.Kind))
		}
	}
}

// startReconnect launches the background connect+handshake retry loop, at
// most one at a time.
func (m *Monitor) startReconnect(ctx context.Context) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	m.status.setPhase(PhaseReconnecting)

	go func() {
		defer m.reconnecting.Store(false)
		if err := m.connectWithBackoff(ctx); err != nil {
			return
		}
		m.status.setPhase(PhaseMonitoring)
		m.log.Info("reconnected to Discord")
	}()
}

// connectWithBackoff retries Connect with exponential backoff until it
// succeeds or ctx is cancelled.
func (m *Monitor) connectWithBackoff(ctx context.Context) error {
	backoff := m.cfg.ReconnectInitial
	for {
		err := m.presence.Connect()
		if err == nil {
			return nil
		}
		m.log.Warn("Discord connect failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, m.cfg.ReconnectMax)
	}
}
