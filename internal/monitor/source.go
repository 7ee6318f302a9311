// Package monitor implements the playback monitoring pipeline: a session
// source observing the Plex server, a reducer that dedupes and debounces
// raw observations, a mapper producing Discord activities, and an
// orchestrator wiring them to the presence client.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tools.zach/dev/plexcord/internal/plex"
)

// ///////////////////////////////////////////////
// Source Interface
// ///////////////////////////////////////////////

// Source produces an infinite sequence of playback observations for the
// configured server. A nil session is an idle marker (nothing playing).
// A fresh source is created per monitoring run; after Next returns a
// non-nil error the source is dead and must be recreated.
type Source interface {
	// Next blocks until the next observation is available.
	Next(ctx context.Context) (*plex.Session, error)
	// Close releases any resources held by the source.
	Close()
}

// statePriority orders candidate sessions when one user has several.
var statePriority = map[plex.PlayerState]int{
	plex.StatePlaying:   3,
	plex.StateBuffering: 2,
	plex.StatePaused:    1,
}

// selectSession picks the session to mirror from a full server session
// list: filter to the target username, then highest transport-state
// priority, ties broken by response order. Nil when the user has nothing
// playing.
func selectSession(sessions []plex.Session, username string) *plex.Session {
	var best *plex.Session
	bestPri := 0
	for i := range sessions {
		s := &sessions[i]
		if s.Username != username {
			continue
		}
		pri := statePriority[s.State]
		if pri > bestPri {
			best, bestPri = s, pri
		}
	}
	if best == nil {
		return nil
	}
	picked := *best
	return &picked
}

// ///////////////////////////////////////////////
// Polling Source
// ///////////////////////////////////////////////

// PollingSource observes playback by querying /status/sessions on a fixed
// interval. Used when the account owns the server and can see the full
// session list.
type PollingSource struct {
	client   *plex.Client
	username string
	interval time.Duration
	ticker   *time.Ticker
	log      *slog.Logger
}

// NewPollingSource creates a source that polls the given client every
// interval for sessions owned by username.
func NewPollingSource(client *plex.Client, username string, interval time.Duration, log *slog.Logger) *PollingSource {
	return &PollingSource{
		client:   client,
		username: username,
		interval: interval,
		log:      log,
	}
}

// Next waits for the next poll tick, fetches the session list, and returns
// the selected session (nil when the user is idle). A failed fetch is
// logged and retried on the following tick; only auth rejection or context
// cancellation surface as errors.
func (p *PollingSource) Next(ctx context.Context) (*plex.Session, error) {
	if p.ticker == nil {
		p.ticker = time.NewTicker(p.interval)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ticker.C:
		}

		sessions, err := p.client.Sessions(ctx)
		if err != nil {
			if errors.Is(err, plex.ErrAuthRejected) || ctx.Err() != nil {
				return nil, err
			}
			p.log.Warn("session poll failed, retrying next tick", "error", err)
			continue
		}
		return selectSession(sessions, p.username), nil
	}
}

// Close stops the poll ticker.
func (p *PollingSource) Close() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
}

// ///////////////////////////////////////////////
// Subscription Source
// ///////////////////////////////////////////////

// SubscriptionSource observes playback through the server's notification
// websocket. Used when the account does not own the server and cannot see
// /status/sessions; the socket only carries the viewer's own playback, so
// no username filtering applies. Each "playing" notification carries
// partial fields and is resolved to a full session with a metadata fetch.
type SubscriptionSource struct {
	client   *plex.Client
	listener *plex.NotificationListener
	username string
	log      *slog.Logger

	started bool
	notifs  chan plex.PlayingNotification
	errc    chan error
}

// NewSubscriptionSource creates a source fed by the given notification
// listener, resolving media keys through client.
func NewSubscriptionSource(client *plex.Client, listener *plex.NotificationListener, username string, log *slog.Logger) *SubscriptionSource {
	return &SubscriptionSource{
		client:   client,
		listener: listener,
		username: username,
		log:      log,
		notifs:   make(chan plex.PlayingNotification, 8),
		errc:     make(chan error, 1),
	}
}

// Next blocks until the next playback notification arrives and resolves it
// to a full session. A "stopped" notification becomes an idle marker
// without a metadata fetch. Notifications whose key cannot be resolved are
// dropped. The listener reconnects internally on socket drops; Next only
// errors on auth rejection or context cancellation.
func (s *SubscriptionSource) Next(ctx context.Context) (*plex.Session, error) {
	if !s.started {
		s.started = true
		go func() {
			s.errc <- s.listener.Run(ctx, func(n plex.PlayingNotification) {
				select {
				case s.notifs <- n:
				case <-ctx.Done():
				}
			})
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-s.errc:
			return nil, err
		case n := <-s.notifs:
			if n.State == plex.StateStopped {
				return nil, nil
			}

			sess, err := s.client.Metadata(ctx, n.RatingKey)
			if err != nil {
				if errors.Is(err, plex.ErrAuthRejected) || ctx.Err() != nil {
					return nil, err
				}
				s.log.Debug("dropping unresolvable notification", "rating_key", n.RatingKey, "error", err)
				continue
			}

			sess.SessionKey = n.SessionKey
			sess.State = n.State
			sess.ViewOffsetMS = n.ViewOffsetMS
			sess.Username = s.username
			return sess, nil
		}
	}
}

// Close is a no-op; the listener goroutine exits with the run context.
func (s *SubscriptionSource) Close() {}
