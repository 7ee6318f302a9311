package plex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// ///////////////////////////////////////////////
// Notification Types
// ///////////////////////////////////////////////

// PlayingNotification is one playback state change from the server's
// notification websocket.
type PlayingNotification struct {
	// SessionKey identifies the playback session.
	SessionKey string
	// RatingKey identifies the media item; resolve it via [Client.Metadata].
	RatingKey string
	// State is the new transport state, including "stopped".
	State PlayerState
	// ViewOffsetMS is the playback position at the time of the notification.
	ViewOffsetMS int64
}

// notificationWrapper is the envelope every websocket message arrives in.
type notificationWrapper struct {
	NotificationContainer struct {
		Type                         string `json:"type"`
		PlaySessionStateNotification []struct {
			SessionKey string `json:"sessionKey"`
			RatingKey  string `json:"ratingKey"`
			Key        string `json:"key"`
			State      string `json:"state"`
			ViewOffset int64  `json:"viewOffset"`
		} `json:"PlaySessionStateNotification"`
	} `json:"NotificationContainer"`
}

// ///////////////////////////////////////////////
// Listener
// ///////////////////////////////////////////////

const (
	// wsHandshakeTimeout bounds the websocket dial.
	wsHandshakeTimeout = 10 * time.Second
	// wsPingInterval is the keepalive ping cadence.
	wsPingInterval = 30 * time.Second
	// wsReadTimeout is the per-read deadline; pongs and notifications both
	// reset it, so an idle healthy connection stays open.
	wsReadTimeout = 90 * time.Second
)

// NotificationListener maintains a connection to the Plex notification
// websocket (/:/websockets/notifications) and delivers playback state
// changes. Dropped connections are redialed with exponential backoff.
type NotificationListener struct {
	baseURL string
	token   string

	// backoffInitial and backoffMax bound the reconnect delay. The delay
	// doubles after each failed attempt and resets after a successful dial.
	backoffInitial time.Duration
	backoffMax     time.Duration

	log *slog.Logger
}

// NewNotificationListener creates a listener for the given server base URL
// and token. backoffInitial and backoffMax bound the reconnect delay.
func NewNotificationListener(baseURL, token string, backoffInitial, backoffMax time.Duration, log *slog.Logger) *NotificationListener {
	return &NotificationListener{
		baseURL:        baseURL,
		token:          token,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		log:            log,
	}
}

// websocketURL converts the HTTP base URL into the authenticated
// notification websocket URL.
func (l *NotificationListener) websocketURL() (string, error) {
	parsed, err := url.Parse(l.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}

	ws := url.URL{
		Scheme:   scheme,
		Host:     parsed.Host,
		Path:     "/:/websockets/notifications",
		RawQuery: url.Values{"X-Plex-Token": {l.token}}.Encode(),
	}
	return ws.String(), nil
}

// Run connects to the notification websocket and invokes handler for each
// playback state change until ctx is cancelled. Connection drops are
// redialed with exponential backoff; Run only returns early if the server
// rejects the auth token (ErrAuthRejected).
func (l *NotificationListener) Run(ctx context.Context, handler func(PlayingNotification)) error {
	wsURL, err := l.websocketURL()
	if err != nil {
		return err
	}

	backoff := l.backoffInitial
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.listenOnce(ctx, wsURL, handler)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, ErrAuthRejected):
			return err
		case err != nil:
			l.log.Warn("notification websocket dropped, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.backoffMax)
	}
}

// listenOnce dials the websocket and reads notifications until the
// connection fails or ctx is cancelled. A successful dial resets the
// caller's backoff via the nil error path inside the read loop.
func (l *NotificationListener) listenOnce(ctx context.Context, wsURL string, handler func(PlayingNotification)) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrAuthRejected
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	l.log.Info("notification websocket connected")

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	// Close the connection when ctx is cancelled so the blocking read
	// below unblocks. The done channel stops this goroutine on normal exit.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go l.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var wrapper notificationWrapper
		if err := json.Unmarshal(data, &wrapper); err != nil {
			l.log.Debug("skipping unparseable notification", "error", err)
			continue
		}
		if wrapper.NotificationContainer.Type != "playing" {
			continue
		}

		for _, n := range wrapper.NotificationContainer.PlaySessionStateNotification {
			handler(PlayingNotification{
				SessionKey:   n.SessionKey,
				RatingKey:    n.RatingKey,
				State:        PlayerState(n.State),
				ViewOffsetMS: n.ViewOffset,
			})
		}
	}
}

// pingLoop sends a websocket ping every wsPingInterval until done closes.
func (l *NotificationListener) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsHandshakeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
