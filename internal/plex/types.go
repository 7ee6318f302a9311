// Package plex provides a client for the Plex Media Server HTTP API and
// its notification websocket.
//
// The [Client] type covers the REST endpoints the daemon needs (active
// sessions, item metadata) and the [NotificationListener] type streams
// playback state changes for servers the account does not own.
package plex

import (
	"fmt"
	"net/url"
)

// ///////////////////////////////////////////////
// Domain Types
// ///////////////////////////////////////////////

// MediaType identifies the kind of media item a session is playing.
type MediaType string

const (
	MediaEpisode MediaType = "episode"
	MediaMovie   MediaType = "movie"
	MediaTrack   MediaType = "track"
)

// PlayerState is the transport state reported by a Plex player.
type PlayerState string

const (
	StatePlaying   PlayerState = "playing"
	StatePaused    PlayerState = "paused"
	StateBuffering PlayerState = "buffering"
	StateStopped   PlayerState = "stopped"
)

// Session is a normalized view of one playback session on the server.
// It merges fields from /status/sessions (or /library/metadata plus a
// websocket notification) into the shape the presence pipeline consumes.
type Session struct {
	// SessionKey identifies the playback session on the server.
	SessionKey string
	// RatingKey identifies the media item being played.
	RatingKey string
	// MediaType is the item kind: episode, movie, track, or anything
	// else Plex reports (photo, clip) which the mapper treats generically.
	MediaType MediaType
	// Title is the item title (episode title, movie title, track title).
	Title string
	// GrandparentTitle is the show or artist name, when applicable.
	GrandparentTitle string
	// ParentTitle is the season or album name, when applicable.
	ParentTitle string
	// Index is the episode or track number within its parent.
	Index int
	// ParentIndex is the season or disc number.
	ParentIndex int
	// DurationMS is the total runtime in milliseconds.
	DurationMS int64
	// ViewOffsetMS is the current playback position in milliseconds.
	ViewOffsetMS int64
	// Thumb is the item's poster path (e.g. /library/metadata/123/thumb/456).
	Thumb string
	// GrandparentThumb is the show or artist poster path.
	GrandparentThumb string
	// State is the player transport state.
	State PlayerState
	// Username is the Plex account playing the session.
	Username string
}

// ThumbPath returns the poster path for the session, preferring the item's
// own thumbnail and falling back to the show/artist one. Empty when the
// item has no artwork.
func (s *Session) ThumbPath() string {
	if s.Thumb != "" {
		return s.Thumb
	}
	return s.GrandparentThumb
}

// ThumbURL returns a fully qualified, token-authenticated artwork URL that
// Discord can fetch, or "" when the session has no artwork.
func (s *Session) ThumbURL(baseURL, token string) string {
	path := s.ThumbPath()
	if path == "" {
		return ""
	}
	return fmt.Sprintf("%s%s?X-Plex-Token=%s", baseURL, path, url.QueryEscape(token))
}

// ///////////////////////////////////////////////
// Wire Types
// ///////////////////////////////////////////////

// mediaContainerResponse is the envelope for /status/sessions and
// /library/metadata responses when requested as JSON.
type mediaContainerResponse struct {
	MediaContainer struct {
		Size     int            `json:"size"`
		Metadata []metadataItem `json:"Metadata"`
	} `json:"MediaContainer"`
}

// metadataItem is one media item as returned by the server. Only the
// fields the presence pipeline reads are declared.
type metadataItem struct {
	SessionKey       string `json:"sessionKey"`
	RatingKey        string `json:"ratingKey"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	ParentTitle      string `json:"parentTitle"`
	Index            int    `json:"index"`
	ParentIndex      int    `json:"parentIndex"`
	Duration         int64  `json:"duration"`
	ViewOffset       int64  `json:"viewOffset"`
	Thumb            string `json:"thumb"`
	GrandparentThumb string `json:"grandparentThumb"`
	Player           struct {
		State string `json:"state"`
	} `json:"Player"`
	User struct {
		Title string `json:"title"`
	} `json:"User"`
}

// toSession converts a wire metadata item into the normalized Session form.
func (m *metadataItem) toSession() Session {
	return Session{
		SessionKey:       m.SessionKey,
		RatingKey:        m.RatingKey,
		MediaType:        MediaType(m.Type),
		Title:            m.Title,
		GrandparentTitle: m.GrandparentTitle,
		ParentTitle:      m.ParentTitle,
		Index:            m.Index,
		ParentIndex:      m.ParentIndex,
		DurationMS:       m.Duration,
		ViewOffsetMS:     m.ViewOffset,
		Thumb:            m.Thumb,
		GrandparentThumb: m.GrandparentThumb,
		State:            PlayerState(m.Player.State),
		Username:         m.User.Title,
	}
}
