package monitor

import (
	"fmt"
	"strings"
	"time"

	"tools.zach/dev/plexcord/internal/discord"
	"tools.zach/dev/plexcord/internal/plex"
)

// ///////////////////////////////////////////////
// Mapper
// ///////////////////////////////////////////////

// Small image asset keys for the non-playing transport states.
const (
	smallImagePaused    = "pause-circle"
	smallImageBuffering = "sand-clock"
	smallImageIdle      = "sleep-mode"
)

// Mapper converts session snapshots into Discord activities. It is pure
// apart from the server base URL and token needed to build artwork URLs.
type Mapper struct {
	baseURL string
	token   string
}

// NewMapper creates a mapper that resolves artwork against the given
// server base URL with the given token.
func NewMapper(baseURL, token string) *Mapper {
	return &Mapper{baseURL: baseURL, token: token}
}

// Map builds the activity for a session snapshot at the given instant.
//
//	episode: Watching  "S{season} · E{episode} — {title}" / show
//	movie:   Watching  "{title}"
//	track:   Listening "{title}" / artist
//	other:   Watching  "{show} - {season}" (non-empty parts only) / title
func (m *Mapper) Map(s *plex.Session, now time.Time) *discord.Activity {
	a := &discord.Activity{}

	switch s.MediaType {
	case plex.MediaEpisode:
		a.Type = discord.ActivityWatching
		a.Details = fmt.Sprintf("S%d · E%d — %s", s.ParentIndex, s.Index, s.Title)
		a.State = s.GrandparentTitle
	case plex.MediaMovie:
		a.Type = discord.ActivityWatching
		a.Details = s.Title
	case plex.MediaTrack:
		a.Type = discord.ActivityListening
		a.Details = s.Title
		a.State = s.GrandparentTitle
	default:
		a.Type = discord.ActivityWatching
		parts := make([]string, 0, 2)
		if s.GrandparentTitle != "" {
			parts = append(parts, s.GrandparentTitle)
		}
		if s.ParentTitle != "" {
			parts = append(parts, s.ParentTitle)
		}
		a.Details = strings.Join(parts, " - ")
		a.State = s.Title
	}

	// A countdown only makes sense while the position is advancing.
	if s.State == plex.StatePlaying {
		a.Timestamps = &discord.Timestamps{
			Start: now.Unix() - s.ViewOffsetMS/1000,
			End:   now.Unix() + (s.DurationMS-s.ViewOffsetMS)/1000,
		}
	}

	assets := discord.Assets{
		LargeImage: s.ThumbURL(m.baseURL, m.token),
		LargeText:  s.Title,
	}
	switch s.State {
	case plex.StatePaused:
		assets.SmallImage = smallImagePaused
		assets.SmallText = "Paused"
	case plex.StateBuffering:
		assets.SmallImage = smallImageBuffering
		assets.SmallText = "Buffering"
	}
	a.Assets = &assets

	return a
}

// Idle builds the activity shown when playback has stopped and report_idle
// is enabled.
func (m *Mapper) Idle() *discord.Activity {
	return &discord.Activity{
		State: "Idle",
		Assets: &discord.Assets{
			SmallImage: smallImageIdle,
			SmallText:  "Idle",
		},
	}
}
