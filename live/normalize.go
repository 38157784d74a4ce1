package live

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	twitchThumbWidth  = "440"
	twitchThumbHeight = "248"
)

// twitchStream mirrors the fields of a Helix stream object that are used.
type twitchStream struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	UserLogin    string `json:"user_login"`
	UserName     string `json:"user_name"`
	GameName     string `json:"game_name"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	ViewerCount  int    `json:"viewer_count"`
	StartedAt    string `json:"started_at"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// YouTubeBroadcast is the payload a YouTube adapter emits for a live channel.
type YouTubeBroadcast struct {
	ChannelID    string    `json:"channel_id"`
	ChannelTitle string    `json:"channel_title"`
	VideoID      string    `json:"video_id"`
	Title        string    `json:"title"`
	ThumbnailURL string    `json:"thumbnail_url"`
	StartedAt    time.Time `json:"started_at"`
	ViewerCount  int       `json:"viewer_count"`
	Category     string    `json:"category"`
}

// Normalize maps one raw upstream record to the canonical Item. It does no I/O.
func Normalize(rec RawRecord) (Item, error) {
	switch rec.Platform {
	case Twitch:
		return normalizeTwitch(rec)
	case YouTube:
		return normalizeYouTube(rec)
	}
	return Item{}, &ProtocolError{Platform: rec.Platform, Msg: "unknown platform"}
}

// NormalizeAll normalizes every record, failing on the first malformed one.
func NormalizeAll(recs []RawRecord) ([]Item, error) {
	items := make([]Item, 0, len(recs))
	for i, rec := range recs {
		it, err := Normalize(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		items = append(items, it)
	}
	return items, nil
}

func normalizeTwitch(rec RawRecord) (Item, error) {
	var s twitchStream
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		return Item{}, &ProtocolError{Platform: Twitch, Msg: "decode stream", Err: err}
	}
	if s.UserID == "" {
		return Item{}, &ProtocolError{Platform: Twitch, Msg: "stream without user_id"}
	}
	if s.Type != "" && s.Type != "live" {
		return Item{}, &ProtocolError{Platform: Twitch, Msg: fmt.Sprintf("stream %s has type %q", s.ID, s.Type)}
	}
	started, err := parseTime(s.StartedAt)
	if err != nil {
		return Item{}, &ProtocolError{Platform: Twitch, Msg: "started_at", Err: err}
	}
	login := s.UserLogin
	if login == "" {
		login = strings.ToLower(s.UserName)
	}
	name := s.UserName
	if name == "" {
		name = login
	}
	thumb := strings.NewReplacer("{width}", twitchThumbWidth, "{height}", twitchThumbHeight).Replace(s.ThumbnailURL)
	return Item{
		Platform:     Twitch,
		ChannelID:    s.UserID,
		ChannelName:  name,
		Title:        s.Title,
		ThumbnailURL: thumb,
		AvatarURL:    rec.AvatarURL,
		ViewerCount:  s.ViewerCount,
		StartedAt:    started,
		Category:     s.GameName,
		StreamURL:    "https://www.twitch.tv/" + login,
		ObservedAt:   observed(rec),
	}, nil
}

func normalizeYouTube(rec RawRecord) (Item, error) {
	var b YouTubeBroadcast
	if err := json.Unmarshal(rec.Payload, &b); err != nil {
		return Item{}, &ProtocolError{Platform: YouTube, Msg: "decode broadcast", Err: err}
	}
	if b.ChannelID == "" || b.VideoID == "" {
		return Item{}, &ProtocolError{Platform: YouTube, Msg: "broadcast without channel or video id"}
	}
	name := b.ChannelTitle
	if name == "" {
		name = b.ChannelID
	}
	thumb := b.ThumbnailURL
	if thumb == "" {
		thumb = "https://i.ytimg.com/vi/" + b.VideoID + "/hqdefault_live.jpg"
	}
	return Item{
		Platform:     YouTube,
		ChannelID:    b.ChannelID,
		ChannelName:  name,
		Title:        b.Title,
		ThumbnailURL: thumb,
		AvatarURL:    rec.AvatarURL,
		ViewerCount:  b.ViewerCount,
		StartedAt:    b.StartedAt.UTC(),
		Category:     b.Category,
		StreamURL:    "https://www.youtube.com/watch?v=" + b.VideoID,
		ObservedAt:   observed(rec),
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func observed(rec RawRecord) time.Time {
	if rec.ObservedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.ObservedAt.UTC()
}
