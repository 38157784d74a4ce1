package live

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNormalizeTwitch(t *testing.T) {
	payload := `{"id":"1","user_id":"42","user_login":"somestreamer","user_name":"SomeStreamer",
		"game_name":"Chess","type":"live","title":"blitz","viewer_count":17,
		"started_at":"2024-05-01T10:00:00Z",
		"thumbnail_url":"https://static-cdn.jtvnw.net/previews-ttv/live_user_somestreamer-{width}x{height}.jpg"}`
	obs := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	it, err := Normalize(RawRecord{Platform: Twitch, Payload: json.RawMessage(payload), AvatarURL: "https://a/p.png", ObservedAt: obs})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := Item{
		Platform:     Twitch,
		ChannelID:    "42",
		ChannelName:  "SomeStreamer",
		Title:        "blitz",
		ThumbnailURL: "https://static-cdn.jtvnw.net/previews-ttv/live_user_somestreamer-440x248.jpg",
		AvatarURL:    "https://a/p.png",
		ViewerCount:  17,
		StartedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Category:     "Chess",
		StreamURL:    "https://www.twitch.tv/somestreamer",
		ObservedAt:   obs,
	}
	if it != want {
		t.Errorf("got %+v\nwant %+v", it, want)
	}
}

func TestNormalizeYouTube(t *testing.T) {
	b := YouTubeBroadcast{ChannelID: "UC1", ChannelTitle: "Chan", VideoID: "vid", Title: "hi",
		StartedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	raw, _ := json.Marshal(b)
	it, err := Normalize(RawRecord{Platform: YouTube, Payload: raw})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if it.Key() != (Key{YouTube, "UC1"}) {
		t.Errorf("key = %v", it.Key())
	}
	if it.StreamURL != "https://www.youtube.com/watch?v=vid" {
		t.Errorf("stream url = %s", it.StreamURL)
	}
	if it.ThumbnailURL != "https://i.ytimg.com/vi/vid/hqdefault_live.jpg" {
		t.Errorf("thumbnail fallback = %s", it.ThumbnailURL)
	}
	if it.ObservedAt.IsZero() {
		t.Errorf("observed_at not defaulted")
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		rec  RawRecord
	}{
		{"bad json", RawRecord{Platform: Twitch, Payload: json.RawMessage(`{`)}},
		{"twitch no user", RawRecord{Platform: Twitch, Payload: json.RawMessage(`{"started_at":"2024-05-01T10:00:00Z"}`)}},
		{"twitch bad time", RawRecord{Platform: Twitch, Payload: json.RawMessage(`{"user_id":"1","started_at":"yesterday"}`)}},
		{"twitch rerun", RawRecord{Platform: Twitch, Payload: json.RawMessage(`{"user_id":"1","type":"rerun","started_at":"2024-05-01T10:00:00Z"}`)}},
		{"youtube no video", RawRecord{Platform: YouTube, Payload: json.RawMessage(`{"channel_id":"UC1"}`)}},
		{"unknown platform", RawRecord{Platform: "kick", Payload: json.RawMessage(`{}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.rec)
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("err = %v, want protocol error", err)
			}
		})
	}
}

func TestNormalizeAllFailsWholeBatch(t *testing.T) {
	good := RawRecord{Platform: Twitch, Payload: json.RawMessage(`{"user_id":"1","user_login":"a","started_at":"2024-05-01T10:00:00Z"}`)}
	bad := RawRecord{Platform: Twitch, Payload: json.RawMessage(`[]`)}
	if items, err := NormalizeAll([]RawRecord{good, bad}); err == nil || items != nil {
		t.Fatalf("expected failure, got %v %v", items, err)
	}
	items, err := NormalizeAll([]RawRecord{good})
	if err != nil || len(items) != 1 {
		t.Fatalf("NormalizeAll = %v, %v", items, err)
	}
}
