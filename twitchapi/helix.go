// Package twitchapi talks to the Twitch Helix and id.twitch.tv endpoints:
// followed live streams for the authorized user, user profile lookups and the
// OAuth code and refresh grants.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/livebell/live"
)

const (
	defaultHelixBase = "https://api.twitch.tv/helix"
	maxUsersPerCall  = 100
	maxStreamsPage   = 100
)

// HelixClient is a thin Helix client. Every call takes the bearer token so
// callers decide which credential to use.
type HelixClient struct {
	ClientID   string
	BaseURL    string // defaults to https://api.twitch.tv/helix
	HTTPClient *http.Client
}

// User is the subset of a Helix user object that is used.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// StreamsPage is one page of /streams/followed. Streams are kept raw so the
// normalizer sees exactly what Twitch sent.
type StreamsPage struct {
	Streams []json.RawMessage
	Cursor  string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultHelixBase
}

// get performs a GET and decodes a 200 body into out. Non-200 responses
// become *live.StatusError carrying any rate-limit hint.
func (hc *HelixClient) get(ctx context.Context, token, path string, q url.Values, out any) error {
	u := hc.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return live.NewStatusError(resp, b, time.Now())
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &live.ProtocolError{Platform: live.Twitch, Msg: "decode " + path, Err: err}
	}
	return nil
}

// GetSelf returns the user the token belongs to.
func (hc *HelixClient) GetSelf(ctx context.Context, token string) (User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, token, "/users", nil, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, &live.ProtocolError{Platform: live.Twitch, Msg: "token user not found"}
	}
	return body.Data[0], nil
}

// GetUsers looks up users by id, batching 100 ids per request.
func (hc *HelixClient) GetUsers(ctx context.Context, token string, ids []string) ([]User, error) {
	var out []User
	for start := 0; start < len(ids); start += maxUsersPerCall {
		end := min(start+maxUsersPerCall, len(ids))
		q := url.Values{}
		for _, id := range ids[start:end] {
			q.Add("id", id)
		}
		var body struct {
			Data []User `json:"data"`
		}
		if err := hc.get(ctx, token, "/users", q, &body); err != nil {
			return out, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// FollowedStreams returns one page of live streams followed by userID.
func (hc *HelixClient) FollowedStreams(ctx context.Context, token, userID, after string, first int) (StreamsPage, error) {
	if userID == "" {
		return StreamsPage{}, fmt.Errorf("userID empty")
	}
	if first <= 0 || first > maxStreamsPage {
		first = maxStreamsPage
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data       []json.RawMessage `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, token, "/streams/followed", q, &body); err != nil {
		return StreamsPage{}, err
	}
	return StreamsPage{Streams: body.Data, Cursor: body.Pagination.Cursor}, nil
}
