package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer serves canned Helix and token endpoint responses keyed by
// request path.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTwitchServer starts a server that answers 404 for unregistered paths.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.handlers[r.URL.Path]
		m.hits[r.URL.Path]++
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Hits returns how many requests path received.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse answers /helix/users. Without an id query it returns the
// token owner; with ids it echoes one user per id with a profile image.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["id"]
		if len(ids) == 0 {
			writeJSON(w, map[string]any{"data": []map[string]string{{"id": userID, "login": login}}})
			return
		}
		users := make([]map[string]string, 0, len(ids))
		for _, id := range ids {
			users = append(users, map[string]string{
				"id":                id,
				"login":             "user" + id,
				"profile_image_url": "https://static-cdn.jtvnw.net/" + id + ".png",
			})
		}
		writeJSON(w, map[string]any{"data": users})
	})
}

// MockFollowedStreams answers /helix/streams/followed with a single page.
// Tests may swap the page between polls.
func (m *MockTwitchServer) MockFollowedStreams(streams []map[string]any, cursor string) {
	m.Handle("/helix/streams/followed", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"data": streams, "pagination": map[string]string{}}
		if cursor != "" {
			resp["pagination"] = map[string]string{"cursor": cursor}
		}
		writeJSON(w, resp)
	})
}

// MockOAuthTokenResponse answers /oauth2/token with a fresh bearer token.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token":  accessToken,
			"refresh_token": "refresh-" + accessToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	})
}

// TwitchStream builds a Helix stream object.
func TwitchStream(userID, login, title, startedAt string) map[string]any {
	return map[string]any{
		"id":            "s" + userID,
		"user_id":       userID,
		"user_login":    login,
		"user_name":     login,
		"game_name":     "Just Chatting",
		"type":          "live",
		"title":         title,
		"viewer_count":  42,
		"started_at":    startedAt,
		"thumbnail_url": "https://static-cdn.jtvnw.net/previews-ttv/live_user_" + login + "-{width}x{height}.jpg",
	}
}
