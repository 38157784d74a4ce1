package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/livebell/live"
)

func TestAuthorizeURL(t *testing.T) {
	tests := []struct {
		name    string
		o       OAuth
		state   string
		want    []string
		wantErr bool
	}{
		{
			name:  "scopes normalized",
			o:     OAuth{ClientID: "cid", RedirectURI: "http://localhost/cb", Scopes: "user:read:follows,  user:read:email"},
			state: "s1",
			want:  []string{"client_id=cid", "response_type=code", "state=s1", "scope=user%3Aread%3Afollows+user%3Aread%3Aemail"},
		},
		{name: "missing client", o: OAuth{RedirectURI: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.o.AuthorizeURL(tt.state)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(got, "https://id.twitch.tv/oauth2/authorize?") {
				t.Errorf("url = %s", got)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("url %s missing %s", got, w)
				}
			}
		})
	}
}

func tokenServer(t *testing.T, status int, body string, check func(url.Values)) *OAuth {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if check != nil {
			check(r.PostForm)
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return &OAuth{ClientID: "cid", ClientSecret: "sec", RedirectURI: "http://cb", BaseURL: srv.URL, HTTPClient: srv.Client()}
}

func TestRefreshRotatesToken(t *testing.T) {
	o := tokenServer(t, http.StatusOK, `{"access_token":"at2","refresh_token":"rt2","expires_in":3600,"scope":["user:read:follows"]}`, func(f url.Values) {
		if f.Get("grant_type") != "refresh_token" || f.Get("refresh_token") != "rt1" || f.Get("client_secret") != "sec" {
			t.Errorf("form = %v", f)
		}
	})
	res, err := o.Refresh(context.Background(), "rt1")
	if err != nil {
		t.Fatal(err)
	}
	if res.AccessToken != "at2" || res.RefreshToken != "rt2" || res.ExpiresIn != 3600 {
		t.Errorf("res = %+v", res)
	}
}

func TestRefreshRejected(t *testing.T) {
	o := tokenServer(t, http.StatusBadRequest, `{"status":400,"message":"Invalid refresh token"}`, nil)
	_, err := o.Refresh(context.Background(), "bad")
	var se *live.StatusError
	if !errors.As(err, &se) || se.Code != 400 {
		t.Fatalf("err = %v", err)
	}
}

func TestExchange(t *testing.T) {
	o := tokenServer(t, http.StatusOK, `{"access_token":"at","refresh_token":"rt","expires_in":10}`, func(f url.Values) {
		if f.Get("grant_type") != "authorization_code" || f.Get("code") != "c" || f.Get("redirect_uri") != "http://cb" {
			t.Errorf("form = %v", f)
		}
	})
	res, err := o.Exchange(context.Background(), "c")
	if err != nil || res.RefreshToken != "rt" {
		t.Fatalf("Exchange = %+v, %v", res, err)
	}
}

func TestAppTokenSourceCaches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("grant = %s", r.PostForm.Get("grant_type"))
		}
		fmt.Fprintf(w, `{"access_token":"app-%d","expires_in":3600}`, calls)
	}))
	defer srv.Close()
	ts := &AppTokenSource{OAuth: &OAuth{ClientID: "c", ClientSecret: "s", BaseURL: srv.URL}}
	for i := 0; i < 3; i++ {
		tok, err := ts.Get(context.Background())
		if err != nil || tok != "app-1" {
			t.Fatalf("Get = %q, %v", tok, err)
		}
	}
	ts.Invalidate()
	if tok, _ := ts.Get(context.Background()); tok != "app-2" {
		t.Fatalf("after invalidate = %q", tok)
	}
}

func TestComputeExpiry(t *testing.T) {
	if d := time.Until(ComputeExpiry(0)); d < 59*time.Minute {
		t.Errorf("default expiry %v", d)
	}
	if d := time.Until(ComputeExpiry(10)); d > 11*time.Second {
		t.Errorf("expiry %v", d)
	}
}
