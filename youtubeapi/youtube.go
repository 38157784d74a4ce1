// Package youtubeapi wraps the Google OAuth2 config, the YouTube Data API
// subscriptions listing and a scrape-based live probe used to discover which
// subscribed channels are broadcasting.
package youtubeapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/onnwee/livebell/live"
)

// DefaultScope grants read access to the user's subscriptions.
const DefaultScope = "https://www.googleapis.com/auth/youtube.readonly"

const revokeURL = "https://oauth2.googleapis.com/revoke"

// OAuth wraps the app's oauth2 config.
type OAuth struct {
	cfg        *oauth2.Config
	HTTPClient *http.Client
	RevokeURL  string
}

// NewOAuth builds the Google code-flow config. scopes may be comma or space
// separated; empty means DefaultScope.
func NewOAuth(clientID, clientSecret, redirectURI, scopes string) *OAuth {
	list := strings.Fields(strings.ReplaceAll(scopes, ",", " "))
	if len(list) == 0 {
		list = []string{DefaultScope}
	}
	return &OAuth{cfg: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURI,
		Scopes:       list,
	}}
}

// SetEndpoint points token exchanges at another server (tests).
func (o *OAuth) SetEndpoint(ep oauth2.Endpoint) { o.cfg.Endpoint = ep }

// Configured reports whether client credentials are present.
func (o *OAuth) Configured() bool { return o.cfg.ClientID != "" && o.cfg.ClientSecret != "" }

// AuthCodeURL asks for offline access so a refresh token is issued.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (o *OAuth) ctx(ctx context.Context) context.Context {
	if o.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	return ctx
}

// Exchange trades an authorization code for a token.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := o.cfg.Exchange(o.ctx(ctx), code)
	if err != nil {
		return nil, mapRetrieveError(err)
	}
	return tok, nil
}

// Refresh forces a refresh-token grant. A rejected refresh token
// (invalid_grant) comes back as *live.StatusError with status 400.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	// An expired token makes the source go straight to the refresh grant.
	src := o.cfg.TokenSource(o.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, mapRetrieveError(err)
	}
	return tok, nil
}

// Revoke invalidates a token at Google. Used best-effort on logout.
func (o *OAuth) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	u := o.RevokeURL
	if u == "" {
		u = revokeURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(url.Values{"token": {token}}.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := o.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &live.StatusError{Code: resp.StatusCode}
	}
	return nil
}

func mapRetrieveError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &live.StatusError{Code: re.Response.StatusCode, Body: string(re.Body)}
	}
	return err
}
