package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/livebell/live"
)

const defaultIDBase = "https://id.twitch.tv/oauth2"

// TokenResponse is the body of a successful token grant.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// OAuth holds the app registration used for the user code flow.
type OAuth struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string // space or comma separated
	BaseURL      string // defaults to https://id.twitch.tv/oauth2
	HTTPClient   *http.Client
}

func (o *OAuth) base() string {
	if o.BaseURL != "" {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return defaultIDBase
}

func (o *OAuth) http() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

// AuthorizeURL constructs the user authorization URL for the code grant.
func (o *OAuth) AuthorizeURL(state string) (string, error) {
	if o.ClientID == "" || o.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", o.ClientID)
	v.Set("redirect_uri", o.RedirectURI)
	if o.Scopes != "" {
		v.Set("scope", strings.Join(strings.Fields(strings.ReplaceAll(o.Scopes, ",", " ")), " "))
	}
	if state != "" {
		v.Set("state", state)
	}
	return o.base() + "/authorize?" + v.Encode(), nil
}

// Exchange trades an authorization code for a token pair.
func (o *OAuth) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	if o.ClientID == "" || o.ClientSecret == "" || code == "" || o.RedirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", o.RedirectURI)
	return o.token(ctx, form)
}

// Refresh trades a refresh token for a new pair. Twitch rotates refresh
// tokens, so callers must persist the returned RefreshToken. A rejected token
// comes back as *live.StatusError with status 400.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if o.ClientID == "" || o.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return o.token(ctx, form)
}

// Revoke invalidates a token at Twitch. Used best-effort on logout.
func (o *OAuth) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	form := url.Values{}
	form.Set("client_id", o.ClientID)
	form.Set("token", token)
	resp, err := o.post(ctx, "/revoke", form)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return live.NewStatusError(resp, b, time.Now())
	}
	return nil
}

func (o *OAuth) token(ctx context.Context, form url.Values) (*TokenResponse, error) {
	form.Set("client_id", o.ClientID)
	form.Set("client_secret", o.ClientSecret)
	resp, err := o.post(ctx, "/token", form)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, live.NewStatusError(resp, b, time.Now())
	}
	var res TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return &res, nil
}

func (o *OAuth) post(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base()+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return o.http().Do(req)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
