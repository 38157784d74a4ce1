package youtubeapi

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"

	"github.com/onnwee/livebell/credential"
	"github.com/onnwee/livebell/live"
)

func (o *OAuth) toCredential(tok *oauth2.Token) credential.Credential {
	return credential.Credential{
		Platform:     live.YouTube,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        strings.Join(o.cfg.Scopes, " "),
	}
}

// RefreshCredential is a credential.RefreshFunc backed by Google's token endpoint.
func (o *OAuth) RefreshCredential(ctx context.Context, refreshToken string) (credential.Credential, error) {
	tok, err := o.Refresh(ctx, refreshToken)
	if err != nil {
		return credential.Credential{}, err
	}
	return o.toCredential(tok), nil
}

// ExchangeCredential completes the code flow.
func (o *OAuth) ExchangeCredential(ctx context.Context, code string) (credential.Credential, error) {
	tok, err := o.Exchange(ctx, code)
	if err != nil {
		return credential.Credential{}, err
	}
	return o.toCredential(tok), nil
}

// AuthURL is the connect redirect target.
func (o *OAuth) AuthURL(state string) (string, error) {
	if o.cfg.ClientID == "" || o.cfg.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return o.AuthCodeURL(state), nil
}
