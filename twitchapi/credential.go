package twitchapi

import (
	"context"
	"strings"

	"github.com/onnwee/livebell/credential"
	"github.com/onnwee/livebell/live"
)

func (t *TokenResponse) toCredential() credential.Credential {
	return credential.Credential{
		Platform:     live.Twitch,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    ComputeExpiry(t.ExpiresIn),
		Scope:        strings.Join(t.Scope, " "),
	}
}

// RefreshCredential is a credential.RefreshFunc backed by the token endpoint.
func (o *OAuth) RefreshCredential(ctx context.Context, refreshToken string) (credential.Credential, error) {
	tok, err := o.Refresh(ctx, refreshToken)
	if err != nil {
		return credential.Credential{}, err
	}
	return tok.toCredential(), nil
}

// ExchangeCredential completes the code flow.
func (o *OAuth) ExchangeCredential(ctx context.Context, code string) (credential.Credential, error) {
	tok, err := o.Exchange(ctx, code)
	if err != nil {
		return credential.Credential{}, err
	}
	return tok.toCredential(), nil
}

// AuthURL is the connect redirect target.
func (o *OAuth) AuthURL(state string) (string, error) { return o.AuthorizeURL(state) }
