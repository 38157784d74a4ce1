package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/livebell/crypto"
)

// OAuthToken is one provider's persisted credential row.
type OAuthToken struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	NeedsReauth  bool
	ReauthReason string
	UpdatedAt    time.Time
}

// UpsertOAuthToken stores a provider's token pair and clears any reconnect flag.
// Tokens are encrypted when ENCRYPTION_KEY is configured
// (encryption_version=1), otherwise stored as plaintext (version 0).
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, tok OAuthToken) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}
	encVersion := 0
	encKeyID := ""
	access, refresh := tok.AccessToken, tok.RefreshToken
	if enc != nil {
		encVersion = 1
		encKeyID = "default"
		if access, err = crypto.SealToken(enc, tok.Provider, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.SealToken(enc, tok.Provider, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	var expires any
	if !tok.ExpiresAt.IsZero() {
		expires = tok.ExpiresAt
	}
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, needs_reauth, reauth_reason, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,FALSE,NULL,$6,$7,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    needs_reauth=FALSE,
		    reauth_reason=NULL,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, tok.Provider, access, refresh, expires, strings.TrimSpace(tok.Scope), encVersion, encKeyID)
	return err
}

// GetOAuthToken loads a provider's row; found is false when no row exists.
// Rows written with encryption_version=1 are decrypted transparently.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (tok OAuthToken, found bool, err error) {
	var (
		encVersion int
		expires    sql.NullTime
		updated    sql.NullTime
		access     sql.NullString
		refresh    sql.NullString
		scope      sql.NullString
		reason     sql.NullString
	)
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, needs_reauth, reauth_reason,
		        COALESCE(encryption_version, 0), updated_at
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expires, &scope, &tok.NeedsReauth, &reason, &encVersion, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return OAuthToken{}, false, nil
	}
	if err != nil {
		return OAuthToken{}, false, err
	}
	tok.Provider = provider
	tok.AccessToken, tok.RefreshToken = access.String, refresh.String
	tok.ExpiresAt, tok.UpdatedAt = expires.Time, updated.Time
	tok.Scope, tok.ReauthReason = scope.String, reason.String

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return OAuthToken{}, false, fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return OAuthToken{}, false, fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if tok.AccessToken, err = crypto.OpenToken(enc, provider, tok.AccessToken); err != nil {
			return OAuthToken{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = crypto.OpenToken(enc, provider, tok.RefreshToken); err != nil {
			return OAuthToken{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return tok, true, nil
}

// MarkNeedsReauth flags a provider as requiring the user to reconnect.
func MarkNeedsReauth(ctx context.Context, dbx *sql.DB, provider, reason string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, needs_reauth, reauth_reason, updated_at) VALUES($1, TRUE, $2, NOW())
		 ON CONFLICT(provider) DO UPDATE SET needs_reauth=TRUE, reauth_reason=EXCLUDED.reauth_reason, updated_at=NOW()`,
		provider, reason)
	return err
}

// ClearOAuthToken removes both tokens for a provider (logout).
func ClearOAuthToken(ctx context.Context, dbx *sql.DB, provider string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider=$1`, provider)
	return err
}

// TokenStore adapts the oauth_tokens table to credential persistence.
type TokenStore struct{ DB *sql.DB }

func (t *TokenStore) Save(ctx context.Context, tok OAuthToken) error {
	return UpsertOAuthToken(ctx, t.DB, tok)
}

func (t *TokenStore) Load(ctx context.Context, provider string) (OAuthToken, bool, error) {
	return GetOAuthToken(ctx, t.DB, provider)
}

func (t *TokenStore) MarkNeedsReauth(ctx context.Context, provider, reason string) error {
	return MarkNeedsReauth(ctx, t.DB, provider, reason)
}

func (t *TokenStore) Clear(ctx context.Context, provider string) error {
	return ClearOAuthToken(ctx, t.DB, provider)
}
