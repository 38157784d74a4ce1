// Package main encrypts plaintext OAuth token rows in place.
//
// Rows with encryption_version=0 are sealed with AES-256-GCM bound to their
// provider and moved to version 1. Requires DB_DSN and ENCRYPTION_KEY.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider twitch|youtube]
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/livebell/crypto"
)

type tokenRow struct {
	Provider     string
	AccessToken  string
	RefreshToken string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate one provider only (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		slog.Error("ENCRYPTION_KEY is missing or invalid", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}
	n, err := migrateTokens(ctx, database, enc, *dryRun, *provider)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed", slog.Int("migrated", n), slog.Bool("dry_run", *dryRun))
}

// migrateTokens seals every plaintext row and returns how many were (or in
// dry-run mode would be) migrated.
func migrateTokens(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool, providerFilter string) (int, error) {
	query := `SELECT provider, COALESCE(access_token,''), COALESCE(refresh_token,'')
		FROM oauth_tokens WHERE COALESCE(encryption_version,0) = 0`
	args := []any{}
	if providerFilter != "" {
		query += " AND provider = $1"
		args = append(args, providerFilter)
	}
	query += " ORDER BY provider"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	var tokens []tokenRow
	for rows.Next() {
		var tok tokenRow
		if err := rows.Scan(&tok.Provider, &tok.AccessToken, &tok.RefreshToken); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, tok)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}
	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return 0, nil
	}

	migrated, failed := 0, 0
	for _, tok := range tokens {
		logger := slog.With(slog.String("provider", tok.Provider))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := migrateToken(ctx, database, enc, tok); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("migrated token")
		migrated++
	}
	if failed > 0 {
		return migrated, fmt.Errorf("migration completed with %d errors", failed)
	}
	return migrated, nil
}

func migrateToken(ctx context.Context, database *sql.DB, enc crypto.Encryptor, tok tokenRow) error {
	access, err := crypto.SealToken(enc, tok.Provider, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := crypto.SealToken(enc, tok.Provider, tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	res, err := database.ExecContext(ctx,
		`UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, encryption_version=1,
		        encryption_key_id='default', updated_at=NOW()
		 WHERE provider=$3 AND COALESCE(encryption_version,0)=0`,
		access, refresh, tok.Provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	return nil
}
