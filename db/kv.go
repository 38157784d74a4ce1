package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/onnwee/livebell/live"
)

// SetKV upserts a value in the kv table.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the stored value, or "" when the key is absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v.String, err
}

// PendingStore keeps each platform's unsettled channel ids in kv as a JSON
// array under pending_gate_<platform>.
type PendingStore struct {
	DB *sql.DB
}

func pendingKey(p live.Platform) string { return "pending_gate_" + string(p) }

// LoadPending returns the recorded keys for p.
func (s *PendingStore) LoadPending(ctx context.Context, p live.Platform) ([]live.Key, error) {
	raw, err := GetKV(ctx, s.DB, pendingKey(p))
	if err != nil || raw == "" {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode %s: %w", pendingKey(p), err)
	}
	keys := make([]live.Key, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, live.Key{Platform: p, ChannelID: id})
	}
	return keys, nil
}

// SavePending replaces the recorded keys for p.
func (s *PendingStore) SavePending(ctx context.Context, p live.Platform, keys []live.Key) error {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ChannelID)
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return SetKV(ctx, s.DB, pendingKey(p), string(raw))
}
