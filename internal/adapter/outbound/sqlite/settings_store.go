package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/port/outbound"
)

// SettingsStore implements outbound.SettingsRepository on a sqlite database.
type SettingsStore struct {
	db *sql.DB
}

// NewSettingsStore creates a settings store over an opened database.
func NewSettingsStore(d *DB) *SettingsStore {
	return &SettingsStore{db: d.db}
}

// Get returns the settings for one kind.
func (s *SettingsStore) Get(ctx context.Context, kind upstream.Kind) (*upstream.Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, enabled, url, api_key, timeout_ns, max_retries, updated_at
		FROM upstream_settings WHERE kind = ?`, string(kind))

	settings, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, upstream.ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query settings for %s: %w", kind, err)
	}
	return settings, nil
}

// List returns all stored settings ordered by kind.
func (s *SettingsStore) List(ctx context.Context) ([]upstream.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, enabled, url, api_key, timeout_ns, max_retries, updated_at
		FROM upstream_settings ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	var result []upstream.Settings
	for rows.Next() {
		settings, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		result = append(result, *settings)
	}
	return result, rows.Err()
}

// Put creates or replaces the settings for a kind.
func (s *SettingsStore) Put(ctx context.Context, settings *upstream.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upstream_settings (kind, enabled, url, api_key, timeout_ns, max_retries, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			enabled = excluded.enabled,
			url = excluded.url,
			api_key = excluded.api_key,
			timeout_ns = excluded.timeout_ns,
			max_retries = excluded.max_retries,
			updated_at = excluded.updated_at`,
		string(settings.Kind),
		boolToInt(settings.Enabled),
		settings.URL,
		settings.APIKey,
		int64(settings.Timeout),
		settings.MaxRetries,
		settings.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", settings.Kind, err)
	}
	return nil
}

// Delete removes the settings for a kind.
func (s *SettingsStore) Delete(ctx context.Context, kind upstream.Kind) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM upstream_settings WHERE kind = ?`, string(kind))
	if err != nil {
		return fmt.Errorf("delete settings for %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete settings for %s: %w", kind, err)
	}
	if n == 0 {
		return upstream.ErrSettingsNotFound
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanSettings.
type scanner interface {
	Scan(dest ...any) error
}

func scanSettings(row scanner) (*upstream.Settings, error) {
	var (
		s         upstream.Settings
		kind      string
		enabled   int
		timeoutNS int64
		updatedAt string
	)
	if err := row.Scan(&kind, &enabled, &s.URL, &s.APIKey, &timeoutNS, &s.MaxRetries, &updatedAt); err != nil {
		return nil, err
	}
	s.Kind = upstream.Kind(kind)
	s.Enabled = enabled != 0
	s.Timeout = time.Duration(timeoutNS)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		s.UpdatedAt = t
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface verification.
var _ outbound.SettingsRepository = (*SettingsStore)(nil)
