package outbound

import (
	"context"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// SettingsRepository persists upstream connection settings. The sqlite
// adapter backs the daemon; the memory adapter backs tests.
type SettingsRepository interface {
	// Get returns the settings for one kind.
	// Returns upstream.ErrSettingsNotFound when absent.
	Get(ctx context.Context, kind upstream.Kind) (*upstream.Settings, error)
	// List returns all stored settings ordered by kind.
	List(ctx context.Context) ([]upstream.Settings, error)
	// Put creates or replaces the settings for a kind.
	Put(ctx context.Context, s *upstream.Settings) error
	// Delete removes the settings for a kind.
	// Returns upstream.ErrSettingsNotFound when absent.
	Delete(ctx context.Context, kind upstream.Kind) error
}
