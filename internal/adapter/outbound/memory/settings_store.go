// Package memory provides in-memory implementations of the persistence
// ports. Thread-safe; used by tests and by daemons running with
// storage.path set to ":memory:" before the sqlite adapter existed.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/port/outbound"
)

// SettingsStore implements outbound.SettingsRepository with an in-memory map.
type SettingsStore struct {
	mu       sync.RWMutex
	settings map[upstream.Kind]*upstream.Settings
}

// NewSettingsStore creates an empty in-memory settings store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{
		settings: make(map[upstream.Kind]*upstream.Settings),
	}
}

// Get returns the settings for one kind.
func (s *SettingsStore) Get(ctx context.Context, kind upstream.Kind) (*upstream.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.settings[kind]
	if !ok {
		return nil, upstream.ErrSettingsNotFound
	}

	// Return a copy to prevent mutation.
	out := *stored
	return &out, nil
}

// List returns all stored settings ordered by kind.
func (s *SettingsStore) List(ctx context.Context) ([]upstream.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]upstream.Settings, 0, len(s.settings))
	for _, stored := range s.settings {
		result = append(result, *stored)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Kind < result[j].Kind
	})
	return result, nil
}

// Put creates or replaces the settings for a kind.
func (s *SettingsStore) Put(ctx context.Context, settings *upstream.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *settings
	s.settings[settings.Kind] = &stored
	return nil
}

// Delete removes the settings for a kind.
func (s *SettingsStore) Delete(ctx context.Context, kind upstream.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settings[kind]; !ok {
		return upstream.ErrSettingsNotFound
	}
	delete(s.settings, kind)
	return nil
}

// Compile-time interface verification.
var _ outbound.SettingsRepository = (*SettingsStore)(nil)
