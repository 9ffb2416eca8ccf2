package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/arrgate/arrgate/internal/domain/rules"
	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// RuleStore implements rules.Store with an in-memory map.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*rules.Rule // ID -> Rule
}

// NewRuleStore creates an empty in-memory rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		rules: make(map[string]*rules.Rule),
	}
}

// List returns the rules for one upstream kind, ordered by ID.
func (s *RuleStore) List(ctx context.Context, kind upstream.Kind) ([]rules.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []rules.Rule
	for _, r := range s.rules {
		if r.Upstream == kind {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListAll returns every stored rule, ordered by ID.
func (s *RuleStore) ListAll(ctx context.Context) ([]rules.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]rules.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Get returns a rule by ID.
func (s *RuleStore) Get(ctx context.Context, id string) (*rules.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, rules.ErrRuleNotFound
	}
	out := *r
	return &out, nil
}

// Save creates or replaces a rule.
func (s *RuleStore) Save(ctx context.Context, rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rule
	s.rules[rule.ID] = &stored
	return nil
}

// Delete removes a rule by ID.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return rules.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

// Compile-time interface verification.
var _ rules.Store = (*RuleStore)(nil)
