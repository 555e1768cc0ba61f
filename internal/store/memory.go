package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/argus-watch/argus/internal/autotrade"
	"github.com/argus-watch/argus/internal/monitor"
)

// Memory is an in-process store with the same surface as Postgres.
// Used when no database is configured and throughout the test suites.
type Memory struct {
	mu     sync.Mutex
	tokens map[common.Address]monitor.TrackedToken
	rules  map[int64]*autotrade.Rule
	nextID int64
}

var (
	_ autotrade.Store    = (*Memory)(nil)
	_ monitor.TokenStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		tokens: make(map[common.Address]monitor.TrackedToken),
		rules:  make(map[int64]*autotrade.Rule),
		nextID: 1,
	}
}

func (s *Memory) ListTrackedTokens(_ context.Context) ([]monitor.TrackedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.TrackedToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

func (s *Memory) SaveTrackedToken(_ context.Context, t monitor.TrackedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.TokenAddress] = t
	return nil
}

func (s *Memory) DeleteTrackedToken(_ context.Context, token common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

// SaveRule stores a copy of the rule and assigns an ID.
func (s *Memory) SaveRule(_ context.Context, r *autotrade.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextID
		s.nextID++
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = autotrade.StatusPendingEntry
	}
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *Memory) UpdateRule(_ context.Context, r *autotrade.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return fmt.Errorf("store: update rule %d: %w", r.ID, ErrNotFound)
	}
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *Memory) GetRule(_ context.Context, id int64) (*autotrade.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("store: rule %d: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Memory) ActiveRulesForToken(_ context.Context, token common.Address) ([]*autotrade.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*autotrade.Rule
	for _, r := range s.rules {
		if r.TokenAddress == token && r.IsActive && r.Status != autotrade.StatusCompleted {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) LoadActiveRules(_ context.Context) ([]*autotrade.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*autotrade.Rule
	for _, r := range s.rules {
		if r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) DeactivateRule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("store: deactivate rule %d: %w", id, ErrNotFound)
	}
	r.IsActive = false
	r.UpdatedAt = time.Now()
	return nil
}
