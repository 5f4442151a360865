// Package mock provides an in-memory test double for [calllog.Store].
//
// The mock records every write for assertion in tests and exposes exported
// fields that control what it returns. Safe for concurrent use.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/voxbridge/voxbridge/internal/calllog"
)

var _ calllog.Store = (*Store)(nil)

// Store is a configurable test double for [calllog.Store]. All exported
// *Err fields default to nil (success).
type Store struct {
	mu      sync.Mutex
	records map[string]calllog.CallRecord

	// RecordErr is returned by Record when non-nil.
	RecordErr error

	// GetErr is returned by Get when non-nil.
	GetErr error

	// RecentErr is returned by Recent when non-nil.
	RecentErr error
}

// New creates an empty mock store.
func New() *Store {
	return &Store{records: make(map[string]calllog.CallRecord)}
}

// Record implements [calllog.Store].
func (s *Store) Record(_ context.Context, r calllog.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordErr != nil {
		return s.RecordErr
	}
	s.records[r.SessionID] = r
	return nil
}

// Get implements [calllog.Store].
func (s *Store) Get(_ context.Context, sessionID string) (calllog.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return calllog.CallRecord{}, s.GetErr
	}
	r, ok := s.records[sessionID]
	if !ok {
		return calllog.CallRecord{}, calllog.ErrNotFound
	}
	return r, nil
}

// Recent implements [calllog.Store].
func (s *Store) Recent(_ context.Context, limit int) ([]calllog.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	out := make([]calllog.CallRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
