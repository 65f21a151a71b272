package casestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carewire/handoff/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*model.Case
}

// NewMemoryStore creates a new in-memory case store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*model.Case)}
}

// Create persists a new case.
func (s *MemoryStore) Create(_ context.Context, cas *model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[cas.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", cas.ID))
	}

	c := cloneCase(cas)
	if c.Status == "" {
		c.Status = model.CaseStatusInitiated
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Timeline = nil

	s.cases[c.ID] = c
	return nil
}

// Get retrieves a full case snapshot by ID.
func (s *MemoryStore) Get(_ context.Context, caseID string) (*model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.cases[caseID]
	if !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	return cloneCase(c), nil
}

// AppendEvent assigns the next seq and appends under the store lock.
func (s *MemoryStore) AppendEvent(_ context.Context, caseID string, ev model.TimelineEvent) (*model.TimelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.cases[caseID]
	if !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if model.TerminalCaseStatus(c.Status) {
		return nil, model.NewTerminalCaseError(caseID, c.Status)
	}

	now := time.Now().UTC()
	ev.Seq = int64(len(c.Timeline)) + 1
	ev.CaseID = caseID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = now
	}

	c.Timeline = append(c.Timeline, ev)
	if ev.Step != "" {
		c.CurrentStep = ev.Step
	}
	if ev.Resource != nil {
		if c.Resources == nil {
			c.Resources = make(map[string]*model.Resource)
		}
		r := *ev.Resource
		c.Resources[r.Kind] = &r
	}
	c.UpdatedAt = now

	return &ev, nil
}

// UpdateStatus applies a validated status transition.
func (s *MemoryStore) UpdateStatus(_ context.Context, caseID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.cases[caseID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if !model.CanTransition(c.Status, status) {
		return model.NewInvalidTransitionError(c.Status, status)
	}

	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns case summaries, newest first.
func (s *MemoryStore) List(_ context.Context, filters ListFilters) ([]model.CaseSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.CaseSummary, 0)
	for _, c := range s.cases {
		if filters.Status != "" && c.Status != filters.Status {
			continue
		}
		result = append(result, model.CaseSummary{
			ID:          c.ID,
			Status:      c.Status,
			CurrentStep: c.CurrentStep,
			EventCount:  len(c.Timeline),
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.CaseSummary{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// FindStale returns ids of non-terminal cases idle since before the cutoff.
func (s *MemoryStore) FindStale(_ context.Context, olderThan time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, c := range s.cases {
		if model.TerminalCaseStatus(c.Status) {
			continue
		}
		if c.UpdatedAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a case and its timeline.
func (s *MemoryStore) Delete(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[caseID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	delete(s.cases, caseID)
	return nil
}

// Len returns the total number of cases. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

// cloneCase copies a case deeply so callers cannot mutate stored state
// through the returned maps and slices, however deeply nested.
func cloneCase(c *model.Case) *model.Case {
	out := *c
	out.Patient = clonePayload(c.Patient)
	if c.Resources != nil {
		out.Resources = make(map[string]*model.Resource, len(c.Resources))
		for k, v := range c.Resources {
			out.Resources[k] = cloneResource(v)
		}
	}
	// Timeline stays non-nil so case snapshots marshal it as an array.
	out.Timeline = make([]model.TimelineEvent, len(c.Timeline))
	for i := range c.Timeline {
		out.Timeline[i] = cloneEvent(&c.Timeline[i])
	}
	return &out
}

// clonePayload deep-copies the nested maps and slices JSON decoding produces.
func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneResource(r *model.Resource) *model.Resource {
	if r == nil {
		return nil
	}
	out := *r
	out.Details = clonePayload(r.Details)
	return &out
}

func cloneEvent(ev *model.TimelineEvent) model.TimelineEvent {
	out := *ev
	if ev.Logs != nil {
		out.Logs = append([]string(nil), ev.Logs...)
	}
	out.Resource = cloneResource(ev.Resource)
	return out
}
