// Package casestore persists discharge cases and their append-only timelines.
package casestore

import (
	"context"
	"time"

	"github.com/carewire/handoff/model"
)

// Store persists cases and serializes timeline appends. Implementations
// assign seq values so that each case's timeline is contiguous from 1 and
// totally ordered; the assignment order under concurrent writers is the
// store's serialization order.
type Store interface {
	// Create persists a new case. Zero-value status and timestamps are
	// defaulted (initiated, now); the timeline starts empty regardless of
	// input, events enter only through AppendEvent. Returns CONFLICT if the
	// id already exists.
	Create(ctx context.Context, cas *model.Case) error

	// Get returns a full snapshot of a case including its entire timeline
	// ordered by seq ascending. Returns NOT_FOUND if the id is unknown.
	Get(ctx context.Context, caseID string) (*model.Case, error)

	// AppendEvent atomically assigns the next per-case seq, appends the
	// event, advances current_step and updated_at, and applies the event's
	// resource to the case's assigned resources. Returns the stored event
	// with seq, id and timestamp filled. Returns INVALID_TRANSITION when the
	// case is already terminal and NOT_FOUND on unknown id.
	AppendEvent(ctx context.Context, caseID string, ev model.TimelineEvent) (*model.TimelineEvent, error)

	// UpdateStatus moves a case to a new status. Returns INVALID_TRANSITION
	// unless the transition table allows the move; terminal states admit
	// nothing.
	UpdateStatus(ctx context.Context, caseID, status string) error

	// List returns case summaries, newest first.
	List(ctx context.Context, filters ListFilters) ([]model.CaseSummary, error)

	// FindStale returns ids of non-terminal cases whose updated_at is before
	// the cutoff. Used by the sweeper to fail abandoned cases.
	FindStale(ctx context.Context, olderThan time.Time) ([]string, error)

	// Delete removes a case and its timeline. Returns NOT_FOUND if unknown.
	Delete(ctx context.Context, caseID string) error
}

// ListFilters are optional filters for listing cases.
type ListFilters struct {
	Status string
	Limit  int
	Offset int
}
