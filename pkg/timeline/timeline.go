// Package timeline renders a case's coordination progress from its stream.
//
// The package has two halves. Reduce is a pure function folding stream
// messages into a State: a de-duplicated ordered event log plus a derived
// status per workflow step. Client consumes the SSE endpoint, feeds the
// reducer, and reconnects with capped backoff until the case is terminal.
// Because replayed events de-duplicate, a reconnect reproduces exactly the
// state of an uninterrupted stream.
package timeline

import (
	"time"

	"github.com/carewire/handoff/model"
)

// Message is one decoded stream message. Event is set for the event-bearing
// kinds (timeline_update, agent_log, conversation_log); the control types
// (connected, complete, error) carry the case fields instead.
type Message struct {
	Type   string
	CaseID string
	Status string
	Error  string
	Event  *model.TimelineEvent
}

// StepState is the derived view of one workflow step. Status follows
// pending -> in_progress -> (completed | failed); completed and failed are
// terminal, later events cannot re-open the step.
type StepState struct {
	Step        string
	Status      string
	Description string
	UpdatedAt   time.Time
}

// Failed reports whether the step terminated unsuccessfully. Failed steps
// render distinctly but never stop consumption.
func (s StepState) Failed() bool {
	return s.Status == model.StepStatusFailed
}

// State is the aggregated view of one case stream. Values are treated as
// immutable: Reduce returns a new State and never mutates its argument's
// visible data, so states may be compared or retained across reductions.
type State struct {
	CaseID    string
	Status    string
	Error     string
	Connected bool

	// Events is the de-duplicated log in append order. StepOrder lists
	// steps in first-seen order for stable rendering.
	Events    []model.TimelineEvent
	Steps     map[string]StepState
	StepOrder []string

	lastSeq int64
	seen    map[string]struct{}
}

// NewState returns the initial renderer state for a case. Status stays empty
// until the connected message reports the case's status at subscribe time.
func NewState(caseID string) State {
	return State{CaseID: caseID}
}

// Step returns the derived state for a step, defaulting to pending for steps
// the stream has not mentioned yet.
func (s State) Step(name string) StepState {
	if st, ok := s.Steps[name]; ok {
		return st
	}
	return StepState{Step: name, Status: model.StepStatusPending}
}

// Terminal reports whether the case reached coordinated or error.
func (s State) Terminal() bool {
	return model.TerminalCaseStatus(s.Status)
}

// LastSeq returns the highest event sequence number applied so far.
func (s State) LastSeq() int64 {
	return s.lastSeq
}
