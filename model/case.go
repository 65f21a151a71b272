package model

import "time"

// Case status constants. Transitions are monotonic: initiated -> in_progress
// -> coordinated|error. Coordinated and error are terminal.
const (
	CaseStatusInitiated   = "initiated"
	CaseStatusInProgress  = "in_progress"
	CaseStatusCoordinated = "coordinated"
	CaseStatusError       = "error"
)

// Workflow step identifiers, one per phase agent.
const (
	StepParse       = "parse"
	StepCoordinate  = "coordinate"
	StepShelter     = "shelter"
	StepSocial      = "social"
	StepTransport   = "transport"
	StepResource    = "resource"
	StepPharmacy    = "pharmacy"
	StepEligibility = "eligibility"
	StepAnalytics   = "analytics"
)

// Step status constants. Pending is the renderer's initial state; events on
// the wire only ever carry in_progress, completed or failed.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
)

// Timeline event kinds. The kind selects the stream message type used when
// the event is delivered or replayed.
const (
	KindTimelineUpdate  = "timeline_update"
	KindAgentLog        = "agent_log"
	KindConversationLog = "conversation_log"
)

// Stream message types. The first four mirror event kinds plus the subscribe
// handshake; complete and error terminate the stream.
const (
	MessageConnected       = "connected"
	MessageTimelineUpdate  = KindTimelineUpdate
	MessageAgentLog        = KindAgentLog
	MessageConversationLog = KindConversationLog
	MessageComplete        = "complete"
	MessageError           = "error"
)

// Resource kinds assignable to a case by step executors.
const (
	ResourceShelter      = "shelter"
	ResourceTransport    = "transport"
	ResourceSocialWorker = "social_worker"
	ResourcePharmacy     = "pharmacy"
)

// Case is one patient discharge coordination workflow instance.
type Case struct {
	ID          string               `json:"id"`
	ClientRef   string               `json:"client_ref,omitempty"`
	Status      string               `json:"status"`
	CurrentStep string               `json:"current_step,omitempty"`
	Patient     map[string]any       `json:"patient,omitempty"`
	Resources   map[string]*Resource `json:"resources,omitempty"`
	Timeline    []TimelineEvent      `json:"timeline"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// CaseSummary is a lightweight representation of a case used in list views.
type CaseSummary struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	CurrentStep string    `json:"current_step,omitempty"`
	EventCount  int       `json:"event_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Resource is an external result assigned to a case by a step executor, such
// as a shelter bed or a scheduled ride.
type Resource struct {
	Kind    string         `json:"kind"`
	Name    string         `json:"name"`
	Details map[string]any `json:"details,omitempty"`
}

// TimelineEvent is one immutable, ordered record of a workflow step's
// outcome. Seq is assigned by the store at append time and increases
// monotonically within a case; it is the dedupe key for stream consumers.
type TimelineEvent struct {
	Seq         int64     `json:"seq"`
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	Step        string    `json:"step"`
	Status      string    `json:"status"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	Logs        []string  `json:"logs,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	Resource    *Resource `json:"resource,omitempty"`
	At          time.Time `json:"at"`
}

// TerminalCaseStatus reports whether the given case status is terminal.
func TerminalCaseStatus(status string) bool {
	return status == CaseStatusCoordinated || status == CaseStatusError
}

// CanTransition reports whether a case may move from one status to another.
// Terminal states admit no further transitions.
func CanTransition(from, to string) bool {
	switch from {
	case CaseStatusInitiated:
		return to == CaseStatusInProgress || to == CaseStatusError
	case CaseStatusInProgress:
		return to == CaseStatusCoordinated || to == CaseStatusError
	default:
		return false
	}
}

// TerminalStepStatus reports whether a step status is terminal for that step.
func TerminalStepStatus(status string) bool {
	return status == StepStatusCompleted || status == StepStatusFailed
}
