package timeline

import (
	"fmt"

	"github.com/carewire/handoff/model"
)

// Reduce applies one stream message to the state and returns the result.
// Duplicate events are dropped by sequence number, falling back to
// (step, timestamp) for events without one, so a full replay after reconnect
// converges on the same state. Unknown message types leave the state as is.
func Reduce(s State, msg Message) State {
	switch msg.Type {
	case model.MessageConnected:
		s.Connected = true
		if msg.CaseID != "" {
			s.CaseID = msg.CaseID
		}
		if msg.Status != "" {
			s.Status = msg.Status
		}
	case model.MessageComplete:
		s.Status = model.CaseStatusCoordinated
		if msg.Status != "" {
			s.Status = msg.Status
		}
	case model.MessageError:
		s.Status = model.CaseStatusError
		s.Error = msg.Error
	case model.MessageTimelineUpdate, model.MessageAgentLog, model.MessageConversationLog:
		if msg.Event != nil {
			s = applyEvent(s, *msg.Event)
		}
	}
	return s
}

func applyEvent(s State, ev model.TimelineEvent) State {
	if ev.Seq > 0 {
		if ev.Seq <= s.lastSeq {
			return s
		}
		s.lastSeq = ev.Seq
	} else {
		key := fallbackKey(ev)
		if _, dup := s.seen[key]; dup {
			return s
		}
		seen := make(map[string]struct{}, len(s.seen)+1)
		for k := range s.seen {
			seen[k] = struct{}{}
		}
		seen[key] = struct{}{}
		s.seen = seen
	}

	events := make([]model.TimelineEvent, len(s.Events), len(s.Events)+1)
	copy(events, s.Events)
	s.Events = append(events, ev)

	if ev.Step != "" {
		s = applyStep(s, ev)
	}
	return s
}

// applyStep advances the step's state machine. Completed and failed are
// terminal per step; a terminated step ignores later transitions even though
// the event itself stays in the log.
func applyStep(s State, ev model.TimelineEvent) State {
	cur, tracked := s.Steps[ev.Step]
	if tracked && model.TerminalStepStatus(cur.Status) {
		return s
	}

	next := StepState{
		Step:        ev.Step,
		Status:      ev.Status,
		Description: ev.Description,
		UpdatedAt:   ev.At,
	}
	if next.Status == "" {
		next.Status = model.StepStatusInProgress
	}
	if next.Description == "" {
		next.Description = cur.Description
	}

	steps := make(map[string]StepState, len(s.Steps)+1)
	for k, v := range s.Steps {
		steps[k] = v
	}
	steps[ev.Step] = next
	s.Steps = steps

	if !tracked {
		order := make([]string, len(s.StepOrder), len(s.StepOrder)+1)
		copy(order, s.StepOrder)
		s.StepOrder = append(order, ev.Step)
	}
	return s
}

func fallbackKey(ev model.TimelineEvent) string {
	return fmt.Sprintf("%s|%s|%d", ev.Step, ev.Kind, ev.At.UnixNano())
}
