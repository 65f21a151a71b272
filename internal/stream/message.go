// Package stream fans appended timeline events out to per-case subscribers.
package stream

import "github.com/carewire/handoff/model"

// Message is one frame pushed to case subscribers. Type selects the SSE
// event name. Event is set for event-bearing types, Status for connected and
// complete, Error for error.
type Message struct {
	Type   string
	CaseID string
	Status string
	Error  string
	Event  *model.TimelineEvent
}

// Terminal reports whether the message ends the stream.
func (m Message) Terminal() bool {
	return m.Type == model.MessageComplete || m.Type == model.MessageError
}
