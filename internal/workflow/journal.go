// Package workflow runs the discharge coordination pipeline: a coordinator
// launches one runner per case, executors call external collaborators, and a
// journal serializes every append so the timeline and the stream observe one
// linear sequence per case.
package workflow

import (
	"context"
	"sync"

	"github.com/carewire/handoff/internal/casestore"
	"github.com/carewire/handoff/internal/observability"
	"github.com/carewire/handoff/internal/stream"
	"github.com/carewire/handoff/model"
)

// Journal is the single writer per case: it holds a per-case lock around
// store append + hub publish, so the order subscribers see equals the order
// the store assigned. Step executors and the coordinator never touch the hub
// directly.
type Journal struct {
	store   casestore.Store
	hub     *stream.Hub
	metrics *observability.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewJournal builds a journal over the given store and hub. metrics may be
// nil in tests.
func NewJournal(store casestore.Store, hub *stream.Hub, metrics *observability.Metrics) *Journal {
	return &Journal{
		store:   store,
		hub:     hub,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the case's append lock, creating it on first use.
func (j *Journal) lockFor(caseID string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.locks[caseID]
	if !ok {
		l = &sync.Mutex{}
		j.locks[caseID] = l
	}
	return l
}

// forget drops the case's lock entry once the case is terminal or deleted.
func (j *Journal) forget(caseID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.locks, caseID)
}

// Append persists the event and publishes it to live subscribers under the
// case lock. The stored event, seq assigned, is returned.
func (j *Journal) Append(ctx context.Context, caseID string, ev model.TimelineEvent) (*model.TimelineEvent, error) {
	lock := j.lockFor(caseID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := j.store.AppendEvent(ctx, caseID, ev)
	if err != nil {
		return nil, err
	}

	_, dropped := j.hub.Publish(caseID, stream.Message{
		Type:   stored.Kind,
		CaseID: caseID,
		Event:  stored,
	})
	if j.metrics != nil {
		j.metrics.RecordStreamMessage(stored.Kind)
		for i := 0; i < dropped; i++ {
			j.metrics.RecordStreamDrop()
		}
	}
	return stored, nil
}

// Close transitions the case to its terminal status and delivers the final
// stream message, detaching all subscribers. The status transition and the
// terminal publish happen under the case lock so no event can interleave
// after the final message.
func (j *Journal) Close(ctx context.Context, caseID, status, errMsg string) error {
	lock := j.lockFor(caseID)
	lock.Lock()
	defer lock.Unlock()

	if err := j.store.UpdateStatus(ctx, caseID, status); err != nil {
		return err
	}

	final := stream.Message{CaseID: caseID}
	if status == model.CaseStatusCoordinated {
		final.Type = model.MessageComplete
		final.Status = status
	} else {
		final.Type = model.MessageError
		final.Error = errMsg
	}
	j.hub.CloseCase(caseID, final)
	if j.metrics != nil {
		j.metrics.RecordStreamMessage(final.Type)
	}
	j.forget(caseID)
	return nil
}

// Drop ends the case's streams with an error message without touching the
// store, and releases the case's lock entry. Used when a case is deleted
// outright.
func (j *Journal) Drop(caseID, reason string) {
	j.hub.CloseCase(caseID, stream.Message{
		Type:   model.MessageError,
		CaseID: caseID,
		Error:  reason,
	})
	j.forget(caseID)
}
