package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carewire/handoff/internal/casestore"
	"github.com/carewire/handoff/internal/stream"
	"github.com/carewire/handoff/model"
)

// --- Test helpers ---

func newTestJournal(buffer int) (*Journal, *casestore.MemoryStore, *stream.Hub) {
	store := casestore.NewMemoryStore()
	hub := stream.NewHub(buffer)
	return NewJournal(store, hub, nil), store, hub
}

func createCase(t *testing.T, store casestore.Store, id string, patient map[string]any) *model.Case {
	t.Helper()
	if err := store.Create(context.Background(), &model.Case{ID: id, Patient: patient}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cas, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return cas
}

func nextMessage(t *testing.T, ch <-chan stream.Message) stream.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for message")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return stream.Message{}
}

func assertChannelClosed(t *testing.T, ch <-chan stream.Message) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel, got message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

// --- Journal.Append ---

func TestJournal_Append_assignsSeqAndPublishes(t *testing.T) {
	journal, store, hub := newTestJournal(0)
	createCase(t, store, "case-1", nil)

	ch, cancel := hub.Subscribe("case-1")
	defer cancel()

	first, err := journal.Append(context.Background(), "case-1", model.TimelineEvent{
		Step:   model.StepParse,
		Status: model.StepStatusInProgress,
		Kind:   model.KindTimelineUpdate,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.Seq != 1 {
		t.Errorf("first Seq = %d, want 1", first.Seq)
	}

	second, err := journal.Append(context.Background(), "case-1", model.TimelineEvent{
		Step:   model.StepParse,
		Status: model.StepStatusInProgress,
		Kind:   model.KindAgentLog,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("second Seq = %d, want 2", second.Seq)
	}

	msg := nextMessage(t, ch)
	if msg.Type != model.MessageTimelineUpdate {
		t.Errorf("message type = %q, want %q", msg.Type, model.MessageTimelineUpdate)
	}
	if msg.Event == nil || msg.Event.Seq != 1 {
		t.Errorf("message event = %+v, want seq 1", msg.Event)
	}

	msg = nextMessage(t, ch)
	if msg.Type != model.MessageAgentLog {
		t.Errorf("message type = %q, want %q", msg.Type, model.MessageAgentLog)
	}
}

func TestJournal_Append_unknownCase(t *testing.T) {
	journal, _, _ := newTestJournal(0)

	_, err := journal.Append(context.Background(), "missing", model.TimelineEvent{Kind: model.KindTimelineUpdate})
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("expected ErrorEnvelope, got %T: %v", err, err)
	}
	if envErr.Code != model.ErrNotFound {
		t.Errorf("code = %q, want %q", envErr.Code, model.ErrNotFound)
	}
}

func TestJournal_Append_terminalCaseRejected(t *testing.T) {
	journal, store, _ := newTestJournal(0)
	createCase(t, store, "case-1", nil)

	if err := store.UpdateStatus(context.Background(), "case-1", model.CaseStatusInProgress); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := journal.Close(context.Background(), "case-1", model.CaseStatusCoordinated, ""); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := journal.Append(context.Background(), "case-1", model.TimelineEvent{Kind: model.KindTimelineUpdate})
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("expected ErrorEnvelope, got %T: %v", err, err)
	}
	if envErr.Code != model.ErrInvalidTransition {
		t.Errorf("code = %q, want %q", envErr.Code, model.ErrInvalidTransition)
	}
}

// Published order must equal store-assigned seq order even under concurrent
// appenders. This is the property every stream consumer depends on.
func TestJournal_publishOrderMatchesAppendOrder(t *testing.T) {
	const (
		writers        = 4
		eventsPerWrite = 25
		total          = writers * eventsPerWrite
	)
	journal, store, hub := newTestJournal(total + 8)
	createCase(t, store, "case-1", nil)

	ch, cancel := hub.Subscribe("case-1")
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < eventsPerWrite; i++ {
				_, err := journal.Append(context.Background(), "case-1", model.TimelineEvent{
					Step:   model.StepParse,
					Status: model.StepStatusInProgress,
					Kind:   model.KindAgentLog,
				})
				if err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < total; i++ {
		msg := nextMessage(t, ch)
		if msg.Event == nil {
			t.Fatalf("message %d has no event", i)
		}
		if got, want := msg.Event.Seq, int64(i+1); got != want {
			t.Fatalf("message %d seq = %d, want %d", i, got, want)
		}
	}
}

func TestJournal_lateSubscriberSeesOnlyLiveMessages(t *testing.T) {
	journal, store, hub := newTestJournal(0)
	createCase(t, store, "case-1", nil)

	for i := 0; i < 2; i++ {
		if _, err := journal.Append(context.Background(), "case-1", model.TimelineEvent{
			Step:   model.StepParse,
			Status: model.StepStatusInProgress,
			Kind:   model.KindTimelineUpdate,
		}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	ch, cancel := hub.Subscribe("case-1")
	defer cancel()

	third, err := journal.Append(context.Background(), "case-1", model.TimelineEvent{
		Step:   model.StepCoordinate,
		Status: model.StepStatusInProgress,
		Kind:   model.KindTimelineUpdate,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	msg := nextMessage(t, ch)
	if msg.Event == nil || msg.Event.Seq != third.Seq {
		t.Fatalf("late subscriber got %+v, want live event seq %d", msg.Event, third.Seq)
	}
}

// --- Journal.Close ---

func TestJournal_Close_completePublishesTerminal(t *testing.T) {
	journal, store, hub := newTestJournal(0)
	createCase(t, store, "case-1", nil)
	if err := store.UpdateStatus(context.Background(), "case-1", model.CaseStatusInProgress); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	ch, cancel := hub.Subscribe("case-1")
	defer cancel()

	if err := journal.Close(context.Background(), "case-1", model.CaseStatusCoordinated, ""); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	msg := nextMessage(t, ch)
	if msg.Type != model.MessageComplete {
		t.Errorf("terminal type = %q, want %q", msg.Type, model.MessageComplete)
	}
	if msg.Status != model.CaseStatusCoordinated {
		t.Errorf("terminal status = %q, want %q", msg.Status, model.CaseStatusCoordinated)
	}
	if !msg.Terminal() {
		t.Error("Terminal() = false for complete message")
	}
	assertChannelClosed(t, ch)

	cas, err := store.Get(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cas.Status != model.CaseStatusCoordinated {
		t.Errorf("stored status = %q, want %q", cas.Status, model.CaseStatusCoordinated)
	}
}

func TestJournal_Close_errorCarriesMessage(t *testing.T) {
	journal, store, hub := newTestJournal(0)
	createCase(t, store, "case-1", nil)

	ch, cancel := hub.Subscribe("case-1")
	defer cancel()

	if err := journal.Close(context.Background(), "case-1", model.CaseStatusError, "shelter: no beds"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	msg := nextMessage(t, ch)
	if msg.Type != model.MessageError {
		t.Errorf("terminal type = %q, want %q", msg.Type, model.MessageError)
	}
	if msg.Error != "shelter: no beds" {
		t.Errorf("terminal error = %q, want %q", msg.Error, "shelter: no beds")
	}
	assertChannelClosed(t, ch)
}

func TestJournal_Close_invalidTransitionLeavesStreamOpen(t *testing.T) {
	journal, store, hub := newTestJournal(0)
	createCase(t, store, "case-1", nil)

	ch, cancel := hub.Subscribe("case-1")
	defer cancel()

	// initiated cannot jump straight to coordinated
	err := journal.Close(context.Background(), "case-1", model.CaseStatusCoordinated, "")
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("expected ErrorEnvelope, got %T: %v", err, err)
	}
	if envErr.Code != model.ErrInvalidTransition {
		t.Errorf("code = %q, want %q", envErr.Code, model.ErrInvalidTransition)
	}

	if _, err := journal.Append(context.Background(), "case-1", model.TimelineEvent{Kind: model.KindTimelineUpdate}); err != nil {
		t.Fatalf("Append() after failed Close error = %v", err)
	}
	if msg := nextMessage(t, ch); msg.Terminal() {
		t.Errorf("stream delivered terminal message %+v after failed Close", msg)
	}
}

// --- Journal.Drop ---

func TestJournal_Drop_endsStreamsWithError(t *testing.T) {
	journal, store, hub := newTestJournal(0)
	createCase(t, store, "case-1", nil)

	ch, cancel := hub.Subscribe("case-1")
	defer cancel()

	journal.Drop("case-1", "case deleted")

	msg := nextMessage(t, ch)
	if msg.Type != model.MessageError {
		t.Errorf("drop message type = %q, want %q", msg.Type, model.MessageError)
	}
	if msg.Error != "case deleted" {
		t.Errorf("drop message error = %q, want %q", msg.Error, "case deleted")
	}
	assertChannelClosed(t, ch)

	// Drop ends streams only; the stored case is untouched.
	cas, err := store.Get(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cas.Status != model.CaseStatusInitiated {
		t.Errorf("stored status = %q, want %q", cas.Status, model.CaseStatusInitiated)
	}
}

func TestJournal_Drop_noSubscribers(t *testing.T) {
	journal, store, _ := newTestJournal(0)
	createCase(t, store, "case-1", nil)

	// must not panic or block
	journal.Drop("case-1", "case deleted")
}
