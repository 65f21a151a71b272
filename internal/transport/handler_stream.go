package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carewire/handoff/internal/stream"
	"github.com/carewire/handoff/model"
)

// streamCasePayload is the data body for connected, complete and error
// messages. Event-bearing messages carry the timeline event itself.
type streamCasePayload struct {
	CaseID string `json:"case_id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleStream subscribes the caller to a case's workflow event stream over
// SSE: connected handshake, full timeline replay oldest-first, then live
// messages until the case reaches a terminal status. Every reconnect gets a
// fresh replay; Last-Event-ID is deliberately ignored.
func handleStream(deps Dependencies) http.HandlerFunc {
	heartbeat := deps.Config.Stream.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, r, model.NewInternalError())
			return
		}
		caseID := chi.URLParam(r, "caseID")

		// Subscribe before snapshotting so nothing published between the two
		// is lost; events the replay already covered are skipped by seq.
		ch, cancel := deps.Hub.Subscribe(caseID)
		defer cancel()

		cas, err := deps.Store.Get(r.Context(), caseID)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		if deps.Metrics != nil {
			deps.Metrics.RecordStreamSubscribe()
			defer deps.Metrics.RecordStreamUnsubscribe()
		}
		log := requestLogger(r, deps).With(zap.String("case_id", caseID))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		out := &sseWriter{w: w, flusher: flusher}
		if err := out.send(model.MessageConnected, 0, streamCasePayload{CaseID: cas.ID, Status: cas.Status}); err != nil {
			return
		}

		var horizon int64
		for i := range cas.Timeline {
			ev := &cas.Timeline[i]
			if err := out.send(ev.Kind, ev.Seq, ev); err != nil {
				return
			}
			horizon = ev.Seq
		}
		if deps.Metrics != nil {
			deps.Metrics.RecordStreamReplay(len(cas.Timeline))
		}

		if model.TerminalCaseStatus(cas.Status) {
			msgType, payload := snapshotTerminal(cas)
			out.send(msgType, 0, payload)
			return
		}

		log.Debug("stream subscribed", zap.Int64("replayed_through", horizon))

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := out.comment("ping"); err != nil {
					return
				}
			case msg, open := <-ch:
				if !open {
					// Detached for falling behind or the case was dropped;
					// the client reconnects for a fresh replay.
					log.Warn("stream subscriber detached")
					return
				}
				if msg.Event != nil && msg.Event.Seq <= horizon {
					continue
				}
				if err := writeMessage(out, msg); err != nil {
					return
				}
				if msg.Terminal() {
					return
				}
			}
		}
	}
}

// writeMessage frames one hub message: the timeline event for event-bearing
// types, the case payload otherwise.
func writeMessage(out *sseWriter, msg stream.Message) error {
	if msg.Event != nil {
		return out.send(msg.Type, msg.Event.Seq, msg.Event)
	}
	return out.send(msg.Type, 0, streamCasePayload{
		CaseID: msg.CaseID,
		Status: msg.Status,
		Error:  msg.Error,
	})
}

// snapshotTerminal builds the closing message for a case that was already
// terminal at subscribe time.
func snapshotTerminal(cas *model.Case) (string, streamCasePayload) {
	if cas.Status == model.CaseStatusCoordinated {
		return model.MessageComplete, streamCasePayload{CaseID: cas.ID, Status: cas.Status}
	}
	return model.MessageError, streamCasePayload{CaseID: cas.ID, Error: lastFailure(cas)}
}

// lastFailure recovers the closing error message from the timeline: the most
// recent failed event's description.
func lastFailure(cas *model.Case) string {
	for i := len(cas.Timeline) - 1; i >= 0; i-- {
		if cas.Timeline[i].Status == model.StepStatusFailed {
			return cas.Timeline[i].Description
		}
	}
	return "coordination ended in error"
}

// sseWriter frames stream messages on the wire: an event line, an id line for
// event-bearing messages, a single data line, a blank line, then a flush so
// each message leaves the server immediately.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) send(event string, seq int64, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", body); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
