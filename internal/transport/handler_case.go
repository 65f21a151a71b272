package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carewire/handoff/internal/casestore"
	"github.com/carewire/handoff/internal/idempotency"
	"github.com/carewire/handoff/internal/observability"
	"github.com/carewire/handoff/internal/session"
	"github.com/carewire/handoff/model"
)

// submitResponse is the case snapshot returned at submission, carrying the
// session token when sessions are enabled.
type submitResponse struct {
	*model.Case
	Session *session.Token `json:"session,omitempty"`
}

// handleSubmitCase accepts a discharge form payload, creates the case, and
// starts its workflow runner. The optional client_ref key names a
// client-proposed identifier; it is recorded but never authoritative, the
// server id in the response wins.
func handleSubmitCase(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if payload == nil {
			payload = map[string]any{}
		}

		clientRef, _ := payload["client_ref"].(string)
		delete(payload, "client_ref")

		if err := deps.Intake.Validate(payload); err != nil {
			if deps.Metrics != nil {
				deps.Metrics.RecordIntakeRejection()
			}
			WriteError(w, r, err)
			return
		}

		idemKey := r.Header.Get("Idempotency-Key")
		payloadHash := ""
		if idemKey != "" && deps.Idempotency != nil {
			payloadHash = idempotency.HashPayload(payload)
			if replayIdempotent(w, r, deps, idemKey, payloadHash) {
				return
			}
		}

		cas := &model.Case{
			ID:        uuid.NewString(),
			ClientRef: clientRef,
			Patient:   payload,
		}
		if err := deps.Store.Create(r.Context(), cas); err != nil {
			WriteError(w, r, err)
			return
		}

		// Snapshot before the runner starts so the response always shows the
		// initiated case with an empty timeline.
		created, err := deps.Store.Get(r.Context(), cas.ID)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		// Claim the key before starting the runner: when a concurrent
		// duplicate wins the claim, this case is discarded and the winner's
		// case answers, so only one workflow ever runs per key.
		if idemKey != "" && deps.Idempotency != nil {
			ttl := deps.Config.Idempotency.Store.DefaultTTL
			winner, err := deps.Idempotency.Remember(r.Context(), idemKey, payloadHash, cas.ID, ttl)
			switch {
			case err != nil:
				var ee *model.ErrorEnvelope
				if errors.As(err, &ee) {
					_ = deps.Store.Delete(r.Context(), cas.ID)
					WriteError(w, r, err)
					return
				}
				requestLogger(r, deps).Warn("remembering idempotency key failed",
					zap.String("case_id", cas.ID), zap.Error(err))

			case winner != cas.ID:
				original, err := deps.Store.Get(r.Context(), winner)
				if err != nil {
					// The winner's case is already gone; serve this
					// submission as new.
					requestLogger(r, deps).Warn("idempotency claim winner lost its case",
						zap.String("case_id", winner), zap.Error(err))
					break
				}
				_ = deps.Store.Delete(r.Context(), cas.ID)
				if deps.Metrics != nil {
					deps.Metrics.RecordIdempotentReplay()
				}
				writeCaseEnvelope(w, r, deps, http.StatusOK, original)
				return
			}
		}

		if deps.Metrics != nil {
			deps.Metrics.RecordCaseSubmission()
		}

		deps.Coordinator.StartCase(r.Context(), cas.ID)

		writeCaseEnvelope(w, r, deps, http.StatusCreated, created)
	}
}

// writeCaseEnvelope writes a case snapshot, attaching a fresh session token
// when sessions are enabled.
func writeCaseEnvelope(w http.ResponseWriter, r *http.Request, deps Dependencies, status int, cas *model.Case) {
	resp := submitResponse{Case: cas}
	if deps.Sessions != nil {
		tok, err := deps.Sessions.Issue(cas.ID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		resp.Session = tok
	}
	WriteJSON(w, status, resp)
}

// replayIdempotent answers a repeated submission from the idempotency store
// and reports whether a response was written. A key conflict goes back to the
// caller; store lookup failures are logged and deduplication skipped.
func replayIdempotent(w http.ResponseWriter, r *http.Request, deps Dependencies, key, payloadHash string) bool {
	caseID, found, err := deps.Idempotency.Check(r.Context(), key, payloadHash)
	if err != nil {
		var ee *model.ErrorEnvelope
		if errors.As(err, &ee) {
			WriteError(w, r, err)
			return true
		}
		requestLogger(r, deps).Warn("idempotency check failed", zap.Error(err))
		return false
	}
	if !found {
		return false
	}

	cas, err := deps.Store.Get(r.Context(), caseID)
	if err != nil {
		// The original case is gone; treat the submission as new.
		requestLogger(r, deps).Warn("idempotent replay lost its case",
			zap.String("case_id", caseID), zap.Error(err))
		return false
	}
	if deps.Metrics != nil {
		deps.Metrics.RecordIdempotentReplay()
	}
	writeCaseEnvelope(w, r, deps, http.StatusOK, cas)
	return true
}

func handleListCases(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := casestore.ListFilters{
			Status: r.URL.Query().Get("status"),
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}
		summaries, err := deps.Store.List(r.Context(), filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  summaries,
			"count": len(summaries),
		})
	}
}

func handleGetCase(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cas, err := deps.Store.Get(r.Context(), chi.URLParam(r, "caseID"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, cas)
	}
}

// handleDeleteCase removes a case and ends its open streams with an error
// message. Administrative; there is no cancellation API, so deletion is the
// only way to retire a case before it reaches a terminal status.
func handleDeleteCase(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseID")
		if err := deps.Store.Delete(r.Context(), caseID); err != nil {
			WriteError(w, r, err)
			return
		}
		deps.Journal.Drop(caseID, "case deleted")
		w.WriteHeader(http.StatusNoContent)
	}
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func requestLogger(r *http.Request, deps Dependencies) *zap.Logger {
	return observability.LoggerFrom(r.Context(), deps.Logger)
}
