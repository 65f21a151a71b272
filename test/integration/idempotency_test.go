package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/carewire/handoff/model"
)

// Submission deduplication by Idempotency-Key: retries of the same submission
// must converge on one case and one workflow run.

func TestIdempotency_ResubmitReturnsOriginalCase(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	headers := map[string]string{"Idempotency-Key": "discharge-maria-1"}

	resp := h.POSTWithHeaders("/api/cases", PatientFixture(), "", headers)
	var first CaseEnvelope
	h.AssertJSON(t, resp, http.StatusCreated, &first)

	resp = h.POSTWithHeaders("/api/cases", PatientFixture(), "", headers)
	var second CaseEnvelope
	h.AssertJSON(t, resp, http.StatusOK, &second)

	if second.ID != first.ID {
		t.Errorf("resubmit case id = %s, want %s", second.ID, first.ID)
	}

	var list struct {
		Data  []model.CaseSummary `json:"data"`
		Count int                 `json:"count"`
	}
	h.AssertJSON(t, h.GET("/api/cases", ""), http.StatusOK, &list)
	if list.Count != 1 {
		t.Errorf("case count = %d, want 1", list.Count)
	}
}

func TestIdempotency_KeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	headers := map[string]string{"Idempotency-Key": "discharge-maria-1"}

	resp := h.POSTWithHeaders("/api/cases", PatientFixture(), "", headers)
	h.AssertStatus(t, resp, http.StatusCreated)

	other := PatientFixture()
	other["name"] = "Robert Chen"
	resp = h.POSTWithHeaders("/api/cases", other, "", headers)
	h.AssertStatus(t, resp, http.StatusConflict)
	if env := h.ParseError(resp); env.Code != model.ErrConflict {
		t.Errorf("error code = %s, want %s", env.Code, model.ErrConflict)
	}
}

func TestIdempotency_ConcurrentDuplicatesShareOneCase(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())

	body, err := json.Marshal(PatientFixture())
	if err != nil {
		t.Fatalf("marshal patient: %v", err)
	}

	const racers = 4
	type result struct {
		status int
		caseID string
	}
	results := make(chan result, racers)
	client := &http.Client{Timeout: 10 * time.Second}

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer done.Done()
			start.Wait()

			req, err := http.NewRequest("POST", h.BaseURL()+"/api/cases", bytes.NewReader(body))
			if err != nil {
				results <- result{}
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", "discharge-maria-1")

			resp, err := client.Do(req)
			if err != nil {
				results <- result{}
				return
			}
			var env CaseEnvelope
			decodeErr := json.NewDecoder(resp.Body).Decode(&env)
			resp.Body.Close()
			if decodeErr != nil {
				results <- result{status: resp.StatusCode}
				return
			}
			results <- result{status: resp.StatusCode, caseID: env.ID}
		}()
	}
	start.Done()
	done.Wait()
	close(results)

	created := 0
	ids := map[string]bool{}
	for res := range results {
		switch res.status {
		case http.StatusCreated:
			created++
		case http.StatusOK:
		default:
			t.Errorf("unexpected status %d", res.status)
		}
		if res.caseID == "" {
			t.Error("response carries no case id")
			continue
		}
		ids[res.caseID] = true
	}
	if created != 1 {
		t.Errorf("201 responses = %d, want exactly 1", created)
	}
	if len(ids) != 1 {
		t.Fatalf("distinct case ids = %d, want 1 (%v)", len(ids), ids)
	}

	var caseID string
	for id := range ids {
		caseID = id
	}
	final := h.WaitForTerminal(caseID, "")
	if final.Status != model.CaseStatusCoordinated {
		t.Errorf("case status = %s, want %s", final.Status, model.CaseStatusCoordinated)
	}

	// One workflow run: the losers' provisional cases must never reach the
	// collaborators.
	h.Collaborators.Docparse.AssertCalled(t, RouteParse, 1)

	var list struct {
		Data  []model.CaseSummary `json:"data"`
		Count int                 `json:"count"`
	}
	h.AssertJSON(t, h.GET("/api/cases", ""), http.StatusOK, &list)
	if list.Count != 1 {
		t.Errorf("case count = %d, want 1", list.Count)
	}
}

func TestIdempotency_DifferentKeysCreateSeparateCases(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())

	var first, second CaseEnvelope
	resp := h.POSTWithHeaders("/api/cases", PatientFixture(), "", map[string]string{"Idempotency-Key": "key-1"})
	h.AssertJSON(t, resp, http.StatusCreated, &first)
	resp = h.POSTWithHeaders("/api/cases", PatientFixture(), "", map[string]string{"Idempotency-Key": "key-2"})
	h.AssertJSON(t, resp, http.StatusCreated, &second)

	if first.ID == second.ID {
		t.Error("different keys produced the same case")
	}
}

func TestIdempotency_SubmissionsWithoutKeyNeverDeduplicated(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())

	first := h.SubmitPatient(PatientFixture())
	second := h.SubmitPatient(PatientFixture())

	if first.ID == second.ID {
		t.Error("keyless submissions produced the same case")
	}
}
