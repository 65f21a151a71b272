package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/carewire/handoff/model"
)

// ==========================================================================
// Full Coordination
// ==========================================================================

func TestCase_FullCoordination(t *testing.T) {
	h := NewTestHarness(t)

	// 1. Submit the discharge form. The snapshot comes back before the
	// runner appends anything.
	env := h.SubmitPatient(PatientFixture())
	assertEqual(t, env.Status, model.CaseStatusInitiated, "submission status")
	if len(env.Timeline) != 0 {
		t.Fatalf("submission snapshot carries %d events, want none", len(env.Timeline))
	}

	// 2. Wait for coordination to finish.
	cas := h.WaitForTerminal(env.ID, "")
	assertEqual(t, cas.Status, model.CaseStatusCoordinated, "final status")

	// 3. Every step completed, and phases ran in pipeline order.
	steps := []string{
		model.StepParse, model.StepCoordinate, model.StepShelter,
		model.StepSocial, model.StepTransport, model.StepResource,
		model.StepPharmacy, model.StepEligibility, model.StepAnalytics,
	}
	for _, step := range steps {
		if firstEvent(cas, step, model.StepStatusCompleted) == nil {
			t.Errorf("step %s never completed", step)
		}
	}
	if seqOf(t, cas, model.StepShelter, model.StepStatusInProgress) < seqOf(t, cas, model.StepParse, model.StepStatusCompleted) {
		t.Error("shelter search started before parsing completed")
	}
	if seqOf(t, cas, model.StepAnalytics, model.StepStatusInProgress) < seqOf(t, cas, model.StepTransport, model.StepStatusCompleted) {
		t.Error("analytics started before transport completed")
	}

	// 4. Seq is dense and ascending from 1.
	for i, ev := range cas.Timeline {
		if ev.Seq != int64(i+1) {
			t.Fatalf("timeline[%d].seq = %d, want %d", i, ev.Seq, i+1)
		}
	}

	// 5. Secured resources carry the facility names from the directory.
	wantResources := map[string]string{
		model.ResourceShelter:      "Harbor Light Shelter",
		model.ResourceTransport:    "CareVan Medical Transport",
		model.ResourcePharmacy:     "Bay Apothecary",
		model.ResourceSocialWorker: "County social services",
	}
	for kind, name := range wantResources {
		res := cas.Resources[kind]
		if res == nil {
			t.Errorf("no %s resource assigned", kind)
			continue
		}
		assertEqual(t, res.Name, name, kind+" resource name")
	}

	// 6. Agent activity and call transcripts landed on the timeline.
	assertEqual(t, len(eventsOf(cas, model.KindAgentLog)), 2, "agent_log events")
	assertEqual(t, len(eventsOf(cas, model.KindConversationLog)), 3, "conversation_log events")

	// 7. Collaborators were called once per concern.
	h.Collaborators.Docparse.AssertCalled(t, RouteParse, 1)
	h.Collaborators.Extract.AssertCalled(t, RouteExtract, 3)
	h.Collaborators.Voice.AssertCalled(t, RouteCalls, 3)
	h.Collaborators.Directory.AssertCalled(t, RouteShelters, 1)
	h.Collaborators.Directory.AssertCalled(t, RouteTransport, 1)
	h.Collaborators.Directory.AssertCalled(t, RoutePharmacies, 1)
	h.Collaborators.Directory.AssertCalled(t, RouteResources, 1)

	// 8. The shelter search carried the patient's city and language.
	req := h.Collaborators.Directory.LastRequest(RouteShelters)
	assertEqual(t, req.QueryParams["city"], "Oakland", "shelter query city")
	assertEqual(t, req.QueryParams["language"], "Spanish", "shelter query language")

	// 9. The confirmation call went to the listed shelter's phone.
	var shelterCall *RecordedRequest
	for _, call := range h.Collaborators.Voice.AllRequests(RouteCalls) {
		if call.Body["script"] == "shelter_bed_confirmation" {
			shelterCall = call
		}
	}
	if shelterCall == nil {
		t.Fatal("no shelter confirmation call placed")
	}
	assertEqual(t, shelterCall.Body["to"], "+15105550100", "shelter call target")
}

// ==========================================================================
// Partial Failure
// ==========================================================================

func TestCase_OptionalStepFailureStillCoordinates(t *testing.T) {
	h := NewTestHarness(t)

	// No contact phone: social outreach cannot run, everything else can.
	env := h.SubmitPatient(PatientWithoutPhone())
	cas := h.WaitForTerminal(env.ID, "")
	assertEqual(t, cas.Status, model.CaseStatusCoordinated, "final status")

	failed := firstEvent(cas, model.StepSocial, model.StepStatusFailed)
	if failed == nil {
		t.Fatal("social step did not fail")
	}
	assertEqual(t, failed.Description, "Social services outreach failed", "failure description")
	if len(failed.Logs) == 0 || !strings.Contains(failed.Logs[0], "no contact phone") {
		t.Errorf("failure logs = %v, want the missing phone reason", failed.Logs)
	}

	if cas.Resources[model.ResourceSocialWorker] != nil {
		t.Error("social worker resource assigned despite the failed step")
	}
	if cas.Resources[model.ResourceShelter] == nil {
		t.Error("shelter resource missing")
	}

	// Only the two facility confirmations were placed.
	h.Collaborators.Voice.AssertCalled(t, RouteCalls, 2)
}

func TestCase_RequiredStepFailureEndsInError(t *testing.T) {
	h := NewTestHarness(t)
	h.Collaborators.Directory.OnRoute(RouteShelters).RespondWith(http.StatusOK, FacilityList())

	env := h.SubmitPatient(PatientFixture())
	cas := h.WaitForTerminal(env.ID, "")
	assertEqual(t, cas.Status, model.CaseStatusError, "final status")

	failed := firstEvent(cas, model.StepShelter, model.StepStatusFailed)
	if failed == nil {
		t.Fatal("shelter step did not fail")
	}
	assertEqual(t, failed.Description, "No shelter bed could be confirmed", "failure description")
	if len(failed.Logs) == 0 || failed.Logs[0] != "no shelters with open beds matched the search" {
		t.Errorf("failure logs = %v, want the empty search reason", failed.Logs)
	}

	// Later phases still ran; a failed step does not halt the pipeline.
	if firstEvent(cas, model.StepTransport, model.StepStatusCompleted) == nil {
		t.Error("transport did not complete after the shelter failure")
	}
	if cas.Resources[model.ResourceShelter] != nil {
		t.Error("shelter resource assigned despite the failure")
	}
	if cas.Resources[model.ResourceTransport] == nil {
		t.Error("transport resource missing")
	}
}

// ==========================================================================
// Case CRUD
// ==========================================================================

func TestCase_ClientRefRoundTrip(t *testing.T) {
	h := NewTestHarness(t)

	payload := PatientFixture()
	payload["client_ref"] = "mrn-8841"
	env := h.SubmitPatient(payload)

	// The server id always wins; the client's reference is only recorded.
	if env.ID == "mrn-8841" {
		t.Error("client_ref adopted as the case id")
	}
	assertEqual(t, env.ClientRef, "mrn-8841", "client_ref")

	cas := h.WaitForTerminal(env.ID, "")
	assertEqual(t, cas.ClientRef, "mrn-8841", "persisted client_ref")
	if _, ok := cas.Patient["client_ref"]; ok {
		t.Error("client_ref left inside the stored patient record")
	}
}

func TestCase_ListAndFilter(t *testing.T) {
	h := NewTestHarness(t)

	first := h.SubmitPatient(PatientFixture())
	h.WaitForTerminal(first.ID, "")

	// The second case fails on an empty shelter search.
	h.Collaborators.Directory.OnRoute(RouteShelters).RespondWith(http.StatusOK, FacilityList())
	second := h.SubmitPatient(PatientFixture())
	h.WaitForTerminal(second.ID, "")

	var list struct {
		Data  []model.CaseSummary `json:"data"`
		Count int                 `json:"count"`
	}
	h.AssertJSON(t, h.GET("/api/cases", ""), http.StatusOK, &list)
	assertEqual(t, list.Count, 2, "case count")
	for _, summary := range list.Data {
		if summary.EventCount == 0 {
			t.Errorf("case %s summary reports no events", summary.ID)
		}
	}

	h.AssertJSON(t, h.GET("/api/cases?status=error", ""), http.StatusOK, &list)
	assertEqual(t, list.Count, 1, "error case count")
	assertEqual(t, list.Data[0].ID, second.ID, "error case id")

	h.AssertJSON(t, h.GET("/api/cases?limit=1", ""), http.StatusOK, &list)
	assertEqual(t, list.Count, 1, "limited case count")
	assertEqual(t, list.Data[0].ID, second.ID, "newest case listed first")
}

func TestCase_Delete(t *testing.T) {
	h := NewTestHarness(t)

	env := h.SubmitPatient(PatientFixture())
	h.WaitForTerminal(env.ID, "")

	resp := h.DELETE("/api/cases/"+env.ID, "")
	h.AssertStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = h.GET("/api/cases/"+env.ID, "")
	h.AssertStatus(t, resp, http.StatusNotFound)
	ee := h.ParseError(resp)
	assertEqual(t, ee.Code, model.ErrNotFound, "error code")

	resp = h.DELETE("/api/cases/"+env.ID, "")
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

// ==========================================================================
// Alternate Store
// ==========================================================================

func TestCase_SQLiteStoreLifecycle(t *testing.T) {
	h := NewTestHarness(t, WithSQLiteStore())

	env := h.SubmitPatient(PatientFixture())
	cas := h.WaitForTerminal(env.ID, "")
	assertEqual(t, cas.Status, model.CaseStatusCoordinated, "final status")
	assertEqual(t, len(cas.Resources), 4, "resource count")

	// The snapshot is stable across reads.
	again := h.GetCase(env.ID, "")
	assertEqual(t, len(again.Timeline), len(cas.Timeline), "timeline length on reread")
	assertEqual(t, again.Timeline[len(again.Timeline)-1].Seq, cas.Timeline[len(cas.Timeline)-1].Seq, "last seq on reread")
}

// ==========================================================================
// Concurrency
// ==========================================================================

func TestCase_ConcurrentCoordinations(t *testing.T) {
	h := NewTestHarness(t)

	const cases = 4
	ids := make([]string, 0, cases)
	for i := 0; i < cases; i++ {
		ids = append(ids, h.SubmitPatient(PatientFixture()).ID)
	}

	// All runners share the mock collaborators; every case must still
	// coordinate with its own full resource set.
	for _, id := range ids {
		cas := h.WaitForTerminal(id, "")
		assertEqual(t, cas.Status, model.CaseStatusCoordinated, "case "+id+" status")
		assertEqual(t, len(cas.Resources), 4, "case "+id+" resource count")
	}
	h.Collaborators.Voice.AssertCalled(t, RouteCalls, 3*cases)
}

// ==========================================================================
// Helpers
// ==========================================================================

func assertEqual(t *testing.T, got, want any, name string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

// firstEvent returns the case's first timeline_update event matching step
// and status, or nil.
func firstEvent(cas *model.Case, step, status string) *model.TimelineEvent {
	for i := range cas.Timeline {
		ev := &cas.Timeline[i]
		if ev.Kind == model.KindTimelineUpdate && ev.Step == step && ev.Status == status {
			return ev
		}
	}
	return nil
}

func seqOf(t *testing.T, cas *model.Case, step, status string) int64 {
	t.Helper()
	ev := firstEvent(cas, step, status)
	if ev == nil {
		t.Fatalf("no %s event for step %s", status, step)
	}
	return ev.Seq
}

func eventsOf(cas *model.Case, kind string) []model.TimelineEvent {
	var out []model.TimelineEvent
	for _, ev := range cas.Timeline {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
