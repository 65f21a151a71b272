package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carewire/handoff/internal/casestore"
	"github.com/carewire/handoff/internal/collab"
	"github.com/carewire/handoff/internal/stream"
	"github.com/carewire/handoff/model"
)

// --- Collaborator mocks ---

type mockDocparse struct {
	mu     sync.Mutex
	calls  []map[string]any
	result *collab.ParseResult
	err    error
}

func (m *mockDocparse) Parse(_ context.Context, submission map[string]any) (*collab.ParseResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, submission)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &collab.ParseResult{Text: "discharge summary text", Pages: 2}, nil
}

type mockExtract struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(text string, fields []string) (*collab.ExtractResult, error)
}

func (m *mockExtract) Extract(_ context.Context, text string, fields []string) (*collab.ExtractResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fields)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(text, fields)
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f] = "value-" + f
	}
	return &collab.ExtractResult{Fields: out, Confidence: 0.92}, nil
}

type mockVoice struct {
	mu    sync.Mutex
	calls []collab.CallRequest
	delay time.Duration
	fn    func(req collab.CallRequest) (*collab.CallResult, error)
}

func (m *mockVoice) Call(ctx context.Context, req collab.CallRequest) (*collab.CallResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.fn != nil {
		return m.fn(req)
	}
	return &collab.CallResult{
		Outcome:         collab.CallConfirmed,
		Transcript:      []string{"agent: requesting availability", "facility: confirmed"},
		DurationSeconds: 45,
	}, nil
}

func (m *mockVoice) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockDirectory struct {
	mu      sync.Mutex
	queries map[string][]map[string]string
	fn      func(endpoint string, query map[string]string) ([]collab.Facility, error)
}

func (m *mockDirectory) lookup(endpoint string, query map[string]string) ([]collab.Facility, error) {
	m.mu.Lock()
	if m.queries == nil {
		m.queries = make(map[string][]map[string]string)
	}
	m.queries[endpoint] = append(m.queries[endpoint], query)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(endpoint, query)
	}
	return []collab.Facility{{ID: "fac-1", Name: "Harbor Light", Phone: "+15550100", Details: map[string]string{"beds": "5"}}}, nil
}

func (m *mockDirectory) Shelters(_ context.Context, query map[string]string) ([]collab.Facility, error) {
	return m.lookup("shelters", query)
}

func (m *mockDirectory) Transport(_ context.Context, query map[string]string) ([]collab.Facility, error) {
	return m.lookup("transport", query)
}

func (m *mockDirectory) Pharmacies(_ context.Context, query map[string]string) ([]collab.Facility, error) {
	return m.lookup("pharmacies", query)
}

func (m *mockDirectory) Resources(_ context.Context, query map[string]string) ([]collab.Facility, error) {
	return m.lookup("resources", query)
}

type testMocks struct {
	docparse  *mockDocparse
	extract   *mockExtract
	voice     *mockVoice
	directory *mockDirectory
}

func newTestMocks() *testMocks {
	return &testMocks{
		docparse:  &mockDocparse{},
		extract:   &mockExtract{},
		voice:     &mockVoice{},
		directory: &mockDirectory{},
	}
}

func (m *testMocks) services() Services {
	return Services{
		Docparse:  m.docparse,
		Extract:   m.extract,
		Voice:     m.voice,
		Directory: m.directory,
	}
}

func testPatient() map[string]any {
	return map[string]any{
		"name":     "Jane Doe",
		"city":     "oakland",
		"language": "spanish",
		"phone":    "+15550123",
	}
}

func newTestExecutor(m *testMocks, store casestore.Store, hub *stream.Hub) *Executor {
	return NewExecutor(NewJournal(store, hub, nil), m.services(), time.Second, zap.NewNop(), nil)
}

// eventsOf filters a case's timeline by kind, keeping order.
func eventsOf(cas *model.Case, kind string) []model.TimelineEvent {
	var out []model.TimelineEvent
	for _, ev := range cas.Timeline {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// outcomesFor returns the timeline_update events for a step that carry a
// terminal step status.
func outcomesFor(cas *model.Case, step string) []model.TimelineEvent {
	var out []model.TimelineEvent
	for _, ev := range cas.Timeline {
		if ev.Kind == model.KindTimelineUpdate && ev.Step == step && model.TerminalStepStatus(ev.Status) {
			out = append(out, ev)
		}
	}
	return out
}

func hasLogLine(ev model.TimelineEvent, substr string) bool {
	for _, line := range ev.Logs {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// --- Executor.Run ---

func TestExecutor_Run_shelterConfirmed(t *testing.T) {
	mocks := newTestMocks()
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepShelter)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}

	got, err := store.Get(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	outcomes := outcomesFor(got, model.StepShelter)
	if len(outcomes) != 1 {
		t.Fatalf("shelter outcome events = %d, want exactly 1", len(outcomes))
	}
	outcome := outcomes[0]
	if outcome.Status != model.StepStatusCompleted {
		t.Errorf("outcome status = %q, want %q", outcome.Status, model.StepStatusCompleted)
	}
	if outcome.Agent != "housing" {
		t.Errorf("outcome agent = %q, want %q", outcome.Agent, "housing")
	}
	if outcome.Resource == nil || outcome.Resource.Kind != model.ResourceShelter || outcome.Resource.Name != "Harbor Light" {
		t.Errorf("outcome resource = %+v, want shelter Harbor Light", outcome.Resource)
	}

	if logs := eventsOf(got, model.KindAgentLog); len(logs) != 1 || !strings.Contains(logs[0].Description, "1 shelters matched") {
		t.Errorf("agent logs = %+v, want one match activity", logs)
	}
	if calls := eventsOf(got, model.KindConversationLog); len(calls) != 1 || len(calls[0].Logs) != 2 {
		t.Errorf("conversation logs = %+v, want one two-line transcript", calls)
	}

	if res := got.Resources[model.ResourceShelter]; res == nil || res.Name != "Harbor Light" {
		t.Errorf("assigned resources = %+v, want shelter Harbor Light", got.Resources)
	}
	if got.Resources[model.ResourceShelter].Details["beds"] != "5" {
		t.Errorf("resource details = %+v, want beds 5 carried over", got.Resources[model.ResourceShelter].Details)
	}
}

func TestExecutor_Run_failureRecordsSingleFailedEvent(t *testing.T) {
	mocks := newTestMocks()
	mocks.voice.fn = func(collab.CallRequest) (*collab.CallResult, error) {
		return nil, model.NewBackendTimeoutError()
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())
	if err := store.UpdateStatus(context.Background(), "case-1", model.CaseStatusInProgress); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	report := exec.Run(context.Background(), cas, model.StepTransport)
	if report.Completed {
		t.Fatal("report completed, want failure")
	}
	if !strings.Contains(report.Failure, model.ErrBackendTimeout) {
		t.Errorf("report failure = %q, want timeout classification", report.Failure)
	}

	got, err := store.Get(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	outcomes := outcomesFor(got, model.StepTransport)
	if len(outcomes) != 1 {
		t.Fatalf("transport outcome events = %d, want exactly 1", len(outcomes))
	}
	if outcomes[0].Status != model.StepStatusFailed {
		t.Errorf("outcome status = %q, want %q", outcomes[0].Status, model.StepStatusFailed)
	}
	if !hasLogLine(outcomes[0], model.ErrBackendTimeout) {
		t.Errorf("failed event logs = %v, want the error message", outcomes[0].Logs)
	}
	if outcomes[0].Resource != nil {
		t.Errorf("failed event carries resource %+v", outcomes[0].Resource)
	}

	// A failed step never fails the case by itself.
	if got.Status != model.CaseStatusInProgress {
		t.Errorf("case status = %q, want %q", got.Status, model.CaseStatusInProgress)
	}
}

func TestExecutor_Run_panicRecovered(t *testing.T) {
	mocks := newTestMocks()
	mocks.directory.fn = func(string, map[string]string) ([]collab.Facility, error) {
		panic("directory exploded")
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepShelter)
	if report.Completed {
		t.Fatal("report completed, want failure")
	}
	if !strings.Contains(report.Failure, "panicked") {
		t.Errorf("report failure = %q, want recovered panic", report.Failure)
	}

	got, _ := store.Get(context.Background(), "case-1")
	if outcomes := outcomesFor(got, model.StepShelter); len(outcomes) != 1 || outcomes[0].Status != model.StepStatusFailed {
		t.Errorf("outcomes = %+v, want one failed event", outcomes)
	}
}

func TestExecutor_Run_unknownStep(t *testing.T) {
	mocks := newTestMocks()
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, "teleport")
	if report.Completed {
		t.Fatal("report completed, want failure")
	}
	if !strings.Contains(report.Failure, "no executor bound") {
		t.Errorf("report failure = %q", report.Failure)
	}
}

func TestExecutor_Run_stepTimeoutBoundsCollaborator(t *testing.T) {
	mocks := newTestMocks()
	mocks.voice.delay = 500 * time.Millisecond
	store := casestore.NewMemoryStore()
	exec := NewExecutor(NewJournal(store, stream.NewHub(0), nil), mocks.services(), 20*time.Millisecond, zap.NewNop(), nil)
	cas := createCase(t, store, "case-1", testPatient())

	start := time.Now()
	report := exec.Run(context.Background(), cas, model.StepSocial)
	if report.Completed {
		t.Fatal("report completed, want timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("step took %v, want bounded by step timeout", elapsed)
	}

	got, _ := store.Get(context.Background(), "case-1")
	outcomes := outcomesFor(got, model.StepSocial)
	if len(outcomes) != 1 || !hasLogLine(outcomes[0], "context deadline exceeded") {
		t.Errorf("outcomes = %+v, want one failed event with deadline error", outcomes)
	}
}

// --- Step bindings ---

func TestExecutor_parse_chainsDocparseAndExtract(t *testing.T) {
	mocks := newTestMocks()
	mocks.docparse.result = &collab.ParseResult{
		Text:     "patient jane doe, spanish speaking",
		Pages:    2,
		Warnings: []string{"page 2 partially legible"},
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepParse)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}

	if len(mocks.docparse.calls) != 1 {
		t.Fatalf("docparse calls = %d, want 1", len(mocks.docparse.calls))
	}
	if got := mocks.docparse.calls[0]["name"]; got != "Jane Doe" {
		t.Errorf("docparse received name = %v, want Jane Doe", got)
	}
	if len(mocks.extract.calls) != 1 || len(mocks.extract.calls[0]) != len(parseFields) {
		t.Fatalf("extract calls = %+v, want one call with parse fields", mocks.extract.calls)
	}

	got, _ := store.Get(context.Background(), "case-1")
	outcome := outcomesFor(got, model.StepParse)[0]
	for _, want := range []string{"parsed 2 pages", "page 2 partially legible", "extracted 6 fields (confidence 0.92)"} {
		if !hasLogLine(outcome, want) {
			t.Errorf("outcome logs = %v, missing %q", outcome.Logs, want)
		}
	}
}

func TestExecutor_shelter_noMatches(t *testing.T) {
	mocks := newTestMocks()
	mocks.directory.fn = func(string, map[string]string) ([]collab.Facility, error) {
		return nil, nil
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepShelter)
	if report.Completed {
		t.Fatal("report completed, want failure")
	}
	if report.Failure != "no shelters with open beds matched the search" {
		t.Errorf("failure = %q", report.Failure)
	}
}

func TestExecutor_shelter_secondFacilityConfirms(t *testing.T) {
	mocks := newTestMocks()
	mocks.directory.fn = func(string, map[string]string) ([]collab.Facility, error) {
		return []collab.Facility{
			{ID: "fac-1", Name: "First Stop", Phone: "+15550001"},
			{ID: "fac-2", Name: "Harbor Light", Phone: "+15550002"},
		}, nil
	}
	mocks.voice.fn = func(req collab.CallRequest) (*collab.CallResult, error) {
		if req.To == "+15550001" {
			return &collab.CallResult{Outcome: collab.CallDeclined, Transcript: []string{"facility: no beds tonight"}}, nil
		}
		return &collab.CallResult{Outcome: collab.CallConfirmed, Transcript: []string{"facility: bed held"}}, nil
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepShelter)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}
	if mocks.voice.callCount() != 2 {
		t.Errorf("voice calls = %d, want 2", mocks.voice.callCount())
	}

	got, _ := store.Get(context.Background(), "case-1")
	if transcripts := eventsOf(got, model.KindConversationLog); len(transcripts) != 2 {
		t.Errorf("conversation logs = %d, want one per call", len(transcripts))
	}
	if res := got.Resources[model.ResourceShelter]; res == nil || res.Name != "Harbor Light" {
		t.Errorf("resource = %+v, want second facility", res)
	}
}

func TestExecutor_shelter_callCapRespected(t *testing.T) {
	mocks := newTestMocks()
	mocks.directory.fn = func(string, map[string]string) ([]collab.Facility, error) {
		var out []collab.Facility
		for i := 0; i < 5; i++ {
			out = append(out, collab.Facility{
				ID:    fmt.Sprintf("fac-%d", i),
				Name:  fmt.Sprintf("Shelter %d", i),
				Phone: fmt.Sprintf("+1555010%d", i),
			})
		}
		return out, nil
	}
	mocks.voice.fn = func(collab.CallRequest) (*collab.CallResult, error) {
		return &collab.CallResult{Outcome: collab.CallNoAnswer}, nil
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepShelter)
	if report.Completed {
		t.Fatal("report completed, want failure")
	}
	if report.Failure != "no shelter confirmed a bed (3 called)" {
		t.Errorf("failure = %q", report.Failure)
	}
	if mocks.voice.callCount() != maxConfirmationCalls {
		t.Errorf("voice calls = %d, want capped at %d", mocks.voice.callCount(), maxConfirmationCalls)
	}
}

func TestExecutor_shelter_skipsPhonelessFacilities(t *testing.T) {
	mocks := newTestMocks()
	mocks.directory.fn = func(string, map[string]string) ([]collab.Facility, error) {
		return []collab.Facility{
			{ID: "fac-1", Name: "Unlisted House"},
			{ID: "fac-2", Name: "Harbor Light", Phone: "+15550002"},
		}, nil
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepShelter)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}
	if mocks.voice.callCount() != 1 {
		t.Errorf("voice calls = %d, want 1", mocks.voice.callCount())
	}
}

func TestExecutor_shelter_queryFromPatient(t *testing.T) {
	mocks := newTestMocks()
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	exec.Run(context.Background(), cas, model.StepShelter)

	queries := mocks.directory.queries["shelters"]
	if len(queries) != 1 {
		t.Fatalf("shelter lookups = %d, want 1", len(queries))
	}
	if queries[0]["city"] != "oakland" || queries[0]["language"] != "spanish" {
		t.Errorf("query = %v, want city and language from the patient record", queries[0])
	}
}

func TestExecutor_social_noAnswerStillCompletes(t *testing.T) {
	mocks := newTestMocks()
	mocks.voice.fn = func(collab.CallRequest) (*collab.CallResult, error) {
		return &collab.CallResult{Outcome: collab.CallNoAnswer, Transcript: []string{"ringing, no pickup"}}, nil
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepSocial)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}

	got, _ := store.Get(context.Background(), "case-1")
	outcome := outcomesFor(got, model.StepSocial)[0]
	if outcome.Resource != nil {
		t.Errorf("unconfirmed outreach assigned resource %+v", outcome.Resource)
	}
	if !hasLogLine(outcome, "no_answer") {
		t.Errorf("outcome logs = %v, want call outcome recorded", outcome.Logs)
	}
}

func TestExecutor_social_confirmedAssignsResource(t *testing.T) {
	mocks := newTestMocks()
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepSocial)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}

	got, _ := store.Get(context.Background(), "case-1")
	if res := got.Resources[model.ResourceSocialWorker]; res == nil {
		t.Error("confirmed outreach assigned no social_worker resource")
	}
	if calls := mocks.voice.calls; len(calls) != 1 || calls[0].To != "+15550123" || calls[0].Script != "social_worker_outreach" {
		t.Errorf("voice calls = %+v, want one outreach call to the patient", calls)
	}
}

func TestExecutor_social_missingPhone(t *testing.T) {
	mocks := newTestMocks()
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", map[string]any{"name": "Jane Doe"})

	report := exec.Run(context.Background(), cas, model.StepSocial)
	if report.Completed {
		t.Fatal("report completed, want failure")
	}
	if report.Failure != "patient record has no contact phone" {
		t.Errorf("failure = %q", report.Failure)
	}
}

func TestExecutor_pharmacy_routesToFirstMatch(t *testing.T) {
	mocks := newTestMocks()
	mocks.directory.fn = func(endpoint string, _ map[string]string) ([]collab.Facility, error) {
		return []collab.Facility{
			{ID: "ph-1", Name: "Bay Pharmacy", Phone: "+15550200"},
			{ID: "ph-2", Name: "Other Pharmacy"},
		}, nil
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepPharmacy)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}
	if mocks.voice.callCount() != 0 {
		t.Errorf("pharmacy step placed %d calls, want none", mocks.voice.callCount())
	}

	got, _ := store.Get(context.Background(), "case-1")
	if res := got.Resources[model.ResourcePharmacy]; res == nil || res.Name != "Bay Pharmacy" {
		t.Errorf("resource = %+v, want first pharmacy", res)
	}
}

func TestExecutor_pharmacy_noMatches(t *testing.T) {
	mocks := newTestMocks()
	mocks.directory.fn = func(string, map[string]string) ([]collab.Facility, error) {
		return []collab.Facility{}, nil
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepPharmacy)
	if report.Completed {
		t.Fatal("report completed, want failure")
	}
}

func TestExecutor_resource_zeroMatchesStillCompletes(t *testing.T) {
	mocks := newTestMocks()
	mocks.directory.fn = func(string, map[string]string) ([]collab.Facility, error) {
		return nil, nil
	}
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepResource)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}

	got, _ := store.Get(context.Background(), "case-1")
	if !hasLogLine(outcomesFor(got, model.StepResource)[0], "0 assistance programs matched") {
		t.Error("outcome should record the empty match count")
	}
}

func TestExecutor_analytics_summarizesTimeline(t *testing.T) {
	mocks := newTestMocks()
	store := casestore.NewMemoryStore()
	hub := stream.NewHub(0)
	journal := NewJournal(store, hub, nil)
	exec := NewExecutor(journal, mocks.services(), time.Second, zap.NewNop(), nil)
	createCase(t, store, "case-1", testPatient())

	seed := []model.TimelineEvent{
		{Step: model.StepParse, Status: model.StepStatusCompleted, Kind: model.KindTimelineUpdate},
		{Step: model.StepShelter, Status: model.StepStatusCompleted, Kind: model.KindTimelineUpdate},
		{Step: model.StepShelter, Status: model.StepStatusInProgress, Kind: model.KindConversationLog},
		{Step: model.StepSocial, Status: model.StepStatusFailed, Kind: model.KindTimelineUpdate},
	}
	for _, ev := range seed {
		if _, err := journal.Append(context.Background(), "case-1", ev); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	cas, err := store.Get(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	report := exec.Run(context.Background(), cas, model.StepAnalytics)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}

	got, _ := store.Get(context.Background(), "case-1")
	outcome := outcomesFor(got, model.StepAnalytics)[0]
	for _, want := range []string{"2 steps completed, 1 failed", "0 resources secured", "1 calls placed"} {
		if !hasLogLine(outcome, want) {
			t.Errorf("outcome logs = %v, missing %q", outcome.Logs, want)
		}
	}
}

func TestExecutor_eligibility_extractsCoverage(t *testing.T) {
	mocks := newTestMocks()
	store := casestore.NewMemoryStore()
	exec := newTestExecutor(mocks, store, stream.NewHub(0))
	cas := createCase(t, store, "case-1", testPatient())

	report := exec.Run(context.Background(), cas, model.StepEligibility)
	if !report.Completed {
		t.Fatalf("report = %+v, want completed", report)
	}
	if len(mocks.extract.calls) != 1 || mocks.extract.calls[0][0] != coverageFields[0] {
		t.Errorf("extract calls = %+v, want coverage fields", mocks.extract.calls)
	}
}

// --- Helpers ---

func TestAgentForStep(t *testing.T) {
	tests := []struct {
		step string
		want string
	}{
		{model.StepParse, "parser"},
		{model.StepCoordinate, "planner"},
		{model.StepShelter, "housing"},
		{model.StepSocial, "social_worker"},
		{model.StepTransport, "dispatch"},
		{model.StepResource, "resources"},
		{model.StepPharmacy, "pharmacy"},
		{model.StepEligibility, "benefits"},
		{model.StepAnalytics, "analytics"},
		{"custom", "custom"},
	}
	for _, tt := range tests {
		if got := agentForStep(tt.step); got != tt.want {
			t.Errorf("agentForStep(%q) = %q, want %q", tt.step, got, tt.want)
		}
	}
}

func TestPatientSummary_deterministic(t *testing.T) {
	cas := &model.Case{Patient: map[string]any{"b": 2, "a": "one", "c": true}}
	want := "a: one\nb: 2\nc: true\n"
	if got := patientSummary(cas); got != want {
		t.Errorf("patientSummary() = %q, want %q", got, want)
	}
	if got := patientSummary(cas); got != want {
		t.Errorf("second patientSummary() = %q, want stable output", got)
	}
}
