// Package integration provides a reusable test harness for end-to-end
// testing of the handoff server. It starts a fully wired HTTP server over an
// in-memory case store, with all four collaborator services replaced by
// configurable mocks.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carewire/handoff/internal/casestore"
	"github.com/carewire/handoff/internal/collab"
	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/idempotency"
	"github.com/carewire/handoff/internal/intake"
	"github.com/carewire/handoff/internal/session"
	"github.com/carewire/handoff/internal/stream"
	"github.com/carewire/handoff/internal/transport"
	"github.com/carewire/handoff/internal/workflow"
	"github.com/carewire/handoff/model"
)

// Signing key for session tokens issued by the harness.
const testSigningKey = "integration-test-signing-key-0123456789"

// TestHarness encapsulates a fully wired handoff instance with mock
// collaborators for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Store         casestore.Store
	Hub           *stream.Hub
	Journal       *workflow.Journal
	Coordinator   *workflow.Coordinator
	Sessions      *session.Manager
	Idempotency   idempotency.Store
	Collaborators *MockCollaborators

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	sessions       bool
	idempotency    bool
	intakeSchema   string
	sqlite         bool
	stepTimeout    time.Duration
	caseTimeout    time.Duration
	sweepInterval  time.Duration
	heartbeat      time.Duration
	handlerTimeout time.Duration
	retryAttempts  int
	idempotentOnly bool
	breaker        config.CircuitBreakerConfig
}

// WithSessions enables case session tokens. Submissions return a token and
// case reads, deletes and streams must present it.
func WithSessions() HarnessOption {
	return func(c *harnessConfig) { c.sessions = true }
}

// WithIdempotency enables submission deduplication with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.idempotency = true }
}

// WithIntakeSchema enables intake validation against the given JSON schema.
func WithIntakeSchema(schemaJSON string) HarnessOption {
	return func(c *harnessConfig) { c.intakeSchema = schemaJSON }
}

// WithSQLiteStore backs the harness with a SQLite case store in a temp
// directory instead of the in-memory store.
func WithSQLiteStore() HarnessOption {
	return func(c *harnessConfig) { c.sqlite = true }
}

// WithStepTimeout bounds each workflow step's collaborator work.
func WithStepTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.stepTimeout = d }
}

// WithCaseTimeout bounds whole-case coordination and sets the staleness
// cutoff used by the sweeper.
func WithCaseTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.caseTimeout = d }
}

// WithSweepInterval starts the stale-case sweeper at the given cadence. The
// sweeper is off by default so slow tests cannot be swept mid-assertion.
func WithSweepInterval(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.sweepInterval = d }
}

// WithHeartbeatInterval overrides the stream heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.heartbeat = d }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithRetryAttempts sets the total collaborator request attempts, retries
// included. One attempt means no retries.
func WithRetryAttempts(n int) HarnessOption {
	return func(c *harnessConfig) { c.retryAttempts = n }
}

// WithIdempotentOnlyRetries restricts collaborator retries to idempotent
// request methods.
func WithIdempotentOnlyRetries() HarnessOption {
	return func(c *harnessConfig) { c.idempotentOnly = true }
}

// WithCircuitBreaker applies the breaker settings to every collaborator
// client. The zero value leaves breakers effectively disabled.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cfg }
}

// NewTestHarness creates and starts a full handoff test instance. The server
// and coordinator are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		stepTimeout:    2 * time.Second,
		caseTimeout:    30 * time.Second,
		heartbeat:      15 * time.Second,
		handlerTimeout: 5 * time.Second,
		retryAttempts:  1,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	h.Collaborators = newMockCollaborators(t)

	// Config first; everything downstream reads it. Collaborator clients
	// point at the mocks with short backoffs, and POSTs are retried so
	// resilience tests can exercise recovery on calls and parses.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Stream.HeartbeatInterval = hc.heartbeat
	cfg.Workflow = config.WorkflowConfig{
		StepTimeout:   hc.stepTimeout,
		CaseTimeout:   hc.caseTimeout,
		SweepInterval: hc.sweepInterval,
	}
	if cfg.Workflow.SweepInterval <= 0 {
		cfg.Workflow.SweepInterval = time.Minute
	}
	cfg.Session.Enabled = hc.sessions
	cfg.Idempotency.Enabled = hc.idempotency
	cfg.Observability.Metrics.Enabled = false
	collabCfg := func(baseURL string) config.CollaboratorConfig {
		return config.CollaboratorConfig{
			BaseURL:        baseURL,
			Timeout:        2 * time.Second,
			CircuitBreaker: hc.breaker,
			Retry: config.RetryConfig{
				MaxAttempts:    hc.retryAttempts,
				BackoffInitial: 10 * time.Millisecond,
				BackoffMax:     50 * time.Millisecond,
				IdempotentOnly: hc.idempotentOnly,
			},
		}
	}
	cfg.Collaborators = map[string]config.CollaboratorConfig{
		config.CollaboratorDocparse:  collabCfg(h.Collaborators.Docparse.URL()),
		config.CollaboratorExtract:   collabCfg(h.Collaborators.Extract.URL()),
		config.CollaboratorVoice:     collabCfg(h.Collaborators.Voice.URL()),
		config.CollaboratorDirectory: collabCfg(h.Collaborators.Directory.URL()),
	}
	h.cfg = cfg

	logger := zap.NewNop()

	if hc.sqlite {
		store, err := casestore.OpenSQLite(filepath.Join(t.TempDir(), "cases.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		if err := store.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate sqlite store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		h.Store = store
	} else {
		h.Store = casestore.NewMemoryStore()
	}

	if hc.idempotency {
		h.Idempotency = idempotency.NewMemoryStore()
	}
	if hc.sessions {
		manager, err := session.NewManager([]byte(testSigningKey), cfg.Session.TTL)
		if err != nil {
			t.Fatalf("build session manager: %v", err)
		}
		h.Sessions = manager
	}

	var validator *intake.Validator
	if hc.intakeSchema != "" {
		schemaPath := filepath.Join(t.TempDir(), "intake.json")
		if err := os.WriteFile(schemaPath, []byte(hc.intakeSchema), 0o644); err != nil {
			t.Fatalf("write intake schema: %v", err)
		}
		v, err := intake.New(schemaPath)
		if err != nil {
			t.Fatalf("load intake schema: %v", err)
		}
		validator = v
	}

	services, err := collab.NewServices(cfg.Collaborators, nil)
	if err != nil {
		t.Fatalf("build collaborator clients: %v", err)
	}

	h.Hub = stream.NewHub(cfg.Stream.SubscriberBuffer)
	h.Journal = workflow.NewJournal(h.Store, h.Hub, nil)
	executor := workflow.NewExecutor(h.Journal, workflow.Services{
		Docparse:  services.Docparse,
		Extract:   services.Extract,
		Voice:     services.Voice,
		Directory: services.Directory,
	}, cfg.Workflow.StepTimeout, logger, nil)
	h.Coordinator = workflow.NewCoordinator(h.Store, h.Journal, executor, cfg.Workflow, logger, nil)
	if hc.sweepInterval > 0 {
		h.Coordinator.StartSweeper()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Coordinator.Shutdown(ctx); err != nil {
			t.Logf("coordinator shutdown: %v", err)
		}
	})

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Store:       h.Store,
		Hub:         h.Hub,
		Journal:     h.Journal,
		Coordinator: h.Coordinator,
		Idempotency: h.Idempotency,
		Sessions:    h.Sessions,
		Intake:      validator,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request, with a session token when given.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// DELETE performs a DELETE request, with a session token when given.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ParseError asserts the response carries an error envelope and returns it.
func (h *TestHarness) ParseError(resp *http.Response) *model.ErrorEnvelope {
	h.t.Helper()
	var wrapper struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &wrapper)
	if wrapper.Error == nil {
		h.t.Fatalf("response carries no error envelope")
	}
	return wrapper.Error
}

// --- Case helpers ---

// CaseEnvelope is the submission response: the created case snapshot plus
// the session token when sessions are enabled.
type CaseEnvelope struct {
	model.Case
	Session *session.Token `json:"session"`
}

// SubmitPatient submits a discharge form and asserts the case was created.
func (h *TestHarness) SubmitPatient(patient map[string]any) *CaseEnvelope {
	h.t.Helper()
	resp := h.POST("/api/cases", patient, "")
	var env CaseEnvelope
	h.AssertJSON(h.t, resp, http.StatusCreated, &env)
	if env.ID == "" {
		h.t.Fatalf("submission response carries no case id")
	}
	return &env
}

// SessionToken returns the submission's session token string, or empty.
func (env *CaseEnvelope) SessionToken() string {
	if env.Session == nil {
		return ""
	}
	return env.Session.Token
}

// GetCase fetches the full case snapshot.
func (h *TestHarness) GetCase(caseID, token string) *model.Case {
	h.t.Helper()
	resp := h.GET("/api/cases/"+caseID, token)
	var cas model.Case
	h.AssertJSON(h.t, resp, http.StatusOK, &cas)
	return &cas
}

// WaitForTerminal polls the case until it reaches a terminal status and
// returns the final snapshot. Fails the test after fifteen seconds.
func (h *TestHarness) WaitForTerminal(caseID, token string) *model.Case {
	h.t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	last := ""
	for time.Now().Before(deadline) {
		cas := h.GetCase(caseID, token)
		if model.TerminalCaseStatus(cas.Status) {
			return cas
		}
		last = fmt.Sprintf("%s (step %s, %d events)", cas.Status, cas.CurrentStep, len(cas.Timeline))
		time.Sleep(25 * time.Millisecond)
	}
	h.t.Fatalf("case %s never reached a terminal status, last seen %s", caseID, last)
	return nil
}

// --- Patient fixtures ---

// PatientFixture returns a complete discharge form for a typical case.
func PatientFixture() map[string]any {
	return map[string]any{
		"name":      "Maria Alvarez",
		"dob":       "1957-03-14",
		"phone":     "+15105550123",
		"city":      "Oakland",
		"language":  "Spanish",
		"diagnosis": "CHF exacerbation",
	}
}

// PatientWithoutPhone returns a discharge form lacking a contact phone, which
// fails the social outreach step.
func PatientWithoutPhone() map[string]any {
	patient := PatientFixture()
	delete(patient, "phone")
	return patient
}
