package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carewire/handoff/model"
)

// ==========================================================================
// Session Enforcement
// ==========================================================================

func TestSecurity_MissingToken_Returns403(t *testing.T) {
	h := NewTestHarness(t, WithSessions())

	env := h.SubmitPatient(PatientFixture())
	h.WaitForTerminal(env.ID, env.SessionToken())

	paths := []string{
		"/api/cases/" + env.ID,
		"/api/cases/" + env.ID + "/stream",
	}
	for _, path := range paths {
		resp := h.GET(path, "")
		h.AssertStatus(t, resp, http.StatusForbidden)
		ee := h.ParseError(resp)
		assertEqual(t, ee.Code, model.ErrForbidden, "error code")
		assertEqual(t, ee.Message, "Missing session token", "error message")
	}

	resp := h.DELETE("/api/cases/"+env.ID, "")
	h.AssertStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestSecurity_TokenForDifferentCase_Returns403(t *testing.T) {
	h := NewTestHarness(t, WithSessions())

	first := h.SubmitPatient(PatientFixture())
	second := h.SubmitPatient(PatientFixture())

	// A token is scoped to exactly one case.
	resp := h.GET("/api/cases/"+second.ID, first.SessionToken())
	h.AssertStatus(t, resp, http.StatusForbidden)
	ee := h.ParseError(resp)
	assertEqual(t, ee.Message, "Session token is for a different case", "error message")
}

func TestSecurity_ExpiredToken_Returns403(t *testing.T) {
	h := NewTestHarness(t, WithSessions())
	env := h.SubmitPatient(PatientFixture())

	token := signSessionToken(t, []byte(testSigningKey), jwt.RegisteredClaims{
		Issuer:    "handoff",
		Subject:   env.ID,
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
	})
	resp := h.GET("/api/cases/"+env.ID, token)
	h.AssertStatus(t, resp, http.StatusForbidden)
	ee := h.ParseError(resp)
	assertEqual(t, ee.Message, "Session token expired", "error message")
}

func TestSecurity_WrongSignature_Returns403(t *testing.T) {
	h := NewTestHarness(t, WithSessions())
	env := h.SubmitPatient(PatientFixture())

	otherKey := []byte("another-signing-key-entirely-0123456789")
	token := signSessionToken(t, otherKey, jwt.RegisteredClaims{
		Issuer:    "handoff",
		Subject:   env.ID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	resp := h.GET("/api/cases/"+env.ID, token)
	h.AssertStatus(t, resp, http.StatusForbidden)
	ee := h.ParseError(resp)
	assertEqual(t, ee.Message, "Invalid session token signature", "error message")
}

func TestSecurity_NoneAlgorithm_Returns403(t *testing.T) {
	h := NewTestHarness(t, WithSessions())
	env := h.SubmitPatient(PatientFixture())

	claims := jwt.RegisteredClaims{
		Issuer:    "handoff",
		Subject:   env.ID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("build unsigned token: %v", err)
	}

	resp := h.GET("/api/cases/"+env.ID, unsigned)
	h.AssertStatus(t, resp, http.StatusForbidden)
	ee := h.ParseError(resp)
	assertEqual(t, ee.Message, "Disallowed signing algorithm", "error message")
}

func TestSecurity_WrongIssuer_Returns403(t *testing.T) {
	h := NewTestHarness(t, WithSessions())
	env := h.SubmitPatient(PatientFixture())

	token := signSessionToken(t, []byte(testSigningKey), jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   env.ID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	resp := h.GET("/api/cases/"+env.ID, token)
	h.AssertStatus(t, resp, http.StatusForbidden)
	ee := h.ParseError(resp)
	assertEqual(t, ee.Message, "Invalid session token issuer", "error message")
}

func TestSecurity_MalformedToken_Returns403(t *testing.T) {
	h := NewTestHarness(t, WithSessions())
	env := h.SubmitPatient(PatientFixture())

	resp := h.GET("/api/cases/"+env.ID, "not-a-token")
	h.AssertStatus(t, resp, http.StatusForbidden)
	ee := h.ParseError(resp)
	assertEqual(t, ee.Code, model.ErrForbidden, "error code")
}

func TestSecurity_ValidToken_GrantsCaseAccess(t *testing.T) {
	h := NewTestHarness(t, WithSessions())

	env := h.SubmitPatient(PatientFixture())
	token := env.SessionToken()
	if token == "" {
		t.Fatal("submission returned no session token")
	}
	assertEqual(t, env.Session.CaseID, env.ID, "token case id")

	cas := h.WaitForTerminal(env.ID, token)
	assertEqual(t, cas.Status, model.CaseStatusCoordinated, "final status")

	// EventSource clients cannot set headers; the stream accepts the token
	// as a query parameter.
	resp := h.GET("/api/cases/"+env.ID+"/stream?token="+token, "")
	h.AssertStatus(t, resp, http.StatusOK)
	if body := string(h.ReadBody(resp)); !strings.Contains(body, "event: connected") {
		t.Error("stream replay missing the connected handshake")
	}

	del := h.DELETE("/api/cases/"+env.ID, token)
	h.AssertStatus(t, del, http.StatusNoContent)
	del.Body.Close()
}

func TestSecurity_SubmitAndListNeedNoToken(t *testing.T) {
	h := NewTestHarness(t, WithSessions())

	// The guard covers only case-scoped routes; submission and the listing
	// endpoint stay open.
	env := h.SubmitPatient(PatientFixture())
	h.WaitForTerminal(env.ID, env.SessionToken())

	resp := h.GET("/api/cases", "")
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestSecurity_SessionsDisabled_NoTokenRequired(t *testing.T) {
	h := NewTestHarness(t)

	env := h.SubmitPatient(PatientFixture())
	if env.Session != nil {
		t.Error("submission issued a session token with sessions disabled")
	}
	cas := h.WaitForTerminal(env.ID, "")
	assertEqual(t, cas.Status, model.CaseStatusCoordinated, "final status")
}

// ==========================================================================
// Response Hardening
// ==========================================================================

func TestSecurity_HeadersOnAPIResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/cases", "")
	h.AssertStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()
	assertSecurityHeaders(t, resp)
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/cases/no-such-case", "")
	h.AssertStatus(t, resp, http.StatusNotFound)
	defer resp.Body.Close()
	assertSecurityHeaders(t, resp)
}

func TestSecurity_HeadersOnPublicEndpoint(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/healthz", "")
	h.AssertStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()
	assertSecurityHeaders(t, resp)
}

func TestSecurity_ErrorEnvelopeOmitsInternals(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/cases/no-such-case", "")
	body := string(h.ReadBody(resp))
	for _, leak := range []string{"goroutine", ".go:", "runtime."} {
		if strings.Contains(body, leak) {
			t.Errorf("error body leaks %q: %s", leak, body)
		}
	}
}

// ==========================================================================
// Correlation
// ==========================================================================

func TestSecurity_CorrelationIDEchoed(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.POSTWithHeaders("/api/cases", PatientFixture(), "",
		map[string]string{"X-Correlation-Id": "corr-e2e-001"})
	h.AssertStatus(t, resp, http.StatusCreated)
	assertEqual(t, resp.Header.Get("X-Correlation-Id"), "corr-e2e-001", "echoed correlation id")
	var env CaseEnvelope
	h.ParseJSON(resp, &env)

	// The id rides along to collaborator calls made by the runner.
	h.WaitForTerminal(env.ID, "")
	req := h.Collaborators.Docparse.LastRequest(RouteParse)
	assertEqual(t, req.Headers.Get("X-Correlation-Id"), "corr-e2e-001", "forwarded correlation id")
}

func TestSecurity_CorrelationIDGenerated(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/cases", "")
	defer resp.Body.Close()
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("no correlation id generated")
	}
}

// ==========================================================================
// CORS
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.doRequest("GET", "/api/cases", nil, "",
		map[string]string{"Origin": "http://localhost:3000"})
	defer resp.Body.Close()
	assertEqual(t, resp.Header.Get("Access-Control-Allow-Origin"), "http://localhost:3000", "allow origin")
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Idempotency-Key") {
		t.Error("Idempotency-Key not allowed for cross-origin submissions")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.doRequest("GET", "/api/cases", nil, "",
		map[string]string{"Origin": "http://evil.example"})
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q for a disallowed origin", got)
	}
}

func TestSecurity_CORSPreflight(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.doRequest("OPTIONS", "/api/cases", nil, "",
		map[string]string{"Origin": "http://localhost:3000"})
	defer resp.Body.Close()
	h.AssertStatus(t, resp, http.StatusNoContent)
	assertEqual(t, resp.Header.Get("Access-Control-Allow-Origin"), "http://localhost:3000", "preflight allow origin")
}

// ==========================================================================
// Helpers
// ==========================================================================

func signSessionToken(t *testing.T, key []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func assertSecurityHeaders(t *testing.T, resp *http.Response) {
	t.Helper()
	want := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
	for header, value := range want {
		if got := resp.Header.Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}
