package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Collaborator routes, as ServeMux patterns. Tests script responses and
// assert calls against these constants.
const (
	RouteParse      = "POST /v1/parse"
	RouteExtract    = "POST /v1/extract"
	RouteCalls      = "POST /v1/calls"
	RouteShelters   = "GET /v1/shelters"
	RouteTransport  = "GET /v1/transport"
	RoutePharmacies = "GET /v1/pharmacies"
	RouteResources  = "GET /v1/resources"
)

// MockCollaborators bundles one test double per collaborator service. The
// defaults answer every route well enough to coordinate a case end to end;
// tests script failures and variations per route on the individual services.
type MockCollaborators struct {
	Docparse  *MockService
	Extract   *MockService
	Voice     *MockService
	Directory *MockService
}

func newMockCollaborators(t *testing.T) *MockCollaborators {
	return &MockCollaborators{
		Docparse: newMockService(t, "docparse", []string{RouteParse},
			func(string, *RecordedRequest) (int, any) {
				return http.StatusOK, ParseFixture()
			}),
		Extract: newMockService(t, "extract", []string{RouteExtract},
			func(_ string, rec *RecordedRequest) (int, any) {
				// Echo the requested field names so extraction-driven
				// steps always see a full result.
				fields := map[string]any{}
				if names, ok := rec.Body["fields"].([]any); ok {
					for _, n := range names {
						if s, ok := n.(string); ok {
							fields[s] = "on file"
						}
					}
				}
				return http.StatusOK, map[string]any{"fields": fields, "confidence": 0.92}
			}),
		Voice: newMockService(t, "voice", []string{RouteCalls},
			func(string, *RecordedRequest) (int, any) {
				return http.StatusOK, CallFixture("confirmed")
			}),
		Directory: newMockService(t, "directory",
			[]string{RouteShelters, RouteTransport, RoutePharmacies, RouteResources},
			func(route string, _ *RecordedRequest) (int, any) {
				switch route {
				case RouteShelters:
					return http.StatusOK, FacilityList(ShelterFixture())
				case RouteTransport:
					return http.StatusOK, FacilityList(TransportFixture())
				case RoutePharmacies:
					return http.StatusOK, FacilityList(PharmacyFixture())
				default:
					return http.StatusOK, FacilityList(ProgramFixture())
				}
			}),
	}
}

// MockService is a configurable HTTP test double for one collaborator
// service. Responses are scripted per route and served in order, repeating
// the last one; every received request is recorded for later assertion.
type MockService struct {
	t      *testing.T
	name   string
	server *httptest.Server
	known  map[string]bool

	mu       sync.RWMutex
	routes   map[string]*routeConfig
	received map[string][]*RecordedRequest
	defaults func(route string, rec *RecordedRequest) (int, any)
}

// RecordedRequest captures one request received by a mock service.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

type routeConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
	fn        func(rec *RecordedRequest) (int, any)
}

// RouteMock is a builder for scripting responses on one route.
type RouteMock struct {
	svc   *MockService
	route string
}

func newMockService(t *testing.T, name string, routes []string, defaults func(string, *RecordedRequest) (int, any)) *MockService {
	t.Helper()

	ms := &MockService{
		t:        t,
		name:     name,
		known:    make(map[string]bool, len(routes)),
		routes:   make(map[string]*routeConfig),
		received: make(map[string][]*RecordedRequest),
		defaults: defaults,
	}

	mux := http.NewServeMux()
	for _, route := range routes {
		ms.known[route] = true
		mux.HandleFunc(route, ms.handle(route))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("mock %s: no route for %s %s", name, r.Method, r.URL.Path),
		})
	})

	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)
	return ms
}

// URL returns the mock service's base URL.
func (ms *MockService) URL() string {
	return ms.server.URL
}

// OnRoute returns a builder for scripting responses on the given route.
func (ms *MockService) OnRoute(route string) *RouteMock {
	if !ms.known[route] {
		ms.t.Fatalf("mock %s: route %q not served by this service", ms.name, route)
	}
	return &RouteMock{svc: ms, route: route}
}

// RespondWith scripts a response with the given status and JSON body.
func (rm *RouteMock) RespondWith(status int, body any) *RouteMock {
	rm.svc.addResponse(rm.route, &mockResponse{status: status, body: body})
	return rm
}

// RespondWithError scripts an error response carrying a plain message body.
func (rm *RouteMock) RespondWithError(status int, message string) *RouteMock {
	rm.svc.addResponse(rm.route, &mockResponse{
		status: status,
		body:   map[string]string{"error": message},
	})
	return rm
}

// RespondWithDelay scripts a response held back to simulate a slow service.
func (rm *RouteMock) RespondWithDelay(delay time.Duration, status int, body any) *RouteMock {
	rm.svc.addResponse(rm.route, &mockResponse{status: status, body: body, delay: delay})
	return rm
}

// RespondWithConnectionError scripts a dropped connection.
func (rm *RouteMock) RespondWithConnectionError() *RouteMock {
	rm.svc.addResponse(rm.route, &mockResponse{connError: true})
	return rm
}

// RespondWithFunc scripts a response computed per request. Needed where
// concurrent workflow steps share one route and a fixed sequence would race,
// such as dispatching voice calls on the script they carry.
func (rm *RouteMock) RespondWithFunc(fn func(rec *RecordedRequest) (int, any)) *RouteMock {
	rm.svc.addResponse(rm.route, &mockResponse{fn: fn})
	return rm
}

func (ms *MockService) addResponse(route string, resp *mockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cfg, ok := ms.routes[route]
	if !ok {
		cfg = &routeConfig{}
		ms.routes[route] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (ms *MockService) handle(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: make(map[string]string),
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[key] = values[0]
			}
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		ms.mu.Lock()
		ms.received[route] = append(ms.received[route], rec)
		ms.mu.Unlock()

		resp := ms.nextResponse(route)

		status := http.StatusOK
		var body any
		switch {
		case resp == nil:
			status, body = ms.defaults(route, rec)
		case resp.connError:
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, _ := hj.Hijack(); conn != nil {
					conn.Close()
				}
			}
			return
		case resp.fn != nil:
			status, body = resp.fn(rec)
		default:
			if resp.delay > 0 {
				time.Sleep(resp.delay)
			}
			status, body = resp.status, resp.body
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	}
}

func (ms *MockService) nextResponse(route string) *mockResponse {
	ms.mu.RLock()
	cfg, ok := ms.routes[route]
	ms.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last scripted response.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// CallCount returns how many requests the route has received.
func (ms *MockService) CallCount(route string) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.received[route])
}

// AssertCalled verifies the route was called the expected number of times.
func (ms *MockService) AssertCalled(t *testing.T, route string, want int) {
	t.Helper()
	if got := ms.CallCount(route); got != want {
		t.Errorf("mock %s: %s called %d times, want %d", ms.name, route, got, want)
	}
}

// AssertNotCalled verifies the route was never called.
func (ms *MockService) AssertNotCalled(t *testing.T, route string) {
	t.Helper()
	ms.AssertCalled(t, route, 0)
}

// LastRequest returns the most recent request on the route, or nil.
func (ms *MockService) LastRequest(route string) *RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.received[route]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns every request recorded on the route, in arrival order.
func (ms *MockService) AllRequests(route string) []*RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.received[route]
	out := make([]*RecordedRequest, len(reqs))
	copy(out, reqs)
	return out
}

// --- Response fixtures ---

// ParseFixture returns a docparse result for a typical discharge packet.
func ParseFixture() map[string]any {
	return map[string]any{
		"text":  "Discharge summary. Patient stable, requires shelter placement and transport on release.",
		"pages": 2,
	}
}

// CallFixture returns a voice call result with the given outcome.
func CallFixture(outcome string) map[string]any {
	return map[string]any{
		"outcome": outcome,
		"transcript": []string{
			"Agent: Calling about a hospital discharge placement.",
			"Staff: Understood, we can help with that.",
		},
		"duration_seconds": 42,
	}
}

// FacilityFixture returns one directory listing. An empty phone models a
// facility that cannot be called.
func FacilityFixture(id, name, phone string) map[string]any {
	fac := map[string]any{"id": id, "name": name}
	if phone != "" {
		fac["phone"] = phone
	}
	return fac
}

// FacilityList wraps facilities in the directory response envelope.
func FacilityList(facilities ...map[string]any) map[string]any {
	if facilities == nil {
		facilities = []map[string]any{}
	}
	return map[string]any{"facilities": facilities}
}

// ShelterFixture returns the default shelter listing.
func ShelterFixture() map[string]any {
	fac := FacilityFixture("shelter-001", "Harbor Light Shelter", "+15105550100")
	fac["address"] = "455 Shore Dr, Oakland"
	return fac
}

// TransportFixture returns the default transport provider listing.
func TransportFixture() map[string]any {
	return FacilityFixture("transport-001", "CareVan Medical Transport", "+15105550177")
}

// PharmacyFixture returns the default pharmacy listing.
func PharmacyFixture() map[string]any {
	fac := FacilityFixture("pharmacy-001", "Bay Apothecary", "+15105550142")
	fac["address"] = "112 Grand Ave, Oakland"
	return fac
}

// ProgramFixture returns the default assistance program listing.
func ProgramFixture() map[string]any {
	fac := FacilityFixture("program-001", "Alameda Meal Assistance", "")
	fac["details"] = map[string]string{"category": "food"}
	return fac
}
