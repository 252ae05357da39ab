// Package integration provides a reusable test harness for end-to-end
// integration testing of the adoption server. It starts a full HTTP server
// with the real router, workflow engine, in-memory stores, a notification
// dispatcher, and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitabwire/adoption/internal/authz"
	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/internal/idempotency"
	"github.com/pitabwire/adoption/internal/notify"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/internal/transport"
	"github.com/pitabwire/adoption/internal/workflow"
	"github.com/pitabwire/adoption/model"
)

const contractSecret = "integration-contract-secret-0123456789"

// TestHarness encapsulates a fully wired adoption server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store       *workflow.MemoryEntityStore
	Engine      *workflow.Engine
	Results     *idempotency.MemoryStore
	Dispatcher  *notify.Dispatcher
	Events      *CaptureSink
	Policy      *authz.Policy
	PublicLimit *transport.ClientRateLimiter

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	handlerTimeout time.Duration
	breaker        config.CircuitBreakerConfig
	rateLimit      config.RateLimitConfig
	sinkFailures   bool
	contractWindow time.Duration
}

// WithPolicyFile applies a YAML allow-list override on top of the default
// policy.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCircuitBreaker sets the breaker thresholds of every notification sink.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithPublicRateLimit enables throttling of the unauthenticated routes.
func WithPublicRateLimit(rps float64, burst int) HarnessOption {
	return func(c *harnessConfig) {
		c.rateLimit = config.RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: rps,
			Burst:             burst,
			IdleTTL:           time.Minute,
		}
	}
}

// WithFailingSink makes the capture sink fail every delivery.
func WithFailingSink() HarnessOption {
	return func(c *harnessConfig) {
		c.sinkFailures = true
	}
}

// WithContractWindow sets how long an opened contract stays signable.
func WithContractWindow(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.contractWindow = d
	}
}

// NewTestHarness creates and starts a full test instance. The server and the
// dispatcher are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		contractWindow: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Load the authorization policy.
	h.Policy = authz.DefaultPolicy()
	if hc.policyFile != "" {
		p, err := authz.LoadPolicy(hc.policyFile)
		if err != nil {
			t.Fatalf("load policy file: %v", err)
		}
		h.Policy = p
	}

	// Step 2: Build the notification pipeline.
	h.Events = NewCaptureSink()
	h.Events.SetFailing(hc.sinkFailures)
	notifierCfg := config.NotifierConfig{
		Workers:        1,
		QueueSize:      256,
		DeliverTimeout: time.Second,
		CircuitBreaker: hc.breaker,
	}
	h.Dispatcher = notify.NewDispatcher(notifierCfg, []notify.Sink{h.Events}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Dispatcher.Close(ctx)
	})

	// Step 3: Build the workflow engine on in-memory stores.
	tokens, err := authz.NewContractTokens([]byte(contractSecret), "adoption-integration")
	if err != nil {
		t.Fatalf("contract tokens: %v", err)
	}
	h.Store = workflow.NewMemoryEntityStore()
	h.Results = idempotency.NewMemoryStore()
	engineOpts := []workflow.Option{
		workflow.WithContractTokens(tokens),
		workflow.WithResultCache(h.Results, time.Hour),
		workflow.WithContractWindow(hc.contractWindow),
		workflow.WithAutoOpenContract(true),
	}
	h.Engine = workflow.NewEngine(h.Store, authz.NewGate(h.Policy), h.Dispatcher, engineOpts...)

	// Step 4: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 5: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id",
			"X-Idempotency-Key", "X-Contract-Token"},
		MaxAge: 86400,
	}
	h.cfg.Server.PublicRateLimit = hc.rateLimit
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{signingAlg},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "roles",
		},
	}
	if hc.rateLimit.Enabled {
		h.PublicLimit = transport.NewClientRateLimiter(hc.rateLimit)
	}

	// Step 6: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, nil)

	router := transport.NewRouter(transport.Dependencies{
		Config:               h.cfg,
		Engine:               h.Engine,
		Authenticate:         transport.JWTAuthenticator(h.cfg.Identity, jwks),
		AuthenticateOptional: transport.OptionalJWTAuthenticator(h.cfg.Identity, jwks),
		PublicRate:           h.PublicLimit,
		Readiness: observability.ReadinessChecks{
			PolicyLoaded:     func() bool { return h.Policy != nil },
			EntityStore:      h.Engine,
			IdempotencyStore: h.Results,
			NotifierSink:     h.Dispatcher,
		},
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GET sends an authenticated GET request. An empty token sends an anonymous
// request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Request("GET", path, token, nil, nil)
}

// POST sends an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path, token string, body any) *http.Response {
	h.t.Helper()
	return h.Request("POST", path, token, body, nil)
}

// Request sends an HTTP request with optional body and custom headers.
func (h *TestHarness) Request(method, path, token string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
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

// Transition requests a named transition on an entity.
func (h *TestHarness) Transition(collection, id, token, name string, payload map[string]any) *http.Response {
	h.t.Helper()
	body := map[string]any{"transition": name}
	if payload != nil {
		body["payload"] = payload
	}
	return h.POST("/"+collection+"/"+id+"/transitions", token, body)
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

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
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

// AssertResult checks the status and decodes a transition result.
func (h *TestHarness) AssertResult(t *testing.T, resp *http.Response, expected int) model.TransitionResult {
	t.Helper()
	var res model.TransitionResult
	h.AssertJSON(t, resp, expected, &res)
	return res
}

// AssertError checks the status and the error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Fixtures ---

// RegisterAnimal registers an animal as staff and moves it to status.
func (h *TestHarness) RegisterAnimal(t *testing.T, code string, status model.AnimalStatus) {
	t.Helper()
	resp := h.POST("/animals", h.GenerateToken(StaffClaims()), map[string]any{
		"code":                 code,
		"name":                 "Biscuit",
		"species":              "dog",
		"breed":                "beagle",
		"assigned_interviewer": InterviewerClaims().SubjectID,
		"status":               status,
	})
	h.AssertResult(t, resp, http.StatusCreated)
}

// Apply submits an application for the animal as the given applicant and
// returns its id.
func (h *TestHarness) Apply(t *testing.T, code string, applicant TestClaims) string {
	t.Helper()
	resp := h.POST("/applications", h.GenerateToken(applicant), map[string]any{
		"animal_code":     code,
		"applicant_name":  "Applicant " + applicant.SubjectID,
		"applicant_email": applicant.Email,
		"motivation":      "Big garden, lots of walks.",
	})
	return h.AssertResult(t, resp, http.StatusCreated).EntityID
}

// Animal fetches the animal anonymously.
func (h *TestHarness) Animal(t *testing.T, code string) model.Animal {
	t.Helper()
	var a model.Animal
	h.AssertJSON(t, h.GET("/animals/"+code, ""), http.StatusOK, &a)
	return a
}

// Application fetches the application as staff.
func (h *TestHarness) Application(t *testing.T, id string) model.Application {
	t.Helper()
	var a model.Application
	h.AssertJSON(t, h.GET("/applications/"+id, h.GenerateToken(StaffClaims())), http.StatusOK, &a)
	return a
}

// --- Default test claims ---

// StaffClaims returns TestClaims for a shelter staff member.
func StaffClaims() TestClaims {
	return TestClaims{
		SubjectID: "staff-1",
		Email:     "staff@shelter.example.com",
		Roles:     []string{"staff"},
	}
}

// InterviewerClaims returns TestClaims for the volunteer interviewer
// assigned to the fixture animals.
func InterviewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "vol-1",
		Email:     "vol-1@shelter.example.com",
		Roles:     []string{"interviewer"},
	}
}

// ApplicantClaims returns TestClaims for an adopter.
func ApplicantClaims(subject string) TestClaims {
	return TestClaims{
		SubjectID: subject,
		Email:     subject + "@example.com",
		Roles:     []string{"applicant"},
	}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "admin-1",
		Email:     "admin@shelter.example.com",
		Roles:     []string{"admin"},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
