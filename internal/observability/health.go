package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build metadata, set from main via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states reported by /ready.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

const checkTimeout = 2 * time.Second

var errPolicyNotLoaded = errors.New("authorization policy not loaded")

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists the dependencies checked by /ready. The policy and
// the entity store are critical: without them no transition can be
// authorized or committed. The idempotency store and notifier sink only
// degrade the service, since requests still run without replay protection
// and notifications are best-effort.
type ReadinessChecks struct {
	PolicyLoaded func() bool

	EntityStore      HealthChecker
	IdempotencyStore HealthChecker
	NotifierSink     HealthChecker
}

type dependency struct {
	name     string
	checker  HealthChecker
	critical bool
}

func (c ReadinessChecks) dependencies() []dependency {
	policy := CheckFunc(func(context.Context) error {
		if c.PolicyLoaded == nil || !c.PolicyLoaded() {
			return errPolicyNotLoaded
		}
		return nil
	})
	all := []dependency{
		{name: "policy", checker: policy, critical: true},
		{name: "entity_store", checker: c.EntityStore, critical: true},
		{name: "idempotency_store", checker: c.IdempotencyStore},
		{name: "notifier_sink", checker: c.NotifierSink},
	}
	out := all[:0]
	for _, p := range all {
		if p.checker != nil {
			out = append(out, p)
		}
	}
	return out
}

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady checks every configured dependency concurrently. A failed
// critical check answers 503; a failed non-critical check reports degraded
// with 200 so the instance stays in rotation.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps := checks.dependencies()
		results := make(map[string]CheckResult, len(deps))
		var mu sync.Mutex

		var g errgroup.Group
		for _, p := range deps {
			g.Go(func() error {
				res := runCheck(r.Context(), p.checker)
				res.Critical = p.critical
				mu.Lock()
				results[p.name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status, code := StatusReady, http.StatusOK
		for _, res := range results {
			if res.Status == "ok" {
				continue
			}
			if res.Critical {
				status, code = StatusNotReady, http.StatusServiceUnavailable
				break
			}
			status = StatusDegraded
		}
		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
