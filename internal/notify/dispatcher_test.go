package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/adoption/internal/config"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/model"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []model.NotificationEvent
	err  error
	gate chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, ev model.NotificationEvent) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.err
}

func (s *recordingSink) events() []model.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NotificationEvent(nil), s.got...)
}

func testConfig() config.NotifierConfig {
	return config.NotifierConfig{
		Workers:        2,
		QueueSize:      16,
		DeliverTimeout: time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
		},
	}
}

func event(id string) model.NotificationEvent {
	return model.NotificationEvent{
		ID:         id,
		Kind:       model.NotifyContractReady,
		EntityKind: model.KindContract,
		EntityID:   "c-1",
		AnimalCode: "SFP-001",
		OccurredAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestDispatcher_deliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	m := observability.InitMetrics(prometheus.NewRegistry())
	d := NewDispatcher(testConfig(), []Sink{a, b}, zap.NewNop(), m)

	d.Emit(event("ev-1"))
	d.Emit(event("ev-2"))
	closeDispatcher(t, d)

	if len(a.events()) != 2 || len(b.events()) != 2 {
		t.Fatalf("delivered a=%d b=%d, want 2 each", len(a.events()), len(b.events()))
	}
	got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("a", "contract_ready", "delivered"))
	if got != 2 {
		t.Errorf("delivered metric = %v, want 2", got)
	}
}

func TestDispatcher_emitNeverBlocksWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	slow := &recordingSink{name: "slow", gate: gate}
	core, logs := observer.New(zap.ErrorLevel)
	m := observability.InitMetrics(prometheus.NewRegistry())
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, []Sink{slow}, zap.New(core), m)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Emit(event("ev"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	close(gate)
	closeDispatcher(t, d)

	dropped := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("slow", "contract_ready", "dropped"))
	if dropped < 8 {
		t.Errorf("dropped = %v, want at least 8", dropped)
	}
	if logs.FilterMessage("notification dropped").Len() == 0 {
		t.Error("drop was not logged at error")
	}
}

func TestDispatcher_failingSinkTripsBreaker(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("broker down")}
	good := &recordingSink{name: "good"}
	core, logs := observer.New(zap.WarnLevel)
	m := observability.InitMetrics(prometheus.NewRegistry())
	cfg := testConfig()
	cfg.Workers = 1
	d := NewDispatcher(cfg, []Sink{bad, good}, zap.New(core), m)

	for i := 0; i < 4; i++ {
		d.Emit(event("ev"))
	}
	closeDispatcher(t, d)

	if n := len(bad.events()); n != 2 {
		t.Errorf("bad sink attempts = %d, want 2 before the breaker opened", n)
	}
	if n := len(good.events()); n != 4 {
		t.Errorf("good sink deliveries = %d, want 4", n)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("bad", "contract_ready", "rejected")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.NotifierCircuitBreaker.WithLabelValues("bad")); got != 2 {
		t.Errorf("breaker gauge = %v, want 2 (open)", got)
	}
	if logs.FilterMessage("notification delivery failed").Len() != 2 {
		t.Errorf("failure logs = %d, want 2", logs.FilterMessage("notification delivery failed").Len())
	}
	if err := d.HealthCheck(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("HealthCheck = %v, want ErrCircuitOpen", err)
	}
}

func TestDispatcher_emitAfterCloseDrops(t *testing.T) {
	s := &recordingSink{name: "s"}
	d := NewDispatcher(testConfig(), []Sink{s}, nil, nil)
	closeDispatcher(t, d)

	d.Emit(event("late"))
	if len(s.events()) != 0 {
		t.Error("event delivered after Close")
	}
	if err := d.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck = %v, want nil", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_keysByAnimal(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSinkWithWriter(w)

	if err := s.Deliver(context.Background(), event("ev-1")); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "SFP-001" {
		t.Errorf("Key = %q, want SFP-001", msg.Key)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != "contract_ready" {
		t.Errorf("Headers = %+v", msg.Headers)
	}
}

func TestKafkaSink_carriesTraceContext(t *testing.T) {
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	ctx, span := observability.StartSpan(context.Background(), "notify.deliver")
	defer span.End()

	w := &fakeWriter{}
	if err := NewKafkaSinkWithWriter(w).Deliver(ctx, event("ev-1")); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	headers := headerCarrier(w.msgs[0].Headers)
	tp0 := headers.Get("traceparent")
	if !strings.Contains(tp0, span.SpanContext().TraceID().String()) {
		t.Errorf("traceparent = %q, want trace %s", tp0, span.SpanContext().TraceID())
	}
	if got := headers.Get("event_id"); got != "ev-1" {
		t.Errorf("event_id header = %q, want ev-1", got)
	}
}

func TestHeaderCarrier_setReplacesExisting(t *testing.T) {
	c := headerCarrier{{Key: "kind", Value: []byte("a")}}
	c.Set("kind", "b")
	c.Set("traceparent", "00-x")
	if len(c) != 2 || c.Get("kind") != "b" {
		t.Errorf("headers = %+v", c)
	}
	if keys := c.Keys(); len(keys) != 2 || keys[1] != "traceparent" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestKafkaSink_writeError(t *testing.T) {
	boom := errors.New("leader not available")
	s := NewKafkaSinkWithWriter(&fakeWriter{err: boom})

	err := s.Deliver(context.Background(), event("ev-1"))
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped write error", err)
	}
}

func TestLogSink_logsEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSink(zap.New(core))

	if err := s.Deliver(context.Background(), event("ev-1")); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	entries := logs.FilterMessage("notification").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].ContextMap()["kind"] != "contract_ready" {
		t.Errorf("kind = %v", entries[0].ContextMap()["kind"])
	}
}
