package workflow

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/adoption/model"
)

func transitionSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	prev := otel.GetTracerProvider()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func lastSpan(t *testing.T, exporter *tracetest.InMemoryExporter, name string) map[string]string {
	t.Helper()
	spans := exporter.GetSpans()
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].Name != name {
			continue
		}
		attrs := map[string]string{"status": spans[i].Status.Code.String()}
		for _, kv := range spans[i].Attributes {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		return attrs
	}
	t.Fatalf("no %s span recorded", name)
	return nil
}

func TestEngine_TransitionSpanAttributes(t *testing.T) {
	f := newFixture(t, WithResultCache(newMapCache(), time.Hour))
	f.publishedAnimal("SFP-030")
	appID := f.submit(alice, "SFP-030")
	exporter := transitionSpans(t)

	req := model.TransitionRequest{
		Kind: model.KindApplication, EntityID: appID, Transition: model.TransitionReview, RequestToken: "review-1",
	}
	if _, err := f.engine.RequestTransition(context.Background(), staff, req); err != nil {
		t.Fatalf("RequestTransition error = %v", err)
	}
	attrs := lastSpan(t, exporter, "workflow.transition")
	want := map[string]string{
		"adoption.entity_kind": "application",
		"adoption.entity_id":   appID,
		"adoption.transition":  "review",
		"adoption.actor_role":  "staff",
		"adoption.replayed":    "false",
		"status":               codes.Unset.String(),
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %q, want %q", k, attrs[k], v)
		}
	}

	if _, err := f.engine.RequestTransition(context.Background(), staff, req); err != nil {
		t.Fatalf("replayed RequestTransition error = %v", err)
	}
	if got := lastSpan(t, exporter, "workflow.transition")["adoption.replayed"]; got != "true" {
		t.Errorf("replayed span adoption.replayed = %q, want true", got)
	}
}

func TestEngine_RejectedTransitionSpanIsError(t *testing.T) {
	f := newFixture(t)
	f.publishedAnimal("SFP-031")
	appID := f.submit(alice, "SFP-031")
	exporter := transitionSpans(t)

	_, err := f.do(bob, model.KindApplication, appID, model.TransitionWithdraw, model.Payload{})
	wantCode(t, err, model.ErrForbidden)

	attrs := lastSpan(t, exporter, "workflow.transition")
	if attrs["status"] != codes.Error.String() {
		t.Errorf("status = %q, want Error", attrs["status"])
	}
	if _, ok := attrs["adoption.replayed"]; ok {
		t.Error("failed transition span carries adoption.replayed")
	}
}
