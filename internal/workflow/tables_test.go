package workflow

import (
	"testing"
	"time"

	"github.com/pitabwire/adoption/model"
)

func TestLegal(t *testing.T) {
	tests := []struct {
		kind     model.EntityKind
		from, to string
		want     bool
	}{
		{model.KindAnimal, "draft", "fostering", true},
		{model.KindAnimal, "published", "reserved", true},
		{model.KindAnimal, "interviewing", "reserved", true},
		{model.KindAnimal, "reserved", "adopted", true},
		{model.KindAnimal, "reserved", "published", true},
		{model.KindAnimal, "adopted", "published", false},
		{model.KindAnimal, "archived", "draft", false},
		{model.KindAnimal, "draft", "adopted", false},
		{model.KindApplication, "submitted", "under_review", true},
		{model.KindApplication, "interview_scheduled", "approved", true},
		{model.KindApplication, "submitted", "approved", false},
		{model.KindApplication, "approved", "rejected", false},
		{model.KindApplication, "interview_scheduled", "withdrawn", false},
		{model.KindApplication, "rejected", "under_review", false},
		{model.KindInterview, "pending", "pending", true},
		{model.KindInterview, "pending", "approved", true},
		{model.KindInterview, "approved", "rejected", false},
		{model.KindContract, "pending_signature", "submitted", true},
		{model.KindContract, "pending_signature", "completed", false},
		{model.KindContract, "submitted", "expired", true},
		{model.KindContract, "completed", "expired", false},
		{model.KindContract, "expired", "submitted", false},
	}
	for _, tt := range tests {
		if got := Legal(tt.kind, tt.from, tt.to); got != tt.want {
			t.Errorf("Legal(%s, %s -> %s) = %v, want %v", tt.kind, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestLegalCascade_lapsedApprovalOnly(t *testing.T) {
	tests := []struct {
		kind     model.EntityKind
		from, to string
		want     bool
	}{
		{model.KindApplication, "approved", "rejected", true},
		{model.KindApplication, "interview_scheduled", "rejected", true},
		{model.KindApplication, "approved", "withdrawn", false},
		{model.KindApplication, "rejected", "approved", false},
		{model.KindAnimal, "adopted", "published", false},
	}
	for _, tt := range tests {
		if got := legalCascade(tt.kind, tt.from, tt.to); got != tt.want {
			t.Errorf("legalCascade(%s, %s -> %s) = %v, want %v", tt.kind, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTarget_everyDeclaredTransitionResolves(t *testing.T) {
	for _, kind := range []model.EntityKind{model.KindAnimal, model.KindApplication, model.KindInterview, model.KindContract} {
		for _, name := range model.TransitionsFor(kind) {
			if name == model.TransitionOverride {
				continue
			}
			if _, err := Target(model.Transition{Kind: kind, Name: name}, model.Payload{}); err != nil {
				t.Errorf("Target(%s.%s) error: %v", kind, name, err)
			}
		}
	}
}

func TestTarget_override(t *testing.T) {
	tr := model.Transition{Kind: model.KindAnimal, Name: model.TransitionOverride}

	to, err := Target(tr, model.Payload{OverrideStatus: "archived"})
	if err != nil {
		t.Fatalf("Target error: %v", err)
	}
	if to != "archived" {
		t.Errorf("target = %q, want archived", to)
	}

	_, err = Target(tr, model.Payload{OverrideStatus: "on_holiday"})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
	env, _ := model.AsEnvelope(err)
	if len(env.Details) != 1 || env.Details[0].Field != "override_status" {
		t.Errorf("details = %+v, want override_status", env.Details)
	}
}

func TestTarget_undefined(t *testing.T) {
	_, err := Target(model.Transition{Kind: model.KindContract, Name: model.TransitionApprove}, model.Payload{})
	if !model.IsCode(err, model.ErrInvalidTransition) {
		t.Fatalf("error = %v, want INVALID_TRANSITION", err)
	}
}

func TestCheckRequired(t *testing.T) {
	when := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		entity     model.Entity
		transition model.TransitionName
		wantFields []string
	}{
		{
			name:       "approved interview needs scheduled_at",
			entity:     &model.Interview{FinalDecision: model.DecisionApproved},
			transition: model.TransitionApprove,
			wantFields: []string{"scheduled_at"},
		},
		{
			name:       "approved interview with schedule",
			entity:     &model.Interview{FinalDecision: model.DecisionApproved, ScheduledAt: &when},
			transition: model.TransitionApprove,
		},
		{
			name:       "rejected interview needs nothing",
			entity:     &model.Interview{FinalDecision: model.DecisionRejected},
			transition: model.TransitionReject,
		},
		{
			name:       "schedule needs scheduled_at even while pending",
			entity:     &model.Interview{FinalDecision: model.DecisionPending},
			transition: model.TransitionSchedule,
			wantFields: []string{"scheduled_at"},
		},
		{
			name:       "submitted contract needs signature and proof",
			entity:     &model.Contract{State: model.ContractSubmitted},
			transition: model.TransitionSubmit,
			wantFields: []string{"signature", "payment_proof"},
		},
		{
			name:       "completed contract keeps the same contract",
			entity:     &model.Contract{State: model.ContractCompleted, Signature: "Alice"},
			transition: model.TransitionComplete,
			wantFields: []string{"payment_proof"},
		},
		{
			name:       "expired contract needs nothing",
			entity:     &model.Contract{State: model.ContractExpired},
			transition: model.TransitionExpire,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRequired(tt.entity, tt.transition)
			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("checkRequired error: %v", err)
				}
				return
			}
			env, ok := model.AsEnvelope(err)
			if !ok || env.Code != model.ErrValidationError {
				t.Fatalf("error = %v, want VALIDATION_ERROR", err)
			}
			if len(env.Details) != len(tt.wantFields) {
				t.Fatalf("details = %+v, want %v", env.Details, tt.wantFields)
			}
			for i, f := range tt.wantFields {
				if env.Details[i].Field != f {
					t.Errorf("details[%d].Field = %q, want %q", i, env.Details[i].Field, f)
				}
			}
		})
	}
}

func TestApply_ignoresFieldsTheTransitionDoesNotOwn(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	c := &model.Contract{State: model.ContractCompleted}
	apply(c, model.TransitionComplete, model.Payload{Signature: "forged", PaymentProof: "forged"}, now)
	if c.Signature != "" || c.PaymentProof != "" {
		t.Errorf("complete wrote submit fields: %+v", c)
	}
	if c.CompletedAt == nil || !c.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", c.CompletedAt, now)
	}

	app := &model.Application{State: model.ApplicationApproved}
	apply(app, model.TransitionApprove, model.Payload{Reason: "ignored"}, now)
	if app.StatusReason != "" {
		t.Errorf("StatusReason = %q, want empty", app.StatusReason)
	}
}
