package workflow

import (
	"time"

	"github.com/pitabwire/adoption/model"
)

// apply writes the payload fields owned by transition t onto e. Fields that
// t does not own are ignored, whatever the caller sent.
func apply(e model.Entity, t model.TransitionName, p model.Payload, now time.Time) {
	switch v := e.(type) {
	case *model.Animal:
		if v.State != model.AnimalReserved && v.State != model.AnimalAdopted {
			v.ReservedFor = ""
		}
	case *model.Application:
		switch t {
		case model.TransitionReject, model.TransitionWithdraw:
			v.StatusReason = p.Reason
		}
	case *model.Interview:
		switch t {
		case model.TransitionSchedule:
			v.ScheduledAt = p.ScheduledAt
			if p.InterviewerID != "" {
				v.InterviewerID = p.InterviewerID
			}
		case model.TransitionApprove, model.TransitionReject:
			v.Result = p.Result
		}
	case *model.Contract:
		switch t {
		case model.TransitionSubmit:
			v.Signature = p.Signature
			v.PaymentProof = p.PaymentProof
			v.SubmittedAt = &now
		case model.TransitionComplete:
			v.CompletedAt = &now
		}
	}
}

// requirement is a field that must be set on an entity once it reaches a
// given status.
type requirement struct {
	field string
	set   func(model.Entity) bool
}

type stateKey struct {
	kind   model.EntityKind
	status string
}

// requiredFields is the per-target-state contract checked after the payload
// is applied and before anything is written.
var requiredFields = map[stateKey][]requirement{
	{model.KindInterview, string(model.DecisionApproved)}: {
		{"scheduled_at", func(e model.Entity) bool { return e.(*model.Interview).ScheduledAt != nil }},
	},
	{model.KindContract, string(model.ContractSubmitted)}: {
		{"signature", func(e model.Entity) bool { return e.(*model.Contract).Signature != "" }},
		{"payment_proof", func(e model.Entity) bool { return e.(*model.Contract).PaymentProof != "" }},
	},
	{model.KindContract, string(model.ContractCompleted)}: {
		{"signature", func(e model.Entity) bool { return e.(*model.Contract).Signature != "" }},
		{"payment_proof", func(e model.Entity) bool { return e.(*model.Contract).PaymentProof != "" }},
	},
}

// transitionFields are required inputs of a specific transition, independent
// of the target state.
var transitionFields = map[model.Transition][]requirement{
	{Kind: model.KindInterview, Name: model.TransitionSchedule}: {
		{"scheduled_at", func(e model.Entity) bool { return e.(*model.Interview).ScheduledAt != nil }},
	},
}

// checkRequired validates e against the required-field contract of its new
// status and of the transition that produced it.
func checkRequired(e model.Entity, t model.TransitionName) error {
	reqs := requiredFields[stateKey{kind: e.Kind(), status: e.Status()}]
	reqs = append(reqs[:len(reqs):len(reqs)], transitionFields[model.Transition{Kind: e.Kind(), Name: t}]...)

	var details []model.FieldError
	seen := map[string]bool{}
	for _, r := range reqs {
		if seen[r.field] || r.set(e) {
			continue
		}
		seen[r.field] = true
		details = append(details, model.FieldError{
			Field:   r.field,
			Code:    "required",
			Message: r.field + " is required for " + e.Status() + " " + string(e.Kind()),
		})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// setStatus writes a raw status value onto e.
func setStatus(e model.Entity, status string) {
	switch v := e.(type) {
	case *model.Animal:
		v.State = model.AnimalStatus(status)
	case *model.Application:
		v.State = model.ApplicationStatus(status)
	case *model.Interview:
		v.FinalDecision = model.Decision(status)
	case *model.Contract:
		v.State = model.ContractStatus(status)
	}
}
