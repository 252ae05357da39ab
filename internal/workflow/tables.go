package workflow

import (
	"fmt"

	"github.com/pitabwire/adoption/model"
)

// edge is one legal status change for an entity kind.
type edge struct {
	kind     model.EntityKind
	from, to string
}

func edgesFrom(kind model.EntityKind, to string, from ...string) []edge {
	out := make([]edge, len(from))
	for i, f := range from {
		out[i] = edge{kind: kind, from: f, to: to}
	}
	return out
}

// legalEdges is the transition table for all four entity kinds, keyed by
// (kind, from, to). It is built once and never mutated.
var legalEdges = func() map[edge]bool {
	var all []edge
	animal := func(to model.AnimalStatus, from ...model.AnimalStatus) {
		ss := make([]string, len(from))
		for i, f := range from {
			ss[i] = string(f)
		}
		all = append(all, edgesFrom(model.KindAnimal, string(to), ss...)...)
	}
	animal(model.AnimalFostering, model.AnimalDraft)
	animal(model.AnimalReadyForAdoption, model.AnimalDraft, model.AnimalFostering)
	animal(model.AnimalPublished, model.AnimalReadyForAdoption, model.AnimalInterviewing, model.AnimalReserved)
	animal(model.AnimalInterviewing, model.AnimalPublished)
	animal(model.AnimalReserved, model.AnimalPublished, model.AnimalInterviewing)
	animal(model.AnimalAdopted, model.AnimalReserved)
	animal(model.AnimalArchived,
		model.AnimalDraft, model.AnimalFostering, model.AnimalReadyForAdoption, model.AnimalPublished,
		model.AnimalInterviewing, model.AnimalReserved, model.AnimalAdopted)

	app := func(to model.ApplicationStatus, from ...model.ApplicationStatus) {
		ss := make([]string, len(from))
		for i, f := range from {
			ss[i] = string(f)
		}
		all = append(all, edgesFrom(model.KindApplication, string(to), ss...)...)
	}
	app(model.ApplicationUnderReview, model.ApplicationSubmitted)
	app(model.ApplicationInterviewScheduled, model.ApplicationUnderReview)
	app(model.ApplicationApproved, model.ApplicationInterviewScheduled)
	// Every open application may be rejected, so sibling auto-close is
	// always legal.
	app(model.ApplicationRejected, model.ApplicationSubmitted, model.ApplicationUnderReview, model.ApplicationInterviewScheduled)
	app(model.ApplicationWithdrawn, model.ApplicationSubmitted, model.ApplicationUnderReview)

	pending := string(model.DecisionPending)
	all = append(all,
		edge{model.KindInterview, pending, pending},
		edge{model.KindInterview, pending, string(model.DecisionApproved)},
		edge{model.KindInterview, pending, string(model.DecisionRejected)},
	)

	contract := func(to model.ContractStatus, from ...model.ContractStatus) {
		ss := make([]string, len(from))
		for i, f := range from {
			ss[i] = string(f)
		}
		all = append(all, edgesFrom(model.KindContract, string(to), ss...)...)
	}
	contract(model.ContractSubmitted, model.ContractPendingSignature)
	contract(model.ContractCompleted, model.ContractSubmitted)
	contract(model.ContractExpired, model.ContractPendingSignature, model.ContractSubmitted)

	m := make(map[edge]bool, len(all))
	for _, e := range all {
		m[e] = true
	}
	return m
}()

// cascadeEdges are only taken by the engine on a related entity, never on
// request. An approved application whose contract lapsed is rejected.
var cascadeEdges = map[edge]bool{
	{model.KindApplication, string(model.ApplicationApproved), string(model.ApplicationRejected)}: true,
}

// Legal reports whether kind may move from one status to another.
func Legal(kind model.EntityKind, from, to string) bool {
	return legalEdges[edge{kind: kind, from: from, to: to}]
}

// legalCascade is Legal plus the cascade-only edges.
func legalCascade(kind model.EntityKind, from, to string) bool {
	return Legal(kind, from, to) || cascadeEdges[edge{kind: kind, from: from, to: to}]
}

// targets maps a transition to the status it moves the entity to. Override
// is absent: its target comes from the payload.
var targets = map[model.Transition]string{
	{Kind: model.KindAnimal, Name: model.TransitionCreate}:            string(model.AnimalDraft),
	{Kind: model.KindAnimal, Name: model.TransitionBeginFostering}:    string(model.AnimalFostering),
	{Kind: model.KindAnimal, Name: model.TransitionMarkReady}:         string(model.AnimalReadyForAdoption),
	{Kind: model.KindAnimal, Name: model.TransitionPublish}:           string(model.AnimalPublished),
	{Kind: model.KindAnimal, Name: model.TransitionStartInterviewing}: string(model.AnimalInterviewing),
	{Kind: model.KindAnimal, Name: model.TransitionReopen}:            string(model.AnimalPublished),
	{Kind: model.KindAnimal, Name: model.TransitionReserve}:           string(model.AnimalReserved),
	{Kind: model.KindAnimal, Name: model.TransitionRelease}:           string(model.AnimalPublished),
	{Kind: model.KindAnimal, Name: model.TransitionAdopt}:             string(model.AnimalAdopted),
	{Kind: model.KindAnimal, Name: model.TransitionArchive}:           string(model.AnimalArchived),

	{Kind: model.KindApplication, Name: model.TransitionCreate}:            string(model.ApplicationSubmitted),
	{Kind: model.KindApplication, Name: model.TransitionReview}:            string(model.ApplicationUnderReview),
	{Kind: model.KindApplication, Name: model.TransitionScheduleInterview}: string(model.ApplicationInterviewScheduled),
	{Kind: model.KindApplication, Name: model.TransitionApprove}:           string(model.ApplicationApproved),
	{Kind: model.KindApplication, Name: model.TransitionReject}:            string(model.ApplicationRejected),
	{Kind: model.KindApplication, Name: model.TransitionWithdraw}:          string(model.ApplicationWithdrawn),

	{Kind: model.KindInterview, Name: model.TransitionCreate}:   string(model.DecisionPending),
	{Kind: model.KindInterview, Name: model.TransitionSchedule}: string(model.DecisionPending),
	{Kind: model.KindInterview, Name: model.TransitionApprove}:  string(model.DecisionApproved),
	{Kind: model.KindInterview, Name: model.TransitionReject}:   string(model.DecisionRejected),

	{Kind: model.KindContract, Name: model.TransitionCreate}:   string(model.ContractPendingSignature),
	{Kind: model.KindContract, Name: model.TransitionSubmit}:   string(model.ContractSubmitted),
	{Kind: model.KindContract, Name: model.TransitionComplete}: string(model.ContractCompleted),
	{Kind: model.KindContract, Name: model.TransitionExpire}:   string(model.ContractExpired),
}

// Target resolves the status a transition moves to.
func Target(t model.Transition, p model.Payload) (string, error) {
	if t.Kind == model.KindAnimal && t.Name == model.TransitionOverride {
		if !validAnimalStatus(model.AnimalStatus(p.OverrideStatus)) {
			return "", model.NewValidationError([]model.FieldError{{
				Field:   "override_status",
				Code:    "invalid",
				Message: fmt.Sprintf("%q is not an animal status", p.OverrideStatus),
			}})
		}
		return p.OverrideStatus, nil
	}
	to, ok := targets[t]
	if !ok {
		return "", model.NewInvalidTransitionError(fmt.Sprintf("transition %s is not defined", t))
	}
	return to, nil
}

func validAnimalStatus(s model.AnimalStatus) bool {
	switch s {
	case model.AnimalDraft, model.AnimalFostering, model.AnimalReadyForAdoption, model.AnimalPublished,
		model.AnimalInterviewing, model.AnimalReserved, model.AnimalAdopted, model.AnimalArchived:
		return true
	}
	return false
}
