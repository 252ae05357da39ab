package model

import (
	"fmt"
	"time"
)

// TransitionName names a requested state change. Names are only meaningful
// together with an entity kind; see Transition.
type TransitionName string

// Animal transitions.
const (
	TransitionBeginFostering    TransitionName = "begin_fostering"
	TransitionMarkReady         TransitionName = "mark_ready"
	TransitionPublish           TransitionName = "publish"
	TransitionStartInterviewing TransitionName = "start_interviewing"
	TransitionReopen            TransitionName = "reopen"
	TransitionReserve           TransitionName = "reserve"
	TransitionRelease           TransitionName = "release"
	TransitionAdopt             TransitionName = "adopt"
	TransitionArchive           TransitionName = "archive"
	// TransitionOverride forces any status and bypasses the edge table.
	TransitionOverride TransitionName = "override"
)

// Application, Interview and Contract transitions.
const (
	TransitionCreate            TransitionName = "create"
	TransitionReview            TransitionName = "review"
	TransitionScheduleInterview TransitionName = "schedule_interview"
	TransitionApprove           TransitionName = "approve"
	TransitionReject            TransitionName = "reject"
	TransitionWithdraw          TransitionName = "withdraw"
	TransitionSchedule          TransitionName = "schedule"
	TransitionSubmit            TransitionName = "submit"
	TransitionComplete          TransitionName = "complete"
	TransitionExpire            TransitionName = "expire"
)

// Transition is the closed tagged variant of requested transitions: a name is
// only valid for the kinds that declare it.
type Transition struct {
	Kind EntityKind     `json:"kind"`
	Name TransitionName `json:"name"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.Name)
}

var transitionsByKind = map[EntityKind][]TransitionName{
	KindAnimal: {
		TransitionCreate, TransitionBeginFostering, TransitionMarkReady, TransitionPublish,
		TransitionStartInterviewing, TransitionReopen, TransitionReserve, TransitionRelease,
		TransitionAdopt, TransitionArchive, TransitionOverride,
	},
	KindApplication: {
		TransitionCreate, TransitionReview, TransitionScheduleInterview,
		TransitionApprove, TransitionReject, TransitionWithdraw,
	},
	KindInterview: {
		TransitionCreate, TransitionSchedule, TransitionApprove, TransitionReject,
	},
	KindContract: {
		TransitionCreate, TransitionSubmit, TransitionComplete, TransitionExpire,
	},
}

// ParseTransition validates name against the variants declared for kind.
func ParseTransition(kind EntityKind, name string) (Transition, bool) {
	for _, n := range transitionsByKind[kind] {
		if string(n) == name {
			return Transition{Kind: kind, Name: n}, true
		}
	}
	return Transition{}, false
}

// TransitionsFor returns the transition names declared for kind.
func TransitionsFor(kind EntityKind) []TransitionName {
	names := transitionsByKind[kind]
	out := make([]TransitionName, len(names))
	copy(out, names)
	return out
}

// Payload carries the fields a transition may write. Which fields are
// required depends on the target state, never on which fields happen to be set.
type Payload struct {
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	InterviewerID  string     `json:"interviewer_id,omitempty"`
	Result         string     `json:"result,omitempty"`
	Signature      string     `json:"signature,omitempty"`
	PaymentProof   string     `json:"payment_proof,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	OverrideStatus string     `json:"override_status,omitempty"`
	ContractToken  string     `json:"contract_token,omitempty"`
}

// TransitionRequest is the input to the workflow engine.
type TransitionRequest struct {
	Kind       EntityKind     `json:"kind"`
	EntityID   string         `json:"entity_id"`
	Transition TransitionName `json:"transition"`
	Payload    Payload        `json:"payload"`
	// RequestToken makes the request safe to retry. Optional.
	RequestToken string `json:"request_token,omitempty"`
}

// TransitionResult reports the new state of the target entity and every
// change applied by cascades.
type TransitionResult struct {
	Kind     EntityKind `json:"kind"`
	EntityID string     `json:"entity_id"`
	From     string     `json:"from"`
	NewState string     `json:"new_state"`
	Cascaded []Change   `json:"cascaded"`
	// Created lists entities opened by the transition, such as the contract
	// created when an application is approved.
	Created []Ref `json:"created,omitempty"`
	// Replayed is set when the result was served from the idempotency store.
	Replayed bool `json:"replayed,omitempty"`
}
