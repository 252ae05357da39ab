package model

import "time"

// Decision is the final decision of an Interview, which doubles as its status.
type Decision string

// Interview decisions. Pending is the initial, scheduled state.
const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Terminal reports whether the decision is final.
func (d Decision) Terminal() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Interview is one interview attempt for an Application.
type Interview struct {
	ID            string     `json:"id"`
	ApplicationID string     `json:"application_id"`
	InterviewerID string     `json:"interviewer_id,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	Result        string     `json:"result,omitempty"`
	FinalDecision Decision   `json:"final_decision"`
	Meta
}

func (i *Interview) Kind() EntityKind { return KindInterview }
func (i *Interview) EntityID() string { return i.ID }
func (i *Interview) Status() string   { return string(i.FinalDecision) }
func (i *Interview) sealed()          {}
