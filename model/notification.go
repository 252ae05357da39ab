package model

import "time"

// NotificationKind names an externally observable workflow event.
type NotificationKind string

// Notification kinds.
const (
	NotifyApplicationReceived  NotificationKind = "application_received"
	NotifyApplicationApproved  NotificationKind = "application_approved"
	NotifyApplicationRejected  NotificationKind = "application_rejected"
	NotifyApplicationWithdrawn NotificationKind = "application_withdrawn"
	NotifyInterviewScheduled   NotificationKind = "interview_scheduled"
	NotifyContractReady        NotificationKind = "contract_ready"
	NotifyContractSubmitted    NotificationKind = "contract_submitted"
	NotifyContractCompleted    NotificationKind = "contract_completed"
	NotifyContractExpired      NotificationKind = "contract_expired"
	NotifyAnimalReserved       NotificationKind = "animal_reserved"
	NotifyAnimalAdopted        NotificationKind = "animal_adopted"
	NotifyAnimalReleased       NotificationKind = "animal_released"
)

// NotificationEvent is emitted after a transition commits.
type NotificationEvent struct {
	ID         string           `json:"id"`
	Kind       NotificationKind `json:"kind"`
	EntityKind EntityKind       `json:"entity_kind"`
	EntityID   string           `json:"entity_id"`
	AnimalCode string           `json:"animal_code,omitempty"`
	ActorID    string           `json:"actor_id,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
