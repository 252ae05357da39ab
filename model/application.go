package model

// ApplicationStatus is the lifecycle status of an Application.
type ApplicationStatus string

// Application statuses.
const (
	ApplicationSubmitted          ApplicationStatus = "submitted"
	ApplicationUnderReview        ApplicationStatus = "under_review"
	ApplicationInterviewScheduled ApplicationStatus = "interview_scheduled"
	ApplicationApproved           ApplicationStatus = "approved"
	ApplicationRejected           ApplicationStatus = "rejected"
	ApplicationWithdrawn          ApplicationStatus = "withdrawn"
)

// Terminal reports whether no further workflow transition is defined.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationApproved || s == ApplicationRejected || s == ApplicationWithdrawn
}

// Application is a request to adopt one Animal.
type Application struct {
	ID             string            `json:"id"`
	AnimalCode     string            `json:"animal_code"`
	ApplicantID    string            `json:"applicant_id,omitempty"`
	ApplicantName  string            `json:"applicant_name"`
	ApplicantEmail string            `json:"applicant_email"`
	ApplicantPhone string            `json:"applicant_phone,omitempty"`
	Motivation     string            `json:"motivation,omitempty"`
	State          ApplicationStatus `json:"status"`
	// AutoClosed is set when the application was rejected by a cascade
	// rather than by a person.
	AutoClosed   bool   `json:"auto_closed,omitempty"`
	StatusReason string `json:"status_reason,omitempty"`
	Meta
}

func (a *Application) Kind() EntityKind { return KindApplication }
func (a *Application) EntityID() string { return a.ID }
func (a *Application) Status() string   { return string(a.State) }
func (a *Application) sealed()          {}
