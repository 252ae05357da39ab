package model

// AnimalStatus is the lifecycle status of an Animal.
type AnimalStatus string

// Animal statuses.
const (
	AnimalDraft            AnimalStatus = "draft"
	AnimalFostering        AnimalStatus = "fostering"
	AnimalReadyForAdoption AnimalStatus = "ready_for_adoption"
	AnimalPublished        AnimalStatus = "published"
	AnimalInterviewing     AnimalStatus = "interviewing"
	AnimalReserved         AnimalStatus = "reserved"
	AnimalAdopted          AnimalStatus = "adopted"
	AnimalArchived         AnimalStatus = "archived"
)

// Animal is an adoptable animal identified by a human-readable code such as
// SFP-001. Descriptive fields are never changed by the workflow.
type Animal struct {
	Code                string       `json:"code"`
	Name                string       `json:"name"`
	Species             string       `json:"species"`
	Breed               string       `json:"breed,omitempty"`
	Description         string       `json:"description,omitempty"`
	State               AnimalStatus `json:"status"`
	AssignedInterviewer string       `json:"assigned_interviewer,omitempty"`
	// ReservedFor is the Application holding the reservation, if any.
	ReservedFor string `json:"reserved_for,omitempty"`
	Meta
}

func (a *Animal) Kind() EntityKind { return KindAnimal }
func (a *Animal) EntityID() string { return a.Code }
func (a *Animal) Status() string   { return string(a.State) }
func (a *Animal) sealed()          {}

// Approvable reports whether an Application for this animal may be approved.
func (a *Animal) Approvable() bool {
	return a.State == AnimalPublished || a.State == AnimalInterviewing
}
