package model

import "time"

// EntityKind names one of the four workflow entity types.
type EntityKind string

// Entity kinds.
const (
	KindAnimal      EntityKind = "animal"
	KindApplication EntityKind = "application"
	KindInterview   EntityKind = "interview"
	KindContract    EntityKind = "contract"
)

// Valid reports whether k is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindAnimal, KindApplication, KindInterview, KindContract:
		return true
	}
	return false
}

// ParseEntityKind accepts both singular and plural forms, as used in URLs.
func ParseEntityKind(s string) (EntityKind, bool) {
	switch s {
	case "animal", "animals":
		return KindAnimal, true
	case "application", "applications":
		return KindApplication, true
	case "interview", "interviews":
		return KindInterview, true
	case "contract", "contracts":
		return KindContract, true
	}
	return "", false
}

// Entity is the closed set of workflow entities. Entities refer to each other
// only through forward identifiers; relationships are resolved through the
// entity store on every transition.
type Entity interface {
	Kind() EntityKind
	EntityID() string
	Status() string
	// StoredVersion is the version read from the store, zero for new entities.
	StoredVersion() int
	// Touch stamps the entity with the write time.
	Touch(now time.Time)

	sealed()
}

// Ref identifies an entity without loading it.
type Ref struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Change records a single status change applied as part of a transition.
type Change struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
	From string     `json:"from"`
	To   string     `json:"to"`
}

// Meta holds the bookkeeping fields shared by every entity.
type Meta struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredVersion implements Entity.
func (m *Meta) StoredVersion() int { return m.Version }

// Touch implements Entity.
func (m *Meta) Touch(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}
