package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/adoption/model"
)

// EntityStore persists animals, applications, interviews and contracts.
// Reads outside Atomically see committed state only.
type EntityStore interface {
	// Load retrieves a single entity. Returns NOT_FOUND if it does not exist.
	Load(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error)

	// ResolveAnimal returns the code of the Animal an entity belongs to.
	// The relation never changes after creation, so the answer can be used
	// to pick the lock before the unit of work starts.
	ResolveAnimal(ctx context.Context, kind model.EntityKind, id string) (string, error)

	// ListApplications returns every application for an animal, oldest first.
	ListApplications(ctx context.Context, animalCode string) ([]*model.Application, error)

	// FindExpiredContracts returns active contracts whose window closed
	// before cutoff.
	FindExpiredContracts(ctx context.Context, cutoff time.Time) ([]*model.Contract, error)

	// Atomically runs fn as one unit of work holding the Animal's lock.
	// Everything fn saves is committed together when fn returns nil and
	// discarded otherwise. Units of work on different animals do not block
	// each other.
	Atomically(ctx context.Context, animalCode string, fn func(ctx context.Context, tx Tx) error) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Tx is the view of the store inside a unit of work. Reads observe the
// unit's own staged writes.
type Tx interface {
	Load(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error)

	// FindSiblings returns all applications for the animal, oldest first.
	FindSiblings(ctx context.Context, animalCode string) ([]*model.Application, error)

	// FindInterviews returns all interviews for an application.
	FindInterviews(ctx context.Context, applicationID string) ([]*model.Interview, error)

	// FindContracts returns all contracts for the animal.
	FindContracts(ctx context.Context, animalCode string) ([]*model.Contract, error)

	// Save stages a heterogeneous batch. New entities carry version zero.
	// Updates are checked against the version they were loaded with.
	Save(ctx context.Context, entities ...model.Entity) error
}
