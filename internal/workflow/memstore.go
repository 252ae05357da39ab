package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/adoption/model"
)

// MemoryEntityStore is an in-memory EntityStore for tests and single-node
// deployments. Units of work are serialized per animal.
type MemoryEntityStore struct {
	mu           sync.RWMutex
	animals      map[string]model.Animal      // key: code
	applications map[string]model.Application // key: ID
	interviews   map[string]model.Interview   // key: ID
	contracts    map[string]model.Contract    // key: ID

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // key: animal code
}

// NewMemoryEntityStore creates an empty in-memory entity store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		animals:      make(map[string]model.Animal),
		applications: make(map[string]model.Application),
		interviews:   make(map[string]model.Interview),
		contracts:    make(map[string]model.Contract),
		locks:        make(map[string]*sync.Mutex),
	}
}

func notFound(kind model.EntityKind, id string) error {
	return model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
}

// Load retrieves a committed entity.
func (s *MemoryEntityStore) Load(_ context.Context, kind model.EntityKind, id string) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(kind, id)
}

func (s *MemoryEntityStore) load(kind model.EntityKind, id string) (model.Entity, error) {
	switch kind {
	case model.KindAnimal:
		if a, ok := s.animals[id]; ok {
			return &a, nil
		}
	case model.KindApplication:
		if a, ok := s.applications[id]; ok {
			return &a, nil
		}
	case model.KindInterview:
		if i, ok := s.interviews[id]; ok {
			return &i, nil
		}
	case model.KindContract:
		if c, ok := s.contracts[id]; ok {
			return &c, nil
		}
	}
	return nil, notFound(kind, id)
}

// ResolveAnimal returns the animal code that owns an entity.
func (s *MemoryEntityStore) ResolveAnimal(_ context.Context, kind model.EntityKind, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch kind {
	case model.KindAnimal:
		return id, nil
	case model.KindApplication:
		if a, ok := s.applications[id]; ok {
			return a.AnimalCode, nil
		}
	case model.KindInterview:
		if i, ok := s.interviews[id]; ok {
			if a, ok := s.applications[i.ApplicationID]; ok {
				return a.AnimalCode, nil
			}
		}
	case model.KindContract:
		if c, ok := s.contracts[id]; ok {
			return c.AnimalCode, nil
		}
	}
	return "", notFound(kind, id)
}

// ListApplications returns every committed application for an animal.
func (s *MemoryEntityStore) ListApplications(_ context.Context, animalCode string) ([]*model.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.siblings(animalCode, nil), nil
}

func (s *MemoryEntityStore) siblings(animalCode string, staged map[model.Ref]model.Entity) []*model.Application {
	var out []*model.Application
	for id, a := range s.applications {
		if e, ok := staged[model.Ref{Kind: model.KindApplication, ID: id}]; ok {
			out = append(out, e.(*model.Application))
			continue
		}
		if a.AnimalCode == animalCode {
			a := a
			out = append(out, &a)
		}
	}
	for ref, e := range staged {
		if ref.Kind != model.KindApplication {
			continue
		}
		if _, committed := s.applications[ref.ID]; !committed {
			out = append(out, e.(*model.Application))
		}
	}
	filtered := out[:0]
	for _, a := range out {
		if a.AnimalCode == animalCode {
			filtered = append(filtered, a)
		}
	}
	sortApplications(filtered)
	return filtered
}

func sortApplications(apps []*model.Application) {
	sort.Slice(apps, func(i, j int) bool {
		if !apps[i].CreatedAt.Equal(apps[j].CreatedAt) {
			return apps[i].CreatedAt.Before(apps[j].CreatedAt)
		}
		return apps[i].ID < apps[j].ID
	})
}

// FindExpiredContracts returns active contracts past their expiry.
func (s *MemoryEntityStore) FindExpiredContracts(_ context.Context, cutoff time.Time) ([]*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Contract
	for _, c := range s.contracts {
		if c.State.Active() && c.ExpiresAt.Before(cutoff) {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// Ping always succeeds.
func (s *MemoryEntityStore) Ping(context.Context) error { return nil }

// Len returns the total number of stored entities (for testing).
func (s *MemoryEntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.animals) + len(s.applications) + len(s.interviews) + len(s.contracts)
}

func (s *MemoryEntityStore) animalLock(code string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[code]
	if !ok {
		l = &sync.Mutex{}
		s.locks[code] = l
	}
	return l
}

// Atomically runs fn holding the animal's lock and commits its staged writes
// in one step.
func (s *MemoryEntityStore) Atomically(ctx context.Context, animalCode string, fn func(context.Context, Tx) error) error {
	l := s.animalLock(animalCode)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, staged: make(map[model.Ref]model.Entity)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryEntityStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Optimistic lock check over the whole batch before any write.
	for _, ref := range tx.order {
		e := tx.staged[ref]
		current, err := s.load(ref.Kind, ref.ID)
		exists := err == nil
		switch {
		case e.StoredVersion() == 0 && exists:
			return model.NewConflictError(fmt.Sprintf("%s %q already exists", ref.Kind, ref.ID))
		case e.StoredVersion() != 0 && !exists:
			return notFound(ref.Kind, ref.ID)
		case exists && current.StoredVersion() != e.StoredVersion():
			return model.NewConflictError(fmt.Sprintf(
				"%s %q version conflict (expected %d, got %d)",
				ref.Kind, ref.ID, e.StoredVersion(), current.StoredVersion(),
			))
		}
	}

	for _, ref := range tx.order {
		switch v := tx.staged[ref].(type) {
		case *model.Animal:
			a := *v
			a.Version++
			s.animals[a.Code] = a
		case *model.Application:
			a := *v
			a.Version++
			s.applications[a.ID] = a
		case *model.Interview:
			i := *v
			i.Version++
			s.interviews[i.ID] = i
		case *model.Contract:
			c := *v
			c.Version++
			s.contracts[c.ID] = c
		}
	}
	return nil
}

// memTx stages writes until the unit of work commits.
type memTx struct {
	store  *MemoryEntityStore
	staged map[model.Ref]model.Entity
	order  []model.Ref
}

func (tx *memTx) Load(_ context.Context, kind model.EntityKind, id string) (model.Entity, error) {
	if e, ok := tx.staged[model.Ref{Kind: kind, ID: id}]; ok {
		return e, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.load(kind, id)
}

func (tx *memTx) FindSiblings(_ context.Context, animalCode string) ([]*model.Application, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.siblings(animalCode, tx.staged), nil
}

func (tx *memTx) FindInterviews(_ context.Context, applicationID string) ([]*model.Interview, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	var out []*model.Interview
	for id, i := range tx.store.interviews {
		if _, ok := tx.staged[model.Ref{Kind: model.KindInterview, ID: id}]; ok {
			continue
		}
		if i.ApplicationID == applicationID {
			i := i
			out = append(out, &i)
		}
	}
	for ref, e := range tx.staged {
		if ref.Kind == model.KindInterview && e.(*model.Interview).ApplicationID == applicationID {
			out = append(out, e.(*model.Interview))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) FindContracts(_ context.Context, animalCode string) ([]*model.Contract, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	var out []*model.Contract
	for id, c := range tx.store.contracts {
		if _, ok := tx.staged[model.Ref{Kind: model.KindContract, ID: id}]; ok {
			continue
		}
		if c.AnimalCode == animalCode {
			c := c
			out = append(out, &c)
		}
	}
	for ref, e := range tx.staged {
		if ref.Kind == model.KindContract && e.(*model.Contract).AnimalCode == animalCode {
			out = append(out, e.(*model.Contract))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) Save(_ context.Context, entities ...model.Entity) error {
	for _, e := range entities {
		ref := model.Ref{Kind: e.Kind(), ID: e.EntityID()}
		if ref.ID == "" {
			return fmt.Errorf("workflow: cannot save %s without an id", ref.Kind)
		}
		if _, ok := tx.staged[ref]; !ok {
			tx.order = append(tx.order, ref)
		}
		tx.staged[ref] = e
	}
	return nil
}
