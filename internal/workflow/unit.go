package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/adoption/model"
)

// pendingEvent is a notification waiting for the unit of work to commit.
// contract is set when the event should carry a freshly issued token.
type pendingEvent struct {
	event    model.NotificationEvent
	contract *model.Contract
}

// unit is one unit of work. Every entity is loaded at most once, so a
// cascade that reaches an entity already touched by the request sees and
// updates the same value.
type unit struct {
	tx    Tx
	actor model.Actor
	now   time.Time
	newID func() string

	entities map[model.Ref]model.Entity
	dirty    map[model.Ref]bool
	order    []model.Ref

	changes []model.Change
	created []model.Ref
	events  []pendingEvent
}

func newUnit(tx Tx, actor model.Actor, now time.Time, newID func() string) *unit {
	return &unit{
		tx:       tx,
		actor:    actor,
		now:      now,
		newID:    newID,
		entities: make(map[model.Ref]model.Entity),
		dirty:    make(map[model.Ref]bool),
	}
}

func refOf(e model.Entity) model.Ref {
	return model.Ref{Kind: e.Kind(), ID: e.EntityID()}
}

func (u *unit) load(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error) {
	ref := model.Ref{Kind: kind, ID: id}
	if e, ok := u.entities[ref]; ok {
		return e, nil
	}
	e, err := u.tx.Load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	u.entities[ref] = e
	return e, nil
}

func (u *unit) animal(ctx context.Context, code string) (*model.Animal, error) {
	e, err := u.load(ctx, model.KindAnimal, code)
	if err != nil {
		return nil, err
	}
	return e.(*model.Animal), nil
}

func (u *unit) application(ctx context.Context, id string) (*model.Application, error) {
	e, err := u.load(ctx, model.KindApplication, id)
	if err != nil {
		return nil, err
	}
	return e.(*model.Application), nil
}

// intern swaps a freshly read entity for the copy the unit already holds.
func (u *unit) intern(e model.Entity) model.Entity {
	ref := refOf(e)
	if held, ok := u.entities[ref]; ok {
		return held
	}
	u.entities[ref] = e
	return e
}

// siblings returns every application for the animal, including ones the
// unit has created but not yet flushed.
func (u *unit) siblings(ctx context.Context, animalCode string) ([]*model.Application, error) {
	apps, err := u.tx.FindSiblings(ctx, animalCode)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(apps))
	out := make([]*model.Application, 0, len(apps))
	for _, a := range apps {
		seen[a.ID] = true
		out = append(out, u.intern(a).(*model.Application))
	}
	for _, ref := range u.order {
		if a, ok := u.entities[ref].(*model.Application); ok && !seen[a.ID] && a.AnimalCode == animalCode {
			out = append(out, a)
		}
	}
	return out, nil
}

func (u *unit) interviews(ctx context.Context, applicationID string) ([]*model.Interview, error) {
	ivs, err := u.tx.FindInterviews(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ivs))
	out := make([]*model.Interview, 0, len(ivs))
	for _, iv := range ivs {
		seen[iv.ID] = true
		out = append(out, u.intern(iv).(*model.Interview))
	}
	for _, ref := range u.order {
		if iv, ok := u.entities[ref].(*model.Interview); ok && !seen[iv.ID] && iv.ApplicationID == applicationID {
			out = append(out, iv)
		}
	}
	return out, nil
}

func (u *unit) contracts(ctx context.Context, animalCode string) ([]*model.Contract, error) {
	cs, err := u.tx.FindContracts(ctx, animalCode)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(cs))
	out := make([]*model.Contract, 0, len(cs))
	for _, c := range cs {
		seen[c.ID] = true
		out = append(out, u.intern(c).(*model.Contract))
	}
	for _, ref := range u.order {
		if c, ok := u.entities[ref].(*model.Contract); ok && !seen[c.ID] && c.AnimalCode == animalCode {
			out = append(out, c)
		}
	}
	return out, nil
}

// mark schedules e for writing when the unit flushes.
func (u *unit) mark(e model.Entity) {
	ref := refOf(e)
	u.entities[ref] = e
	if !u.dirty[ref] {
		u.dirty[ref] = true
		u.order = append(u.order, ref)
	}
}

// create adds a new entity to the unit.
func (u *unit) create(e model.Entity) {
	u.mark(e)
	u.created = append(u.created, refOf(e))
}

// move drives a related entity through its own transition table, including
// the cascade-only edges. Moving to the status an entity already has is a
// no-op and reports false. A move the table does not allow aborts the whole
// unit with CASCADE_CONFLICT.
func (u *unit) move(e model.Entity, name model.TransitionName, p model.Payload) (bool, error) {
	t := model.Transition{Kind: e.Kind(), Name: name}
	to, err := Target(t, p)
	if err != nil {
		return false, err
	}
	from := e.Status()
	if from == to {
		return false, nil
	}
	if !legalCascade(e.Kind(), from, to) {
		return false, model.NewCascadeConflictError(fmt.Sprintf(
			"%s %q cannot move from %s to %s", e.Kind(), e.EntityID(), from, to,
		))
	}
	setStatus(e, to)
	apply(e, name, p, u.now)
	if err := checkRequired(e, name); err != nil {
		return false, err
	}
	u.mark(e)
	u.changes = append(u.changes, model.Change{Kind: e.Kind(), ID: e.EntityID(), From: from, To: to})
	return true, nil
}

// cascaded returns the changes applied to related entities so far.
func (u *unit) cascaded() []model.Change {
	out := make([]model.Change, len(u.changes))
	copy(out, u.changes)
	return out
}

func (u *unit) emit(kind model.NotificationKind, e model.Entity, animalCode string, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	u.events = append(u.events, pendingEvent{event: model.NotificationEvent{
		ID:         u.newID(),
		Kind:       kind,
		EntityKind: e.Kind(),
		EntityID:   e.EntityID(),
		AnimalCode: animalCode,
		ActorID:    u.actor.ID,
		Data:       data,
		OccurredAt: u.now,
	}})
}

// emitContract queues an event that carries a contract token once issued.
func (u *unit) emitContract(kind model.NotificationKind, c *model.Contract, data map[string]any) {
	u.emit(kind, c, c.AnimalCode, data)
	u.events[len(u.events)-1].contract = c
}

// flush stamps and saves every touched entity as one batch.
func (u *unit) flush(ctx context.Context) error {
	if len(u.order) == 0 {
		return nil
	}
	batch := make([]model.Entity, 0, len(u.order))
	for _, ref := range u.order {
		e := u.entities[ref]
		e.Touch(u.now)
		batch = append(batch, e)
	}
	return u.tx.Save(ctx, batch...)
}
