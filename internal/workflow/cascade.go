package workflow

import (
	"context"
	"fmt"

	"github.com/pitabwire/adoption/model"
)

const (
	reasonSiblingApproved = "another application for this animal was approved"
	reasonAnimalAdopted   = "the animal has been adopted"
	reasonInterview       = "interview decision was rejected"
	reasonContractLapsed  = "the adoption contract expired"
)

// cascade applies the effects of a committed-to-be transition on related
// entities. ent has already moved to its new status.
func (e *Engine) cascade(ctx context.Context, u *unit, ent model.Entity, name model.TransitionName) error {
	switch v := ent.(type) {
	case *model.Animal:
		return e.animalMoved(ctx, u, v, name)
	case *model.Application:
		return e.applicationMoved(ctx, u, v)
	case *model.Interview:
		return e.interviewMoved(ctx, u, v, name)
	case *model.Contract:
		return e.contractMoved(ctx, u, v)
	}
	return nil
}

func (e *Engine) animalMoved(ctx context.Context, u *unit, a *model.Animal, name model.TransitionName) error {
	if name != model.TransitionRelease {
		return nil
	}
	cs, err := u.contracts(ctx, a.Code)
	if err != nil {
		return err
	}
	for _, c := range cs {
		if c.State.Active() {
			return model.NewCascadeConflictError(fmt.Sprintf(
				"animal %q is held by active contract %q", a.Code, c.ID,
			))
		}
	}
	u.emit(model.NotifyAnimalReleased, a, a.Code, nil)
	return nil
}

func (e *Engine) applicationMoved(ctx context.Context, u *unit, app *model.Application) error {
	switch app.State {
	case model.ApplicationApproved:
		return e.approved(ctx, u, app)
	case model.ApplicationRejected:
		u.emit(model.NotifyApplicationRejected, app, app.AnimalCode, reasonData(app.StatusReason))
	case model.ApplicationWithdrawn:
		u.emit(model.NotifyApplicationWithdrawn, app, app.AnimalCode, reasonData(app.StatusReason))
	}
	return nil
}

// approved reserves the animal for app, closes every other open application
// for the animal and opens the contract.
func (e *Engine) approved(ctx context.Context, u *unit, app *model.Application) error {
	animal, err := u.animal(ctx, app.AnimalCode)
	if err != nil {
		return err
	}
	if !animal.Approvable() {
		return model.NewCascadeConflictError(fmt.Sprintf(
			"animal %q is %s and cannot be reserved for application %q", animal.Code, animal.State, app.ID,
		))
	}
	if _, err := u.move(animal, model.TransitionReserve, model.Payload{}); err != nil {
		return err
	}
	animal.ReservedFor = app.ID

	u.emit(model.NotifyApplicationApproved, app, app.AnimalCode, nil)
	u.emit(model.NotifyAnimalReserved, animal, animal.Code, map[string]any{"application_id": app.ID})

	if err := e.closeSiblings(ctx, u, app, reasonSiblingApproved); err != nil {
		return err
	}

	if !e.autoOpenContract {
		return nil
	}
	cs, err := u.contracts(ctx, app.AnimalCode)
	if err != nil {
		return err
	}
	for _, c := range cs {
		if c.ApplicationID == app.ID {
			return nil
		}
	}
	e.openContract(u, app)
	return nil
}

// closeSiblings rejects every open application for the animal other than
// keep. Applications already closed are left as they are. Their pending
// interviews stay pending, and a later approval of one fails with
// CASCADE_CONFLICT.
func (e *Engine) closeSiblings(ctx context.Context, u *unit, keep *model.Application, reason string) error {
	siblings, err := u.siblings(ctx, keep.AnimalCode)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.ID == keep.ID || s.State.Terminal() {
			continue
		}
		moved, err := u.move(s, model.TransitionReject, model.Payload{Reason: reason})
		if err != nil {
			return err
		}
		if !moved {
			continue
		}
		s.AutoClosed = true
		u.emit(model.NotifyApplicationRejected, s, s.AnimalCode, reasonData(reason))
	}
	return nil
}

func (e *Engine) openContract(u *unit, app *model.Application) *model.Contract {
	c := &model.Contract{
		ID:            u.newID(),
		ApplicationID: app.ID,
		AnimalCode:    app.AnimalCode,
		State:         model.ContractPendingSignature,
		ExpiresAt:     u.now.Add(e.contractWindow),
	}
	u.create(c)
	u.emitContract(model.NotifyContractReady, c, map[string]any{
		"application_id": app.ID,
		"expires_at":     c.ExpiresAt,
	})
	return c
}

func (e *Engine) interviewMoved(ctx context.Context, u *unit, iv *model.Interview, name model.TransitionName) error {
	app, err := u.application(ctx, iv.ApplicationID)
	if err != nil {
		return err
	}

	switch name {
	case model.TransitionSchedule:
		u.emit(model.NotifyInterviewScheduled, iv, app.AnimalCode, interviewData(iv))
		return nil
	case model.TransitionApprove:
		moved, err := u.move(app, model.TransitionApprove, model.Payload{})
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		return e.approved(ctx, u, app)
	case model.TransitionReject:
		moved, err := u.move(app, model.TransitionReject, model.Payload{Reason: reasonInterview})
		if err != nil {
			return err
		}
		if moved {
			u.emit(model.NotifyApplicationRejected, app, app.AnimalCode, reasonData(reasonInterview))
		}
	}
	return nil
}

func (e *Engine) contractMoved(ctx context.Context, u *unit, c *model.Contract) error {
	switch c.State {
	case model.ContractSubmitted:
		u.emit(model.NotifyContractSubmitted, c, c.AnimalCode, map[string]any{"application_id": c.ApplicationID})
		return nil
	case model.ContractCompleted:
		return e.completed(ctx, u, c)
	case model.ContractExpired:
		return e.expired(ctx, u, c)
	}
	return nil
}

func (e *Engine) completed(ctx context.Context, u *unit, c *model.Contract) error {
	animal, err := u.animal(ctx, c.AnimalCode)
	if err != nil {
		return err
	}
	if animal.State == model.AnimalReserved && animal.ReservedFor != "" && animal.ReservedFor != c.ApplicationID {
		return model.NewCascadeConflictError(fmt.Sprintf(
			"animal %q is reserved for application %q, not %q", animal.Code, animal.ReservedFor, c.ApplicationID,
		))
	}
	if _, err := u.move(animal, model.TransitionAdopt, model.Payload{}); err != nil {
		return err
	}

	app, err := u.application(ctx, c.ApplicationID)
	if err != nil {
		return err
	}
	if err := e.closeSiblings(ctx, u, app, reasonAnimalAdopted); err != nil {
		return err
	}

	u.emit(model.NotifyContractCompleted, c, c.AnimalCode, map[string]any{"application_id": c.ApplicationID})
	u.emit(model.NotifyAnimalAdopted, animal, animal.Code, map[string]any{"application_id": c.ApplicationID})
	return nil
}

// expired closes the lapsed application and puts the animal back on offer
// unless another contract still holds it.
func (e *Engine) expired(ctx context.Context, u *unit, c *model.Contract) error {
	u.emit(model.NotifyContractExpired, c, c.AnimalCode, map[string]any{"application_id": c.ApplicationID})

	app, err := u.application(ctx, c.ApplicationID)
	if err != nil {
		return err
	}
	if app.State == model.ApplicationApproved {
		if _, err := u.move(app, model.TransitionReject, model.Payload{Reason: reasonContractLapsed}); err != nil {
			return err
		}
		app.AutoClosed = true
		u.emit(model.NotifyApplicationRejected, app, app.AnimalCode, reasonData(reasonContractLapsed))
	}

	cs, err := u.contracts(ctx, c.AnimalCode)
	if err != nil {
		return err
	}
	for _, other := range cs {
		if other.ID != c.ID && other.State.Active() {
			return nil
		}
	}

	animal, err := u.animal(ctx, c.AnimalCode)
	if err != nil {
		return err
	}
	if animal.State != model.AnimalReserved {
		return nil
	}
	if _, err := u.move(animal, model.TransitionRelease, model.Payload{}); err != nil {
		return err
	}
	u.emit(model.NotifyAnimalReleased, animal, animal.Code, map[string]any{"contract_id": c.ID})
	return nil
}

func reasonData(reason string) map[string]any {
	if reason == "" {
		return nil
	}
	return map[string]any{"reason": reason}
}

func interviewData(iv *model.Interview) map[string]any {
	data := map[string]any{"application_id": iv.ApplicationID}
	if iv.InterviewerID != "" {
		data["interviewer_id"] = iv.InterviewerID
	}
	if iv.ScheduledAt != nil {
		data["scheduled_at"] = *iv.ScheduledAt
	}
	return data
}
