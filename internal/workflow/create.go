package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/adoption/internal/authz"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/model"
)

// NewAnimal is the input to RegisterAnimal.
type NewAnimal struct {
	Code                string             `json:"code"`
	Name                string             `json:"name"`
	Species             string             `json:"species"`
	Breed               string             `json:"breed,omitempty"`
	Description         string             `json:"description,omitempty"`
	AssignedInterviewer string             `json:"assigned_interviewer,omitempty"`
	Status              model.AnimalStatus `json:"status,omitempty"`
}

// NewApplication is the input to SubmitApplication.
type NewApplication struct {
	AnimalCode     string `json:"animal_code"`
	ApplicantName  string `json:"applicant_name"`
	ApplicantEmail string `json:"applicant_email"`
	ApplicantPhone string `json:"applicant_phone,omitempty"`
	Motivation     string `json:"motivation,omitempty"`
	RequestToken   string `json:"request_token,omitempty"`
}

// NewInterview is the input to CreateInterview. InterviewerID defaults to
// the interviewer assigned to the animal.
type NewInterview struct {
	ApplicationID string     `json:"application_id"`
	InterviewerID string     `json:"interviewer_id,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
}

// initialAnimalStatuses are the statuses an animal may be registered in.
var initialAnimalStatuses = map[model.AnimalStatus]bool{
	model.AnimalDraft:            true,
	model.AnimalFostering:        true,
	model.AnimalReadyForAdoption: true,
	model.AnimalPublished:        true,
}

// RegisterAnimal adds an animal to the registry.
func (e *Engine) RegisterAnimal(ctx context.Context, actor model.Actor, in NewAnimal) (*model.TransitionResult, error) {
	if in.Status == "" {
		in.Status = model.AnimalDraft
	}
	var details []model.FieldError
	details = requireField(details, "code", in.Code)
	details = requireField(details, "name", in.Name)
	details = requireField(details, "species", in.Species)
	if !initialAnimalStatuses[in.Status] {
		details = append(details, model.FieldError{
			Field:   "status",
			Code:    "invalid",
			Message: fmt.Sprintf("animals cannot be registered as %s", in.Status),
		})
	}
	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}

	return e.create(ctx, actor, model.KindAnimal, in.Code, func(ctx context.Context, u *unit) error {
		if err := e.authorizeCreate(u, model.KindAnimal, authz.Relationship{}); err != nil {
			return err
		}
		if _, err := u.tx.Load(ctx, model.KindAnimal, in.Code); err == nil {
			return model.NewConflictError(fmt.Sprintf("animal %q already exists", in.Code))
		} else if !model.IsCode(err, model.ErrNotFound) {
			return err
		}
		u.create(&model.Animal{
			Code:                in.Code,
			Name:                in.Name,
			Species:             in.Species,
			Breed:               in.Breed,
			Description:         in.Description,
			AssignedInterviewer: in.AssignedInterviewer,
			State:               in.Status,
		})
		return nil
	})
}

// SubmitApplication opens an application for a published animal. The actor
// becomes the application's creator.
func (e *Engine) SubmitApplication(ctx context.Context, actor model.Actor, in NewApplication) (*model.TransitionResult, error) {
	var details []model.FieldError
	details = requireField(details, "animal_code", in.AnimalCode)
	details = requireField(details, "applicant_name", in.ApplicantName)
	details = requireField(details, "applicant_email", in.ApplicantEmail)
	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}

	key, hash := e.requestKey(actor, in.RequestToken, in)
	cached, release, err := e.claim(ctx, key, hash)
	if cached != nil || err != nil {
		return cached, err
	}
	defer release()

	res, err := e.create(ctx, actor, model.KindApplication, in.AnimalCode, func(ctx context.Context, u *unit) error {
		animal, err := u.animal(ctx, in.AnimalCode)
		if err != nil {
			return err
		}
		if err := e.authorizeCreate(u, model.KindApplication, authz.Relationship{}); err != nil {
			return err
		}
		if !animal.Approvable() {
			return model.NewInvalidTransitionError(fmt.Sprintf(
				"animal %q is %s and is not accepting applications", animal.Code, animal.State,
			))
		}
		app := &model.Application{
			ID:             u.newID(),
			AnimalCode:     animal.Code,
			ApplicantID:    u.actor.ID,
			ApplicantName:  in.ApplicantName,
			ApplicantEmail: in.ApplicantEmail,
			ApplicantPhone: in.ApplicantPhone,
			Motivation:     in.Motivation,
			State:          model.ApplicationSubmitted,
		}
		u.create(app)
		u.emit(model.NotifyApplicationReceived, app, animal.Code, map[string]any{
			"applicant_email": app.ApplicantEmail,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.remember(ctx, key, hash, res)
	return res, nil
}

// CreateInterview opens an interview for an application under review. An
// application may have only one pending interview at a time.
func (e *Engine) CreateInterview(ctx context.Context, actor model.Actor, in NewInterview) (*model.TransitionResult, error) {
	if in.ApplicationID == "" {
		return nil, model.NewValidationError(requireField(nil, "application_id", ""))
	}
	animalCode, err := e.resolveAnimal(ctx, model.KindApplication, in.ApplicationID)
	if err != nil {
		return nil, err
	}

	res, err := e.create(ctx, actor, model.KindInterview, animalCode, func(ctx context.Context, u *unit) error {
		app, err := u.application(ctx, in.ApplicationID)
		if err != nil {
			return err
		}
		if err := e.authorizeCreate(u, model.KindInterview, authz.Relationship{
			IsApplicationCreator: u.actor.ID != "" && app.ApplicantID == u.actor.ID,
		}); err != nil {
			return err
		}
		if app.State != model.ApplicationUnderReview && app.State != model.ApplicationInterviewScheduled {
			return model.NewInvalidTransitionError(fmt.Sprintf(
				"application %q is %s; interviews need an application under review", app.ID, app.State,
			))
		}
		existing, err := u.interviews(ctx, app.ID)
		if err != nil {
			return err
		}
		for _, iv := range existing {
			if !iv.FinalDecision.Terminal() {
				return model.NewConflictingInterviewError(fmt.Sprintf(
					"application %q already has pending interview %q", app.ID, iv.ID,
				))
			}
		}

		animal, err := u.animal(ctx, app.AnimalCode)
		if err != nil {
			return err
		}
		iv := &model.Interview{
			ID:            u.newID(),
			ApplicationID: app.ID,
			InterviewerID: in.InterviewerID,
			ScheduledAt:   in.ScheduledAt,
			FinalDecision: model.DecisionPending,
		}
		if iv.InterviewerID == "" {
			iv.InterviewerID = animal.AssignedInterviewer
		}
		u.create(iv)

		if _, err := u.move(app, model.TransitionScheduleInterview, model.Payload{}); err != nil {
			return err
		}
		if _, err := u.move(animal, model.TransitionStartInterviewing, model.Payload{}); err != nil {
			return err
		}
		u.emit(model.NotifyInterviewScheduled, iv, animal.Code, interviewData(iv))
		return nil
	})
	return res, err
}

// CreateContract opens the contract for an approved application that does
// not have one yet. It is needed only when contracts are not opened on
// approval.
func (e *Engine) CreateContract(ctx context.Context, actor model.Actor, applicationID string) (*model.TransitionResult, error) {
	animalCode, err := e.resolveAnimal(ctx, model.KindApplication, applicationID)
	if err != nil {
		return nil, err
	}

	res, err := e.create(ctx, actor, model.KindContract, animalCode, func(ctx context.Context, u *unit) error {
		app, err := u.application(ctx, applicationID)
		if err != nil {
			return err
		}
		if err := e.authorizeCreate(u, model.KindContract, authz.Relationship{
			IsApplicationCreator: u.actor.ID != "" && app.ApplicantID == u.actor.ID,
		}); err != nil {
			return err
		}
		if app.State != model.ApplicationApproved {
			return model.NewInvalidTransitionError(fmt.Sprintf(
				"application %q is %s; contracts need an approved application", app.ID, app.State,
			))
		}
		cs, err := u.contracts(ctx, app.AnimalCode)
		if err != nil {
			return err
		}
		for _, c := range cs {
			if c.ApplicationID == app.ID {
				return model.NewConflictError(fmt.Sprintf("application %q already has contract %q", app.ID, c.ID))
			}
		}
		animal, err := u.animal(ctx, app.AnimalCode)
		if err != nil {
			return err
		}
		if animal.State != model.AnimalReserved || animal.ReservedFor != app.ID {
			return model.NewCascadeConflictError(fmt.Sprintf(
				"animal %q is %s and not reserved for application %q", animal.Code, animal.State, app.ID,
			))
		}
		e.openContract(u, app)
		return nil
	})
	return res, err
}

// create runs a creation operation in its own unit of work under the
// animal's lock. The first entity fn creates is the result.
func (e *Engine) create(ctx context.Context, actor model.Actor, kind model.EntityKind, animalCode string, fn func(context.Context, *unit) error) (*model.TransitionResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrEntityKind.String(string(kind)),
		observability.AttrAnimalCode.String(animalCode),
		observability.AttrActorRole.String(string(actor.Role)),
	)
	logger := e.logger.With(
		zap.String("entity_kind", string(kind)),
		zap.String("transition", string(model.TransitionCreate)),
		zap.String("animal_code", animalCode),
		zap.String("actor_id", actor.ID),
		zap.String("actor_role", string(actor.Role)),
	)

	var res *model.TransitionResult
	u, err := e.atomically(ctx, animalCode, actor, func(ctx context.Context, u *unit) error {
		if err := fn(ctx, u); err != nil {
			return err
		}
		created := u.entities[u.created[0]]
		res = &model.TransitionResult{
			Kind:     kind,
			EntityID: created.EntityID(),
			NewState: created.Status(),
			Cascaded: u.cascaded(),
			Created:  u.created,
		}
		return nil
	})
	if err != nil {
		err = e.reject(logger, err)
	} else {
		e.committed(ctx, logger.With(zap.String("entity_id", res.EntityID)), u, res)
	}

	e.metrics.RecordTransition(string(kind), string(model.TransitionCreate), outcomeOf(res, err), time.Since(start))
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) authorizeCreate(u *unit, kind model.EntityKind, rel authz.Relationship) error {
	d := e.gate.Check(authz.Request{
		Role:       u.actor.Role,
		Kind:       kind,
		Transition: model.TransitionCreate,
		Relation:   rel,
	})
	if !d.Allowed {
		return model.NewForbiddenError(d.Reason)
	}
	return nil
}

func requireField(details []model.FieldError, field, value string) []model.FieldError {
	if strings.TrimSpace(value) != "" {
		return details
	}
	return append(details, model.FieldError{
		Field:   field,
		Code:    "required",
		Message: field + " is required",
	})
}
