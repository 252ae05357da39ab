package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/adoption/internal/workflow"
	"github.com/pitabwire/adoption/model"
)

const (
	maxBodyBytes   = 1 << 20
	replayedHeader = "Idempotent-Replayed"
)

// handlers binds the HTTP surface to the workflow engine.
type handlers struct {
	engine   *workflow.Engine
	validate *validator.Validate
}

type animalBody struct {
	Code                string `json:"code" validate:"required,max=64"`
	Name                string `json:"name" validate:"required,max=200"`
	Species             string `json:"species" validate:"required,max=64"`
	Breed               string `json:"breed" validate:"max=200"`
	Description         string `json:"description" validate:"max=4000"`
	AssignedInterviewer string `json:"assigned_interviewer" validate:"max=200"`
	Status              string `json:"status" validate:"omitempty,oneof=draft fostering ready_for_adoption published"`
}

type applicationBody struct {
	AnimalCode     string `json:"animal_code" validate:"required,max=64"`
	ApplicantName  string `json:"applicant_name" validate:"required,max=200"`
	ApplicantEmail string `json:"applicant_email" validate:"required,email,max=320"`
	ApplicantPhone string `json:"applicant_phone" validate:"max=32"`
	Motivation     string `json:"motivation" validate:"max=4000"`
	RequestToken   string `json:"request_token" validate:"max=128"`
}

type interviewBody struct {
	InterviewerID string     `json:"interviewer_id" validate:"max=200"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
}

type transitionBody struct {
	Transition   string        `json:"transition" validate:"required"`
	Payload      model.Payload `json:"payload"`
	RequestToken string        `json:"request_token" validate:"max=128"`
}

type submitBody struct {
	Signature     string `json:"signature"`
	PaymentProof  string `json:"payment_proof"`
	ContractToken string `json:"contract_token"`
	RequestToken  string `json:"request_token" validate:"max=128"`
}

func (h *handlers) registerAnimal(w http.ResponseWriter, r *http.Request) {
	var body animalBody
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.engine.RegisterAnimal(r.Context(), actorFrom(r), workflow.NewAnimal{
		Code:                body.Code,
		Name:                body.Name,
		Species:             body.Species,
		Breed:               body.Breed,
		Description:         body.Description,
		AssignedInterviewer: body.AssignedInterviewer,
		Status:              model.AnimalStatus(body.Status),
	})
	h.respond(w, r, http.StatusCreated, res, err)
}

func (h *handlers) getAnimal(w http.ResponseWriter, r *http.Request) {
	ent, err := h.engine.Get(r.Context(), model.KindAnimal, chi.URLParam(r, "code"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ent)
}

func (h *handlers) listApplications(w http.ResponseWriter, r *http.Request) {
	if !canReadApplications(actorFrom(r)) {
		writeRequestError(w, r, model.NewForbiddenError("only staff may list applications"))
		return
	}
	apps, err := h.engine.ListApplications(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	if apps == nil {
		apps = []*model.Application{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

func (h *handlers) submitApplication(w http.ResponseWriter, r *http.Request) {
	var body applicationBody
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.engine.SubmitApplication(r.Context(), actorFrom(r), workflow.NewApplication{
		AnimalCode:     body.AnimalCode,
		ApplicantName:  body.ApplicantName,
		ApplicantEmail: body.ApplicantEmail,
		ApplicantPhone: body.ApplicantPhone,
		Motivation:     body.Motivation,
		RequestToken:   requestToken(r, body.RequestToken),
	})
	h.respond(w, r, http.StatusCreated, res, err)
}

func (h *handlers) getApplication(w http.ResponseWriter, r *http.Request) {
	caller := model.RequestContextFrom(r.Context())
	actor := caller.Actor()
	ent, err := h.engine.Get(r.Context(), model.KindApplication, chi.URLParam(r, "id"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	app := ent.(*model.Application)
	if !canReadApplications(actor) && (caller.Anonymous() || app.ApplicantID != actor.ID) {
		// Same answer as a missing application, so ids cannot be enumerated.
		writeRequestError(w, r, model.NewNotFoundError("application not found"))
		return
	}
	WriteJSON(w, http.StatusOK, app)
}

func (h *handlers) createInterview(w http.ResponseWriter, r *http.Request) {
	var body interviewBody
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.engine.CreateInterview(r.Context(), actorFrom(r), workflow.NewInterview{
		ApplicationID: chi.URLParam(r, "id"),
		InterviewerID: body.InterviewerID,
		ScheduledAt:   body.ScheduledAt,
	})
	h.respond(w, r, http.StatusCreated, res, err)
}

func (h *handlers) createContract(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.CreateContract(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusCreated, res, err)
}

func (h *handlers) requestTransition(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseEntityKind(chi.URLParam(r, "kind"))
	if !ok {
		writeRequestError(w, r, model.NewNotFoundError("unknown entity kind"))
		return
	}
	var body transitionBody
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.engine.RequestTransition(r.Context(), actorFrom(r), model.TransitionRequest{
		Kind:         kind,
		EntityID:     chi.URLParam(r, "id"),
		Transition:   model.TransitionName(body.Transition),
		Payload:      body.Payload,
		RequestToken: requestToken(r, body.RequestToken),
	})
	h.respond(w, r, http.StatusOK, res, err)
}

// submitContract is the public signing path. The contract token may come in
// the body or the X-Contract-Token header.
func (h *handlers) submitContract(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !h.decode(w, r, &body) {
		return
	}
	token := body.ContractToken
	if token == "" {
		token = r.Header.Get("X-Contract-Token")
	}
	res, err := h.engine.RequestTransition(r.Context(), actorFrom(r), model.TransitionRequest{
		Kind:       model.KindContract,
		EntityID:   chi.URLParam(r, "id"),
		Transition: model.TransitionSubmit,
		Payload: model.Payload{
			Signature:     body.Signature,
			PaymentProof:  body.PaymentProof,
			ContractToken: token,
		},
		RequestToken: requestToken(r, body.RequestToken),
	})
	h.respond(w, r, http.StatusOK, res, err)
}

// decode reads and validates a JSON body, writing the error response itself
// when it returns false. An empty body decodes to the zero value.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeRequestError(w, r, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeRequestError(w, r, validationError(err))
		return false
	}
	return true
}

func (h *handlers) respond(w http.ResponseWriter, r *http.Request, status int, res *model.TransitionResult, err error) {
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	if res.Replayed {
		status = http.StatusOK
		w.Header().Set(replayedHeader, "true")
	}
	WriteJSON(w, status, res)
}

func actorFrom(r *http.Request) model.Actor {
	return model.RequestContextFrom(r.Context()).Actor()
}

func requestToken(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get("X-Idempotency-Key")
}

func canReadApplications(a model.Actor) bool {
	switch a.Role {
	case model.RoleAdmin, model.RoleStaff, model.RoleInterviewer:
		return true
	}
	return false
}
