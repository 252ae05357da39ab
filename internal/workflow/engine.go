package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/adoption/internal/authz"
	"github.com/pitabwire/adoption/internal/observability"
	"github.com/pitabwire/adoption/model"
)

const (
	defaultContractWindow = 7 * 24 * time.Hour
	defaultResultTTL      = 24 * time.Hour
	reservationTTL        = 30 * time.Second
)

// Authorizer decides whether an actor may request a transition.
// *authz.Gate is the production implementation.
type Authorizer interface {
	Check(req authz.Request) authz.Decision
}

// Notifier receives events after a unit of work commits. Emit must not block
// and never reports failure to the engine.
type Notifier interface {
	Emit(event model.NotificationEvent)
}

// ContractTokens issues and verifies the tokens that let an applicant submit
// a contract without an account.
type ContractTokens interface {
	Issue(c *model.Contract) (string, error)
	Verify(token, contractID string) error
}

// ResultCache deduplicates requests that carry a request token.
type ResultCache interface {
	// Check returns the cached result for key. A key reused with a
	// different input hash is a CONFLICT.
	Check(ctx context.Context, key, inputHash string) (*model.TransitionResult, bool, error)
	Store(ctx context.Context, key, inputHash string, result model.TransitionResult, ttl time.Duration) error
	// Reserve marks key as in flight. It reports false when another
	// request already holds the reservation.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type nopNotifier struct{}

func (nopNotifier) Emit(model.NotificationEvent) {}

// Engine runs transition requests against the entity store. It holds no
// mutable state of its own and is safe for concurrent use.
type Engine struct {
	store    EntityStore
	gate     Authorizer
	notifier Notifier
	tokens   ContractTokens
	results  ResultCache

	logger  *zap.Logger
	metrics *observability.Metrics

	now              func() time.Time
	newID            func() string
	contractWindow   time.Duration
	autoOpenContract bool
	resultTTL        time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics the engine records into.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the identifier source for created entities and
// events.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithContractWindow sets how long an opened contract stays signable.
func WithContractWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.contractWindow = d
		}
	}
}

// WithAutoOpenContract controls whether approving an application opens its
// contract in the same unit of work.
func WithAutoOpenContract(enabled bool) Option {
	return func(e *Engine) { e.autoOpenContract = enabled }
}

// WithContractTokens enables contract tokens.
func WithContractTokens(t ContractTokens) Option {
	return func(e *Engine) { e.tokens = t }
}

// WithResultCache enables request-token deduplication.
func WithResultCache(c ResultCache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.results = c
		if ttl > 0 {
			e.resultTTL = ttl
		}
	}
}

// NewEngine creates a workflow engine. A nil gate uses the default policy and
// a nil notifier discards events.
func NewEngine(store EntityStore, gate Authorizer, notifier Notifier, opts ...Option) *Engine {
	if gate == nil {
		gate = authz.NewGate(nil)
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	e := &Engine{
		store:            store,
		gate:             gate,
		notifier:         notifier,
		logger:           zap.NewNop(),
		now:              func() time.Time { return time.Now().UTC() },
		newID:            func() string { return uuid.New().String() },
		contractWindow:   defaultContractWindow,
		autoOpenContract: true,
		resultTTL:        defaultResultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestTransition applies one transition and its cascades as a single
// atomic unit of work, then emits notifications for what changed.
func (e *Engine) RequestTransition(ctx context.Context, actor model.Actor, req model.TransitionRequest) (*model.TransitionResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrEntityKind.String(string(req.Kind)),
		observability.AttrEntityID.String(req.EntityID),
		observability.AttrTransition.String(string(req.Transition)),
		observability.AttrActorRole.String(string(actor.Role)),
	)

	res, err := e.requestTransition(ctx, actor, req)

	e.metrics.RecordTransition(string(req.Kind), string(req.Transition), outcomeOf(res, err), time.Since(start))
	if res != nil {
		span.SetAttributes(observability.AttrReplayed.Bool(res.Replayed))
	}
	observability.EndSpanWithError(span, err)
	return res, err
}

func (e *Engine) requestTransition(ctx context.Context, actor model.Actor, req model.TransitionRequest) (*model.TransitionResult, error) {
	logger := e.logger.With(
		zap.String("entity_kind", string(req.Kind)),
		zap.String("entity_id", req.EntityID),
		zap.String("transition", string(req.Transition)),
		zap.String("actor_id", actor.ID),
		zap.String("actor_role", string(actor.Role)),
	)
	logger.Debug("transition requested", observability.RedactedPayload("payload", req.Payload))

	if !req.Kind.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown entity kind %q", req.Kind))
	}

	key, hash := e.requestKey(actor, req.RequestToken, req)
	cached, release, err := e.claim(ctx, key, hash)
	if cached != nil || err != nil {
		return cached, err
	}
	defer release()

	animalCode, err := e.resolveAnimal(ctx, req.Kind, req.EntityID)
	if err != nil {
		return nil, e.reject(logger, err)
	}

	var res *model.TransitionResult
	u, err := e.atomically(ctx, animalCode, actor, func(ctx context.Context, u *unit) error {
		var err error
		res, err = e.transition(ctx, u, req)
		return err
	})
	if err != nil {
		return nil, e.reject(logger, err)
	}

	e.committed(ctx, logger, u, res)
	e.remember(ctx, key, hash, res)
	return res, nil
}

// transition runs inside the unit of work.
func (e *Engine) transition(ctx context.Context, u *unit, req model.TransitionRequest) (*model.TransitionResult, error) {
	ent, err := u.load(ctx, req.Kind, req.EntityID)
	if err != nil {
		return nil, err
	}
	from := ent.Status()

	rel, err := e.relationship(ctx, u, ent, req.Payload)
	if err != nil {
		return nil, err
	}
	if d := e.gate.Check(authz.Request{
		Role:         u.actor.Role,
		Kind:         req.Kind,
		CurrentState: from,
		Transition:   req.Transition,
		Relation:     rel,
	}); !d.Allowed {
		return nil, model.NewForbiddenError(d.Reason)
	}

	// The gate only allows declared transitions, so parsing cannot fail here.
	t, _ := model.ParseTransition(req.Kind, string(req.Transition))
	if t.Name == model.TransitionCreate {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("%s %q already exists", req.Kind, req.EntityID))
	}

	to, err := Target(t, req.Payload)
	if err != nil {
		return nil, err
	}
	if t.Name != model.TransitionOverride && !Legal(req.Kind, from, to) {
		if app, ok := ent.(*model.Application); ok && app.AutoClosed && t.Name == model.TransitionApprove {
			return nil, model.NewCascadeConflictError(fmt.Sprintf(
				"application %q for animal %q was closed: %s", app.ID, app.AnimalCode, app.StatusReason,
			))
		}
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("%s %q cannot %s from %s", req.Kind, req.EntityID, t.Name, from))
	}
	if c, ok := ent.(*model.Contract); ok && t.Name == model.TransitionSubmit && !u.now.Before(c.ExpiresAt) {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("contract %q signing window closed at %s", c.ID, c.ExpiresAt.Format(time.RFC3339)))
	}

	setStatus(ent, to)
	apply(ent, t.Name, req.Payload, u.now)
	if err := checkRequired(ent, t.Name); err != nil {
		return nil, err
	}
	u.mark(ent)

	if t.Name != model.TransitionOverride {
		if err := e.cascade(ctx, u, ent, t.Name); err != nil {
			return nil, err
		}
	}

	return &model.TransitionResult{
		Kind:     req.Kind,
		EntityID: req.EntityID,
		From:     from,
		NewState: to,
		Cascaded: u.cascaded(),
		Created:  u.created,
	}, nil
}

// relationship derives the relationship facts the gate needs from what the
// unit of work has loaded.
func (e *Engine) relationship(ctx context.Context, u *unit, ent model.Entity, p model.Payload) (authz.Relationship, error) {
	var rel authz.Relationship
	actorID := u.actor.ID

	switch v := ent.(type) {
	case *model.Application:
		rel.IsApplicationCreator = actorID != "" && v.ApplicantID == actorID
	case *model.Interview:
		rel.IsAssignedInterviewer = actorID != "" && v.InterviewerID == actorID
	case *model.Contract:
		app, err := u.application(ctx, v.ApplicationID)
		if err != nil {
			return rel, err
		}
		rel.IsApplicationCreator = actorID != "" && app.ApplicantID == actorID
		if p.ContractToken != "" && e.tokens != nil {
			rel.HoldsContractToken = e.tokens.Verify(p.ContractToken, v.ID) == nil
		}
	}
	return rel, nil
}

// atomically runs fn in a fresh unit of work and flushes it. Store failures
// are retried once with a new unit; policy and state errors are returned
// as they are.
func (e *Engine) atomically(ctx context.Context, animalCode string, actor model.Actor, fn func(context.Context, *unit) error) (*unit, error) {
	var u *unit
	err := e.retryOnce(ctx, "atomically", func() error {
		return e.store.Atomically(ctx, animalCode, func(ctx context.Context, tx Tx) error {
			u = newUnit(tx, actor, e.now(), e.newID)
			if err := fn(ctx, u); err != nil {
				return err
			}
			return u.flush(ctx)
		})
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (e *Engine) resolveAnimal(ctx context.Context, kind model.EntityKind, id string) (string, error) {
	var code string
	err := e.retryOnce(ctx, "resolve_animal", func() error {
		var err error
		code, err = e.store.ResolveAnimal(ctx, kind, id)
		return err
	})
	return code, err
}

// retryOnce runs a store operation, retrying it once when it fails with
// anything other than an envelope error. A second failure, or a failure
// after ctx is done, becomes STORAGE_UNAVAILABLE.
func (e *Engine) retryOnce(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || isEnvelope(err) {
		return err
	}
	if ctx.Err() == nil {
		e.metrics.RecordStoreRetry()
		e.logger.Warn("entity store call failed, retrying",
			zap.String("operation", op),
			zap.Error(err),
		)
		err = fn()
		if err == nil || isEnvelope(err) {
			return err
		}
	}
	e.logger.Error("entity store unavailable",
		zap.String("operation", op),
		zap.Error(err),
	)
	return model.NewStorageUnavailableError()
}

func isEnvelope(err error) bool {
	_, ok := model.AsEnvelope(err)
	return ok
}

// reject logs a failed request. Storage failures were already logged at
// error by retryOnce.
func (e *Engine) reject(logger *zap.Logger, err error) error {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		logger.Error("transition failed", zap.Error(err))
		return model.NewInternalError()
	}
	if ee.Code != model.ErrStorageUnavailable {
		logger.Warn("transition rejected",
			zap.String("code", ee.Code),
			zap.String("reason", ee.Message),
		)
	}
	return err
}

// committed records and publishes everything a successful unit of work did.
func (e *Engine) committed(ctx context.Context, logger *zap.Logger, u *unit, res *model.TransitionResult) {
	for _, c := range res.Cascaded {
		e.metrics.RecordCascade(string(c.Kind), c.To)
	}
	logger.Info("transition committed",
		zap.String("from", res.From),
		zap.String("to", res.NewState),
		zap.Int("cascades", len(res.Cascaded)),
		zap.Int("created", len(res.Created)),
	)
	e.publish(ctx, u)
}

// publish hands the unit's events to the notifier. Token issuing failures
// only cost the event its token.
func (e *Engine) publish(ctx context.Context, u *unit) {
	for _, pe := range u.events {
		ev := pe.event
		if pe.contract != nil && e.tokens != nil {
			token, err := e.tokens.Issue(pe.contract)
			if err != nil {
				observability.LoggerFrom(ctx, e.logger).Warn("issuing contract token",
					zap.String("contract_id", pe.contract.ID),
					zap.Error(err),
				)
			} else {
				ev.Data["contract_token"] = token
			}
		}
		e.notifier.Emit(ev)
	}
}

func (e *Engine) requestKey(actor model.Actor, token string, input any) (key, hash string) {
	if token == "" || e.results == nil {
		return "", ""
	}
	data, _ := json.Marshal(input)
	h := sha256.Sum256(data)
	return fmt.Sprintf("idem:%s:%s:%s", actor.Role, actor.ID, token), hex.EncodeToString(h[:])
}

// replay returns the cached result of an earlier identical request. A cache
// outage degrades to running the request again.
func (e *Engine) replay(ctx context.Context, key, hash string) (*model.TransitionResult, error) {
	if key == "" {
		return nil, nil
	}
	cached, found, err := e.results.Check(ctx, key, hash)
	if err != nil {
		if isEnvelope(err) {
			return nil, err
		}
		e.logger.Warn("idempotency check failed", zap.Error(err))
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	e.metrics.RecordIdempotentReplay()
	cached.Replayed = true
	return cached, nil
}

// claim replays an earlier result for key or reserves key for the caller,
// who must call release after remembering the outcome. A concurrent request
// holding the same token gets CONFLICT.
func (e *Engine) claim(ctx context.Context, key, hash string) (*model.TransitionResult, func(), error) {
	if cached, err := e.replay(ctx, key, hash); cached != nil || err != nil {
		return cached, nil, err
	}
	noop := func() {}
	if key == "" {
		return nil, noop, nil
	}
	ok, err := e.results.Reserve(ctx, key, hash, reservationTTL)
	if err != nil {
		e.logger.Warn("idempotency reserve failed", zap.Error(err))
		return nil, noop, nil
	}
	if !ok {
		if cached, err := e.replay(ctx, key, hash); cached != nil || err != nil {
			return cached, nil, err
		}
		return nil, nil, model.NewConflictError("a request with this token is still in progress")
	}
	release := func() {
		if err := e.results.Release(context.WithoutCancel(ctx), key); err != nil {
			e.logger.Warn("idempotency release failed", zap.Error(err))
		}
	}
	// The holder of an earlier reservation may have finished in between.
	if cached, err := e.replay(ctx, key, hash); cached != nil || err != nil {
		release()
		return cached, nil, err
	}
	return nil, release, nil
}

func (e *Engine) remember(ctx context.Context, key, hash string, res *model.TransitionResult) {
	if key == "" || res == nil {
		return
	}
	if err := e.results.Store(ctx, key, hash, *res, e.resultTTL); err != nil {
		e.logger.Warn("idempotency store failed", zap.Error(err))
	}
}

func outcomeOf(res *model.TransitionResult, err error) string {
	if err != nil {
		if ee, ok := model.AsEnvelope(err); ok {
			return strings.ToLower(ee.Code)
		}
		return "error"
	}
	if res != nil && res.Replayed {
		return "replayed"
	}
	return "ok"
}

// Get returns the committed state of a single entity.
func (e *Engine) Get(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error) {
	if !kind.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown entity kind %q", kind))
	}
	var ent model.Entity
	err := e.retryOnce(ctx, "load", func() error {
		var err error
		ent, err = e.store.Load(ctx, kind, id)
		return err
	})
	return ent, err
}

// ListApplications returns every application for an animal, oldest first.
func (e *Engine) ListApplications(ctx context.Context, animalCode string) ([]*model.Application, error) {
	if _, err := e.Get(ctx, model.KindAnimal, animalCode); err != nil {
		return nil, err
	}
	var apps []*model.Application
	err := e.retryOnce(ctx, "list_applications", func() error {
		var err error
		apps, err = e.store.ListApplications(ctx, animalCode)
		return err
	})
	return apps, err
}

// HealthCheck reports whether the entity store is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.store.Ping(ctx)
}
