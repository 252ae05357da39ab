package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/adoption/model"
)

// querier is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgPool is the subset of *pgxpool.Pool used by PgEntityStore.
type PgPool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PgEntityStore is a PostgreSQL-backed EntityStore using pgx/v5. A unit of
// work is one transaction holding a transaction-scoped advisory lock on the
// animal code.
type PgEntityStore struct {
	pool PgPool
}

// NewPgEntityStore creates a new PostgreSQL entity store.
func NewPgEntityStore(pool PgPool) *PgEntityStore {
	return &PgEntityStore{pool: pool}
}

const (
	animalColumns = `code, name, species, breed, description, status,
		assigned_interviewer, reserved_for, version, created_at, updated_at`
	applicationColumns = `id, animal_code, applicant_id, applicant_name, applicant_email,
		applicant_phone, motivation, status, auto_closed, status_reason,
		version, created_at, updated_at`
	interviewColumns = `id, application_id, interviewer_id, scheduled_at, result,
		final_decision, version, created_at, updated_at`
	contractColumns = `id, application_id, animal_code, status, payment_proof, signature,
		expires_at, submitted_at, completed_at, version, created_at, updated_at`
)

// Load retrieves a committed entity.
func (s *PgEntityStore) Load(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error) {
	return loadEntity(ctx, s.pool, kind, id, false)
}

// ResolveAnimal returns the animal code that owns an entity.
func (s *PgEntityStore) ResolveAnimal(ctx context.Context, kind model.EntityKind, id string) (string, error) {
	var query string
	switch kind {
	case model.KindAnimal:
		query = `SELECT code FROM animals WHERE code = $1`
	case model.KindApplication:
		query = `SELECT animal_code FROM applications WHERE id = $1`
	case model.KindInterview:
		query = `SELECT a.animal_code FROM interviews i
			JOIN applications a ON a.id = i.application_id
			WHERE i.id = $1`
	case model.KindContract:
		query = `SELECT animal_code FROM contracts WHERE id = $1`
	default:
		return "", notFound(kind, id)
	}

	var code string
	err := s.pool.QueryRow(ctx, query, id).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound(kind, id)
	}
	if err != nil {
		return "", fmt.Errorf("resolve animal for %s %q: %w", kind, id, err)
	}
	return code, nil
}

// ListApplications returns every application for an animal, oldest first.
func (s *PgEntityStore) ListApplications(ctx context.Context, animalCode string) ([]*model.Application, error) {
	return findApplications(ctx, s.pool, animalCode)
}

// FindExpiredContracts returns active contracts past their expiry.
func (s *PgEntityStore) FindExpiredContracts(ctx context.Context, cutoff time.Time) ([]*model.Contract, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE status IN ('pending_signature', 'submitted') AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired contracts: %w", err)
	}
	return collectContracts(rows)
}

// Ping checks database connectivity.
func (s *PgEntityStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Atomically runs fn inside a transaction serialized per animal code.
func (s *PgEntityStore) Atomically(ctx context.Context, animalCode string, fn func(context.Context, Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after commit is a no-op.
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, animalCode); err != nil {
		return fmt.Errorf("lock animal %q: %w", animalCode, err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Load(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error) {
	return loadEntity(ctx, t.tx, kind, id, true)
}

func (t *pgTx) FindSiblings(ctx context.Context, animalCode string) ([]*model.Application, error) {
	return findApplications(ctx, t.tx, animalCode)
}

func (t *pgTx) FindInterviews(ctx context.Context, applicationID string) ([]*model.Interview, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+interviewColumns+`
		FROM interviews
		WHERE application_id = $1
		ORDER BY created_at ASC, id ASC`,
		applicationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query interviews: %w", err)
	}
	defer rows.Close()

	var out []*model.Interview
	for rows.Next() {
		i, err := scanInterview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (t *pgTx) FindContracts(ctx context.Context, animalCode string) ([]*model.Contract, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE animal_code = $1
		ORDER BY created_at ASC, id ASC`,
		animalCode,
	)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	return collectContracts(rows)
}

func (t *pgTx) Save(ctx context.Context, entities ...model.Entity) error {
	for _, e := range entities {
		var err error
		if e.StoredVersion() == 0 {
			err = insertEntity(ctx, t.tx, e)
		} else {
			err = updateEntity(ctx, t.tx, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func loadEntity(ctx context.Context, q querier, kind model.EntityKind, id string, forUpdate bool) (model.Entity, error) {
	var (
		query string
		scan  func(pgx.Row) (model.Entity, error)
	)
	switch kind {
	case model.KindAnimal:
		query = `SELECT ` + animalColumns + ` FROM animals WHERE code = $1`
		scan = func(r pgx.Row) (model.Entity, error) { return scanAnimal(r) }
	case model.KindApplication:
		query = `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
		scan = func(r pgx.Row) (model.Entity, error) { return scanApplication(r) }
	case model.KindInterview:
		query = `SELECT ` + interviewColumns + ` FROM interviews WHERE id = $1`
		scan = func(r pgx.Row) (model.Entity, error) { return scanInterview(r) }
	case model.KindContract:
		query = `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`
		scan = func(r pgx.Row) (model.Entity, error) { return scanContract(r) }
	default:
		return nil, notFound(kind, id)
	}
	if forUpdate {
		query += ` FOR UPDATE`
	}

	e, err := scan(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %q: %w", kind, id, err)
	}
	return e, nil
}

func findApplications(ctx context.Context, q querier, animalCode string) ([]*model.Application, error) {
	rows, err := q.Query(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE animal_code = $1
		ORDER BY created_at ASC, id ASC`,
		animalCode,
	)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var out []*model.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func collectContracts(rows pgx.Rows) ([]*model.Contract, error) {
	defer rows.Close()
	var out []*model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanAnimal(r pgx.Row) (*model.Animal, error) {
	var a model.Animal
	err := r.Scan(
		&a.Code, &a.Name, &a.Species, &a.Breed, &a.Description, &a.State,
		&a.AssignedInterviewer, &a.ReservedFor, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanApplication(r pgx.Row) (*model.Application, error) {
	var a model.Application
	err := r.Scan(
		&a.ID, &a.AnimalCode, &a.ApplicantID, &a.ApplicantName, &a.ApplicantEmail,
		&a.ApplicantPhone, &a.Motivation, &a.State, &a.AutoClosed, &a.StatusReason,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanInterview(r pgx.Row) (*model.Interview, error) {
	var i model.Interview
	err := r.Scan(
		&i.ID, &i.ApplicationID, &i.InterviewerID, &i.ScheduledAt, &i.Result,
		&i.FinalDecision, &i.Version, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func scanContract(r pgx.Row) (*model.Contract, error) {
	var c model.Contract
	err := r.Scan(
		&c.ID, &c.ApplicationID, &c.AnimalCode, &c.State, &c.PaymentProof, &c.Signature,
		&c.ExpiresAt, &c.SubmittedAt, &c.CompletedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func insertEntity(ctx context.Context, q querier, e model.Entity) error {
	var err error
	switch v := e.(type) {
	case *model.Animal:
		_, err = q.Exec(ctx, `
			INSERT INTO animals (`+animalColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)`,
			v.Code, v.Name, v.Species, v.Breed, v.Description, v.State,
			v.AssignedInterviewer, v.ReservedFor, v.CreatedAt, v.UpdatedAt,
		)
	case *model.Application:
		_, err = q.Exec(ctx, `
			INSERT INTO applications (`+applicationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)`,
			v.ID, v.AnimalCode, v.ApplicantID, v.ApplicantName, v.ApplicantEmail,
			v.ApplicantPhone, v.Motivation, v.State, v.AutoClosed, v.StatusReason,
			v.CreatedAt, v.UpdatedAt,
		)
	case *model.Interview:
		_, err = q.Exec(ctx, `
			INSERT INTO interviews (`+interviewColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)`,
			v.ID, v.ApplicationID, v.InterviewerID, v.ScheduledAt, v.Result,
			v.FinalDecision, v.CreatedAt, v.UpdatedAt,
		)
	case *model.Contract:
		_, err = q.Exec(ctx, `
			INSERT INTO contracts (`+contractColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
			v.ID, v.ApplicationID, v.AnimalCode, v.State, v.PaymentProof, v.Signature,
			v.ExpiresAt, v.SubmittedAt, v.CompletedAt, v.CreatedAt, v.UpdatedAt,
		)
	}
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("%s %q already exists", e.Kind(), e.EntityID()))
	}
	return fmt.Errorf("insert %s: %w", e.Kind(), err)
}

func updateEntity(ctx context.Context, q querier, e model.Entity) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch v := e.(type) {
	case *model.Animal:
		tag, err = q.Exec(ctx, `
			UPDATE animals SET
				status = $1, assigned_interviewer = $2, reserved_for = $3,
				version = version + 1, updated_at = $4
			WHERE code = $5 AND version = $6`,
			v.State, v.AssignedInterviewer, v.ReservedFor, v.UpdatedAt,
			v.Code, v.Version,
		)
	case *model.Application:
		tag, err = q.Exec(ctx, `
			UPDATE applications SET
				status = $1, auto_closed = $2, status_reason = $3,
				version = version + 1, updated_at = $4
			WHERE id = $5 AND version = $6`,
			v.State, v.AutoClosed, v.StatusReason, v.UpdatedAt,
			v.ID, v.Version,
		)
	case *model.Interview:
		tag, err = q.Exec(ctx, `
			UPDATE interviews SET
				interviewer_id = $1, scheduled_at = $2, result = $3, final_decision = $4,
				version = version + 1, updated_at = $5
			WHERE id = $6 AND version = $7`,
			v.InterviewerID, v.ScheduledAt, v.Result, v.FinalDecision, v.UpdatedAt,
			v.ID, v.Version,
		)
	case *model.Contract:
		tag, err = q.Exec(ctx, `
			UPDATE contracts SET
				status = $1, payment_proof = $2, signature = $3,
				submitted_at = $4, completed_at = $5,
				version = version + 1, updated_at = $6
			WHERE id = $7 AND version = $8`,
			v.State, v.PaymentProof, v.Signature, v.SubmittedAt, v.CompletedAt, v.UpdatedAt,
			v.ID, v.Version,
		)
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", e.Kind(), err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("%s %q version conflict (expected %d)", e.Kind(), e.EntityID(), e.StoredVersion()),
		)
	}
	return nil
}
