package refdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/casenote/internal/platform/db"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type resolverPG struct {
	pool *pgxpool.Pool
}

func NewResolverPG(pool *pgxpool.Pool) Resolver {
	return &resolverPG{pool: pool}
}

func (r *resolverPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func notFound(entity string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return fmt.Errorf("resolve %s: %w", entity, err)
}

func (r *resolverPG) ResolvePatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, mrn, name, active FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.MRN, &p.Name, &p.Active)
	if err != nil {
		return nil, notFound("patient", err)
	}
	return &p, nil
}

func (r *resolverPG) ResolveDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var d Doctor
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, department_id, active FROM doctors WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.DepartmentID, &d.Active)
	if err != nil {
		return nil, notFound("doctor", err)
	}
	return &d, nil
}

func (r *resolverPG) ResolveDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	var d Department
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, active FROM departments WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.Active)
	if err != nil {
		return nil, notFound("department", err)
	}
	return &d, nil
}

func (r *resolverPG) ResolveLocation(ctx context.Context, id uuid.UUID) (*Location, error) {
	var l Location
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, active FROM locations WHERE id = $1`, id).
		Scan(&l.ID, &l.Name, &l.Active)
	if err != nil {
		return nil, notFound("location", err)
	}
	return &l, nil
}
