// Package refdata resolves the patient, doctor, department and location
// references carried on case notes. The rows are owned by other systems;
// this package only reads them.
package refdata

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("reference not found")

type Patient struct {
	ID     uuid.UUID `json:"id"`
	MRN    string    `json:"mrn"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

type Department struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

type Doctor struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	Active       bool       `json:"active"`
}

type Location struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

// Resolver looks up reference entities by id, returning ErrNotFound for
// unknown ids. Inactive entities are returned; callers decide whether an
// inactive reference is acceptable.
type Resolver interface {
	ResolvePatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	ResolveDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ResolveDepartment(ctx context.Context, id uuid.UUID) (*Department, error)
	ResolveLocation(ctx context.Context, id uuid.UUID) (*Location, error)
}
