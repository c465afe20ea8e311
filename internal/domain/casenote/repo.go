package casenote

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStale means the row's version moved between read and write.
	ErrStale = errors.New("stale version")
	// ErrDuplicate means a uniqueness guard in storage fired: a second
	// blocking record for a patient or a second active handover.
	ErrDuplicate = errors.New("duplicate")
)

// CaseNoteFilter narrows Search. Nil fields do not filter.
type CaseNoteFilter struct {
	PatientID   *uuid.UUID
	Status      *Status
	CustodianID *uuid.UUID
	RequestedBy *uuid.UUID
	BatchID     *uuid.UUID
}

type CaseNoteRepository interface {
	NextRequestSeq(ctx context.Context) (int64, error)
	// LockPatient serializes request creation per patient until the
	// surrounding transaction ends.
	LockPatient(ctx context.Context, patientID uuid.UUID) error
	CountBlocking(ctx context.Context, patientID uuid.UUID, exclude *uuid.UUID) (int, error)

	Create(ctx context.Context, cn *CaseNote) error
	GetByID(ctx context.Context, id uuid.UUID) (*CaseNote, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*CaseNote, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*CaseNote, error)
	ListByBatchForUpdate(ctx context.Context, batchID uuid.UUID) ([]*CaseNote, error)
	Search(ctx context.Context, f CaseNoteFilter, limit, offset int) ([]*CaseNote, int, error)

	// Update writes cn if its version is unchanged and bumps the version.
	Update(ctx context.Context, cn *CaseNote) error
	// UpdateMany is Update for several rows in one round trip.
	UpdateMany(ctx context.Context, cns []*CaseNote) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type HandoverRepository interface {
	Create(ctx context.Context, h *Handover) error
	GetByID(ctx context.Context, id uuid.UUID) (*Handover, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Handover, error)
	Update(ctx context.Context, h *Handover) error
	ListByCaseNote(ctx context.Context, caseNoteID uuid.UUID, limit, offset int) ([]*Handover, int, error)

	// MarkOverdue stamps overdue_at on every handover still pending that
	// was requested at or before cutoff and has not been stamped, returning
	// the rows it changed.
	MarkOverdue(ctx context.Context, cutoff, now time.Time) ([]*Handover, error)
	// MarkEscalated does the same for escalated_at.
	MarkEscalated(ctx context.Context, cutoff, now time.Time) ([]*Handover, error)
}

type BatchRepository interface {
	NextBatchSeq(ctx context.Context) (int64, error)
	Create(ctx context.Context, b *Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*Batch, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Batch, error)
	Update(ctx context.Context, b *Batch) error
}
