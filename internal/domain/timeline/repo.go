package timeline

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("timeline event not found")

// Repository is append-only: there is no update or delete, and events
// outlive a deleted case note.
type Repository interface {
	Append(ctx context.Context, e *Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	ListByCaseNote(ctx context.Context, caseNoteID uuid.UUID) ([]*Event, error)
	CaseNoteExists(ctx context.Context, caseNoteID uuid.UUID) (bool, error)
}
