package casenote

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casenote/internal/platform/apperr"
)

type BatchStatus string

const (
	BatchPending           BatchStatus = "pending"
	BatchApproved          BatchStatus = "approved"
	BatchRejected          BatchStatus = "rejected"
	BatchPartiallyApproved BatchStatus = "partially_approved"
)

const MaxBatchItems = 20

// Batch groups up to MaxBatchItems case-note requests that share a context
// and are processed as one unit.
type Batch struct {
	ID           uuid.UUID   `json:"id"`
	BatchNumber  string      `json:"batch_number"`
	RequestedBy  uuid.UUID   `json:"requested_by"`
	Status       BatchStatus `json:"status"`
	DepartmentID *uuid.UUID  `json:"department_id,omitempty"`
	DoctorID     *uuid.UUID  `json:"doctor_id,omitempty"`
	LocationID   *uuid.UUID  `json:"location_id,omitempty"`
	Priority     string      `json:"priority"`
	NeededDate   *time.Time  `json:"needed_date,omitempty"`
	Notes        string      `json:"notes,omitempty"`

	TotalCount    int `json:"total_count"`
	ApprovedCount int `json:"approved_count"`
	ReceivedCount int `json:"received_count"`
	RejectedCount int `json:"rejected_count"`

	SubmittedAt     time.Time  `json:"submitted_at"`
	ProcessedBy     *uuid.UUID `json:"processed_by,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessingNotes string     `json:"processing_notes,omitempty"`

	IsVerified        bool       `json:"is_verified"`
	VerifiedBy        *uuid.UUID `json:"verified_by,omitempty"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	VerificationNotes string     `json:"verification_notes,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Items []*CaseNote `json:"items,omitempty"`
}

func (b *Batch) requirePending(op string) error {
	if b.Status != BatchPending {
		return apperr.Conflict(op, "batch has already been processed", string(b.Status), string(BatchPending))
	}
	return nil
}

// requireReceivable guards both receipt operations.
func (b *Batch) requireReceivable(op string, actor uuid.UUID) error {
	if b.Status != BatchApproved && b.Status != BatchPartiallyApproved {
		return apperr.Conflict(op, "batch has no approved items to receive", string(b.Status),
			string(BatchApproved)+"|"+string(BatchPartiallyApproved))
	}
	if b.IsVerified {
		return apperr.Conflict(op, "batch receipt already verified", "verified", "unverified")
	}
	if b.RequestedBy != actor {
		return apperr.Unauthorized(op, "only the batch requester may confirm receipt")
	}
	return nil
}

// recordProcessed sets the outcome of processing from the per-item tallies.
func (b *Batch) recordProcessed(actor uuid.UUID, approved, rejected int, notes string, now time.Time) {
	switch {
	case approved > 0 && rejected > 0:
		b.Status = BatchPartiallyApproved
	case approved > 0:
		b.Status = BatchApproved
	default:
		b.Status = BatchRejected
	}
	b.ApprovedCount += approved
	b.RejectedCount += rejected
	b.ProcessedBy, b.ProcessedAt = &actor, &now
	b.ProcessingNotes = notes
	b.UpdatedAt = now
}

// recordReceipt recomputes the receipt tally from the children. The batch
// is verified exactly when every approved item has been received.
func (b *Batch) recordReceipt(actor uuid.UUID, received int, notes string, now time.Time) {
	b.ReceivedCount = received
	b.IsVerified = received == b.ApprovedCount
	if b.IsVerified {
		b.VerifiedBy, b.VerifiedAt = &actor, &now
	}
	if notes != "" {
		b.VerificationNotes = notes
	}
	b.UpdatedAt = now
}
