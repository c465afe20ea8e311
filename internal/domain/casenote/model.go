package casenote

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casenote/internal/platform/apperr"
)

// Status is the primary lifecycle state of a case note.
type Status string

const (
	StatusPending                   Status = "pending"
	StatusApproved                  Status = "approved"
	StatusRejected                  Status = "rejected"
	StatusInProgress                Status = "in_progress"
	StatusPendingReturnVerification Status = "pending_return_verification"
	StatusCompleted                 Status = "completed"
)

// HandoverState mirrors the latest handover onto the case note.
type HandoverState string

const (
	HandoverNone                        HandoverState = "none"
	HandoverPendingAcknowledgement      HandoverState = "pending_acknowledgement"
	HandoverAcknowledged                HandoverState = "acknowledged"
	HandoverApprovedPendingVerification HandoverState = "approved_pending_verification"
	HandoverVerified                    HandoverState = "verified"
	HandoverRejected                    HandoverState = "rejected"
	HandoverCompleted                   HandoverState = "completed"
)

var priorities = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}

// CaseNote is one request for a patient's physical record folder and the
// custody state that follows it. Fields change only through the guarded
// methods below; CurrentCustodian is the ownership registry.
type CaseNote struct {
	ID            uuid.UUID  `json:"id"`
	RequestNumber string     `json:"request_number"`
	PatientID     uuid.UUID  `json:"patient_id"`
	RequestedBy   uuid.UUID  `json:"requested_by"`
	DepartmentID  *uuid.UUID `json:"department_id,omitempty"`
	DoctorID      *uuid.UUID `json:"doctor_id,omitempty"`
	LocationID    *uuid.UUID `json:"location_id,omitempty"`
	Priority      string     `json:"priority"`
	NeededDate    *time.Time `json:"needed_date,omitempty"`
	Purpose       string     `json:"purpose,omitempty"`
	Remarks       string     `json:"remarks,omitempty"`

	CurrentCustodian *uuid.UUID `json:"current_custodian,omitempty"`
	Status           Status     `json:"status"`

	ApprovedBy    *uuid.UUID `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	RejectedBy    *uuid.UUID `json:"rejected_by,omitempty"`
	RejectedAt    *time.Time `json:"rejected_at,omitempty"`
	RejectionNote string     `json:"rejection_note,omitempty"`

	IsReceived bool       `json:"is_received"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
	ReceivedBy *uuid.UUID `json:"received_by,omitempty"`

	IsReturned  bool       `json:"is_returned"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
	ReturnedBy  *uuid.UUID `json:"returned_by,omitempty"`
	ReturnNotes string     `json:"return_notes,omitempty"`

	// Set by a rejected return and by a receipt the requester disowned.
	// Kept apart from the primary rejection above.
	IsRejectedReturn  bool       `json:"is_rejected_return"`
	RejectionReason   string     `json:"rejection_reason,omitempty"`
	RejectionReasonAt *time.Time `json:"rejection_reason_at,omitempty"`
	RejectionReasonBy *uuid.UUID `json:"rejection_reason_by,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy *uuid.UUID `json:"completed_by,omitempty"`

	HandoverStatus   HandoverState `json:"handover_status"`
	ActiveHandoverID *uuid.UUID    `json:"active_handover_id,omitempty"`
	BatchID          *uuid.UUID    `json:"batch_id,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Context is the department/doctor/location a case note is held for.
type Context struct {
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	LocationID   *uuid.UUID `json:"location_id,omitempty"`
}

func (cn *CaseNote) context() Context {
	return Context{DepartmentID: cn.DepartmentID, DoctorID: cn.DoctorID, LocationID: cn.LocationID}
}

func (cn *CaseNote) setContext(c Context) {
	cn.DepartmentID, cn.DoctorID, cn.LocationID = c.DepartmentID, c.DoctorID, c.LocationID
}

// newCaseNote builds a pending request held by its requester.
func newCaseNote(requester uuid.UUID, in CreateRequest, batchID *uuid.UUID, now time.Time) *CaseNote {
	priority := in.Priority
	if priority == "" {
		priority = "normal"
	}
	return &CaseNote{
		ID:               uuid.New(),
		PatientID:        in.PatientID,
		RequestedBy:      requester,
		DepartmentID:     in.DepartmentID,
		DoctorID:         in.DoctorID,
		LocationID:       in.LocationID,
		Priority:         priority,
		NeededDate:       in.NeededDate,
		Purpose:          in.Purpose,
		Remarks:          in.Remarks,
		CurrentCustodian: &requester,
		Status:           StatusPending,
		HandoverStatus:   HandoverNone,
		BatchID:          batchID,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Blocking reports whether this record prevents a new request for the same
// patient.
func (cn *CaseNote) Blocking() bool {
	switch cn.Status {
	case StatusPending, StatusApproved, StatusInProgress, StatusPendingReturnVerification:
		return true
	}
	return cn.IsReturned && !cn.IsRejectedReturn
}

// held reports whether the record is with a CA: approved, received, and
// not awaiting return verification.
func (cn *CaseNote) held() bool {
	return cn.Status == StatusApproved && cn.IsReceived && (!cn.IsReturned || cn.IsRejectedReturn)
}

func (cn *CaseNote) isCustodian(actor uuid.UUID) bool {
	return cn.CurrentCustodian != nil && *cn.CurrentCustodian == actor
}

func (cn *CaseNote) requireStatus(op string, want Status) error {
	if cn.Status != want {
		return apperr.Conflict(op, "case note is not "+string(want), string(cn.Status), string(want))
	}
	return nil
}

func (cn *CaseNote) requireNoHandover(op string) error {
	if cn.ActiveHandoverID != nil {
		return apperr.Conflict(op, "case note has a handover in progress",
			string(cn.HandoverStatus), string(HandoverNone))
	}
	return nil
}

func (cn *CaseNote) requireCustodian(op string, actor uuid.UUID) error {
	if !cn.isCustodian(actor) {
		return apperr.Unauthorized(op, "actor is not the current custodian")
	}
	return nil
}

func (cn *CaseNote) touch(now time.Time) { cn.UpdatedAt = now }

// -- Guarded transitions --
//
// Each method checks every guard before it writes any field. State guards
// run before actor guards so a caller that lost a race sees the state that
// beat it.

func (cn *CaseNote) approve(actor uuid.UUID, now time.Time) error {
	if err := cn.requireStatus("casenote.approve", StatusPending); err != nil {
		return err
	}
	cn.Status = StatusApproved
	cn.ApprovedBy, cn.ApprovedAt = &actor, &now
	cn.touch(now)
	return nil
}

func (cn *CaseNote) reject(actor uuid.UUID, note string, now time.Time) error {
	if err := cn.requireStatus("casenote.reject", StatusPending); err != nil {
		return err
	}
	cn.Status = StatusRejected
	cn.RejectedBy, cn.RejectedAt = &actor, &now
	cn.RejectionNote = note
	cn.touch(now)
	return nil
}

func (cn *CaseNote) markReceived(actor uuid.UUID, now time.Time) error {
	const op = "casenote.receive"
	if err := cn.requireStatus(op, StatusApproved); err != nil {
		return err
	}
	if cn.IsReceived {
		return apperr.Conflict(op, "case note already received", "received", "not received")
	}
	if cn.BatchID != nil {
		return apperr.Conflict(op, "receipt of batch items is confirmed on the batch", "batch item", "single request")
	}
	if err := cn.requireCustodian(op, actor); err != nil {
		return err
	}
	cn.IsReceived = true
	cn.ReceivedBy, cn.ReceivedAt = &actor, &now
	cn.touch(now)
	return nil
}

// rejectNotReceived undoes an approval whose receipt the requester disowns.
// The record goes back to pending with approval and receipt cleared.
func (cn *CaseNote) rejectNotReceived(actor uuid.UUID, reason string, now time.Time) error {
	const op = "casenote.reject_not_received"
	if err := cn.requireStatus(op, StatusApproved); err != nil {
		return err
	}
	if !cn.IsReceived {
		return apperr.Conflict(op, "case note has not been marked received", "not received", "received")
	}
	if cn.IsReturned {
		return apperr.Conflict(op, "case note has been returned", "returned", "not returned")
	}
	if err := cn.requireNoHandover(op); err != nil {
		return err
	}
	if cn.RequestedBy != actor {
		return apperr.Unauthorized(op, "only the requester may reject a receipt")
	}
	requester := cn.RequestedBy
	cn.Status = StatusPending
	cn.ApprovedBy, cn.ApprovedAt = nil, nil
	cn.IsReceived, cn.ReceivedBy, cn.ReceivedAt = false, nil, nil
	cn.RejectionReason = reason
	cn.RejectionReasonAt, cn.RejectionReasonBy = &now, &actor
	cn.CurrentCustodian = &requester
	cn.touch(now)
	return nil
}

func (cn *CaseNote) returnToRecords(actor uuid.UUID, notes string, now time.Time) (resubmission bool, err error) {
	const op = "casenote.return"
	if !cn.held() {
		switch {
		case cn.Status != StatusApproved:
			return false, cn.requireStatus(op, StatusApproved)
		case !cn.IsReceived:
			return false, apperr.Conflict(op, "case note has not been received", "not received", "received")
		default:
			return false, apperr.Conflict(op, "case note already returned", string(cn.Status), "not returned")
		}
	}
	if err := cn.requireNoHandover(op); err != nil {
		return false, err
	}
	if err := cn.requireCustodian(op, actor); err != nil {
		return false, err
	}
	resubmission = cn.IsRejectedReturn
	cn.Status = StatusPendingReturnVerification
	cn.IsReturned = true
	cn.ReturnedBy, cn.ReturnedAt = &actor, &now
	cn.ReturnNotes = notes
	cn.IsRejectedReturn = false
	cn.touch(now)
	return resubmission, nil
}

// verifyReturn accepts or refuses a return. Accepting completes the record
// but keeps its custodian; only batch receipt releases custody.
func (cn *CaseNote) verifyReturn(actor uuid.UUID, accept bool, reason string, now time.Time) (returnedBy uuid.UUID, err error) {
	const op = "casenote.verify_return"
	if err := cn.requireStatus(op, StatusPendingReturnVerification); err != nil {
		return uuid.Nil, err
	}
	if cn.ReturnedBy == nil {
		return uuid.Nil, apperr.Integrity(op, fmt.Errorf("case note %s awaiting verification without returned_by", cn.ID))
	}
	returnedBy = *cn.ReturnedBy
	if accept {
		cn.Status = StatusCompleted
		cn.CompletedBy, cn.CompletedAt = &actor, &now
		cn.IsReceived, cn.ReceivedBy, cn.ReceivedAt = false, nil, nil
		cn.IsReturned, cn.ReturnedBy, cn.ReturnedAt, cn.ReturnNotes = false, nil, nil, ""
		cn.IsRejectedReturn = false
		cn.touch(now)
		return returnedBy, nil
	}
	cn.Status = StatusApproved
	cn.IsRejectedReturn = true
	cn.RejectionReason = reason
	cn.RejectionReasonAt, cn.RejectionReasonBy = &now, &actor
	cn.CurrentCustodian = &returnedBy
	cn.touch(now)
	return returnedBy, nil
}

// completeFromBatch confirms receipt of an approved batch item and releases
// custody so the patient can be requested afresh.
func (cn *CaseNote) completeFromBatch(actor uuid.UUID, now time.Time) (previous *uuid.UUID, err error) {
	const op = "batch.verify_receipt"
	if err := cn.requireStatus(op, StatusApproved); err != nil {
		return nil, err
	}
	if err := cn.requireNoHandover(op); err != nil {
		return nil, err
	}
	previous = cn.CurrentCustodian
	cn.IsReceived = true
	cn.ReceivedBy, cn.ReceivedAt = &actor, &now
	cn.Status = StatusCompleted
	cn.CompletedBy, cn.CompletedAt = &actor, &now
	cn.CurrentCustodian = nil
	cn.touch(now)
	return previous, nil
}

func (cn *CaseNote) canDelete(actor uuid.UUID) error {
	const op = "casenote.delete"
	if err := cn.requireStatus(op, StatusPending); err != nil {
		return err
	}
	if err := cn.requireNoHandover(op); err != nil {
		return err
	}
	if cn.BatchID != nil {
		return apperr.Conflict(op, "batch items cannot be deleted individually", "batch item", "single request")
	}
	if cn.RequestedBy != actor {
		return apperr.Unauthorized(op, "only the requester may delete a pending request")
	}
	return nil
}

// formatNumber renders CN-20260504-000042 style identifiers.
func formatNumber(prefix string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, day.UTC().Format("20060102"), seq)
}
