package casenote

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casenote/internal/platform/apperr"
)

// TransferStatus is the state of one custody transfer between two CAs.
type TransferStatus string

const (
	TransferPending                     TransferStatus = "pending"
	TransferAcknowledged                TransferStatus = "acknowledged"
	TransferApprovedPendingVerification TransferStatus = "approved_pending_verification"
	TransferVerified                    TransferStatus = "verified"
	TransferRejected                    TransferStatus = "rejected"
)

// Handover moves custody from CurrentHolder to RequestedBy. InitiatedBy is
// whoever raised it: the holder or the case note's original requester.
type Handover struct {
	ID            uuid.UUID      `json:"id"`
	CaseNoteID    uuid.UUID      `json:"case_note_id"`
	RequestedBy   uuid.UUID      `json:"requested_by"`
	InitiatedBy   uuid.UUID      `json:"initiated_by"`
	CurrentHolder uuid.UUID      `json:"current_holder"`
	Reason        string         `json:"reason"`
	DepartmentID  *uuid.UUID     `json:"department_id,omitempty"`
	DoctorID      *uuid.UUID     `json:"doctor_id,omitempty"`
	LocationID    *uuid.UUID     `json:"location_id,omitempty"`
	Status        TransferStatus `json:"status"`

	ResponseNotes     string `json:"response_notes,omitempty"`
	VerificationNotes string `json:"verification_notes,omitempty"`

	// Context the case note had before approval, restored if the receiver
	// refuses receipt.
	PreviousDepartmentID *uuid.UUID `json:"previous_department_id,omitempty"`
	PreviousDoctorID     *uuid.UUID `json:"previous_doctor_id,omitempty"`
	PreviousLocationID   *uuid.UUID `json:"previous_location_id,omitempty"`

	RequestedAt    time.Time  `json:"requested_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	OverdueAt      *time.Time `json:"overdue_at,omitempty"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the handover still blocks another one.
func (h *Handover) Active() bool {
	switch h.Status {
	case TransferPending, TransferAcknowledged, TransferApprovedPendingVerification:
		return true
	}
	return false
}

func (h *Handover) target() Context {
	return Context{DepartmentID: h.DepartmentID, DoctorID: h.DoctorID, LocationID: h.LocationID}
}

func (h *Handover) previous() Context {
	return Context{DepartmentID: h.PreviousDepartmentID, DoctorID: h.PreviousDoctorID, LocationID: h.PreviousLocationID}
}

func (h *Handover) requireStatus(op string, allowed ...TransferStatus) error {
	for _, s := range allowed {
		if h.Status == s {
			return nil
		}
	}
	required := ""
	for i, s := range allowed {
		if i > 0 {
			required += "|"
		}
		required += string(s)
	}
	return apperr.Conflict(op, "handover is not "+required, string(h.Status), required)
}

// handoverLink checks that cn still points at h. A mismatch means the row
// was changed outside the protocol.
func handoverLink(op string, cn *CaseNote, h *Handover) error {
	if cn.ActiveHandoverID == nil || *cn.ActiveHandoverID != h.ID {
		return apperr.Conflict(op, "handover is no longer active on the case note", string(cn.HandoverStatus), string(h.Status))
	}
	return nil
}

func (h *Handover) acknowledge(cn *CaseNote, actor uuid.UUID, now time.Time) error {
	const op = "handover.acknowledge"
	if err := h.requireStatus(op, TransferPending); err != nil {
		return err
	}
	if err := handoverLink(op, cn, h); err != nil {
		return err
	}
	if err := cn.requireCustodian(op, actor); err != nil {
		return err
	}
	h.Status = TransferAcknowledged
	h.AcknowledgedAt = &now
	h.UpdatedAt = now
	cn.HandoverStatus = HandoverAcknowledged
	cn.touch(now)
	return nil
}

// respond applies the holder's decision. Approval moves custody and the
// case note's context to the requester at once.
func (h *Handover) respond(cn *CaseNote, actor uuid.UUID, approve bool, notes string, now time.Time) error {
	const op = "handover.respond"
	if err := h.requireStatus(op, TransferPending, TransferAcknowledged); err != nil {
		return err
	}
	if err := handoverLink(op, cn, h); err != nil {
		return err
	}
	if err := cn.requireCustodian(op, actor); err != nil {
		return err
	}
	h.ResponseNotes = notes
	h.RespondedAt = &now
	h.UpdatedAt = now
	cn.touch(now)
	if !approve {
		h.Status = TransferRejected
		cn.HandoverStatus = HandoverRejected
		cn.ActiveHandoverID = nil
		return nil
	}

	prev := cn.context()
	h.PreviousDepartmentID, h.PreviousDoctorID, h.PreviousLocationID = prev.DepartmentID, prev.DoctorID, prev.LocationID
	h.Status = TransferApprovedPendingVerification

	next := prev
	t := h.target()
	if t.DepartmentID != nil {
		next.DepartmentID = t.DepartmentID
	}
	if t.DoctorID != nil {
		next.DoctorID = t.DoctorID
	}
	if t.LocationID != nil {
		next.LocationID = t.LocationID
	}
	cn.setContext(next)
	receiver := h.RequestedBy
	cn.CurrentCustodian = &receiver
	cn.HandoverStatus = HandoverApprovedPendingVerification
	return nil
}

// verify records the receiver's confirmation. Refusing rolls custody and
// context back to the previous holder.
func (h *Handover) verify(cn *CaseNote, actor uuid.UUID, accept bool, notes string, now time.Time) error {
	const op = "handover.verify"
	if err := h.requireStatus(op, TransferApprovedPendingVerification); err != nil {
		return err
	}
	if err := handoverLink(op, cn, h); err != nil {
		return err
	}
	if h.RequestedBy != actor {
		return apperr.Unauthorized(op, "only the receiving actor may verify a handover")
	}
	h.VerificationNotes = notes
	h.VerifiedAt = &now
	h.UpdatedAt = now
	cn.ActiveHandoverID = nil
	cn.touch(now)
	if accept {
		h.Status = TransferVerified
		cn.HandoverStatus = HandoverVerified
		return nil
	}
	h.Status = TransferRejected
	holder := h.CurrentHolder
	cn.CurrentCustodian = &holder
	cn.setContext(h.previous())
	cn.HandoverStatus = HandoverRejected
	return nil
}

// HandoverInput describes a requested transfer. ToActor becomes custodian
// once the holder approves.
type HandoverInput struct {
	ToActor      uuid.UUID  `json:"to_actor"`
	Reason       string     `json:"reason"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	LocationID   *uuid.UUID `json:"location_id,omitempty"`
}

// openHandover checks that cn can be handed over by actor and links a new
// pending handover to it. Custody does not move yet.
func openHandover(cn *CaseNote, actor uuid.UUID, in HandoverInput, now time.Time) (*Handover, error) {
	const op = "handover.request"
	if err := cn.requireStatus(op, StatusApproved); err != nil {
		return nil, err
	}
	if !cn.IsReceived {
		return nil, apperr.Conflict(op, "case note has not been received", "not received", "received")
	}
	if !cn.held() {
		return nil, apperr.Conflict(op, "case note is awaiting return verification", "returned", "held")
	}
	if err := cn.requireNoHandover(op); err != nil {
		return nil, err
	}
	if !cn.isCustodian(actor) && cn.RequestedBy != actor {
		return nil, apperr.Unauthorized(op, "only the custodian or the requester may start a handover")
	}
	if cn.isCustodian(in.ToActor) {
		return nil, apperr.Validation(op, "to_actor already holds the case note")
	}

	h := &Handover{
		ID:            uuid.New(),
		CaseNoteID:    cn.ID,
		RequestedBy:   in.ToActor,
		InitiatedBy:   actor,
		CurrentHolder: *cn.CurrentCustodian,
		Reason:        in.Reason,
		DepartmentID:  in.DepartmentID,
		DoctorID:      in.DoctorID,
		LocationID:    in.LocationID,
		Status:        TransferPending,
		RequestedAt:   now,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	id := h.ID
	cn.ActiveHandoverID = &id
	cn.HandoverStatus = HandoverPendingAcknowledgement
	cn.touch(now)
	return h, nil
}
