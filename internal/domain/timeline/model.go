package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags a timeline event and selects its metadata variant.
type EventType string

const (
	EventCreated              EventType = "created"
	EventApproved             EventType = "approved"
	EventRejected             EventType = "rejected"
	EventReceived             EventType = "received"
	EventRejectedNotReceived  EventType = "rejected_not_received"
	EventReturned             EventType = "returned"
	EventReturnedVerified     EventType = "returned_verified"
	EventReturnedRejected     EventType = "returned_rejected"
	EventCompleted            EventType = "completed"
	EventHandoverRequested    EventType = "handover_requested"
	EventHandoverAcknowledged EventType = "handover_acknowledged"
	EventHandoverApproved     EventType = "handover_approved"
	EventHandoverRejected     EventType = "handover_rejected"
	EventHandoverVerified     EventType = "handover_verified"
	EventHandoverOverdue      EventType = "handover_overdue"
	EventHandoverEscalated    EventType = "handover_escalated"
	EventCorrection           EventType = "correction"
	EventDeleted              EventType = "deleted"

	// Written by earlier releases only. Still readable, never appended.
	EventHandedOver              EventType = "handed_over"
	EventHandoverReceiptVerified EventType = "handover_receipt_verified"
)

var appendable = map[EventType]bool{
	EventCreated: true, EventApproved: true, EventRejected: true, EventReceived: true,
	EventRejectedNotReceived: true, EventReturned: true, EventReturnedVerified: true,
	EventReturnedRejected: true, EventCompleted: true, EventHandoverRequested: true,
	EventHandoverAcknowledged: true, EventHandoverApproved: true, EventHandoverRejected: true,
	EventHandoverVerified: true, EventHandoverOverdue: true, EventHandoverEscalated: true,
	EventCorrection: true, EventDeleted: true,
}

// Appendable reports whether new events of this type may be written.
func (t EventType) Appendable() bool { return appendable[t] }

// Event is one immutable entry in a case note's history. ActorID is nil for
// events written by the handover sweep.
type Event struct {
	ID         uuid.UUID  `json:"id"`
	CaseNoteID uuid.UUID  `json:"case_note_id"`
	Seq        int64      `json:"seq"`
	Type       EventType  `json:"type"`
	ActorID    *uuid.UUID `json:"actor_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Metadata   Metadata   `json:"metadata"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var wire struct {
		alias
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Event(wire.alias)
	md, err := DecodeMetadata(e.Type, wire.Metadata)
	if err != nil {
		return err
	}
	e.Metadata = md
	return nil
}

// Metadata is the typed payload of an event. Each EventType has exactly one
// variant; RawMetadata carries payloads that do not fit one.
type Metadata interface {
	Type() EventType
}

type CreatedMeta struct {
	RequestNumber string     `json:"request_number"`
	PatientID     uuid.UUID  `json:"patient_id"`
	BatchID       *uuid.UUID `json:"batch_id,omitempty"`
	DepartmentID  *uuid.UUID `json:"department_id,omitempty"`
	DoctorID      *uuid.UUID `json:"doctor_id,omitempty"`
	LocationID    *uuid.UUID `json:"location_id,omitempty"`
	Priority      string     `json:"priority,omitempty"`
}

type ApprovedMeta struct {
	BatchID *uuid.UUID `json:"batch_id,omitempty"`
	Notes   string     `json:"notes,omitempty"`
}

type RejectedMeta struct {
	BatchID *uuid.UUID `json:"batch_id,omitempty"`
	Notes   string     `json:"notes,omitempty"`
}

// ReceivedMeta.Via is "direct", "batch" or "batch_item".
type ReceivedMeta struct {
	ReceivedBy uuid.UUID  `json:"received_by"`
	BatchID    *uuid.UUID `json:"batch_id,omitempty"`
	Via        string     `json:"via"`
}

type RejectedNotReceivedMeta struct {
	PreviousApprovedBy *uuid.UUID `json:"previous_approved_by,omitempty"`
	PreviousReceivedBy *uuid.UUID `json:"previous_received_by,omitempty"`
}

type ReturnedMeta struct {
	ReturnedBy uuid.UUID `json:"returned_by"`
	Notes      string    `json:"notes,omitempty"`
	// Resubmission is set when the record is returned again after a
	// rejected return.
	Resubmission bool `json:"resubmission,omitempty"`
}

type ReturnVerifiedMeta struct {
	ReturnedBy uuid.UUID `json:"returned_by"`
	Custodian  uuid.UUID `json:"custodian"`
}

type ReturnRejectedMeta struct {
	ReturnedBy        uuid.UUID `json:"returned_by"`
	RestoredCustodian uuid.UUID `json:"restored_custodian"`
}

// CompletedMeta records completion through the batch receipt path, the only
// path that releases custody.
type CompletedMeta struct {
	BatchID           *uuid.UUID `json:"batch_id,omitempty"`
	CustodianReleased bool       `json:"custodian_released"`
	PreviousCustodian *uuid.UUID `json:"previous_custodian,omitempty"`
}

type HandoverRequestedMeta struct {
	HandoverID   uuid.UUID  `json:"handover_id"`
	FromActor    uuid.UUID  `json:"from_actor"`
	ToActor      uuid.UUID  `json:"to_actor"`
	Holder       uuid.UUID  `json:"holder"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	LocationID   *uuid.UUID `json:"location_id,omitempty"`
}

type HandoverAcknowledgedMeta struct {
	HandoverID uuid.UUID `json:"handover_id"`
}

type HandoverApprovedMeta struct {
	HandoverID           uuid.UUID  `json:"handover_id"`
	PreviousCustodian    uuid.UUID  `json:"previous_custodian"`
	NewCustodian         uuid.UUID  `json:"new_custodian"`
	PreviousDepartmentID *uuid.UUID `json:"previous_department_id,omitempty"`
	PreviousDoctorID     *uuid.UUID `json:"previous_doctor_id,omitempty"`
	PreviousLocationID   *uuid.UUID `json:"previous_location_id,omitempty"`
	DepartmentID         *uuid.UUID `json:"department_id,omitempty"`
	DoctorID             *uuid.UUID `json:"doctor_id,omitempty"`
	LocationID           *uuid.UUID `json:"location_id,omitempty"`
}

// HandoverRejectedMeta.Stage is "respond" when the holder declined and
// "verify" when the requester refused receipt. Only the latter restores
// custody.
type HandoverRejectedMeta struct {
	HandoverID        uuid.UUID  `json:"handover_id"`
	Stage             string     `json:"stage"`
	RestoredCustodian *uuid.UUID `json:"restored_custodian,omitempty"`
}

type HandoverVerifiedMeta struct {
	HandoverID uuid.UUID `json:"handover_id"`
	Custodian  uuid.UUID `json:"custodian"`
}

type HandoverOverdueMeta struct {
	HandoverID  uuid.UUID `json:"handover_id"`
	RequestedAt time.Time `json:"requested_at"`
	Threshold   string    `json:"threshold"`
}

type HandoverEscalatedMeta struct {
	HandoverID  uuid.UUID `json:"handover_id"`
	RequestedAt time.Time `json:"requested_at"`
	Threshold   string    `json:"threshold"`
}

// CorrectionMeta points at the event being corrected. Fields holds the
// corrected values as text.
type CorrectionMeta struct {
	CorrectsEventID uuid.UUID         `json:"corrects_event_id"`
	CorrectsType    EventType         `json:"corrects_type"`
	Fields          map[string]string `json:"fields,omitempty"`
}

// DeletedMeta is the last event of a pending request its requester
// withdrew. The case note row is gone; the history stays.
type DeletedMeta struct {
	RequestNumber string    `json:"request_number"`
	PatientID     uuid.UUID `json:"patient_id"`
}

func (CreatedMeta) Type() EventType              { return EventCreated }
func (ApprovedMeta) Type() EventType             { return EventApproved }
func (RejectedMeta) Type() EventType             { return EventRejected }
func (ReceivedMeta) Type() EventType             { return EventReceived }
func (RejectedNotReceivedMeta) Type() EventType  { return EventRejectedNotReceived }
func (ReturnedMeta) Type() EventType             { return EventReturned }
func (ReturnVerifiedMeta) Type() EventType       { return EventReturnedVerified }
func (ReturnRejectedMeta) Type() EventType       { return EventReturnedRejected }
func (CompletedMeta) Type() EventType            { return EventCompleted }
func (HandoverRequestedMeta) Type() EventType    { return EventHandoverRequested }
func (HandoverAcknowledgedMeta) Type() EventType { return EventHandoverAcknowledged }
func (HandoverApprovedMeta) Type() EventType     { return EventHandoverApproved }
func (HandoverRejectedMeta) Type() EventType     { return EventHandoverRejected }
func (HandoverVerifiedMeta) Type() EventType     { return EventHandoverVerified }
func (HandoverOverdueMeta) Type() EventType      { return EventHandoverOverdue }
func (HandoverEscalatedMeta) Type() EventType    { return EventHandoverEscalated }
func (CorrectionMeta) Type() EventType           { return EventCorrection }
func (DeletedMeta) Type() EventType              { return EventDeleted }

// RawMetadata preserves a payload verbatim: legacy event types and rows whose
// keys no longer match the typed variant.
type RawMetadata struct {
	EventType EventType
	Raw       json.RawMessage
}

func (m RawMetadata) Type() EventType { return m.EventType }

func (m RawMetadata) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("{}"), nil
	}
	return m.Raw, nil
}

func newMetadata(t EventType) Metadata {
	switch t {
	case EventCreated:
		return &CreatedMeta{}
	case EventApproved:
		return &ApprovedMeta{}
	case EventRejected:
		return &RejectedMeta{}
	case EventReceived:
		return &ReceivedMeta{}
	case EventRejectedNotReceived:
		return &RejectedNotReceivedMeta{}
	case EventReturned:
		return &ReturnedMeta{}
	case EventReturnedVerified:
		return &ReturnVerifiedMeta{}
	case EventReturnedRejected:
		return &ReturnRejectedMeta{}
	case EventCompleted:
		return &CompletedMeta{}
	case EventHandoverRequested:
		return &HandoverRequestedMeta{}
	case EventHandoverAcknowledged:
		return &HandoverAcknowledgedMeta{}
	case EventHandoverApproved:
		return &HandoverApprovedMeta{}
	case EventHandoverRejected:
		return &HandoverRejectedMeta{}
	case EventHandoverVerified:
		return &HandoverVerifiedMeta{}
	case EventHandoverOverdue:
		return &HandoverOverdueMeta{}
	case EventHandoverEscalated:
		return &HandoverEscalatedMeta{}
	case EventCorrection:
		return &CorrectionMeta{}
	case EventDeleted:
		return &DeletedMeta{}
	}
	return nil
}

// DecodeMetadata rebuilds the typed variant for t from its stored JSON.
// Unknown types and payloads with unexpected keys come back as RawMetadata
// so nothing stored is dropped.
func DecodeMetadata(t EventType, raw []byte) (Metadata, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	target := newMetadata(t)
	if target == nil {
		return RawMetadata{EventType: t, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("decode %s metadata: %w", t, err)
		}
		return RawMetadata{EventType: t, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	return deref(target), nil
}

// deref returns the value form so decoded metadata compares equal to what
// the services append.
func deref(m Metadata) Metadata {
	switch v := m.(type) {
	case *CreatedMeta:
		return *v
	case *ApprovedMeta:
		return *v
	case *RejectedMeta:
		return *v
	case *ReceivedMeta:
		return *v
	case *RejectedNotReceivedMeta:
		return *v
	case *ReturnedMeta:
		return *v
	case *ReturnVerifiedMeta:
		return *v
	case *ReturnRejectedMeta:
		return *v
	case *CompletedMeta:
		return *v
	case *HandoverRequestedMeta:
		return *v
	case *HandoverAcknowledgedMeta:
		return *v
	case *HandoverApprovedMeta:
		return *v
	case *HandoverRejectedMeta:
		return *v
	case *HandoverVerifiedMeta:
		return *v
	case *HandoverOverdueMeta:
		return *v
	case *HandoverEscalatedMeta:
		return *v
	case *CorrectionMeta:
		return *v
	case *DeletedMeta:
		return *v
	}
	return m
}

// EncodeMetadata serializes m for storage.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
