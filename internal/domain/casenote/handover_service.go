package casenote

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/casenote/internal/domain/timeline"
	"github.com/ehr/casenote/internal/platform/apperr"
	"github.com/ehr/casenote/internal/platform/auth"
)

// -- Handover protocol --

// RequestHandover opens a pending transfer of cn to in.ToActor. The
// no-active-handover guard is checked again under the case-note row lock,
// and the partial unique index on active handovers backs it up.
func (s *Service) RequestHandover(ctx context.Context, actor, caseNoteID uuid.UUID, in HandoverInput) (*Handover, error) {
	const op = "handover.request"
	if in.ToActor == uuid.Nil {
		return nil, apperr.Validation(op, "to_actor is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, apperr.Validation(op, "a reason is required")
	}
	if in.ToActor == actor {
		return nil, apperr.Validation(op, "cannot hand a case note over to yourself")
	}
	if err := s.validateContext(ctx, op, Context{DepartmentID: in.DepartmentID, DoctorID: in.DoctorID, LocationID: in.LocationID}); err != nil {
		return nil, err
	}
	ok, err := s.authz.Authorize(ctx, in.ToActor, auth.CapHold)
	if err != nil {
		return nil, apperr.Integrity(op, err)
	}
	if !ok {
		return nil, apperr.Validation(op, "to_actor is not allowed to hold case notes")
	}

	var h *Handover
	err = s.transact(ctx, "handover", op, func(ctx context.Context) error {
		cn, err := s.lockNote(ctx, op, caseNoteID)
		if err != nil {
			return err
		}
		now := s.clock()
		if h, err = openHandover(cn, actor, in, now); err != nil {
			return err
		}
		if err := s.handovers.Create(ctx, h); err != nil {
			return err
		}
		md := timeline.HandoverRequestedMeta{
			HandoverID:   h.ID,
			FromActor:    actor,
			ToActor:      in.ToActor,
			Holder:       h.CurrentHolder,
			DepartmentID: in.DepartmentID,
			DoctorID:     in.DoctorID,
			LocationID:   in.LocationID,
		}
		if err := s.appendEvent(ctx, cn, &actor, in.Reason, md, now); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// lockHandover takes the case-note lock before the handover lock, the
// order every handover transition uses.
func (s *Service) lockHandover(ctx context.Context, op string, id uuid.UUID) (*CaseNote, *Handover, error) {
	peek, err := s.handovers.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, apperr.NotFound(op, "handover", id)
	}
	if err != nil {
		return nil, nil, err
	}
	cn, err := s.lockNote(ctx, op, peek.CaseNoteID)
	if err != nil {
		return nil, nil, err
	}
	h, err := s.handovers.GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return cn, h, nil
}

func (s *Service) AcknowledgeHandover(ctx context.Context, actor, id uuid.UUID) (*Handover, error) {
	const op = "handover.acknowledge"
	var h *Handover
	err := s.transact(ctx, "handover", op, func(ctx context.Context) error {
		cn, locked, err := s.lockHandover(ctx, op, id)
		if err != nil {
			return err
		}
		h = locked
		now := s.clock()
		if err := h.acknowledge(cn, actor, now); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, cn, &actor, "", timeline.HandoverAcknowledgedMeta{HandoverID: h.ID}, now); err != nil {
			return err
		}
		if err := s.handovers.Update(ctx, h); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// RespondToHandover is the current holder's decision. Approval moves custody
// and context to the requester immediately; verification follows.
func (s *Service) RespondToHandover(ctx context.Context, actor, id uuid.UUID, approve bool, notes string) (*Handover, error) {
	const op = "handover.respond"
	if !approve && strings.TrimSpace(notes) == "" {
		return nil, apperr.Validation(op, "notes are required to reject a handover")
	}
	var h *Handover
	err := s.transact(ctx, "handover", op, func(ctx context.Context) error {
		cn, locked, err := s.lockHandover(ctx, op, id)
		if err != nil {
			return err
		}
		h = locked
		prevCustodian := cn.CurrentCustodian
		now := s.clock()
		if err := h.respond(cn, actor, approve, notes, now); err != nil {
			return err
		}

		var md timeline.Metadata = timeline.HandoverRejectedMeta{HandoverID: h.ID, Stage: "respond"}
		if approve {
			md = timeline.HandoverApprovedMeta{
				HandoverID:           h.ID,
				PreviousCustodian:    *prevCustodian,
				NewCustodian:         h.RequestedBy,
				PreviousDepartmentID: h.PreviousDepartmentID,
				PreviousDoctorID:     h.PreviousDoctorID,
				PreviousLocationID:   h.PreviousLocationID,
				DepartmentID:         cn.DepartmentID,
				DoctorID:             cn.DoctorID,
				LocationID:           cn.LocationID,
			}
		}
		if err := s.appendEvent(ctx, cn, &actor, notes, md, now); err != nil {
			return err
		}
		if err := s.handovers.Update(ctx, h); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// VerifyHandoverReceipt is the receiver's confirmation. Refusal rolls
// custody back to the previous holder.
func (s *Service) VerifyHandoverReceipt(ctx context.Context, actor, id uuid.UUID, accept bool, notes string) (*Handover, error) {
	const op = "handover.verify"
	if !accept && strings.TrimSpace(notes) == "" {
		return nil, apperr.Validation(op, "notes are required to refuse a handover")
	}
	var h *Handover
	err := s.transact(ctx, "handover", op, func(ctx context.Context) error {
		cn, locked, err := s.lockHandover(ctx, op, id)
		if err != nil {
			return err
		}
		h = locked
		now := s.clock()
		if err := h.verify(cn, actor, accept, notes, now); err != nil {
			return err
		}
		var md timeline.Metadata = timeline.HandoverVerifiedMeta{HandoverID: h.ID, Custodian: actor}
		if !accept {
			holder := h.CurrentHolder
			md = timeline.HandoverRejectedMeta{HandoverID: h.ID, Stage: "verify", RestoredCustodian: &holder}
		}
		if err := s.appendEvent(ctx, cn, &actor, notes, md, now); err != nil {
			return err
		}
		if err := s.handovers.Update(ctx, h); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) GetHandover(ctx context.Context, id uuid.UUID) (*Handover, error) {
	h, err := s.handovers.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("handover.get", "handover", id)
	}
	if err != nil {
		return nil, apperr.Integrity("handover.get", err)
	}
	return h, nil
}

func (s *Service) ListHandovers(ctx context.Context, caseNoteID uuid.UUID, limit, offset int) ([]*Handover, int, error) {
	items, total, err := s.handovers.ListByCaseNote(ctx, caseNoteID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Integrity("handover.list", err)
	}
	return items, total, nil
}
