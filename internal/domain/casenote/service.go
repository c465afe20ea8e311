package casenote

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/casenote/internal/domain/timeline"
	"github.com/ehr/casenote/internal/platform/apperr"
	"github.com/ehr/casenote/internal/platform/auth"
	"github.com/ehr/casenote/internal/platform/db"
	"github.com/ehr/casenote/internal/platform/metrics"
	"github.com/ehr/casenote/internal/platform/refdata"
)

// Timeline is the audit log every transition appends to. Append must join
// the transaction carried by ctx.
type Timeline interface {
	Append(ctx context.Context, caseNoteID uuid.UUID, t timeline.EventType, actor *uuid.UUID, reason string, md timeline.Metadata, occurredAt time.Time) (*timeline.Event, error)
}

const (
	DefaultOverdueAfter  = 6 * time.Hour
	DefaultEscalateAfter = 24 * time.Hour
)

// Service runs the request lifecycle, handover protocol and batch
// coordination. Every mutating method takes the acting user explicitly and
// runs its guards and writes inside one transaction.
type Service struct {
	notes     CaseNoteRepository
	handovers HandoverRepository
	batches   BatchRepository
	timeline  Timeline
	tx        db.Transactor
	authz     auth.Authorizer
	refs      refdata.Resolver

	metrics  *metrics.WorkflowMetrics
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	overdueAfter  time.Duration
	escalateAfter time.Duration
}

func NewService(
	notes CaseNoteRepository,
	handovers HandoverRepository,
	batches BatchRepository,
	tl Timeline,
	tx db.Transactor,
	authz auth.Authorizer,
	refs refdata.Resolver,
) *Service {
	return &Service{
		notes:         notes,
		handovers:     handovers,
		batches:       batches,
		timeline:      tl,
		tx:            tx,
		authz:         authz,
		refs:          refs,
		logger:        zerolog.Nop(),
		now:           time.Now,
		overdueAfter:  DefaultOverdueAfter,
		escalateAfter: DefaultEscalateAfter,
	}
}

func (s *Service) SetMetrics(m *metrics.WorkflowMetrics) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetHandoverWindows sets how long a handover may stay pending before the
// sweep marks it overdue and then escalated.
func (s *Service) SetHandoverWindows(overdue, escalate time.Duration) {
	s.overdueAfter, s.escalateAfter = overdue, escalate
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// transact runs fn in a transaction and records the outcome. Errors that
// are not already classified become integrity failures and are logged.
func (s *Service) transact(ctx context.Context, entity, op string, fn func(ctx context.Context) error) error {
	started := time.Now()
	err := classify(op, s.tx.WithinTx(ctx, fn))

	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if apperr.KindOf(err) == apperr.KindIntegrity {
			s.logger.Error().Err(err).Str("op", op).Msg("workflow transaction failed")
		}
	}
	s.metrics.ObserveTransition(entity, op, outcome, started)
	return err
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, ErrStale):
		return apperr.Conflict(op, "record changed concurrently, reload and retry", "stale", "current")
	case errors.Is(err, ErrDuplicate):
		return apperr.Conflict(op, "a conflicting record already exists", "exists", "none")
	case db.IsRetryable(err):
		return apperr.Conflict(op, "record is busy with a concurrent transition, retry", "locked", "unlocked")
	}
	return apperr.Integrity(op, err)
}

func (s *Service) authorize(ctx context.Context, op string, actor uuid.UUID, c auth.Capability) error {
	if actor == uuid.Nil {
		return apperr.Unauthorized(op, "no acting user")
	}
	ok, err := s.authz.Authorize(ctx, actor, c)
	if err != nil {
		return apperr.Integrity(op, err)
	}
	if !ok {
		return apperr.Unauthorized(op, "actor lacks capability %s", c)
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, cn *CaseNote, actor *uuid.UUID, reason string, md timeline.Metadata, at time.Time) error {
	_, err := s.timeline.Append(ctx, cn.ID, md.Type(), actor, reason, md, at)
	return err
}

func (s *Service) lockNote(ctx context.Context, op string, id uuid.UUID) (*CaseNote, error) {
	cn, err := s.notes.GetForUpdate(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound(op, "case note", id)
	}
	return cn, err
}

// -- Request lifecycle --

// CreateRequest is the caller-supplied part of a new case-note request.
type CreateRequest struct {
	PatientID    uuid.UUID  `json:"patient_id"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	LocationID   *uuid.UUID `json:"location_id,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	NeededDate   *time.Time `json:"needed_date,omitempty"`
	Purpose      string     `json:"purpose,omitempty"`
	Remarks      string     `json:"remarks,omitempty"`
}

func (s *Service) validateCreate(ctx context.Context, op string, in CreateRequest) error {
	if in.PatientID == uuid.Nil {
		return apperr.Validation(op, "patient_id is required")
	}
	if in.Priority != "" && !priorities[in.Priority] {
		return apperr.Validation(op, "priority must be one of low, normal, high, urgent")
	}
	if len(in.Purpose) > 2000 || len(in.Remarks) > 2000 {
		return apperr.Validation(op, "purpose and remarks are limited to 2000 characters")
	}
	p, err := s.refs.ResolvePatient(ctx, in.PatientID)
	if err != nil {
		return refError(op, "patient", err)
	}
	if !p.Active {
		return apperr.Validation(op, "patient %s is inactive", in.PatientID)
	}
	return s.validateContext(ctx, op, Context{DepartmentID: in.DepartmentID, DoctorID: in.DoctorID, LocationID: in.LocationID})
}

func (s *Service) validateContext(ctx context.Context, op string, c Context) error {
	if c.DepartmentID != nil {
		if _, err := s.refs.ResolveDepartment(ctx, *c.DepartmentID); err != nil {
			return refError(op, "department", err)
		}
	}
	if c.DoctorID != nil {
		if _, err := s.refs.ResolveDoctor(ctx, *c.DoctorID); err != nil {
			return refError(op, "doctor", err)
		}
	}
	if c.LocationID != nil {
		if _, err := s.refs.ResolveLocation(ctx, *c.LocationID); err != nil {
			return refError(op, "location", err)
		}
	}
	return nil
}

func refError(op, entity string, err error) error {
	if errors.Is(err, refdata.ErrNotFound) {
		return apperr.Validation(op, "unknown %s", entity)
	}
	return apperr.Integrity(op, err)
}

// Create opens a pending request held by the requester. It fails with a
// state conflict when the patient already has a blocking record.
func (s *Service) Create(ctx context.Context, actor uuid.UUID, in CreateRequest) (*CaseNote, error) {
	const op = "casenote.create"
	if err := s.authorize(ctx, op, actor, auth.CapRequest); err != nil {
		return nil, err
	}
	if err := s.validateCreate(ctx, op, in); err != nil {
		return nil, err
	}
	var cn *CaseNote
	err := s.transact(ctx, "case_note", op, func(ctx context.Context) error {
		var err error
		cn, err = s.createLocked(ctx, op, actor, in, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// createLocked inserts one request inside the caller's transaction, under
// the patient's advisory lock.
func (s *Service) createLocked(ctx context.Context, op string, actor uuid.UUID, in CreateRequest, batchID *uuid.UUID) (*CaseNote, error) {
	if err := s.notes.LockPatient(ctx, in.PatientID); err != nil {
		return nil, err
	}
	n, err := s.notes.CountBlocking(ctx, in.PatientID, nil)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, apperr.Conflict(op, "patient already has an active case note request", "blocking", "none")
	}

	now := s.clock()
	seq, err := s.notes.NextRequestSeq(ctx)
	if err != nil {
		return nil, err
	}
	cn := newCaseNote(actor, in, batchID, now)
	cn.RequestNumber = formatNumber("CN", now, seq)
	if err := s.notes.Create(ctx, cn); err != nil {
		return nil, err
	}
	md := timeline.CreatedMeta{
		RequestNumber: cn.RequestNumber,
		PatientID:     cn.PatientID,
		BatchID:       batchID,
		DepartmentID:  cn.DepartmentID,
		DoctorID:      cn.DoctorID,
		LocationID:    cn.LocationID,
		Priority:      cn.Priority,
	}
	if err := s.appendEvent(ctx, cn, &actor, "", md, now); err != nil {
		return nil, err
	}
	return cn, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*CaseNote, error) {
	cn, err := s.notes.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("casenote.get", "case note", id)
	}
	if err != nil {
		return nil, apperr.Integrity("casenote.get", err)
	}
	return cn, nil
}

func (s *Service) Search(ctx context.Context, f CaseNoteFilter, limit, offset int) ([]*CaseNote, int, error) {
	if f.Status != nil && !validStatus(*f.Status) {
		return nil, 0, apperr.Validation("casenote.search", "unknown status %q", *f.Status)
	}
	items, total, err := s.notes.Search(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, apperr.Integrity("casenote.search", err)
	}
	return items, total, nil
}

func validStatus(st Status) bool {
	switch st {
	case StatusPending, StatusApproved, StatusRejected, StatusInProgress, StatusPendingReturnVerification, StatusCompleted:
		return true
	}
	return false
}

// Approve moves a pending request to approved. Custody stays with the
// requester.
func (s *Service) Approve(ctx context.Context, actor, id uuid.UUID, notes string) (*CaseNote, error) {
	const op = "casenote.approve"
	if err := s.authorize(ctx, op, actor, auth.CapApprove); err != nil {
		return nil, err
	}
	var cn *CaseNote
	err := s.transact(ctx, "case_note", op, func(ctx context.Context) error {
		var err error
		if cn, err = s.lockNote(ctx, op, id); err != nil {
			return err
		}
		if err := requireSingle(op, cn); err != nil {
			return err
		}
		if err := s.approveLocked(ctx, op, cn, actor, notes); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// requireSingle refuses per-item processing of batch children; the batch
// owns their approval and receipt.
func requireSingle(op string, cn *CaseNote) error {
	if cn.BatchID != nil && cn.Status == StatusPending {
		return apperr.Conflict(op, "batch items are processed through their batch", "batch item", "single request")
	}
	return nil
}

// approveLocked applies the approval guards to a locked row and appends the
// event. The caller persists cn.
func (s *Service) approveLocked(ctx context.Context, op string, cn *CaseNote, actor uuid.UUID, notes string) error {
	if err := cn.requireStatus(op, StatusPending); err != nil {
		return err
	}
	n, err := s.notes.CountBlocking(ctx, cn.PatientID, &cn.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperr.Conflict(op, "patient has another active case note", "blocking", "none")
	}
	now := s.clock()
	if err := cn.approve(actor, now); err != nil {
		return err
	}
	return s.appendEvent(ctx, cn, &actor, notes, timeline.ApprovedMeta{BatchID: cn.BatchID, Notes: notes}, now)
}

func (s *Service) rejectLocked(ctx context.Context, cn *CaseNote, actor uuid.UUID, note string) error {
	now := s.clock()
	if err := cn.reject(actor, note, now); err != nil {
		return err
	}
	return s.appendEvent(ctx, cn, &actor, note, timeline.RejectedMeta{BatchID: cn.BatchID, Notes: note}, now)
}

func (s *Service) Reject(ctx context.Context, actor, id uuid.UUID, note string) (*CaseNote, error) {
	const op = "casenote.reject"
	if strings.TrimSpace(note) == "" {
		return nil, apperr.Validation(op, "a rejection note is required")
	}
	if err := s.authorize(ctx, op, actor, auth.CapApprove); err != nil {
		return nil, err
	}
	var cn *CaseNote
	err := s.transact(ctx, "case_note", op, func(ctx context.Context) error {
		var err error
		if cn, err = s.lockNote(ctx, op, id); err != nil {
			return err
		}
		if err := requireSingle(op, cn); err != nil {
			return err
		}
		if err := s.rejectLocked(ctx, cn, actor, note); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// MarkReceived records that the custodian physically has the folder.
func (s *Service) MarkReceived(ctx context.Context, actor, id uuid.UUID) (*CaseNote, error) {
	const op = "casenote.receive"
	var cn *CaseNote
	err := s.transact(ctx, "case_note", op, func(ctx context.Context) error {
		var err error
		if cn, err = s.lockNote(ctx, op, id); err != nil {
			return err
		}
		now := s.clock()
		if err := cn.markReceived(actor, now); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, cn, &actor, "", timeline.ReceivedMeta{ReceivedBy: actor, Via: "direct"}, now); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// RejectNotReceived lets the requester disown a receipt. The request goes
// back to pending for MR staff to process again.
func (s *Service) RejectNotReceived(ctx context.Context, actor, id uuid.UUID, reason string) (*CaseNote, error) {
	const op = "casenote.reject_not_received"
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation(op, "a reason is required")
	}
	var cn *CaseNote
	err := s.transact(ctx, "case_note", op, func(ctx context.Context) error {
		var err error
		if cn, err = s.lockNote(ctx, op, id); err != nil {
			return err
		}
		approvedBy, receivedBy := cn.ApprovedBy, cn.ReceivedBy
		now := s.clock()
		if err := cn.rejectNotReceived(actor, reason, now); err != nil {
			return err
		}
		md := timeline.RejectedNotReceivedMeta{PreviousApprovedBy: approvedBy, PreviousReceivedBy: receivedBy}
		if err := s.appendEvent(ctx, cn, &actor, reason, md, now); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// Return hands the folder back to medical records for verification.
func (s *Service) Return(ctx context.Context, actor, id uuid.UUID, notes string) (*CaseNote, error) {
	const op = "casenote.return"
	var cn *CaseNote
	err := s.transact(ctx, "case_note", op, func(ctx context.Context) error {
		var err error
		if cn, err = s.lockNote(ctx, op, id); err != nil {
			return err
		}
		now := s.clock()
		resubmission, err := cn.returnToRecords(actor, notes, now)
		if err != nil {
			return err
		}
		md := timeline.ReturnedMeta{ReturnedBy: actor, Notes: notes, Resubmission: resubmission}
		if err := s.appendEvent(ctx, cn, &actor, notes, md, now); err != nil {
			return err
		}
		return s.notes.Update(ctx, cn)
	})
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// VerifyReturn accepts or rejects one returned case note.
func (s *Service) VerifyReturn(ctx context.Context, actor, id uuid.UUID, accept bool, reason string) (*CaseNote, error) {
	out, err := s.VerifyReturns(ctx, actor, []uuid.UUID{id}, accept, reason)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// VerifyReturns applies one verification decision to several returned case
// notes atomically: if any guard fails nothing is changed.
func (s *Service) VerifyReturns(ctx context.Context, actor uuid.UUID, ids []uuid.UUID, accept bool, reason string) ([]*CaseNote, error) {
	const op = "casenote.verify_return"
	if len(ids) == 0 {
		return nil, apperr.Validation(op, "at least one case note id is required")
	}
	if !accept && strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation(op, "a reason is required to reject a return")
	}
	if err := uniqueIDs(op, ids); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, op, actor, auth.CapVerifyReturn); err != nil {
		return nil, err
	}

	out := make([]*CaseNote, 0, len(ids))
	err := s.transact(ctx, "case_note", op, func(ctx context.Context) error {
		now := s.clock()
		for _, id := range sortedIDs(ids) {
			cn, err := s.lockNote(ctx, op, id)
			if err != nil {
				return err
			}
			returnedBy, err := cn.verifyReturn(actor, accept, reason, now)
			if err != nil {
				return err
			}
			var md timeline.Metadata = timeline.ReturnRejectedMeta{ReturnedBy: returnedBy, RestoredCustodian: returnedBy}
			if accept {
				md = timeline.ReturnVerifiedMeta{ReturnedBy: returnedBy, Custodian: *cn.CurrentCustodian}
			}
			if err := s.appendEvent(ctx, cn, &actor, reason, md, now); err != nil {
				return err
			}
			out = append(out, cn)
		}
		return s.notes.UpdateMany(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a pending request its requester no longer needs. The
// timeline is kept and closed with a deleted event.
func (s *Service) Delete(ctx context.Context, actor, id uuid.UUID) error {
	const op = "casenote.delete"
	return s.transact(ctx, "case_note", op, func(ctx context.Context) error {
		cn, err := s.lockNote(ctx, op, id)
		if err != nil {
			return err
		}
		if err := cn.canDelete(actor); err != nil {
			return err
		}
		if err := s.notes.Delete(ctx, id); err != nil {
			return err
		}
		md := timeline.DeletedMeta{RequestNumber: cn.RequestNumber, PatientID: cn.PatientID}
		return s.appendEvent(ctx, cn, &actor, "", md, s.clock())
	})
}

// sortedIDs returns ids in byte order so concurrent multi-row operations
// take their row locks in the same sequence.
func sortedIDs(ids []uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func uniqueIDs(op string, ids []uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return apperr.Validation(op, "ids must not be empty")
		}
		if seen[id] {
			return apperr.Validation(op, "duplicate id %s", id)
		}
		seen[id] = true
	}
	return nil
}
