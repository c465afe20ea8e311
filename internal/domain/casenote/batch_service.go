package casenote

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casenote/internal/domain/timeline"
	"github.com/ehr/casenote/internal/platform/apperr"
	"github.com/ehr/casenote/internal/platform/auth"
)

// -- Batch coordinator --

// BatchItem is the per-patient part of a batch; everything else is shared.
type BatchItem struct {
	PatientID uuid.UUID `json:"patient_id"`
	Purpose   string    `json:"purpose,omitempty"`
	Remarks   string    `json:"remarks,omitempty"`
}

type BatchInput struct {
	DepartmentID *uuid.UUID  `json:"department_id,omitempty"`
	DoctorID     *uuid.UUID  `json:"doctor_id,omitempty"`
	LocationID   *uuid.UUID  `json:"location_id,omitempty"`
	Priority     string      `json:"priority,omitempty"`
	NeededDate   *time.Time  `json:"needed_date,omitempty"`
	Notes        string      `json:"notes,omitempty"`
	Items        []BatchItem `json:"items"`
}

func (in BatchInput) request(item BatchItem) CreateRequest {
	return CreateRequest{
		PatientID:    item.PatientID,
		DepartmentID: in.DepartmentID,
		DoctorID:     in.DoctorID,
		LocationID:   in.LocationID,
		Priority:     in.Priority,
		NeededDate:   in.NeededDate,
		Purpose:      item.Purpose,
		Remarks:      item.Remarks,
	}
}

// CreateBatch creates the batch and all of its requests atomically. Items
// are inserted in patient order so concurrent batches take the patient
// locks in the same sequence.
func (s *Service) CreateBatch(ctx context.Context, actor uuid.UUID, in BatchInput) (*Batch, error) {
	const op = "batch.create"
	if err := s.authorize(ctx, op, actor, auth.CapRequest); err != nil {
		return nil, err
	}
	if len(in.Items) == 0 || len(in.Items) > MaxBatchItems {
		return nil, apperr.Validation(op, "a batch holds between 1 and %d items", MaxBatchItems)
	}
	seen := make(map[uuid.UUID]bool, len(in.Items))
	for _, item := range in.Items {
		if seen[item.PatientID] {
			return nil, apperr.Validation(op, "patient %s appears more than once", item.PatientID)
		}
		seen[item.PatientID] = true
		if err := s.validateCreate(ctx, op, in.request(item)); err != nil {
			return nil, err
		}
	}

	items := append([]BatchItem(nil), in.Items...)
	sort.Slice(items, func(i, j int) bool {
		return bytes.Compare(items[i].PatientID[:], items[j].PatientID[:]) < 0
	})

	var b *Batch
	err := s.transact(ctx, "batch", op, func(ctx context.Context) error {
		now := s.clock()
		seq, err := s.batches.NextBatchSeq(ctx)
		if err != nil {
			return err
		}
		priority := in.Priority
		if priority == "" {
			priority = "normal"
		}
		b = &Batch{
			ID:           uuid.New(),
			BatchNumber:  formatNumber("BR", now, seq),
			RequestedBy:  actor,
			Status:       BatchPending,
			DepartmentID: in.DepartmentID,
			DoctorID:     in.DoctorID,
			LocationID:   in.LocationID,
			Priority:     priority,
			NeededDate:   in.NeededDate,
			Notes:        in.Notes,
			TotalCount:   len(items),
			SubmittedAt:  now,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.batches.Create(ctx, b); err != nil {
			return err
		}
		batchID := b.ID
		for _, item := range items {
			cn, err := s.createLocked(ctx, op, actor, in.request(item), &batchID)
			if err != nil {
				return err
			}
			b.Items = append(b.Items, cn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := s.batches.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("batch.get", "batch", id)
	}
	if err != nil {
		return nil, apperr.Integrity("batch.get", err)
	}
	if b.Items, err = s.notes.ListByBatch(ctx, id); err != nil {
		return nil, apperr.Integrity("batch.get", err)
	}
	return b, nil
}

// lockBatch locks the batch row and then its children in id order.
func (s *Service) lockBatch(ctx context.Context, op string, id uuid.UUID) (*Batch, error) {
	b, err := s.batches.GetForUpdate(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound(op, "batch", id)
	}
	if err != nil {
		return nil, err
	}
	if b.Items, err = s.notes.ListByBatchForUpdate(ctx, id); err != nil {
		return nil, err
	}
	return b, nil
}

// ProcessBatch approves or rejects every still-pending item of a pending
// batch in one transaction.
func (s *Service) ProcessBatch(ctx context.Context, actor, id uuid.UUID, approve bool, notes string) (*Batch, error) {
	const op = "batch.process"
	if !approve && strings.TrimSpace(notes) == "" {
		return nil, apperr.Validation(op, "notes are required to reject a batch")
	}
	if err := s.authorize(ctx, op, actor, auth.CapProcessBatch); err != nil {
		return nil, err
	}
	var b *Batch
	err := s.transact(ctx, "batch", op, func(ctx context.Context) error {
		var err error
		if b, err = s.lockBatch(ctx, op, id); err != nil {
			return err
		}
		if err := b.requirePending(op); err != nil {
			return err
		}
		decisions := make(map[uuid.UUID]bool)
		for _, cn := range b.Items {
			if cn.Status == StatusPending {
				decisions[cn.ID] = approve
			}
		}
		return s.applyDecisions(ctx, op, b, actor, decisions, notes)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ProcessBatchItems decides each pending item separately. approveIDs and
// rejectIDs together must name exactly the pending items.
func (s *Service) ProcessBatchItems(ctx context.Context, actor, id uuid.UUID, approveIDs, rejectIDs []uuid.UUID, notes string) (*Batch, error) {
	const op = "batch.process_items"
	if err := uniqueIDs(op, append(append([]uuid.UUID(nil), approveIDs...), rejectIDs...)); err != nil {
		return nil, err
	}
	if len(rejectIDs) > 0 && strings.TrimSpace(notes) == "" {
		return nil, apperr.Validation(op, "notes are required when rejecting items")
	}
	if err := s.authorize(ctx, op, actor, auth.CapProcessBatch); err != nil {
		return nil, err
	}
	var b *Batch
	err := s.transact(ctx, "batch", op, func(ctx context.Context) error {
		var err error
		if b, err = s.lockBatch(ctx, op, id); err != nil {
			return err
		}
		if err := b.requirePending(op); err != nil {
			return err
		}
		decisions := make(map[uuid.UUID]bool, len(approveIDs)+len(rejectIDs))
		for _, cid := range approveIDs {
			decisions[cid] = true
		}
		for _, cid := range rejectIDs {
			decisions[cid] = false
		}
		pending := 0
		for _, cn := range b.Items {
			if cn.Status != StatusPending {
				continue
			}
			pending++
			if _, ok := decisions[cn.ID]; !ok {
				return apperr.Validation(op, "no decision for pending item %s", cn.ID)
			}
		}
		if pending != len(decisions) {
			return apperr.Validation(op, "decisions name items that are not pending in this batch")
		}
		return s.applyDecisions(ctx, op, b, actor, decisions, notes)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) applyDecisions(ctx context.Context, op string, b *Batch, actor uuid.UUID, decisions map[uuid.UUID]bool, notes string) error {
	changed := make([]*CaseNote, 0, len(decisions))
	approved, rejected := 0, 0
	for _, cn := range b.Items {
		approve, ok := decisions[cn.ID]
		if !ok {
			continue
		}
		if approve {
			if err := s.approveLocked(ctx, op, cn, actor, notes); err != nil {
				return err
			}
			approved++
		} else {
			if err := s.rejectLocked(ctx, cn, actor, notes); err != nil {
				return err
			}
			rejected++
		}
		changed = append(changed, cn)
	}
	b.recordProcessed(actor, approved, rejected, notes, s.clock())
	if err := s.notes.UpdateMany(ctx, changed); err != nil {
		return err
	}
	return s.batches.Update(ctx, b)
}

// VerifyBatchReceipt confirms receipt of every approved item. receivedCount
// must match the approved count; partial receipt goes through
// VerifyIndividualReceipt.
func (s *Service) VerifyBatchReceipt(ctx context.Context, actor, id uuid.UUID, receivedCount int, notes string) (*Batch, error) {
	const op = "batch.verify_receipt"
	if receivedCount < 0 {
		return nil, apperr.Validation(op, "received_count must not be negative")
	}
	var b *Batch
	err := s.transact(ctx, "batch", op, func(ctx context.Context) error {
		var err error
		if b, err = s.lockBatch(ctx, op, id); err != nil {
			return err
		}
		if err := b.requireReceivable(op, actor); err != nil {
			return err
		}
		if receivedCount != b.ApprovedCount {
			return apperr.Validation(op, "received_count %d does not match %d approved items; confirm items individually",
				receivedCount, b.ApprovedCount)
		}
		var targets []*CaseNote
		for _, cn := range b.Items {
			if cn.Status == StatusApproved && !cn.IsReceived {
				targets = append(targets, cn)
			}
		}
		return s.completeItems(ctx, op, b, actor, targets, "batch", notes)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// VerifyIndividualReceipt confirms receipt of the named approved items only.
func (s *Service) VerifyIndividualReceipt(ctx context.Context, actor, id uuid.UUID, itemIDs []uuid.UUID, notes string) (*Batch, error) {
	const op = "batch.verify_items"
	if len(itemIDs) == 0 {
		return nil, apperr.Validation(op, "at least one item id is required")
	}
	if err := uniqueIDs(op, itemIDs); err != nil {
		return nil, err
	}
	var b *Batch
	err := s.transact(ctx, "batch", op, func(ctx context.Context) error {
		var err error
		if b, err = s.lockBatch(ctx, op, id); err != nil {
			return err
		}
		if err := b.requireReceivable(op, actor); err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*CaseNote, len(b.Items))
		for _, cn := range b.Items {
			byID[cn.ID] = cn
		}
		targets := make([]*CaseNote, 0, len(itemIDs))
		for _, cid := range itemIDs {
			cn, ok := byID[cid]
			if !ok {
				return apperr.Validation(op, "case note %s is not part of this batch", cid)
			}
			if cn.IsReceived {
				return apperr.Conflict(op, "item already received", "received", "not received")
			}
			targets = append(targets, cn)
		}
		return s.completeItems(ctx, op, b, actor, targets, "batch_item", notes)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// completeItems marks targets received and completed, releasing custody,
// then recomputes the batch receipt tally from all children.
func (s *Service) completeItems(ctx context.Context, op string, b *Batch, actor uuid.UUID, targets []*CaseNote, via, notes string) error {
	now := s.clock()
	batchID := b.ID
	for _, cn := range targets {
		previous, err := cn.completeFromBatch(actor, now)
		if err != nil {
			return err
		}
		if err := s.appendEvent(ctx, cn, &actor, notes, timeline.ReceivedMeta{ReceivedBy: actor, BatchID: &batchID, Via: via}, now); err != nil {
			return err
		}
		md := timeline.CompletedMeta{BatchID: &batchID, CustodianReleased: true, PreviousCustodian: previous}
		if err := s.appendEvent(ctx, cn, &actor, notes, md, now); err != nil {
			return err
		}
	}
	received := 0
	for _, cn := range b.Items {
		if cn.IsReceived {
			received++
		}
	}
	if received > b.ApprovedCount {
		return apperr.Integrity(op, errors.New("received items exceed approved count"))
	}
	b.recordReceipt(actor, received, notes, now)
	if err := s.notes.UpdateMany(ctx, targets); err != nil {
		return err
	}
	return s.batches.Update(ctx, b)
}
