package casenote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/casenote/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// mapErr translates driver errors into the repository sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

// -- Case Note Repository --

type caseNoteRepoPG struct {
	pool *pgxpool.Pool
}

func NewCaseNoteRepo(pool *pgxpool.Pool) CaseNoteRepository {
	return &caseNoteRepoPG{pool: pool}
}

func (r *caseNoteRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const caseNoteCols = `id, request_number, patient_id, requested_by, department_id, doctor_id, location_id,
	priority, needed_date, COALESCE(purpose, ''), COALESCE(remarks, ''),
	current_custodian, status,
	approved_by, approved_at, rejected_by, rejected_at, COALESCE(rejection_note, ''),
	is_received, received_at, received_by,
	is_returned, returned_at, returned_by, COALESCE(return_notes, ''),
	is_rejected_return, COALESCE(rejection_reason, ''), rejection_reason_at, rejection_reason_by,
	completed_at, completed_by, handover_status, active_handover_id, batch_id,
	version, created_at, updated_at`

func (r *caseNoteRepoPG) NextRequestSeq(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('case_note_request_seq')`).Scan(&n)
	return n, err
}

func (r *caseNoteRepoPG) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, patientID.String())
	if err != nil {
		return fmt.Errorf("lock patient %s: %w", patientID, err)
	}
	return nil
}

func (r *caseNoteRepoPG) CountBlocking(ctx context.Context, patientID uuid.UUID, exclude *uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM case_notes
		WHERE patient_id = $1
		  AND ($2::uuid IS NULL OR id <> $2)
		  AND (status IN ('pending', 'approved', 'in_progress', 'pending_return_verification')
		       OR (is_returned AND NOT is_rejected_return))`,
		patientID, exclude).Scan(&n)
	return n, err
}

func (r *caseNoteRepoPG) Create(ctx context.Context, cn *CaseNote) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO case_notes (
			id, request_number, patient_id, requested_by, department_id, doctor_id, location_id,
			priority, needed_date, purpose, remarks, current_custodian, status,
			handover_status, batch_id, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		cn.ID, cn.RequestNumber, cn.PatientID, cn.RequestedBy, cn.DepartmentID, cn.DoctorID, cn.LocationID,
		cn.Priority, cn.NeededDate, cn.Purpose, cn.Remarks, cn.CurrentCustodian, string(cn.Status),
		string(cn.HandoverStatus), cn.BatchID, cn.Version, cn.CreatedAt, cn.UpdatedAt,
	)
	return mapErr(err)
}

func (r *caseNoteRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CaseNote, error) {
	cn, err := scanCaseNote(r.conn(ctx).QueryRow(ctx, `SELECT `+caseNoteCols+` FROM case_notes WHERE id = $1`, id))
	return cn, mapErr(err)
}

// GetForUpdate takes NO KEY UPDATE: ids never change, so inserts elsewhere
// that only need the key to exist are not queued behind the transition.
func (r *caseNoteRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*CaseNote, error) {
	cn, err := scanCaseNote(r.conn(ctx).QueryRow(ctx, `SELECT `+caseNoteCols+` FROM case_notes WHERE id = $1 FOR NO KEY UPDATE`, id))
	return cn, mapErr(err)
}

func (r *caseNoteRepoPG) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*CaseNote, error) {
	return r.list(ctx, `SELECT `+caseNoteCols+` FROM case_notes WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
}

// ListByBatchForUpdate locks the children in id order so two processors of
// the same batch queue behind each other instead of deadlocking.
func (r *caseNoteRepoPG) ListByBatchForUpdate(ctx context.Context, batchID uuid.UUID) ([]*CaseNote, error) {
	return r.list(ctx, `SELECT `+caseNoteCols+` FROM case_notes WHERE batch_id = $1 ORDER BY id FOR NO KEY UPDATE`, batchID)
}

func (r *caseNoteRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*CaseNote, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CaseNote
	for rows.Next() {
		cn, err := scanCaseNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cn)
	}
	return out, rows.Err()
}

func (r *caseNoteRepoPG) Search(ctx context.Context, f CaseNoteFilter, limit, offset int) ([]*CaseNote, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.CustodianID != nil {
		add("current_custodian = $%d", *f.CustodianID)
	}
	if f.RequestedBy != nil {
		add("requested_by = $%d", *f.RequestedBy)
	}
	if f.BatchID != nil {
		add("batch_id = $%d", *f.BatchID)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM case_notes WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	items, err := r.list(ctx, fmt.Sprintf(`SELECT %s FROM case_notes WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		caseNoteCols, cond, len(args)-1, len(args)), args...)
	return items, total, err
}

const caseNoteUpdateSQL = `
	UPDATE case_notes SET
		department_id = $3, doctor_id = $4, location_id = $5,
		current_custodian = $6, status = $7,
		approved_by = $8, approved_at = $9, rejected_by = $10, rejected_at = $11, rejection_note = $12,
		is_received = $13, received_at = $14, received_by = $15,
		is_returned = $16, returned_at = $17, returned_by = $18, return_notes = $19,
		is_rejected_return = $20, rejection_reason = $21, rejection_reason_at = $22, rejection_reason_by = $23,
		completed_at = $24, completed_by = $25, handover_status = $26, active_handover_id = $27,
		version = version + 1, updated_at = $28
	WHERE id = $1 AND version = $2`

func caseNoteUpdateArgs(cn *CaseNote) []interface{} {
	return []interface{}{
		cn.ID, cn.Version,
		cn.DepartmentID, cn.DoctorID, cn.LocationID,
		cn.CurrentCustodian, string(cn.Status),
		cn.ApprovedBy, cn.ApprovedAt, cn.RejectedBy, cn.RejectedAt, cn.RejectionNote,
		cn.IsReceived, cn.ReceivedAt, cn.ReceivedBy,
		cn.IsReturned, cn.ReturnedAt, cn.ReturnedBy, cn.ReturnNotes,
		cn.IsRejectedReturn, cn.RejectionReason, cn.RejectionReasonAt, cn.RejectionReasonBy,
		cn.CompletedAt, cn.CompletedBy, string(cn.HandoverStatus), cn.ActiveHandoverID,
		cn.UpdatedAt,
	}
}

func (r *caseNoteRepoPG) Update(ctx context.Context, cn *CaseNote) error {
	tag, err := r.conn(ctx).Exec(ctx, caseNoteUpdateSQL, caseNoteUpdateArgs(cn)...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	cn.Version++
	return nil
}

func (r *caseNoteRepoPG) UpdateMany(ctx context.Context, cns []*CaseNote) error {
	if len(cns) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, cn := range cns {
		b.Queue(caseNoteUpdateSQL, caseNoteUpdateArgs(cn)...)
	}
	br := r.conn(ctx).SendBatch(ctx, b)
	for _, cn := range cns {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			br.Close()
			return fmt.Errorf("case note %s: %w", cn.ID, ErrStale)
		}
	}
	if err := br.Close(); err != nil {
		return mapErr(err)
	}
	for _, cn := range cns {
		cn.Version++
	}
	return nil
}

func (r *caseNoteRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM case_notes WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCaseNote(row pgx.Row) (*CaseNote, error) {
	var (
		cn             CaseNote
		status, hstate string
	)
	err := row.Scan(
		&cn.ID, &cn.RequestNumber, &cn.PatientID, &cn.RequestedBy, &cn.DepartmentID, &cn.DoctorID, &cn.LocationID,
		&cn.Priority, &cn.NeededDate, &cn.Purpose, &cn.Remarks,
		&cn.CurrentCustodian, &status,
		&cn.ApprovedBy, &cn.ApprovedAt, &cn.RejectedBy, &cn.RejectedAt, &cn.RejectionNote,
		&cn.IsReceived, &cn.ReceivedAt, &cn.ReceivedBy,
		&cn.IsReturned, &cn.ReturnedAt, &cn.ReturnedBy, &cn.ReturnNotes,
		&cn.IsRejectedReturn, &cn.RejectionReason, &cn.RejectionReasonAt, &cn.RejectionReasonBy,
		&cn.CompletedAt, &cn.CompletedBy, &hstate, &cn.ActiveHandoverID, &cn.BatchID,
		&cn.Version, &cn.CreatedAt, &cn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cn.Status = Status(status)
	cn.HandoverStatus = HandoverState(hstate)
	return &cn, nil
}

// -- Handover Repository --

type handoverRepoPG struct {
	pool *pgxpool.Pool
}

func NewHandoverRepo(pool *pgxpool.Pool) HandoverRepository {
	return &handoverRepoPG{pool: pool}
}

func (r *handoverRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const handoverCols = `id, case_note_id, requested_by, initiated_by, current_holder, reason,
	department_id, doctor_id, location_id, status,
	COALESCE(response_notes, ''), COALESCE(verification_notes, ''),
	previous_department_id, previous_doctor_id, previous_location_id,
	requested_at, acknowledged_at, responded_at, verified_at, overdue_at, escalated_at,
	version, created_at, updated_at`

func (r *handoverRepoPG) Create(ctx context.Context, h *Handover) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO case_note_handovers (
			id, case_note_id, requested_by, initiated_by, current_holder, reason,
			department_id, doctor_id, location_id, status, requested_at,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		h.ID, h.CaseNoteID, h.RequestedBy, h.InitiatedBy, h.CurrentHolder, h.Reason,
		h.DepartmentID, h.DoctorID, h.LocationID, string(h.Status), h.RequestedAt,
		h.Version, h.CreatedAt, h.UpdatedAt,
	)
	return mapErr(err)
}

func (r *handoverRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Handover, error) {
	h, err := scanHandover(r.conn(ctx).QueryRow(ctx, `SELECT `+handoverCols+` FROM case_note_handovers WHERE id = $1`, id))
	return h, mapErr(err)
}

func (r *handoverRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Handover, error) {
	h, err := scanHandover(r.conn(ctx).QueryRow(ctx, `SELECT `+handoverCols+` FROM case_note_handovers WHERE id = $1 FOR NO KEY UPDATE`, id))
	return h, mapErr(err)
}

func (r *handoverRepoPG) Update(ctx context.Context, h *Handover) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE case_note_handovers SET
			status = $3, response_notes = $4, verification_notes = $5,
			previous_department_id = $6, previous_doctor_id = $7, previous_location_id = $8,
			acknowledged_at = $9, responded_at = $10, verified_at = $11,
			version = version + 1, updated_at = $12
		WHERE id = $1 AND version = $2`,
		h.ID, h.Version,
		string(h.Status), h.ResponseNotes, h.VerificationNotes,
		h.PreviousDepartmentID, h.PreviousDoctorID, h.PreviousLocationID,
		h.AcknowledgedAt, h.RespondedAt, h.VerifiedAt,
		h.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	h.Version++
	return nil
}

func (r *handoverRepoPG) ListByCaseNote(ctx context.Context, caseNoteID uuid.UUID, limit, offset int) ([]*Handover, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM case_note_handovers WHERE case_note_id = $1`, caseNoteID).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+handoverCols+` FROM case_note_handovers
		WHERE case_note_id = $1 ORDER BY requested_at DESC, id LIMIT $2 OFFSET $3`, caseNoteID, limit, offset)
	return items, total, err
}

// The sweep never touches status, so it cannot race a transition into an
// inconsistent state: a responder holding the row lock makes the UPDATE
// wait, after which the status predicate is re-evaluated and fails.
func (r *handoverRepoPG) MarkOverdue(ctx context.Context, cutoff, now time.Time) ([]*Handover, error) {
	return r.query(ctx, `
		UPDATE case_note_handovers SET overdue_at = $2, version = version + 1, updated_at = $2
		WHERE status = 'pending' AND overdue_at IS NULL AND requested_at <= $1
		RETURNING `+handoverCols, cutoff, now)
}

func (r *handoverRepoPG) MarkEscalated(ctx context.Context, cutoff, now time.Time) ([]*Handover, error) {
	return r.query(ctx, `
		UPDATE case_note_handovers SET escalated_at = $2, version = version + 1, updated_at = $2
		WHERE status = 'pending' AND escalated_at IS NULL AND requested_at <= $1
		RETURNING `+handoverCols, cutoff, now)
}

func (r *handoverRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Handover, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHandover(row pgx.Row) (*Handover, error) {
	var (
		h      Handover
		status string
	)
	err := row.Scan(
		&h.ID, &h.CaseNoteID, &h.RequestedBy, &h.InitiatedBy, &h.CurrentHolder, &h.Reason,
		&h.DepartmentID, &h.DoctorID, &h.LocationID, &status,
		&h.ResponseNotes, &h.VerificationNotes,
		&h.PreviousDepartmentID, &h.PreviousDoctorID, &h.PreviousLocationID,
		&h.RequestedAt, &h.AcknowledgedAt, &h.RespondedAt, &h.VerifiedAt, &h.OverdueAt, &h.EscalatedAt,
		&h.Version, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.Status = TransferStatus(status)
	return &h, nil
}

// -- Batch Repository --

type batchRepoPG struct {
	pool *pgxpool.Pool
}

func NewBatchRepo(pool *pgxpool.Pool) BatchRepository {
	return &batchRepoPG{pool: pool}
}

func (r *batchRepoPG) conn(ctx context.Context) querier { return connFor(ctx, r.pool) }

const batchCols = `id, batch_number, requested_by, status, department_id, doctor_id, location_id,
	priority, needed_date, COALESCE(notes, ''),
	total_count, approved_count, received_count, rejected_count,
	submitted_at, processed_by, processed_at, COALESCE(processing_notes, ''),
	is_verified, verified_by, verified_at, COALESCE(verification_notes, ''),
	version, created_at, updated_at`

func (r *batchRepoPG) NextBatchSeq(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('batch_request_seq')`).Scan(&n)
	return n, err
}

func (r *batchRepoPG) Create(ctx context.Context, b *Batch) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO batch_requests (
			id, batch_number, requested_by, status, department_id, doctor_id, location_id,
			priority, needed_date, notes, total_count, submitted_at, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		b.ID, b.BatchNumber, b.RequestedBy, string(b.Status), b.DepartmentID, b.DoctorID, b.LocationID,
		b.Priority, b.NeededDate, b.Notes, b.TotalCount, b.SubmittedAt, b.Version, b.CreatedAt, b.UpdatedAt,
	)
	return mapErr(err)
}

func (r *batchRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := scanBatch(r.conn(ctx).QueryRow(ctx, `SELECT `+batchCols+` FROM batch_requests WHERE id = $1`, id))
	return b, mapErr(err)
}

func (r *batchRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := scanBatch(r.conn(ctx).QueryRow(ctx, `SELECT `+batchCols+` FROM batch_requests WHERE id = $1 FOR NO KEY UPDATE`, id))
	return b, mapErr(err)
}

func (r *batchRepoPG) Update(ctx context.Context, b *Batch) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE batch_requests SET
			status = $3, approved_count = $4, received_count = $5, rejected_count = $6,
			processed_by = $7, processed_at = $8, processing_notes = $9,
			is_verified = $10, verified_by = $11, verified_at = $12, verification_notes = $13,
			version = version + 1, updated_at = $14
		WHERE id = $1 AND version = $2`,
		b.ID, b.Version,
		string(b.Status), b.ApprovedCount, b.ReceivedCount, b.RejectedCount,
		b.ProcessedBy, b.ProcessedAt, b.ProcessingNotes,
		b.IsVerified, b.VerifiedBy, b.VerifiedAt, b.VerificationNotes,
		b.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	b.Version++
	return nil
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var (
		b      Batch
		status string
	)
	err := row.Scan(
		&b.ID, &b.BatchNumber, &b.RequestedBy, &status, &b.DepartmentID, &b.DoctorID, &b.LocationID,
		&b.Priority, &b.NeededDate, &b.Notes,
		&b.TotalCount, &b.ApprovedCount, &b.ReceivedCount, &b.RejectedCount,
		&b.SubmittedAt, &b.ProcessedBy, &b.ProcessedAt, &b.ProcessingNotes,
		&b.IsVerified, &b.VerifiedBy, &b.VerifiedAt, &b.VerificationNotes,
		&b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	return &b, nil
}
