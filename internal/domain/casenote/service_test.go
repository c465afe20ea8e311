package casenote

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ehr/casenote/internal/domain/timeline"
	"github.com/ehr/casenote/internal/platform/apperr"
	"github.com/ehr/casenote/internal/platform/metrics"
)

func TestCreateThenApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cn := f.create(t, f.patient())
	if cn.Status != StatusPending {
		t.Errorf("expected pending, got %s", cn.Status)
	}
	if !cn.isCustodian(f.ca) {
		t.Error("expected requester to be custodian")
	}
	if cn.RequestNumber != "CN-20260504-000001" {
		t.Errorf("unexpected request number %q", cn.RequestNumber)
	}
	if cn.Priority != "normal" {
		t.Errorf("expected default priority, got %q", cn.Priority)
	}

	f.tick(time.Minute)
	cn, err := f.svc.Approve(ctx, f.mr, cn.ID, "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if cn.Status != StatusApproved || !cn.isCustodian(f.ca) {
		t.Errorf("expected approved with custody unchanged, got %s custodian %v", cn.Status, cn.CurrentCustodian)
	}
	if cn.ApprovedBy == nil || *cn.ApprovedBy != f.mr {
		t.Error("expected approved_by to be set")
	}

	events := f.store.eventsFor(cn.ID)
	if len(events) != 2 || events[0].Type != timeline.EventCreated || events[1].Type != timeline.EventApproved {
		t.Fatalf("expected created then approved, got %+v", events)
	}
	created := events[0].Metadata.(timeline.CreatedMeta)
	if created.RequestNumber != cn.RequestNumber || created.PatientID != cn.PatientID {
		t.Errorf("created metadata did not round-trip: %+v", created)
	}
}

func TestCreate_PatientAlreadyBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient()

	cn := f.create(t, p)
	if _, err := f.svc.Create(ctx, f.ca2, CreateRequest{PatientID: p}); err == nil {
		t.Fatal("expected second pending request to be refused")
	}
	if _, err := f.svc.Approve(ctx, f.mr, cn.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Create(ctx, f.ca2, CreateRequest{PatientID: p})
	expectKind(t, err, apperr.KindStateConflict)
}

func TestCreate_AllowedAfterRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient()

	cn := f.create(t, p)
	if _, err := f.svc.Reject(ctx, f.mr, cn.ID, "duplicate request"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Create(ctx, f.ca, CreateRequest{PatientID: p}); err != nil {
		t.Errorf("expected new request after rejection, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	inactive := f.patient()
	f.refs.Patients[inactive].Active = false
	unknownDept := uuid.New()

	tests := []struct {
		name string
		in   CreateRequest
	}{
		{"missing patient", CreateRequest{}},
		{"unknown patient", CreateRequest{PatientID: uuid.New()}},
		{"inactive patient", CreateRequest{PatientID: inactive}},
		{"bad priority", CreateRequest{PatientID: f.patient(), Priority: "asap"}},
		{"unknown department", CreateRequest{PatientID: f.patient(), DepartmentID: &unknownDept}},
		{"long purpose", CreateRequest{PatientID: f.patient(), Purpose: strings.Repeat("x", 2001)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), f.ca, tt.in)
			expectKind(t, err, apperr.KindValidation)
		})
	}
}

func TestCreate_RequiresRequestCapability(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.mr, CreateRequest{PatientID: f.patient()})
	expectKind(t, err, apperr.KindAuthorization)
}

func TestApprove_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.create(t, f.patient())

	if _, err := f.svc.Approve(ctx, f.mr, cn.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Approve(ctx, f.mr, cn.ID, "")
	expectKind(t, err, apperr.KindStateConflict)

	if n := f.store.countEvents(cn.ID, timeline.EventApproved); n != 1 {
		t.Errorf("expected exactly one approved event, got %d", n)
	}
}

func TestApprove_RequiresCapability(t *testing.T) {
	f := newFixture(t)
	cn := f.create(t, f.patient())
	_, err := f.svc.Approve(context.Background(), f.ca, cn.ID, "")
	expectKind(t, err, apperr.KindAuthorization)
	if got := f.store.note(t, cn.ID); got.Status != StatusPending {
		t.Errorf("expected no change, got %s", got.Status)
	}
}

func TestApprove_CompetingRecord(t *testing.T) {
	f := newFixture(t)
	p := f.patient()
	cn := f.create(t, p)

	// Storage normally refuses this row; the approval pre-check must catch
	// it regardless.
	other := *cn
	other.ID = uuid.New()
	other.Status = StatusPendingReturnVerification
	other.IsReturned = true
	f.store.notes[other.ID] = other

	_, err := f.svc.Approve(context.Background(), f.mr, cn.ID, "")
	expectKind(t, err, apperr.KindStateConflict)
}

func TestApprove_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Approve(context.Background(), f.mr, uuid.New(), "")
	expectKind(t, err, apperr.KindNotFound)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.create(t, f.patient())

	_, err := f.svc.Reject(ctx, f.mr, cn.ID, "  ")
	expectKind(t, err, apperr.KindValidation)

	cn, err = f.svc.Reject(ctx, f.mr, cn.ID, "folder missing")
	if err != nil {
		t.Fatal(err)
	}
	if cn.Status != StatusRejected || cn.RejectionNote != "folder missing" {
		t.Errorf("unexpected record %+v", cn)
	}
	if cn.CurrentCustodian == nil {
		t.Error("rejected record must keep a custodian")
	}
	_, err = f.svc.Approve(ctx, f.mr, cn.ID, "")
	expectKind(t, err, apperr.KindStateConflict)
}

func TestMarkReceived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.create(t, f.patient())

	_, err := f.svc.MarkReceived(ctx, f.ca, cn.ID)
	expectKind(t, err, apperr.KindStateConflict)

	if _, err := f.svc.Approve(ctx, f.mr, cn.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.MarkReceived(ctx, f.ca2, cn.ID)
	expectKind(t, err, apperr.KindAuthorization)

	cn, err = f.svc.MarkReceived(ctx, f.ca, cn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cn.IsReceived || cn.ReceivedBy == nil || *cn.ReceivedBy != f.ca {
		t.Errorf("expected receipt recorded, got %+v", cn)
	}
	_, err = f.svc.MarkReceived(ctx, f.ca, cn.ID)
	expectKind(t, err, apperr.KindStateConflict)
}

func TestRejectNotReceived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.held(t)

	_, err := f.svc.RejectNotReceived(ctx, f.ca, cn.ID, "")
	expectKind(t, err, apperr.KindValidation)
	_, err = f.svc.RejectNotReceived(ctx, f.ca2, cn.ID, "never arrived")
	expectKind(t, err, apperr.KindAuthorization)

	cn, err = f.svc.RejectNotReceived(ctx, f.ca, cn.ID, "never arrived")
	if err != nil {
		t.Fatal(err)
	}
	if cn.Status != StatusPending || cn.ApprovedBy != nil || cn.IsReceived || cn.ReceivedBy != nil {
		t.Errorf("expected reset to pending, got %+v", cn)
	}
	if cn.RejectionReason != "never arrived" || cn.RejectionReasonBy == nil {
		t.Error("expected rejection reason recorded")
	}
	events := f.store.eventsFor(cn.ID)
	last := events[len(events)-1]
	md := last.Metadata.(timeline.RejectedNotReceivedMeta)
	if md.PreviousApprovedBy == nil || *md.PreviousApprovedBy != f.mr {
		t.Errorf("expected previous approver in metadata, got %+v", md)
	}

	// Back to pending: MR staff can process it again.
	if _, err := f.svc.Approve(ctx, f.mr, cn.ID, ""); err != nil {
		t.Errorf("expected re-approval, got %v", err)
	}
}

func TestRejectNotReceived_BeforeReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.create(t, f.patient())
	if _, err := f.svc.Approve(ctx, f.mr, cn.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.RejectNotReceived(ctx, f.ca, cn.ID, "never arrived")
	expectKind(t, err, apperr.KindStateConflict)
}

func TestReturnAndVerify_Accept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.held(t)

	cn, err := f.svc.Return(ctx, f.ca, cn.ID, "done with it")
	if err != nil {
		t.Fatal(err)
	}
	if cn.Status != StatusPendingReturnVerification || !cn.IsReturned {
		t.Fatalf("expected pending_return_verification, got %+v", cn)
	}

	_, err = f.svc.VerifyReturn(ctx, f.ca, cn.ID, true, "")
	expectKind(t, err, apperr.KindAuthorization)

	cn, err = f.svc.VerifyReturn(ctx, f.mr, cn.ID, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if cn.Status != StatusCompleted || cn.IsReturned || cn.IsReceived {
		t.Errorf("expected completed with flags cleared, got %+v", cn)
	}
	if !cn.isCustodian(f.ca) {
		t.Error("return verification must keep the custodian")
	}
	if cn.CompletedBy == nil || *cn.CompletedBy != f.mr {
		t.Error("expected completed_by")
	}

	// Completed with custodian retained no longer blocks the patient.
	if _, err := f.svc.Create(ctx, f.ca2, CreateRequest{PatientID: cn.PatientID}); err != nil {
		t.Errorf("expected new request after completion, got %v", err)
	}
}

func TestReturnAndVerify_Reject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.held(t)

	if _, err := f.svc.Return(ctx, f.ca, cn.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.VerifyReturn(ctx, f.mr, cn.ID, false, "")
	expectKind(t, err, apperr.KindValidation)

	cn, err = f.svc.VerifyReturn(ctx, f.mr, cn.ID, false, "pages missing")
	if err != nil {
		t.Fatal(err)
	}
	if cn.Status != StatusApproved || !cn.IsRejectedReturn || !cn.isCustodian(f.ca) {
		t.Errorf("expected approved with rejected return and custody restored, got %+v", cn)
	}
	if cn.RejectionReason != "pages missing" {
		t.Errorf("unexpected rejection reason %q", cn.RejectionReason)
	}

	// The CA fixes the folder and returns it again.
	cn, err = f.svc.Return(ctx, f.ca, cn.ID, "pages restored")
	if err != nil {
		t.Fatal(err)
	}
	if cn.IsRejectedReturn {
		t.Error("expected rejected-return flag cleared on resubmission")
	}
	events := f.store.eventsFor(cn.ID)
	md := events[len(events)-1].Metadata.(timeline.ReturnedMeta)
	if !md.Resubmission {
		t.Error("expected second return to be marked as resubmission")
	}
}

func TestReturn_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cn := f.create(t, f.patient())
	_, err := f.svc.Return(ctx, f.ca, cn.ID, "")
	expectKind(t, err, apperr.KindStateConflict)

	held := f.held(t)
	_, err = f.svc.Return(ctx, f.ca2, held.ID, "")
	expectKind(t, err, apperr.KindAuthorization)

	if _, err := f.svc.Return(ctx, f.ca, held.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.Return(ctx, f.ca, held.ID, "")
	expectKind(t, err, apperr.KindStateConflict)
}

func TestVerifyReturns_Atomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.held(t)
	if _, err := f.svc.Return(ctx, f.ca, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	b := f.held(t)

	_, err := f.svc.VerifyReturns(ctx, f.mr, []uuid.UUID{a.ID, b.ID}, true, "")
	expectKind(t, err, apperr.KindStateConflict)
	if got := f.store.note(t, a.ID); got.Status != StatusPendingReturnVerification {
		t.Errorf("expected first record untouched, got %s", got.Status)
	}
	if n := f.store.countEvents(a.ID, timeline.EventReturnedVerified); n != 0 {
		t.Errorf("expected no verification event after rollback, got %d", n)
	}

	if _, err := f.svc.Return(ctx, f.ca, b.ID, ""); err != nil {
		t.Fatal(err)
	}
	out, err := f.svc.VerifyReturns(ctx, f.mr, []uuid.UUID{a.ID, b.ID}, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Status != StatusCompleted || out[1].Status != StatusCompleted {
		t.Errorf("expected both completed, got %+v", out)
	}
}

func TestVerifyReturns_InputValidation(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	_, err := f.svc.VerifyReturns(context.Background(), f.mr, nil, true, "")
	expectKind(t, err, apperr.KindValidation)
	_, err = f.svc.VerifyReturns(context.Background(), f.mr, []uuid.UUID{id, id}, true, "")
	expectKind(t, err, apperr.KindValidation)
}

func TestTransition_RollsBackOnStorageFailure(t *testing.T) {
	f := newFixture(t)
	cn := f.create(t, f.patient())

	f.store.failAppend = errBoom
	_, err := f.svc.Approve(context.Background(), f.mr, cn.ID, "")
	expectKind(t, err, apperr.KindIntegrity)
	f.store.failAppend = nil

	if got := f.store.note(t, cn.ID); got.Status != StatusPending || got.ApprovedBy != nil {
		t.Errorf("expected no partial approval, got %+v", got)
	}
	if n := len(f.store.eventsFor(cn.ID)); n != 1 {
		t.Errorf("expected only the created event, got %d", n)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.create(t, f.patient())

	err := f.svc.Delete(ctx, f.ca2, cn.ID)
	expectKind(t, err, apperr.KindAuthorization)

	if err := f.svc.Delete(ctx, f.ca, cn.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Get(ctx, cn.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found after delete, got %v", err)
	}
	events := f.store.eventsFor(cn.ID)
	if len(events) != 2 || events[0].Type != timeline.EventCreated || events[1].Type != timeline.EventDeleted {
		t.Fatalf("expected created then deleted events to survive, got %+v", events)
	}
	md, ok := events[1].Metadata.(timeline.DeletedMeta)
	if !ok || md.RequestNumber != cn.RequestNumber || md.PatientID != cn.PatientID {
		t.Errorf("unexpected deleted metadata %#v", events[1].Metadata)
	}
	if events[1].ActorID == nil || *events[1].ActorID != f.ca {
		t.Errorf("expected the requester as actor, got %v", events[1].ActorID)
	}

	approved := f.create(t, f.patient())
	if _, err := f.svc.Approve(ctx, f.mr, approved.ID, ""); err != nil {
		t.Fatal(err)
	}
	err = f.svc.Delete(ctx, f.ca, approved.ID)
	expectKind(t, err, apperr.KindStateConflict)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, f.patient())
	f.create(t, f.patient())
	if _, err := f.svc.Approve(ctx, f.mr, a.ID, ""); err != nil {
		t.Fatal(err)
	}

	approved := StatusApproved
	items, total, err := f.svc.Search(ctx, CaseNoteFilter{Status: &approved}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || items[0].ID != a.ID {
		t.Errorf("expected only the approved record, got %d", total)
	}

	bogus := Status("lost")
	_, _, err = f.svc.Search(ctx, CaseNoteFilter{Status: &bogus}, 10, 0)
	expectKind(t, err, apperr.KindValidation)
}

func TestService_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	m, err := metrics.NewWorkflowMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	f.svc.SetMetrics(m)
	cn := f.create(t, f.patient())
	f.svc.Approve(context.Background(), f.mr, cn.ID, "")
	f.svc.Approve(context.Background(), f.mr, cn.ID, "")

	ok := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("case_note", "casenote.approve", "ok"))
	conflict := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("case_note", "casenote.approve", "state_conflict"))
	if ok != 1 || conflict != 1 {
		t.Errorf("expected 1 ok and 1 conflict, got %v and %v", ok, conflict)
	}
}

// TestInvariants walks one patient through every lifecycle path and checks
// after each step that the patient has at most one blocking record and
// that no incomplete record lacks a custodian.
func TestInvariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.patient()

	check := func(step string) {
		t.Helper()
		blocking := 0
		for _, cn := range f.store.notes {
			if cn.PatientID == p && cn.Blocking() {
				blocking++
			}
			if cn.Status != StatusCompleted && cn.CurrentCustodian == nil {
				t.Errorf("%s: record %s has no custodian in status %s", step, cn.ID, cn.Status)
			}
		}
		if blocking > 1 {
			t.Errorf("%s: patient has %d blocking records", step, blocking)
		}
	}

	cn := f.create(t, p)
	check("create")
	f.svc.Create(ctx, f.ca2, CreateRequest{PatientID: p})
	check("second create")
	f.svc.Approve(ctx, f.mr, cn.ID, "")
	check("approve")
	f.svc.MarkReceived(ctx, f.ca, cn.ID)
	check("receive")
	f.svc.RejectNotReceived(ctx, f.ca, cn.ID, "wrong folder")
	check("reject not received")
	f.svc.Approve(ctx, f.mr, cn.ID, "")
	f.svc.MarkReceived(ctx, f.ca, cn.ID)
	f.svc.Return(ctx, f.ca, cn.ID, "")
	check("return")
	f.svc.Create(ctx, f.ca2, CreateRequest{PatientID: p})
	check("create during return")
	f.svc.VerifyReturn(ctx, f.mr, cn.ID, false, "torn")
	check("reject return")
	f.svc.Return(ctx, f.ca, cn.ID, "")
	f.svc.VerifyReturn(ctx, f.mr, cn.ID, true, "")
	check("verify return")
	next := f.create(t, p)
	check("create after completion")
	f.svc.Reject(ctx, f.mr, next.ID, "not needed")
	check("reject")
}

func TestClassify_DeadlockVictimIsConflict(t *testing.T) {
	err := classify("handover.respond", fmt.Errorf("lock handover: %w", &pgconn.PgError{Code: "40P01"}))
	expectKind(t, err, apperr.KindStateConflict)

	err = classify("handover.respond", fmt.Errorf("lock handover: %w", &pgconn.PgError{Code: "08006"}))
	expectKind(t, err, apperr.KindIntegrity)
}
