//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casenote/internal/domain/casenote"
	"github.com/ehr/casenote/internal/domain/timeline"
	"github.com/ehr/casenote/internal/platform/apperr"
)

func TestRequestLifecycle_RoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cn := e.held(t)
	if cn.CurrentCustodian == nil || *cn.CurrentCustodian != e.ca {
		t.Fatalf("expected custodian %s, got %v", e.ca, cn.CurrentCustodian)
	}
	if _, err := e.svc.Return(ctx, e.ca, cn.ID, "done with clinic"); err != nil {
		t.Fatalf("return: %v", err)
	}
	cn, err := e.svc.VerifyReturn(ctx, e.mr, cn.ID, true, "")
	if err != nil {
		t.Fatalf("verify return: %v", err)
	}
	if cn.Status != casenote.StatusCompleted || cn.CurrentCustodian != nil {
		t.Errorf("expected completed with no custodian, got %s %v", cn.Status, cn.CurrentCustodian)
	}

	want := []timeline.EventType{
		timeline.EventCreated, timeline.EventApproved, timeline.EventReceived,
		timeline.EventReturned, timeline.EventReturnedVerified, timeline.EventCompleted,
	}
	got := e.events(t, cn.ID)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// Completed requests no longer block the patient.
	e.create(t, cn.PatientID)
}

func TestRequestLifecycle_ConcurrentCreateOneWins(t *testing.T) {
	e := newEnv(t)
	patient := e.patient(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.Create(context.Background(), e.ca, casenote.CreateRequest{
				PatientID:    patient,
				DepartmentID: &e.dept,
				Purpose:      "race",
			})
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) == apperr.KindStateConflict:
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Errorf("expected 1 winner and %d conflicts, got %d and %d", n-1, ok, conflicts)
	}
}

func TestRequestLifecycle_ConcurrentApprove(t *testing.T) {
	e := newEnv(t)
	cn := e.create(t, e.patient(t))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.svc.Approve(context.Background(), e.mr, cn.ID, "")
		}()
	}
	wg.Wait()

	approvals := 0
	for _, typ := range e.events(t, cn.ID) {
		if typ == timeline.EventApproved {
			approvals++
		}
	}
	if approvals != 1 {
		t.Errorf("expected exactly one approval event, got %d", approvals)
	}
}

func TestHandover_OverPostgres(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cn := e.held(t)

	h, err := e.svc.RequestHandover(ctx, e.ca, cn.ID, casenote.HandoverInput{ToActor: e.ca2, Reason: "ward transfer"})
	if err != nil {
		t.Fatalf("request handover: %v", err)
	}
	if _, err := e.svc.RequestHandover(ctx, e.ca, cn.ID, casenote.HandoverInput{ToActor: e.ca2, Reason: "again"}); apperr.KindOf(err) != apperr.KindStateConflict {
		t.Errorf("expected second handover to conflict, got %v", err)
	}
	if _, err := e.svc.RespondToHandover(ctx, e.ca, h.ID, true, ""); err != nil {
		t.Fatalf("respond: %v", err)
	}
	h, err = e.svc.VerifyHandoverReceipt(ctx, e.ca2, h.ID, true, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if h.Status != casenote.TransferVerified {
		t.Errorf("expected verified, got %s", h.Status)
	}
	got, err := e.svc.Get(ctx, cn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentCustodian == nil || *got.CurrentCustodian != e.ca2 {
		t.Errorf("expected custody with %s, got %v", e.ca2, got.CurrentCustodian)
	}
}

func TestSweep_OverPostgres(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cn := e.held(t)
	h, err := e.svc.RequestHandover(ctx, e.ca, cn.ID, casenote.HandoverInput{ToActor: e.ca2, Reason: "ward transfer"})
	if err != nil {
		t.Fatalf("request handover: %v", err)
	}

	e.now = e.now.Add(25 * time.Hour)
	if _, err := e.svc.SweepHandovers(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, err := e.svc.GetHandover(ctx, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OverdueAt == nil || got.EscalatedAt == nil {
		t.Errorf("expected overdue and escalated marks, got %+v", got)
	}

	// A second sweep marks nothing new on this handover.
	if _, err := e.svc.SweepHandovers(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	overdue := 0
	for _, typ := range e.events(t, cn.ID) {
		if typ == timeline.EventHandoverOverdue {
			overdue++
		}
	}
	if overdue != 1 {
		t.Errorf("expected one overdue event, got %d", overdue)
	}
}

func TestBatch_OverPostgres(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	b, err := e.svc.CreateBatch(ctx, e.ca, casenote.BatchInput{
		DepartmentID: &e.dept,
		Items: []casenote.BatchItem{
			{PatientID: e.patient(t)},
			{PatientID: e.patient(t)},
			{PatientID: e.patient(t)},
		},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if b.TotalCount != 3 {
		t.Fatalf("expected 3 items, got %d", b.TotalCount)
	}
	b, err = e.svc.ProcessBatch(ctx, e.mr, b.ID, true, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	b, err = e.svc.VerifyBatchReceipt(ctx, e.ca, b.ID, 3, "")
	if err != nil {
		t.Fatalf("verify receipt: %v", err)
	}
	if b.ReceivedCount != 3 || !b.IsVerified {
		t.Errorf("expected 3 received and verified, got %+v", b)
	}
}

func TestBatch_BlockedPatientRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	blocked := e.patient(t)
	e.create(t, blocked)

	_, err := e.svc.CreateBatch(ctx, e.ca, casenote.BatchInput{
		Items: []casenote.BatchItem{{PatientID: e.patient(t)}, {PatientID: blocked}},
	})
	if apperr.KindOf(err) != apperr.KindStateConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	var n int
	if err := globalPool.QueryRow(ctx, `SELECT count(*) FROM batch_requests WHERE requested_by = $1`, e.ca).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected no batch rows after rollback, got %d", n)
	}
}

func TestDelete_KeepsTimeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cn := e.create(t, e.patient(t))

	if err := e.svc.Delete(ctx, e.ca, cn.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.svc.Get(ctx, cn.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected deleted record to be gone, got %v", err)
	}
	got := e.events(t, cn.ID)
	if len(got) != 2 || got[0] != timeline.EventCreated || got[1] != timeline.EventDeleted {
		t.Errorf("expected created then deleted to remain, got %v", got)
	}

	if _, err := globalPool.Exec(ctx, `DELETE FROM timeline_events WHERE case_note_id = $1`, cn.ID); err == nil {
		t.Error("expected timeline rows to refuse deletion")
	}
}

func TestTimeline_UnknownCaseNote(t *testing.T) {
	e := newEnv(t)
	_, err := e.timeline.ListForCaseNote(context.Background(), uuid.New())
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

// race runs fns at the same instant and returns their errors in order.
func race(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i, fn)
	}
	close(start)
	wg.Wait()
	return errs
}

// oneWinner checks that exactly one call succeeded and every other call was
// refused as a state conflict.
func oneWinner(t *testing.T, errs []error) {
	t.Helper()
	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case apperr.KindOf(err) != apperr.KindStateConflict:
			t.Errorf("expected state conflict for the loser, got %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d (%v)", wins, errs)
	}
}

func countType(types []timeline.EventType, want ...timeline.EventType) int {
	n := 0
	for _, typ := range types {
		for _, w := range want {
			if typ == w {
				n++
			}
		}
	}
	return n
}

func TestHandover_ConcurrentRequests(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cn := e.held(t)

	errs := race(
		func() error {
			_, err := e.svc.RequestHandover(ctx, e.ca, cn.ID, casenote.HandoverInput{ToActor: e.ca2, Reason: "ward transfer"})
			return err
		},
		func() error {
			_, err := e.svc.RequestHandover(ctx, e.ca, cn.ID, casenote.HandoverInput{ToActor: e.ca3, Reason: "theatre list"})
			return err
		},
	)
	oneWinner(t, errs)

	if n := countType(e.events(t, cn.ID), timeline.EventHandoverRequested); n != 1 {
		t.Errorf("expected one handover_requested event, got %d", n)
	}
	var active int
	if err := globalPool.QueryRow(ctx, `
		SELECT count(*) FROM case_note_handovers
		WHERE case_note_id = $1 AND status IN ('pending', 'acknowledged', 'approved_pending_verification')`,
		cn.ID).Scan(&active); err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Errorf("expected one active handover, got %d", active)
	}
}

func TestReturn_RacesHandoverRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cn := e.held(t)

	errs := race(
		func() error {
			_, err := e.svc.Return(ctx, e.ca, cn.ID, "done with clinic")
			return err
		},
		func() error {
			_, err := e.svc.RequestHandover(ctx, e.ca, cn.ID, casenote.HandoverInput{ToActor: e.ca2, Reason: "ward transfer"})
			return err
		},
	)
	oneWinner(t, errs)

	if n := countType(e.events(t, cn.ID), timeline.EventReturned, timeline.EventHandoverRequested); n != 1 {
		t.Errorf("expected exactly one of returned or handover_requested, got %d", n)
	}
}

func TestSweep_RacesHandoverResponse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cn := e.held(t)
		h, err := e.svc.RequestHandover(ctx, e.ca, cn.ID, casenote.HandoverInput{ToActor: e.ca2, Reason: "ward transfer"})
		if err != nil {
			t.Fatalf("request handover: %v", err)
		}
		e.now = e.now.Add(7 * time.Hour)

		errs := race(
			func() error {
				_, err := e.svc.SweepHandovers(ctx)
				return err
			},
			func() error {
				_, err := e.svc.RespondToHandover(ctx, e.ca, h.ID, true, "")
				return err
			},
		)
		for _, err := range errs {
			if err != nil {
				t.Fatalf("round %d: expected sweep and response to both succeed, got %v", i, errs)
			}
		}

		got, err := e.svc.GetHandover(ctx, h.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != casenote.TransferApprovedPendingVerification {
			t.Errorf("round %d: expected approved pending verification, got %s", i, got.Status)
		}
		if n := countType(e.events(t, cn.ID), timeline.EventHandoverOverdue); n > 1 {
			t.Errorf("round %d: expected at most one overdue event, got %d", i, n)
		}
	}
}
