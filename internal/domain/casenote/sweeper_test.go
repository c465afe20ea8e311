package casenote

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/ehr/casenote/internal/domain/timeline"
)

func TestSweepHandovers_MarksOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cn := f.held(t)
	h := f.requestHandover(t, cn)

	res, err := f.svc.SweepHandovers(ctx)
	if err != nil || res.Overdue != 0 {
		t.Fatalf("expected nothing marked yet, got %+v %v", res, err)
	}

	f.tick(7 * time.Hour)
	res, err = f.svc.SweepHandovers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Overdue != 1 || res.Escalated != 0 {
		t.Errorf("expected 1 overdue, got %+v", res)
	}
	res, _ = f.svc.SweepHandovers(ctx)
	if res.Overdue != 0 {
		t.Errorf("expected overdue marked once, got %+v", res)
	}

	f.tick(18 * time.Hour)
	res, _ = f.svc.SweepHandovers(ctx)
	if res.Overdue != 0 || res.Escalated != 1 {
		t.Errorf("expected 1 escalation, got %+v", res)
	}
	res, _ = f.svc.SweepHandovers(ctx)
	if res.Escalated != 0 {
		t.Errorf("expected escalation marked once, got %+v", res)
	}

	if n := f.store.countEvents(cn.ID, timeline.EventHandoverOverdue); n != 1 {
		t.Errorf("expected one overdue event, got %d", n)
	}
	if n := f.store.countEvents(cn.ID, timeline.EventHandoverEscalated); n != 1 {
		t.Errorf("expected one escalation event, got %d", n)
	}

	got, _ := f.svc.GetHandover(ctx, h.ID)
	if got.Status != TransferPending || got.OverdueAt == nil || got.EscalatedAt == nil {
		t.Errorf("sweep must only stamp the handover, got %+v", got)
	}

	// The marks bumped the version; the holder can still respond.
	if _, err := f.svc.RespondToHandover(ctx, f.ca, h.ID, true, ""); err != nil {
		t.Errorf("expected respond after sweep, got %v", err)
	}
}

func TestSweepHandovers_SkipsAnsweredHandovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.requestHandover(t, f.held(t))
	if _, err := f.svc.AcknowledgeHandover(ctx, f.ca, h.ID); err != nil {
		t.Fatal(err)
	}

	f.tick(48 * time.Hour)
	res, err := f.svc.SweepHandovers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Overdue != 0 || res.Escalated != 0 {
		t.Errorf("expected acknowledged handover left alone, got %+v", res)
	}
}

func TestSweepHandovers_CustomWindows(t *testing.T) {
	f := newFixture(t)
	f.svc.SetHandoverWindows(time.Hour, 2*time.Hour)
	f.requestHandover(t, f.held(t))

	f.tick(3 * time.Hour)
	res, err := f.svc.SweepHandovers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Overdue != 1 || res.Escalated != 1 {
		t.Errorf("expected both marks in one run, got %+v", res)
	}
}

func TestSweepHandovers_RollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	h := f.requestHandover(t, f.held(t))
	f.tick(7 * time.Hour)

	f.store.failAppend = errBoom
	if _, err := f.svc.SweepHandovers(context.Background()); err == nil {
		t.Fatal("expected sweep to fail")
	}
	f.store.failAppend = nil

	got, _ := f.svc.GetHandover(context.Background(), h.ID)
	if got.OverdueAt != nil {
		t.Error("expected overdue mark rolled back with the failed event")
	}
	res, err := f.svc.SweepHandovers(context.Background())
	if err != nil || res.Overdue != 1 {
		t.Errorf("expected retry to mark the handover, got %+v %v", res, err)
	}
}

type recordingNotifier struct {
	events []string
	ids    []uuid.UUID
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, eventType string, id uuid.UUID, _ interface{}) error {
	r.events = append(r.events, eventType)
	r.ids = append(r.ids, id)
	return r.err
}

func TestSweepHandovers_Alerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := &recordingNotifier{}
	f.svc.SetNotifier(n)
	h := f.requestHandover(t, f.held(t))

	f.tick(25 * time.Hour)
	if _, err := f.svc.SweepHandovers(ctx); err != nil {
		t.Fatal(err)
	}
	if len(n.events) != 2 || n.events[0] != "handover.overdue" || n.events[1] != "handover.escalated" {
		t.Fatalf("expected overdue and escalated alerts, got %v", n.events)
	}
	if n.ids[1] != h.ID {
		t.Errorf("expected alert for %s, got %s", h.ID, n.ids[1])
	}

	// Nothing new to mark, nothing to send.
	if _, err := f.svc.SweepHandovers(ctx); err != nil {
		t.Fatal(err)
	}
	if len(n.events) != 2 {
		t.Errorf("expected no repeat alerts, got %v", n.events)
	}
}

func TestSweepHandovers_AlertFailureKeepsMarks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.SetNotifier(&recordingNotifier{err: errBoom})
	h := f.requestHandover(t, f.held(t))

	f.tick(7 * time.Hour)
	res, err := f.svc.SweepHandovers(ctx)
	if err != nil || res.Overdue != 1 {
		t.Fatalf("expected sweep to succeed, got %+v %v", res, err)
	}
	got, _ := f.svc.GetHandover(ctx, h.ID)
	if got.OverdueAt == nil {
		t.Error("expected overdue mark to stay")
	}
}

func TestSweeper_StopsOnCancel(t *testing.T) {
	// The role cache janitor lives as long as its authorizer.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))

	f := newFixture(t)
	sw := NewSweeper(f.svc, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
