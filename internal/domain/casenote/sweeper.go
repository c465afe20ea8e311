package casenote

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/casenote/internal/domain/timeline"
)

// SweepResult counts the handovers a sweep marked.
type SweepResult struct {
	Overdue   int `json:"overdue"`
	Escalated int `json:"escalated"`
}

// SweepHandovers marks handovers that have stayed pending past the overdue
// and escalation windows. Each mark is set once; a handover that has moved
// on from pending is never touched, so the sweep may run concurrently with
// user transitions and with itself.
func (s *Service) SweepHandovers(ctx context.Context) (SweepResult, error) {
	var (
		res                SweepResult
		overdue, escalated []*Handover
	)
	started := time.Now()
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.clock()
		var err error
		overdue, err = s.handovers.MarkOverdue(ctx, now.Add(-s.overdueAfter), now)
		if err != nil {
			return err
		}
		for _, h := range overdue {
			md := timeline.HandoverOverdueMeta{HandoverID: h.ID, RequestedAt: h.RequestedAt, Threshold: s.overdueAfter.String()}
			if _, err := s.timeline.Append(ctx, h.CaseNoteID, md.Type(), nil, "", md, now); err != nil {
				return err
			}
		}
		escalated, err = s.handovers.MarkEscalated(ctx, now.Add(-s.escalateAfter), now)
		if err != nil {
			return err
		}
		for _, h := range escalated {
			md := timeline.HandoverEscalatedMeta{HandoverID: h.ID, RequestedAt: h.RequestedAt, Threshold: s.escalateAfter.String()}
			if _, err := s.timeline.Append(ctx, h.CaseNoteID, md.Type(), nil, "", md, now); err != nil {
				return err
			}
		}
		res = SweepResult{Overdue: len(overdue), Escalated: len(escalated)}
		return nil
	})
	if err != nil {
		res = SweepResult{}
		err = classify("handover.sweep", err)
	}
	s.metrics.ObserveSweep(res.Overdue, res.Escalated, err)
	s.metrics.ObserveTransition("handover", "handover.sweep", outcomeOf(err), started)
	if err == nil {
		s.alert(ctx, "handover.overdue", overdue, s.overdueAfter)
		s.alert(ctx, "handover.escalated", escalated, s.escalateAfter)
	}
	return res, err
}

// Notifier is told about handovers a sweep marked, after the marks commit.
type Notifier interface {
	Notify(ctx context.Context, eventType string, resourceID uuid.UUID, payload interface{}) error
}

// SetNotifier enables sweep alerts. Delivery failures are logged only.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

type handoverAlert struct {
	HandoverID    uuid.UUID `json:"handover_id"`
	CaseNoteID    uuid.UUID `json:"case_note_id"`
	CurrentHolder uuid.UUID `json:"current_holder"`
	RequestedBy   uuid.UUID `json:"requested_by"`
	Reason        string    `json:"reason"`
	RequestedAt   time.Time `json:"requested_at"`
	Threshold     string    `json:"threshold"`
}

func (s *Service) alert(ctx context.Context, eventType string, hs []*Handover, threshold time.Duration) {
	if s.notifier == nil {
		return
	}
	for _, h := range hs {
		a := handoverAlert{
			HandoverID:    h.ID,
			CaseNoteID:    h.CaseNoteID,
			CurrentHolder: h.CurrentHolder,
			RequestedBy:   h.RequestedBy,
			Reason:        h.Reason,
			RequestedAt:   h.RequestedAt,
			Threshold:     threshold.String(),
		}
		if err := s.notifier.Notify(ctx, eventType, h.ID, a); err != nil {
			s.logger.Warn().Err(err).Str("handover_id", h.ID.String()).Str("event_type", eventType).Msg("handover alert not delivered")
		}
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// Sweeper runs SweepHandovers on an interval until its context ends.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	res, err := sw.svc.SweepHandovers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sw.logger.Error().Err(err).Msg("handover sweep failed")
		}
		return
	}
	if res.Overdue > 0 || res.Escalated > 0 {
		sw.logger.Info().Int("overdue", res.Overdue).Int("escalated", res.Escalated).Msg("handover sweep")
	}
}
