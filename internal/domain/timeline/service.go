package timeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/casenote/internal/platform/apperr"
	"github.com/ehr/casenote/internal/platform/auth"
)

type Service struct {
	repo  Repository
	authz auth.Authorizer
	now   func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SetAuthorizer enables Correct. Without one every correction is refused.
func (s *Service) SetAuthorizer(a auth.Authorizer) { s.authz = a }

// SetClock overrides the time source used for corrections.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Append writes one event. It joins the transaction carried by ctx, if any.
// md must be the variant for t; a nil md is stored as an empty payload.
func (s *Service) Append(ctx context.Context, caseNoteID uuid.UUID, t EventType, actor *uuid.UUID, reason string, md Metadata, occurredAt time.Time) (*Event, error) {
	const op = "timeline.append"
	if caseNoteID == uuid.Nil {
		return nil, apperr.Validation(op, "case note id is required")
	}
	if !t.Appendable() {
		return nil, apperr.Validation(op, "event type %q cannot be appended", t)
	}
	if md != nil && md.Type() != t {
		return nil, apperr.Validation(op, "metadata for %q attached to %q event", md.Type(), t)
	}
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	e := &Event{
		CaseNoteID: caseNoteID,
		Type:       t,
		ActorID:    actor,
		Reason:     reason,
		Metadata:   md,
		OccurredAt: occurredAt.UTC(),
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return nil, apperr.Integrity(op, err)
	}
	return e, nil
}

// ListForCaseNote returns the case note's events oldest first. A deleted
// request still has its history; an id that never existed is not found.
func (s *Service) ListForCaseNote(ctx context.Context, caseNoteID uuid.UUID) ([]*Event, error) {
	const op = "timeline.list"
	events, err := s.repo.ListByCaseNote(ctx, caseNoteID)
	if err != nil {
		return nil, apperr.Integrity(op, err)
	}
	if len(events) > 0 {
		return events, nil
	}
	exists, err := s.repo.CaseNoteExists(ctx, caseNoteID)
	if err != nil {
		return nil, apperr.Integrity(op, err)
	}
	if !exists {
		return nil, apperr.NotFound(op, "case note", caseNoteID)
	}
	return events, nil
}

// Correct appends a correction event referencing eventID. The original
// event is left untouched.
func (s *Service) Correct(ctx context.Context, actor, eventID uuid.UUID, note string, fields map[string]string) (*Event, error) {
	const op = "timeline.correct"
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, apperr.Validation(op, "a correction note is required")
	}
	if s.authz == nil {
		return nil, apperr.Unauthorized(op, "timeline corrections are disabled")
	}
	ok, err := s.authz.Authorize(ctx, actor, auth.CapCorrectTimeline)
	if err != nil {
		return nil, apperr.Integrity(op, err)
	}
	if !ok {
		return nil, apperr.Unauthorized(op, "actor may not correct timeline events")
	}

	target, err := s.repo.GetByID(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound(op, "timeline event", eventID)
	}
	if err != nil {
		return nil, apperr.Integrity(op, err)
	}

	md := CorrectionMeta{CorrectsEventID: target.ID, CorrectsType: target.Type, Fields: fields}
	return s.Append(ctx, target.CaseNoteID, EventCorrection, &actor, note, md, s.now())
}
