package timeline

import (
	"context"
	"errors"
	"fmt"

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
}

type eventRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &eventRepoPG{pool: pool}
}

// conn prefers the caller's transaction so an event commits or rolls back
// together with the transition that produced it.
func (r *eventRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const eventCols = `id, case_note_id, seq, event_type, actor_id, reason, metadata, occurred_at`

func (r *eventRepoPG) Append(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	raw, err := EncodeMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var reason *string
	if e.Reason != "" {
		reason = &e.Reason
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO timeline_events (id, case_note_id, event_type, actor_id, reason, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		RETURNING seq`,
		e.ID, e.CaseNoteID, string(e.Type), e.ActorID, reason, string(raw), e.OccurredAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}

func (r *eventRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, `SELECT `+eventCols+` FROM timeline_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *eventRepoPG) ListByCaseNote(ctx context.Context, caseNoteID uuid.UUID) ([]*Event, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+eventCols+` FROM timeline_events
		WHERE case_note_id = $1
		ORDER BY occurred_at ASC, seq ASC`, caseNoteID)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *eventRepoPG) CaseNoteExists(ctx context.Context, caseNoteID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM case_notes WHERE id = $1)`, caseNoteID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check case note: %w", err)
	}
	return exists, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e         Event
		eventType string
		reason    *string
		raw       []byte
	)
	if err := row.Scan(&e.ID, &e.CaseNoteID, &e.Seq, &eventType, &e.ActorID, &reason, &raw, &e.OccurredAt); err != nil {
		return nil, err
	}
	e.Type = EventType(eventType)
	if reason != nil {
		e.Reason = *reason
	}
	md, err := DecodeMetadata(e.Type, raw)
	if err != nil {
		return nil, err
	}
	e.Metadata = md
	e.OccurredAt = e.OccurredAt.UTC()
	return &e, nil
}
