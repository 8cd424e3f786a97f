package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"durableflow/internal/domain"
)

type eventRow struct {
	ID          string  `db:"id"`
	ExecutionID string  `db:"execution_id"`
	Sequence    int64   `db:"sequence"`
	Type        string  `db:"event_type"`
	RefID       *string `db:"ref_id"`
	Payload     *string `db:"payload"`
	CreatedAt   int64   `db:"created_at"`
}

func (row eventRow) toDomain() domain.Event {
	return domain.Event{
		ID:          row.ID,
		ExecutionID: row.ExecutionID,
		Sequence:    row.Sequence,
		Type:        domain.EventType(row.Type),
		RefID:       deref(row.RefID),
		Payload:     raw(row.Payload),
		CreatedAt:   fromMillis(row.CreatedAt),
	}
}

// Events is the append-only history of executions.
type Events struct {
	q sqlx.ExtContext
	d dialect
}

// Append bumps the owner's event cursor and writes the event at the new
// sequence. The cursor update also locks the owning execution row, so
// appends to one execution are serialised with everything else that holds
// that lock. payload is marshalled as JSON unless it is nil.
func (r Events) Append(ctx context.Context, executionID string, typ domain.EventType, refID string, payload any, now time.Time) (domain.Event, error) {
	var body json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return domain.Event{}, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		body = b
	}

	var seq int64
	err := r.q.QueryRowxContext(ctx, r.d.q(`
UPDATE executions SET sequence = sequence + 1 WHERE id = ? RETURNING sequence`), executionID).Scan(&seq)
	if err != nil {
		return domain.Event{}, domain.E("append event", executionID, notFound(err))
	}

	ev := domain.Event{
		ID:          "evt_" + uuid.NewString(),
		ExecutionID: executionID,
		Sequence:    seq,
		Type:        typ,
		RefID:       refID,
		Payload:     body,
		CreatedAt:   now.UTC(),
	}
	_, err = r.q.ExecContext(ctx, r.d.q(`
INSERT INTO events (id, execution_id, sequence, event_type, ref_id, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.ExecutionID, ev.Sequence, string(ev.Type), strPtr(ev.RefID), rawPtr(ev.Payload), millis(ev.CreatedAt))
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to insert event: %w", err)
	}
	return ev, nil
}

// List returns events of an execution with sequence greater than after, in
// sequence order. limit <= 0 means no limit.
func (r Events) List(ctx context.Context, executionID string, after int64, limit int) ([]domain.Event, error) {
	query := `SELECT id, execution_id, sequence, event_type, ref_id, payload, created_at
FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence`
	args := []any{executionID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, r.d.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Stream calls fn for each event after the given sequence, reading in pages
// so long histories are never held in memory at once. It stops at the first
// error fn returns.
func (r Events) Stream(ctx context.Context, executionID string, after int64, fn func(domain.Event) error) error {
	const page = 500
	for {
		batch, err := r.List(ctx, executionID, after, page)
		if err != nil {
			return err
		}
		for _, ev := range batch {
			if err := fn(ev); err != nil {
				return err
			}
			after = ev.Sequence
		}
		if len(batch) < page {
			return nil
		}
	}
}

// ResolvedSince reports whether an event satisfying w was appended after
// sequence after.
func (r Events) ResolvedSince(ctx context.Context, executionID string, after int64, w domain.WaitCondition) (bool, error) {
	types := resolutionTypes(w.Type)
	if len(types) == 0 {
		return false, nil
	}
	query := `SELECT COUNT(*) FROM events WHERE execution_id = ? AND sequence > ? AND event_type IN (?)`
	args := []any{executionID, after, types}
	if w.Type != domain.WaitAny {
		query += ` AND ref_id = ?`
		args = append(args, w.Ref)
	}
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return false, err
	}

	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, r.d.q(query), args...); err != nil {
		return false, fmt.Errorf("failed to look up resolution events: %w", err)
	}
	return n > 0, nil
}

// resolutionTypes is domain.ResolutionEvents as strings for IN clauses.
func resolutionTypes(w domain.WaitType) []string {
	evs := domain.ResolutionEvents(w)
	out := make([]string, len(evs))
	for i, t := range evs {
		out[i] = string(t)
	}
	return out
}
