package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"durableflow/internal/domain"
)

const workerColumns = `id, tenant_id, name, queue, capabilities, max_concurrency, last_heartbeat_at, created_at`

type workerRow struct {
	ID              string `db:"id"`
	TenantID        string `db:"tenant_id"`
	Name            string `db:"name"`
	Queue           string `db:"queue"`
	Capabilities    string `db:"capabilities"`
	MaxConcurrency  int    `db:"max_concurrency"`
	LastHeartbeatAt int64  `db:"last_heartbeat_at"`
	CreatedAt       int64  `db:"created_at"`
}

func (row workerRow) toDomain() (*domain.Worker, error) {
	w := &domain.Worker{
		ID:              row.ID,
		TenantID:        row.TenantID,
		Name:            row.Name,
		Queue:           row.Queue,
		MaxConcurrency:  row.MaxConcurrency,
		LastHeartbeatAt: fromMillis(row.LastHeartbeatAt),
		CreatedAt:       fromMillis(row.CreatedAt),
	}
	if err := json.Unmarshal([]byte(row.Capabilities), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities of worker %s: %w", row.ID, err)
	}
	return w, nil
}

// Workers is the registry of connected workers.
type Workers struct {
	q sqlx.ExtContext
	d dialect
}

// Upsert registers w, replacing an earlier registration with the same id.
func (r Workers) Upsert(ctx context.Context, w *domain.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, r.d.q(`
INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, name = excluded.name, queue = excluded.queue,
  capabilities = excluded.capabilities, max_concurrency = excluded.max_concurrency,
  last_heartbeat_at = excluded.last_heartbeat_at`),
		w.ID, w.TenantID, w.Name, w.Queue, string(caps), w.MaxConcurrency, millis(w.LastHeartbeatAt), millis(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

func (r Workers) Get(ctx context.Context, id string) (*domain.Worker, error) {
	var row workerRow
	if err := sqlx.GetContext(ctx, r.q, &row, r.d.q(`SELECT `+workerColumns+` FROM workers WHERE id = ?`), id); err != nil {
		return nil, domain.E("get worker", id, notFound(err))
	}
	return row.toDomain()
}

// Heartbeat records liveness. It returns domain.ErrNotFound for unknown workers.
func (r Workers) Heartbeat(ctx context.Context, id string, now time.Time) error {
	res, err := r.q.ExecContext(ctx, r.d.q(`UPDATE workers SET last_heartbeat_at = ? WHERE id = ?`), millis(now), id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.E("heartbeat", id, domain.ErrNotFound)
	}
	return nil
}

// List returns workers seen since the given time, or all when since is zero.
func (r Workers) List(ctx context.Context, tenantID string, since time.Time) ([]*domain.Worker, error) {
	var rows []workerRow
	query := `SELECT ` + workerColumns + ` FROM workers WHERE last_heartbeat_at >= ?`
	args := []any{int64(0)}
	if !since.IsZero() {
		args[0] = millis(since)
	}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id`
	if err := sqlx.SelectContext(ctx, r.q, &rows, r.d.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	out := make([]*domain.Worker, 0, len(rows))
	for _, row := range rows {
		w, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
