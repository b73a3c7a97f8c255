package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/syncwell/graphsync/internal/model"
)

// CHAuditRepository records terminal sync outcomes in ClickHouse and serves
// the sync history report. Writes are best-effort; the worker never fails an
// event over a missing audit row.
type CHAuditRepository interface {
	Insert(ctx context.Context, rec model.SyncAuditRecord) error
	ListByProject(ctx context.Context, projectID, outcome string, limit, offset int) ([]model.SyncAuditRecord, error)
}

type chAuditRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHAuditRepository(ch *sqlx.DB) CHAuditRepository {
	return &chAuditRepository{ch: ch}
}

func (r *chAuditRepository) Insert(ctx context.Context, rec model.SyncAuditRecord) error {
	const q = `
		INSERT INTO graphsync.sync_audit
		    (event_id, project_id, graph_name, operation, entity_type, entity_id,
		     outcome, attempts, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.ch.ExecContext(ctx, q,
		rec.EventID, rec.ProjectID, rec.GraphName, rec.Operation,
		rec.EntityType, rec.EntityID, rec.Outcome, rec.Attempts, rec.Error, rec.OccurredAt,
	)
	return err
}

func (r *chAuditRepository) ListByProject(ctx context.Context, projectID, outcome string, limit, offset int) ([]model.SyncAuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT event_id, project_id, graph_name, operation, entity_type, entity_id,
		       outcome, attempts, error, occurred_at
		FROM graphsync.sync_audit
		WHERE project_id = ?
	`
	args := []any{projectID}

	if outcome != "" {
		q += " AND outcome = ?"
		args = append(args, outcome)
	}

	q += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.SyncAuditRecord
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
