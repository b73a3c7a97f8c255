package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/syncwell/graphsync/internal/metrics"
	"github.com/syncwell/graphsync/internal/model"
	"github.com/syncwell/graphsync/internal/util"
)

// EnqueueOutcome distinguishes a fresh insert from an idempotency-key replay.
// Duplicate is a success for producers retrying after a crash, not an error.
type EnqueueOutcome int

const (
	Accepted EnqueueOutcome = iota
	Duplicate
)

// NewEvent is the producer-side input for one outbox row.
type NewEvent struct {
	EventID      string
	EventType    string
	ProjectID    string
	GraphName    string
	Operation    model.Operation
	EntityType   string
	EntityID     string
	Payload      []byte
	CypherQuery  *string
	CypherParams []byte
	CreatedBy    *string
}

// RetryPolicy controls failure rescheduling and dead-letter promotion.
type RetryPolicy struct {
	MaxAttempts     int           // attempts at or above this promote to dead letter
	BackoffBase     time.Duration // next_retry_at = now + base * 2^(attempts-1)
	BackoffCap      time.Duration
	StaleClaimAfter time.Duration // processing rows older than this are claimable again
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 30 * time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = time.Hour
	}
	if p.StaleClaimAfter <= 0 {
		p.StaleClaimAfter = 5 * time.Minute
	}
	return p
}

// Backoff returns the retry delay after the given attempt count (1-based).
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	return d
}

// DeadLetterQuery filters the dead-letter listing.
type DeadLetterQuery struct {
	UnresolvedOnly bool
	Limit          int
}

var (
	ErrEventNotFound      = errors.New("outbox event not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrAlreadyResolved    = errors.New("dead letter already resolved")
)

// OutboxRepository is the outbox store: the single source of truth for what
// still has to reach the graph. The worker only claims rows and writes
// terminal status through it; producers only enqueue.
type OutboxRepository interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, e NewEvent) (EnqueueOutcome, error)
	EnqueueBatch(ctx context.Context, tx *sqlx.Tx, events []NewEvent) (int, error)
	ClaimBatch(ctx context.Context, maxSize int) ([]model.OutboxEvent, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	GetStats(ctx context.Context, projectID string) (model.Stats, error)
	GetDeadLetters(ctx context.Context, projectID string, q DeadLetterQuery) ([]model.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id int64, actor, notes string) error
	RetryDeadLetter(ctx context.Context, id int64) error
}

type OutboxRepositoryImpl struct {
	db     *sqlx.DB
	policy RetryPolicy
}

func NewOutboxRepository(db *sqlx.DB, policy RetryPolicy) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db, policy: policy.withDefaults()}
}

func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

const insertEventQ = `
	INSERT IGNORE INTO outbox_events
	    (event_id, event_type, project_id, graph_name, operation, entity_type, entity_id,
	     payload, cypher_query, cypher_params, status, attempts, created_by, created_at, updated_at)
	VALUES
	    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, NOW(), NOW())
`

const bumpPendingQ = `
	INSERT INTO sync_status (project_id, graph_name, pending_count, updated_at)
	VALUES (?, ?, ?, NOW())
	ON DUPLICATE KEY UPDATE
	    pending_count = GREATEST(pending_count + VALUES(pending_count), 0),
	    updated_at = NOW()
`

// Enqueue inserts one event. An idempotency-key collision (duplicate
// event_id) reports Duplicate and leaves the existing row untouched.
func (r *OutboxRepositoryImpl) Enqueue(ctx context.Context, tx *sqlx.Tx, e NewEvent) (EnqueueOutcome, error) {
	if !e.Operation.Valid() {
		return 0, fmt.Errorf("enqueue %s: invalid operation %q", e.EventID, e.Operation)
	}

	outcome := Accepted
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, insertEventQ,
			e.EventID, e.EventType, e.ProjectID, e.GraphName, e.Operation.String(),
			e.EntityType, e.EntityID, e.Payload, e.CypherQuery, e.CypherParams, e.CreatedBy,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			outcome = Duplicate
			return nil
		}
		_, err = tx.ExecContext(ctx, bumpPendingQ, e.ProjectID, e.GraphName, 1)
		return err
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// EnqueueBatch inserts many events, applying the idempotency rule per row.
// Returns the number of rows actually accepted (duplicates excluded).
func (r *OutboxRepositoryImpl) EnqueueBatch(ctx context.Context, tx *sqlx.Tx, events []NewEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	accepted := 0
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		for _, e := range events {
			if !e.Operation.Valid() {
				return fmt.Errorf("enqueue %s: invalid operation %q", e.EventID, e.Operation)
			}
			res, err := tx.ExecContext(ctx, insertEventQ,
				e.EventID, e.EventType, e.ProjectID, e.GraphName, e.Operation.String(),
				e.EntityType, e.EntityID, e.Payload, e.CypherQuery, e.CypherParams, e.CreatedBy,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, bumpPendingQ, e.ProjectID, e.GraphName, 1); err != nil {
				return err
			}
			accepted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return accepted, nil
}

const claimQ = `
	UPDATE outbox_events
	SET status = 'processing', claim_token = ?, updated_at = NOW()
	WHERE status = 'pending'
	   OR (status = 'failed' AND next_retry_at <= NOW())
	   OR (status = 'processing' AND updated_at <= DATE_SUB(NOW(), INTERVAL ? SECOND))
	ORDER BY created_at, id
	LIMIT ?
`

const selectClaimedQ = `
	SELECT id, event_id, event_type, project_id, graph_name, operation,
	       entity_type, entity_id, payload, cypher_query, cypher_params,
	       status, attempts, next_retry_at, last_error, created_by,
	       created_at, updated_at
	FROM outbox_events
	WHERE claim_token = ?
	ORDER BY created_at, id
`

// ClaimBatch atomically flips up to maxSize claimable rows to processing and
// returns them in creation order. The claim is a single UPDATE stamping a
// per-call ULID token, so concurrent claimers can never select overlapping
// rows. Processing rows whose claim went stale (worker crash, abandoned
// batch) become claimable again after StaleClaimAfter.
func (r *OutboxRepositoryImpl) ClaimBatch(ctx context.Context, maxSize int) ([]model.OutboxEvent, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("claim batch: invalid size %d", maxSize)
	}

	token := util.New()
	res, err := r.db.ExecContext(ctx, claimQ, token, int(r.policy.StaleClaimAfter.Seconds()), maxSize)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var events []model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, selectClaimedQ, token); err != nil {
		return nil, fmt.Errorf("claim batch select: %w", err)
	}
	return events, nil
}

const completeQ = `
	UPDATE outbox_events
	SET status = 'completed', last_error = NULL, updated_at = NOW()
	WHERE id = ? AND status = 'processing'
`

const decPendingByEventQ = `
	UPDATE sync_status s
	JOIN outbox_events o ON o.project_id = s.project_id AND o.graph_name = s.graph_name
	SET s.pending_count = GREATEST(s.pending_count - 1, 0), s.updated_at = NOW()
	WHERE o.id = ?
`

// MarkCompleted finalizes a claimed event and decrements the cached backlog.
func (r *OutboxRepositoryImpl) MarkCompleted(ctx context.Context, id int64) error {
	return r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, completeQ, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("mark completed %d: %w", id, ErrEventNotFound)
		}
		_, err = tx.ExecContext(ctx, decPendingByEventQ, id)
		return err
	})
}

const selectForFailQ = `
	SELECT id, event_id, project_id, graph_name, operation, entity_type, entity_id,
	       payload, attempts
	FROM outbox_events
	WHERE id = ? AND status = 'processing'
	FOR UPDATE
`

const failRescheduleQ = `
	UPDATE outbox_events
	SET status = 'failed', attempts = ?, last_error = ?, next_retry_at = ?, updated_at = NOW()
	WHERE id = ?
`

const failDeadLetterQ = `
	UPDATE outbox_events
	SET status = 'dead_letter', attempts = ?, last_error = ?, next_retry_at = NULL, updated_at = NOW()
	WHERE id = ?
`

const insertDeadLetterQ = `
	INSERT INTO dead_letters
	    (outbox_id, event_id, project_id, graph_name, operation, entity_type, entity_id,
	     payload, attempts, last_error, resolved, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NOW())
`

const maxErrorLen = 1024

// MarkFailed increments attempts and either reschedules the event with
// exponential backoff or, once the retry ceiling is hit, promotes it to a
// dead letter in the same transaction.
func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}

	return r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		var row struct {
			ID         int64  `db:"id"`
			EventID    string `db:"event_id"`
			ProjectID  string `db:"project_id"`
			GraphName  string `db:"graph_name"`
			Operation  string `db:"operation"`
			EntityType string `db:"entity_type"`
			EntityID   string `db:"entity_id"`
			Payload    []byte `db:"payload"`
			Attempts   int    `db:"attempts"`
		}
		if err := tx.GetContext(ctx, &row, selectForFailQ, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("mark failed %d: %w", id, ErrEventNotFound)
			}
			return err
		}

		attempts := row.Attempts + 1
		if attempts >= r.policy.MaxAttempts {
			if _, err := tx.ExecContext(ctx, failDeadLetterQ, attempts, errMsg, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertDeadLetterQ,
				row.ID, row.EventID, row.ProjectID, row.GraphName, row.Operation,
				row.EntityType, row.EntityID, row.Payload, attempts, errMsg,
			); err != nil {
				return err
			}
			// the row left the live backlog; keep the cached count honest
			if _, err := tx.ExecContext(ctx, bumpPendingQ, row.ProjectID, row.GraphName, -1); err != nil {
				return err
			}
			metrics.DeadLettersTotal.Inc()
			return nil
		}

		retryAt := time.Now().Add(r.policy.Backoff(attempts))
		_, err := tx.ExecContext(ctx, failRescheduleQ, attempts, errMsg, retryAt, id)
		return err
	})
}

const statsQ = `
	SELECT
	    COALESCE(SUM(status = 'pending'), 0)     AS pending,
	    COALESCE(SUM(status = 'processing'), 0)  AS processing,
	    COALESCE(SUM(status = 'completed'), 0)   AS completed,
	    COALESCE(SUM(status = 'failed'), 0)      AS failed,
	    COALESCE(SUM(status = 'dead_letter'), 0) AS dead_letter
	FROM outbox_events
`

// GetStats scans count-by-status, optionally scoped to one project. Not a
// hot-path query; the worker health check and the ops API are its only
// callers.
func (r *OutboxRepositoryImpl) GetStats(ctx context.Context, projectID string) (model.Stats, error) {
	q := statsQ
	var args []any
	if projectID != "" {
		q += " WHERE project_id = ?"
		args = append(args, projectID)
	}

	var s model.Stats
	if err := r.db.GetContext(ctx, &s, q, args...); err != nil {
		return model.Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}

// GetDeadLetters lists parked events for a project, newest first.
func (r *OutboxRepositoryImpl) GetDeadLetters(ctx context.Context, projectID string, q DeadLetterQuery) ([]model.DeadLetter, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 50
	}

	query := `
		SELECT id, outbox_id, event_id, project_id, graph_name, operation, entity_type,
		       entity_id, payload, attempts, last_error, resolved, resolved_by,
		       resolution_notes, resolved_at, created_at
		FROM dead_letters
		WHERE project_id = ?
	`
	args := []any{projectID}
	if q.UnresolvedOnly {
		query += " AND resolved = 0"
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, q.Limit)

	var rows []model.DeadLetter
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	return rows, nil
}

const resolveDeadLetterQ = `
	UPDATE dead_letters
	SET resolved = 1, resolved_by = ?, resolution_notes = ?, resolved_at = NOW()
	WHERE id = ? AND resolved = 0
`

// ResolveDeadLetter closes a dead letter with an operator audit note.
func (r *OutboxRepositoryImpl) ResolveDeadLetter(ctx context.Context, id int64, actor, notes string) error {
	res, err := r.db.ExecContext(ctx, resolveDeadLetterQ, actor, notes, id)
	if err != nil {
		return fmt.Errorf("resolve dead letter %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

const selectDeadLetterQ = `
	SELECT id, outbox_id, project_id, graph_name, resolved
	FROM dead_letters
	WHERE id = ?
	FOR UPDATE
`

const reviveOutboxQ = `
	UPDATE outbox_events
	SET status = 'pending', attempts = 0, next_retry_at = NULL, last_error = NULL, updated_at = NOW()
	WHERE id = ? AND status = 'dead_letter'
`

// RetryDeadLetter resets the originating outbox row to pending with a fresh
// retry budget and resolves the dead letter with an audit note, atomically.
func (r *OutboxRepositoryImpl) RetryDeadLetter(ctx context.Context, id int64) error {
	return r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		var dl struct {
			ID        int64  `db:"id"`
			OutboxID  int64  `db:"outbox_id"`
			ProjectID string `db:"project_id"`
			GraphName string `db:"graph_name"`
			Resolved  bool   `db:"resolved"`
		}
		if err := tx.GetContext(ctx, &dl, selectDeadLetterQ, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrDeadLetterNotFound
			}
			return err
		}
		if dl.Resolved {
			return ErrAlreadyResolved
		}

		if _, err := tx.ExecContext(ctx, reviveOutboxQ, dl.OutboxID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, bumpPendingQ, dl.ProjectID, dl.GraphName, 1); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, resolveDeadLetterQ, "system", "requeued for retry", id)
		return err
	})
}
