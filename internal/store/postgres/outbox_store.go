package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inverstra/predictiondao/internal/domain"
)

// OutboxStore implements domain.OutboxStore on the ledger_outbox table.
type OutboxStore struct {
	pool *pgxpool.Pool
}

var _ domain.OutboxStore = (*OutboxStore)(nil)

// NewOutboxStore creates a new OutboxStore backed by the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const outboxCols = `seq, id, kind, prediction_id, payload, status, attempts,
	last_error, next_attempt_at, created_at, updated_at`

// insertOutboxOp writes op inside an existing transaction and fills in its
// store-assigned fields.
func insertOutboxOp(ctx context.Context, q querier, op *domain.LedgerOp) error {
	if op.Status == "" {
		op.Status = domain.LedgerOpPending
	}
	const query = `
		INSERT INTO ledger_outbox (id, kind, prediction_id, payload, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING seq, next_attempt_at, created_at, updated_at`

	var next *time.Time
	if !op.NextAttemptAt.IsZero() {
		next = &op.NextAttemptAt
	}
	if err := q.QueryRow(ctx, query,
		op.ID, string(op.Kind), op.PredictionID, op.Payload, string(op.Status), next,
	).Scan(&op.Seq, &op.NextAttemptAt, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return fmt.Errorf("insert outbox op %s: %w", op.Kind, err)
	}
	return nil
}

func scanOutboxOp(row pgx.Row) (domain.LedgerOp, error) {
	var op domain.LedgerOp
	var kind, status string
	err := row.Scan(
		&op.Seq, &op.ID, &kind, &op.PredictionID, &op.Payload, &status, &op.Attempts,
		&op.LastError, &op.NextAttemptAt, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return domain.LedgerOp{}, err
	}
	op.Kind = domain.LedgerOpKind(kind)
	op.Status = domain.LedgerOpStatus(status)
	return op, nil
}

// Due returns pending ops ready for delivery in insertion order. Ops queued
// behind an earlier pending op of the same prediction that is still backing
// off are held back; an earlier op that is due sorts ahead in the batch.
func (s *OutboxStore) Due(ctx context.Context, now time.Time, limit int) ([]domain.LedgerOp, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxCols+` FROM ledger_outbox
		 WHERE status = 'pending' AND next_attempt_at <= $1
		   AND NOT EXISTS (
		       SELECT 1 FROM ledger_outbox o2
		        WHERE o2.prediction_id = ledger_outbox.prediction_id
		          AND o2.status = 'pending'
		          AND o2.seq < ledger_outbox.seq
		          AND o2.next_attempt_at > $1)
		 ORDER BY seq
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due outbox ops: %w", err)
	}
	defer rows.Close()

	var ops []domain.LedgerOp
	for rows.Next() {
		op, err := scanOutboxOp(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan outbox op: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list due outbox ops rows: %w", err)
	}
	return ops, nil
}

// PendingBefore reports whether an earlier op of predictionID is pending.
func (s *OutboxStore) PendingBefore(ctx context.Context, predictionID, seq int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM ledger_outbox
		      WHERE prediction_id = $1 AND status = 'pending' AND seq < $2)`,
		predictionID, seq).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check earlier outbox ops: %w", err)
	}
	return exists, nil
}

// MarkDone marks an op as delivered.
func (s *OutboxStore) MarkDone(ctx context.Context, id string) error {
	return s.setStatus(ctx, id,
		`UPDATE ledger_outbox SET status = 'done', updated_at = NOW() WHERE id = $1`, id)
}

// MarkRetry records a failed attempt and schedules the next one.
func (s *OutboxStore) MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	return s.setStatus(ctx, id,
		`UPDATE ledger_outbox
		 SET attempts = $2, last_error = $3, next_attempt_at = $4, updated_at = NOW()
		 WHERE id = $1`, id, attempts, lastErr, next)
}

// MarkDead gives up on an op.
func (s *OutboxStore) MarkDead(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.setStatus(ctx, id,
		`UPDATE ledger_outbox
		 SET status = 'dead', attempts = $2, last_error = $3, updated_at = NOW()
		 WHERE id = $1`, id, attempts, lastErr)
}

func (s *OutboxStore) setStatus(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update outbox op %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Stats counts ops by status.
func (s *OutboxStore) Stats(ctx context.Context) (domain.OutboxStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM ledger_outbox GROUP BY status`)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("postgres: outbox stats: %w", err)
	}
	defer rows.Close()

	var st domain.OutboxStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.OutboxStats{}, fmt.Errorf("postgres: scan outbox stats: %w", err)
		}
		switch domain.LedgerOpStatus(status) {
		case domain.LedgerOpPending:
			st.Pending = n
		case domain.LedgerOpDone:
			st.Done = n
		case domain.LedgerOpDead:
			st.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("postgres: outbox stats rows: %w", err)
	}
	return st, nil
}
