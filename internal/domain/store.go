package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PredictionStore is the primary store of predictions and their votes.
type PredictionStore interface {
	// Create assigns the next id, persists p and, when op is non-nil, the
	// outbox entry for it in the same transaction.
	Create(ctx context.Context, p Prediction, op *LedgerOp) (Prediction, error)
	// Get returns the prediction with its votes in arrival order.
	Get(ctx context.Context, id int64) (Prediction, error)
	// SaveVote persists p (already carrying the new vote as its last element)
	// if the stored version still equals p.Version, and enqueues op when
	// non-nil. It returns ErrVersionConflict when another write won, and
	// ErrDuplicateVote when the voter already has a ballot.
	SaveVote(ctx context.Context, p Prediction, op *LedgerOp) (Prediction, error)
	// ListActive returns predictions with IsActive set and EndTime after now,
	// newest first.
	ListActive(ctx context.Context, now time.Time) ([]Prediction, error)
	// ListInactive returns predictions with IsActive unset, newest first.
	ListInactive(ctx context.Context) ([]Prediction, error)
	// MapLedgerIDs resolves ledger ids to store ids. Unknown ledger ids are
	// absent from the result.
	MapLedgerIDs(ctx context.Context, ledgerIDs []string) (map[string]int64, error)
	// MarkSynced records the ledger id for a mirrored prediction and returns
	// the bumped version.
	MarkSynced(ctx context.Context, id int64, ledgerID string) (int64, error)
	// ListArchivable returns closed predictions not yet archived: approved
	// ones, and ones whose EndTime is before endedBefore.
	ListArchivable(ctx context.Context, endedBefore time.Time, limit int) ([]Prediction, error)
	// MarkArchived flags predictions as copied to cold storage.
	MarkArchived(ctx context.Context, ids []int64) error
	Count(ctx context.Context) (int64, error)
}

// OutboxStore is the durable queue of pending ledger writes.
type OutboxStore interface {
	// Due returns pending ops whose NextAttemptAt is not after now, in Seq
	// order. An op is withheld while an earlier pending op of the same
	// prediction is not yet due.
	Due(ctx context.Context, now time.Time, limit int) ([]LedgerOp, error)
	// PendingBefore reports whether predictionID has a pending op with a
	// lower Seq than seq.
	PendingBefore(ctx context.Context, predictionID, seq int64) (bool, error)
	MarkDone(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string) error
	Stats(ctx context.Context) (OutboxStats, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
