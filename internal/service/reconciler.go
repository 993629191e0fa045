package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inverstra/predictiondao/internal/domain"
)

// ReconcilerLockKey is the distributed lock guarding outbox batches.
const ReconcilerLockKey = "outbox:reconciler"

var (
	// errAwaitingCreate marks a vote op whose prediction is not yet on the ledger.
	errAwaitingCreate = errors.New("prediction not yet mirrored to ledger")
	// errQueuedBehind marks an op left for the loop because an earlier op of
	// the same prediction is still pending.
	errQueuedBehind = errors.New("earlier ledger op still pending")
)

// ReconcilerConfig tunes the outbox drain loop.
type ReconcilerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	LockTTL      time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

// LedgerReconciler drains the ledger outbox in creation order. Delivery is
// idempotent: a create is skipped once the prediction has a ledger id and a
// vote is skipped once the ledger reports the voter.
type LedgerReconciler struct {
	store  domain.PredictionStore
	outbox domain.OutboxStore
	ledger domain.Ledger
	locks  domain.LockManager
	cache  domain.PredictionCache
	events *eventPublisher
	cfg    ReconcilerConfig
	now    func() time.Time
	logger *slog.Logger

	// mu serialises batches and inline syncs within this process; locks
	// does the same across processes.
	mu sync.Mutex
}

// NewLedgerReconciler creates a LedgerReconciler.
func NewLedgerReconciler(
	store domain.PredictionStore,
	outbox domain.OutboxStore,
	ledger domain.Ledger,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *LedgerReconciler {
	logger = logger.With(slog.String("component", "ledger_reconciler"))
	return &LedgerReconciler{
		store:  store,
		outbox: outbox,
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
		events: &eventPublisher{logger: logger},
	}
}

// WithLocks makes batches exclusive across processes.
func (r *LedgerReconciler) WithLocks(locks domain.LockManager) *LedgerReconciler {
	r.locks = locks
	return r
}

// WithCache drops cached snapshots once a prediction gains a ledger id.
func (r *LedgerReconciler) WithCache(cache domain.PredictionCache) *LedgerReconciler {
	r.cache = cache
	return r
}

// WithEvents attaches the sinks for ledger_synced and outbox_dead events.
func (r *LedgerReconciler) WithEvents(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier) *LedgerReconciler {
	r.events = &eventPublisher{bus: bus, audit: audit, notifier: notifier, logger: r.logger}
	return r
}

// Run drains the outbox every poll interval until ctx is cancelled.
func (r *LedgerReconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "ledger reconciler started",
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Int("batch_size", r.cfg.BatchSize),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "outbox batch failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce processes one batch of due ops and returns how many were
// delivered. It returns 0 without error when another holder owns the lock.
func (r *LedgerReconciler) RunOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.acquire(ctx)
	if errors.Is(err, domain.ErrLockHeld) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer unlock()

	start := time.Now()
	ops, err := r.outbox.Due(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("reconciler: load due ops: %w", err)
	}

	delivered := 0
	blocked := make(map[int64]bool)
	for _, op := range ops {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		// Leave the rest for the next holder rather than outlive the lock.
		if time.Since(start) > r.cfg.LockTTL/2 {
			break
		}
		// Later ops of a prediction wait behind an earlier failure.
		if blocked[op.PredictionID] {
			continue
		}
		if _, err := r.process(ctx, op); err != nil {
			blocked[op.PredictionID] = true
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Sync delivers a single op immediately. It returns the ledger id for create
// ops. When a batch is in progress it returns domain.ErrLockHeld, and when an
// earlier op of the prediction is pending it returns errQueuedBehind; either
// way the op stays queued for the loop.
func (r *LedgerReconciler) Sync(ctx context.Context, op domain.LedgerOp) (string, error) {
	if !r.mu.TryLock() {
		return "", domain.ErrLockHeld
	}
	defer r.mu.Unlock()

	unlock, err := r.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	earlier, err := r.outbox.PendingBefore(ctx, op.PredictionID, op.Seq)
	if err != nil {
		return "", fmt.Errorf("reconciler: check op order: %w", err)
	}
	if earlier {
		return "", errQueuedBehind
	}
	return r.process(ctx, op)
}

func (r *LedgerReconciler) acquire(ctx context.Context) (func(), error) {
	if r.locks == nil {
		return func() {}, nil
	}
	unlock, err := r.locks.Acquire(ctx, ReconcilerLockKey, r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		return nil, fmt.Errorf("reconciler: acquire lock: %w", err)
	}
	return unlock, nil
}

// process delivers op and records the outcome in the outbox.
func (r *LedgerReconciler) process(ctx context.Context, op domain.LedgerOp) (string, error) {
	var (
		ledgerID string
		err      error
	)
	switch op.Kind {
	case domain.LedgerOpCreatePrediction:
		ledgerID, err = r.deliverCreate(ctx, op)
	case domain.LedgerOpCastVote:
		ledgerID, err = r.deliverVote(ctx, op)
	default:
		err = fmt.Errorf("unknown op kind %q", op.Kind)
	}

	if err != nil {
		r.fail(ctx, op, err)
		return "", err
	}
	if err := r.outbox.MarkDone(ctx, op.ID); err != nil {
		return ledgerID, fmt.Errorf("reconciler: mark op %s done: %w", op.ID, err)
	}
	return ledgerID, nil
}

func (r *LedgerReconciler) deliverCreate(ctx context.Context, op domain.LedgerOp) (string, error) {
	p, err := r.store.Get(ctx, op.PredictionID)
	if err != nil {
		return "", fmt.Errorf("load prediction %d: %w", op.PredictionID, err)
	}
	if id := p.LedgerID(); id != "" {
		return id, nil
	}

	var payload domain.CreatePredictionPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode create payload: %w", err)
	}

	ledgerID, err := r.ledger.CreatePrediction(ctx, domain.LedgerCreate{
		Creator:          payload.Creator,
		Title:            payload.Title,
		Description:      payload.Description,
		Category:         payload.Category,
		VotingPeriodDays: payload.VotingPeriodDays,
	})
	if err != nil {
		return "", err
	}
	version, err := r.store.MarkSynced(ctx, p.ID, ledgerID)
	if err != nil {
		return "", fmt.Errorf("mark prediction %d synced: %w", p.ID, err)
	}
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, p.ID, version); err != nil {
			r.logger.WarnContext(ctx, "cache invalidate failed", slog.String("error", err.Error()))
		}
	}

	r.logger.InfoContext(ctx, "prediction mirrored to ledger",
		slog.Int64("prediction_id", p.ID),
		slog.String("ledger_id", ledgerID),
	)
	r.events.publish(ctx, domain.Event{
		Type:         domain.EventLedgerSynced,
		PredictionID: p.ID,
		Title:        p.Title,
		LedgerID:     ledgerID,
		At:           r.now(),
	})
	return ledgerID, nil
}

func (r *LedgerReconciler) deliverVote(ctx context.Context, op domain.LedgerOp) (string, error) {
	p, err := r.store.Get(ctx, op.PredictionID)
	if err != nil {
		return "", fmt.Errorf("load prediction %d: %w", op.PredictionID, err)
	}
	ledgerID := p.LedgerID()
	if ledgerID == "" {
		return "", errAwaitingCreate
	}

	var payload domain.CastVotePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode vote payload: %w", err)
	}

	voted, err := r.ledger.HasVoted(ctx, ledgerID, payload.Voter)
	if err != nil {
		return "", err
	}
	if voted {
		return ledgerID, nil
	}
	if err := r.ledger.CastVote(ctx, ledgerID, payload.Voter, payload.Support); err != nil {
		return "", err
	}

	r.logger.DebugContext(ctx, "vote mirrored to ledger",
		slog.Int64("prediction_id", p.ID),
		slog.String("voter", payload.Voter),
	)
	return ledgerID, nil
}

// fail schedules a retry with exponential backoff, or gives up after
// MaxAttempts.
func (r *LedgerReconciler) fail(ctx context.Context, op domain.LedgerOp, cause error) {
	attempts := op.Attempts + 1
	msg := cause.Error()

	if attempts >= r.cfg.MaxAttempts {
		if err := r.outbox.MarkDead(ctx, op.ID, attempts, msg); err != nil {
			r.logger.ErrorContext(ctx, "mark op dead failed", slog.String("op_id", op.ID), slog.String("error", err.Error()))
			return
		}
		r.logger.ErrorContext(ctx, "ledger op abandoned",
			slog.String("op_id", op.ID),
			slog.String("kind", string(op.Kind)),
			slog.Int64("prediction_id", op.PredictionID),
			slog.Int("attempts", attempts),
			slog.String("error", msg),
		)
		r.events.publish(ctx, domain.Event{
			Type:         domain.EventOutboxDead,
			PredictionID: op.PredictionID,
			Detail:       fmt.Sprintf("%s after %d attempts: %s", op.Kind, attempts, msg),
			At:           r.now(),
		})
		return
	}

	next := r.now().Add(r.backoff(attempts))
	if err := r.outbox.MarkRetry(ctx, op.ID, attempts, msg, next); err != nil {
		r.logger.ErrorContext(ctx, "mark op retry failed", slog.String("op_id", op.ID), slog.String("error", err.Error()))
		return
	}
	r.logger.WarnContext(ctx, "ledger op failed, will retry",
		slog.String("op_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.Int64("prediction_id", op.PredictionID),
		slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", msg),
	)
}

// backoff returns BaseBackoff doubled per prior attempt, capped at MaxBackoff.
func (r *LedgerReconciler) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}
