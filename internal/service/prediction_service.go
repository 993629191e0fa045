package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inverstra/predictiondao/internal/domain"
)

// ItemReadPolicy controls where single-prediction reads come from.
type ItemReadPolicy string

const (
	// ReadLedgerOnly serves item reads from the ledger and fails with
	// domain.ErrLedgerUnavailable when it cannot.
	ReadLedgerOnly ItemReadPolicy = "ledger_only"
	// ReadStoreFallback serves item reads from the ledger when possible and
	// from the primary store otherwise.
	ReadStoreFallback ItemReadPolicy = "store_fallback"
)

// LedgerSyncer delivers a freshly written outbox op right away.
type LedgerSyncer interface {
	Sync(ctx context.Context, op domain.LedgerOp) (ledgerID string, err error)
}

// PredictionService owns the prediction lifecycle: creation, voting with the
// approval transition, and the read paths over the store and the ledger.
type PredictionService struct {
	store      domain.PredictionStore
	ledger     domain.Ledger
	syncer     LedgerSyncer
	cache      domain.PredictionCache
	events     *eventPublisher
	policy     ItemReadPolicy
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

// NewPredictionService creates a PredictionService over the primary store.
// Without a ledger, reads come from the store and no outbox ops are written.
func NewPredictionService(store domain.PredictionStore, logger *slog.Logger) *PredictionService {
	logger = logger.With(slog.String("component", "prediction_service"))
	return &PredictionService{
		store:      store,
		policy:     ReadLedgerOnly,
		maxRetries: 3,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
		events:     &eventPublisher{logger: logger},
	}
}

// WithLedger attaches the secondary ledger and the item read policy.
func (s *PredictionService) WithLedger(ledger domain.Ledger, policy ItemReadPolicy) *PredictionService {
	s.ledger = ledger
	if policy != "" {
		s.policy = policy
	}
	return s
}

// WithInlineSync makes writes attempt ledger delivery before returning.
func (s *PredictionService) WithInlineSync(syncer LedgerSyncer) *PredictionService {
	s.syncer = syncer
	return s
}

// WithCache attaches a snapshot cache for store reads.
func (s *PredictionService) WithCache(cache domain.PredictionCache) *PredictionService {
	s.cache = cache
	return s
}

// WithEvents attaches the signal bus, audit log and notifier.
func (s *PredictionService) WithEvents(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier) *PredictionService {
	s.events = &eventPublisher{bus: bus, audit: audit, notifier: notifier, logger: s.logger}
	return s
}

// WithMaxVoteRetries bounds how often a vote is re-applied after losing a
// concurrent write.
func (s *PredictionService) WithMaxVoteRetries(n int) *PredictionService {
	if n >= 0 {
		s.maxRetries = n
	}
	return s
}

// WithClock overrides the time source.
func (s *PredictionService) WithClock(now func() time.Time) *PredictionService {
	s.now = now
	return s
}

// Create validates and persists a new prediction. Ledger delivery is
// best-effort and never fails the call.
func (s *PredictionService) Create(ctx context.Context, in domain.NewPredictionInput) (domain.Prediction, error) {
	p, err := domain.NewPrediction(in, s.now())
	if err != nil {
		return domain.Prediction{}, err
	}

	var op *domain.LedgerOp
	if s.ledger != nil {
		op, err = newLedgerOp(domain.LedgerOpCreatePrediction, domain.CreatePredictionPayload{
			Creator:          p.Creator,
			Title:            p.Title,
			Description:      p.Description,
			Category:         p.Category,
			VotingPeriodDays: in.VotingPeriodDays,
		})
		if err != nil {
			return domain.Prediction{}, err
		}
	}

	saved, err := s.store.Create(ctx, p, op)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("prediction_service: create prediction: %w", err)
	}

	s.logger.InfoContext(ctx, "prediction created",
		slog.Int64("prediction_id", saved.ID),
		slog.String("creator", saved.Creator),
		slog.Time("end_time", saved.EndTime),
	)

	if ledgerID := s.syncInline(ctx, op); ledgerID != "" {
		saved.ContractSynced = true
		saved.ContractPredictionID = &ledgerID
	}

	s.events.publish(ctx, domain.Event{
		Type:         domain.EventPredictionCreated,
		PredictionID: saved.ID,
		Title:        saved.Title,
		LedgerID:     saved.LedgerID(),
		At:           saved.CreatedAt,
	})
	return saved, nil
}

// Vote records voter's ballot on prediction id. Preconditions are checked in
// order: existence, active, within the voting period, first vote by voter.
// A lost concurrent write is retried against the fresh state.
func (s *PredictionService) Vote(ctx context.Context, id int64, voter string, support bool) (domain.Prediction, error) {
	voter = domain.NormalizeVoter(voter)
	for attempt := 0; ; attempt++ {
		p, err := s.store.Get(ctx, id)
		if err != nil {
			return domain.Prediction{}, fmt.Errorf("prediction_service: load prediction %d: %w", id, err)
		}

		approved, err := p.ApplyVote(voter, support, s.now())
		if err != nil {
			return domain.Prediction{}, err
		}

		var op *domain.LedgerOp
		if s.ledger != nil {
			op, err = newLedgerOp(domain.LedgerOpCastVote, domain.CastVotePayload{Voter: voter, Support: support})
			if err != nil {
				return domain.Prediction{}, err
			}
		}

		saved, err := s.store.SaveVote(ctx, p, op)
		if errors.Is(err, domain.ErrVersionConflict) && attempt < s.maxRetries {
			s.logger.DebugContext(ctx, "vote lost a concurrent write, retrying",
				slog.Int64("prediction_id", id),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return domain.Prediction{}, fmt.Errorf("prediction_service: save vote: %w", err)
		}

		s.afterVote(ctx, saved, voter, support, approved, op)
		return saved, nil
	}
}

func (s *PredictionService) afterVote(ctx context.Context, p domain.Prediction, voter string, support, approved bool, op *domain.LedgerOp) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, p.ID, p.Version); err != nil {
			s.logger.WarnContext(ctx, "cache invalidate failed", slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "vote recorded",
		slog.Int64("prediction_id", p.ID),
		slog.String("voter", voter),
		slog.Bool("support", support),
		slog.Int64("total_votes", p.TotalVotes),
		slog.Int64("yes_votes", p.YesVotes),
	)

	s.syncInline(ctx, op)

	s.events.publish(ctx, domain.Event{
		Type:         domain.EventVoteRecorded,
		PredictionID: p.ID,
		Voter:        voter,
		Support:      &support,
		TotalVotes:   p.TotalVotes,
		YesVotes:     p.YesVotes,
		NoVotes:      p.NoVotes,
		At:           s.now(),
	})

	if approved {
		s.logger.InfoContext(ctx, "prediction approved",
			slog.Int64("prediction_id", p.ID),
			slog.Float64("approval_pct", p.Stats().ApprovalPercentage),
		)
		s.events.publish(ctx, domain.Event{
			Type:         domain.EventPredictionApproved,
			PredictionID: p.ID,
			Title:        p.Title,
			TotalVotes:   p.TotalVotes,
			YesVotes:     p.YesVotes,
			NoVotes:      p.NoVotes,
			At:           s.now(),
		})
	}
}

// syncInline tries to deliver op immediately and returns the ledger id on
// success. Failures stay queued for the reconciler.
func (s *PredictionService) syncInline(ctx context.Context, op *domain.LedgerOp) string {
	if op == nil || s.syncer == nil {
		return ""
	}
	ledgerID, err := s.syncer.Sync(ctx, *op)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrLockHeld) || errors.Is(err, errQueuedBehind) {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "inline ledger sync skipped",
			slog.String("kind", string(op.Kind)),
			slog.Int64("prediction_id", op.PredictionID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return ledgerID
}

// ListActive returns open predictions, from the ledger when it answers and
// from the store otherwise.
func (s *PredictionService) ListActive(ctx context.Context) ([]domain.Prediction, error) {
	if preds, ok := s.listFromLedger(ctx, "active", s.ledgerListActive); ok {
		return preds, nil
	}
	preds, err := s.store.ListActive(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("prediction_service: list active: %w", err)
	}
	return preds, nil
}

// ListApproved returns approved predictions, from the ledger when it answers
// and from the store otherwise.
func (s *PredictionService) ListApproved(ctx context.Context) ([]domain.Prediction, error) {
	if preds, ok := s.listFromLedger(ctx, "approved", s.ledgerListApproved); ok {
		return preds, nil
	}
	inactive, err := s.store.ListInactive(ctx)
	if err != nil {
		return nil, fmt.Errorf("prediction_service: list approved: %w", err)
	}
	approved := make([]domain.Prediction, 0, len(inactive))
	for _, p := range inactive {
		if domain.MeetsApprovalThreshold(p.YesVotes, p.NoVotes) {
			approved = append(approved, p)
		}
	}
	return approved, nil
}

func (s *PredictionService) ledgerListActive(ctx context.Context) ([]domain.Prediction, error) {
	preds, err := s.ledger.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := preds[:0]
	for _, p := range preds {
		p.NormalizeApproval()
		if p.IsOpen(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *PredictionService) ledgerListApproved(ctx context.Context) ([]domain.Prediction, error) {
	preds, err := s.ledger.ListApproved(ctx)
	if err != nil {
		return nil, err
	}
	out := preds[:0]
	for _, p := range preds {
		p.NormalizeApproval()
		if p.IsApproved {
			out = append(out, p)
		}
	}
	return out, nil
}

// listFromLedger runs fetch and maps the records back to store ids. It
// reports false when the ledger is absent or failed.
func (s *PredictionService) listFromLedger(
	ctx context.Context,
	which string,
	fetch func(context.Context) ([]domain.Prediction, error),
) ([]domain.Prediction, bool) {
	if s.ledger == nil {
		return nil, false
	}
	preds, err := fetch(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "ledger list failed, falling back to store",
			slog.String("list", which),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	ledgerIDs := make([]string, 0, len(preds))
	for _, p := range preds {
		ledgerIDs = append(ledgerIDs, p.LedgerID())
	}
	ids, err := s.store.MapLedgerIDs(ctx, ledgerIDs)
	if err != nil {
		s.logger.WarnContext(ctx, "map ledger ids failed", slog.String("error", err.Error()))
		return preds, true
	}
	for i := range preds {
		preds[i].ID = ids[preds[i].LedgerID()]
	}
	return preds, true
}

// Get returns a prediction and its tally under the item read policy.
func (s *PredictionService) Get(ctx context.Context, id int64) (domain.Prediction, domain.VotingStats, error) {
	p, err := readItem(ctx, s, id,
		func(ctx context.Context, ledgerID string) (domain.Prediction, error) {
			lp, err := s.ledger.GetPrediction(ctx, ledgerID)
			if err != nil {
				return domain.Prediction{}, err
			}
			lp.ID = id
			lp.NormalizeApproval()
			return lp, nil
		},
		func(p domain.Prediction) domain.Prediction {
			p.Votes = nil
			return p
		},
	)
	if err != nil {
		return domain.Prediction{}, domain.VotingStats{}, err
	}
	return p, p.Stats(), nil
}

// VotingStats returns the tally of a prediction under the item read policy.
func (s *PredictionService) VotingStats(ctx context.Context, id int64) (domain.VotingStats, error) {
	return readItem(ctx, s, id,
		func(ctx context.Context, ledgerID string) (domain.VotingStats, error) {
			return s.ledger.GetVotingStats(ctx, ledgerID)
		},
		domain.Prediction.Stats,
	)
}

// HasVoted reports whether voter has a ballot on a prediction under the item
// read policy.
func (s *PredictionService) HasVoted(ctx context.Context, id int64, voter string) (bool, error) {
	voter = domain.NormalizeVoter(voter)
	return readItem(ctx, s, id,
		func(ctx context.Context, ledgerID string) (bool, error) {
			return s.ledger.HasVoted(ctx, ledgerID, voter)
		},
		func(p domain.Prediction) bool { return p.HasVoted(voter) },
	)
}

// Count returns the number of predictions in the primary store.
func (s *PredictionService) Count(ctx context.Context) (int64, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("prediction_service: count: %w", err)
	}
	return n, nil
}

// readItem resolves id to its ledger id through the store, reads from the
// ledger, and applies the read policy when that is not possible.
func readItem[T any](
	ctx context.Context,
	s *PredictionService,
	id int64,
	fromLedger func(ctx context.Context, ledgerID string) (T, error),
	fromStore func(domain.Prediction) T,
) (T, error) {
	var zero T

	p, err := s.loadStored(ctx, id)
	if err != nil {
		return zero, err
	}

	var cause error
	switch ledgerID := p.LedgerID(); {
	case s.ledger == nil:
		cause = errors.New("no ledger configured")
	case ledgerID == "":
		cause = fmt.Errorf("prediction %d not yet on ledger", id)
	default:
		v, err := fromLedger(ctx, ledgerID)
		if err == nil {
			return v, nil
		}
		cause = err
	}

	if s.policy == ReadStoreFallback {
		s.logger.DebugContext(ctx, "item read served from store",
			slog.Int64("prediction_id", id),
			slog.String("reason", cause.Error()),
		)
		return fromStore(p), nil
	}
	if errors.Is(cause, domain.ErrLedgerUnavailable) {
		return zero, fmt.Errorf("prediction_service: read prediction %d: %w", id, cause)
	}
	return zero, fmt.Errorf("prediction_service: read prediction %d: %w: %w", id, domain.ErrLedgerUnavailable, cause)
}

// loadStored reads a prediction with its votes, through the cache when one
// is attached.
func (s *PredictionService) loadStored(ctx context.Context, id int64) (domain.Prediction, error) {
	if s.cache != nil {
		if p, err := s.cache.Get(ctx, id); err == nil {
			return p, nil
		}
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("prediction_service: load prediction %d: %w", id, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "cache set failed", slog.String("error", err.Error()))
		}
	}
	return p, nil
}

func newLedgerOp(kind domain.LedgerOpKind, payload any) (*domain.LedgerOp, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("prediction_service: marshal %s payload: %w", kind, err)
	}
	return &domain.LedgerOp{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: data,
		Status:  domain.LedgerOpPending,
	}, nil
}
