// Package memory implements the prediction, outbox and audit stores in
// process memory. A single writer lock serialises every mutation, which makes
// id assignment and vote writes race-free without a database.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/inverstra/predictiondao/internal/domain"
)

// Store implements domain.PredictionStore, domain.OutboxStore and
// domain.AuditStore. It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	nextID      int64
	predictions map[int64]*record
	byLedgerID  map[string]int64

	nextSeq int64
	ops     map[string]*domain.LedgerOp

	audit []domain.AuditEntry
}

type record struct {
	p        domain.Prediction
	archived bool
}

var (
	_ domain.PredictionStore = (*Store)(nil)
	_ domain.OutboxStore     = (*Store)(nil)
	_ domain.AuditStore      = (*Store)(nil)
)

// New returns an empty Store. The first prediction gets id 1.
func New() *Store {
	return &Store{
		predictions: make(map[int64]*record),
		byLedgerID:  make(map[string]int64),
		ops:         make(map[string]*domain.LedgerOp),
	}
}

// clonePrediction deep-copies p so callers never share the stored slices.
func clonePrediction(p domain.Prediction, withVotes bool) domain.Prediction {
	out := p
	if withVotes {
		out.Votes = append([]domain.Vote{}, p.Votes...)
	} else {
		out.Votes = nil
	}
	if p.ContractPredictionID != nil {
		id := *p.ContractPredictionID
		out.ContractPredictionID = &id
	}
	if p.AnalysisData != nil {
		out.AnalysisData = append(json.RawMessage(nil), p.AnalysisData...)
	}
	return out
}

// ── PredictionStore ──

// Create assigns the next id and stores p together with op.
func (s *Store) Create(_ context.Context, p domain.Prediction, op *domain.LedgerOp) (domain.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	p.ID = s.nextID
	p.Version = 1
	p.TotalVotes, p.YesVotes, p.NoVotes = 0, 0, 0
	p.Votes = []domain.Vote{}
	s.predictions[p.ID] = &record{p: clonePrediction(p, true)}
	if p.ContractPredictionID != nil {
		s.byLedgerID[*p.ContractPredictionID] = p.ID
	}

	if op != nil {
		op.PredictionID = p.ID
		s.enqueueLocked(op)
	}
	return clonePrediction(p, true), nil
}

// Get returns the prediction with its votes.
func (s *Store) Get(_ context.Context, id int64) (domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.predictions[id]
	if !ok {
		return domain.Prediction{}, domain.ErrNotFound
	}
	return clonePrediction(rec.p, true), nil
}

// SaveVote replaces the stored tally when p.Version matches.
func (s *Store) SaveVote(_ context.Context, p domain.Prediction, op *domain.LedgerOp) (domain.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.predictions[p.ID]
	if !ok {
		return domain.Prediction{}, domain.ErrNotFound
	}
	if rec.p.Version != p.Version {
		return domain.Prediction{}, domain.ErrVersionConflict
	}
	if len(p.Votes) != len(rec.p.Votes)+1 {
		return domain.Prediction{}, domain.ErrVersionConflict
	}
	vote := p.Votes[len(p.Votes)-1]
	if rec.p.HasVoted(vote.Voter) {
		return domain.Prediction{}, domain.ErrDuplicateVote
	}

	stored := rec.p
	stored.Votes = append(append([]domain.Vote{}, rec.p.Votes...), vote)
	stored.IsActive = p.IsActive
	stored.IsApproved = p.IsApproved
	stored.TotalVotes = p.TotalVotes
	stored.YesVotes = p.YesVotes
	stored.NoVotes = p.NoVotes
	stored.Version++
	rec.p = stored

	if op != nil {
		op.PredictionID = p.ID
		s.enqueueLocked(op)
	}
	return clonePrediction(stored, true), nil
}

// ListActive returns predictions still open at now, newest first.
func (s *Store) ListActive(_ context.Context, now time.Time) ([]domain.Prediction, error) {
	return s.filter(func(r *record) bool { return r.p.IsOpen(now) }, false), nil
}

// ListInactive returns closed predictions, newest first.
func (s *Store) ListInactive(_ context.Context) ([]domain.Prediction, error) {
	return s.filter(func(r *record) bool { return !r.p.IsActive }, false), nil
}

func (s *Store) filter(keep func(*record) bool, withVotes bool) []domain.Prediction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Prediction{}
	for _, rec := range s.predictions {
		if keep(rec) {
			out = append(out, clonePrediction(rec.p, withVotes))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// MapLedgerIDs resolves ledger ids to store ids.
func (s *Store) MapLedgerIDs(_ context.Context, ledgerIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(ledgerIDs))
	for _, lid := range ledgerIDs {
		if id, ok := s.byLedgerID[lid]; ok {
			out[lid] = id
		}
	}
	return out, nil
}

// MarkSynced records the ledger id of a mirrored prediction and bumps its
// version.
func (s *Store) MarkSynced(_ context.Context, id int64, ledgerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.predictions[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	lid := ledgerID
	rec.p.ContractSynced = true
	rec.p.ContractPredictionID = &lid
	rec.p.Version++
	s.byLedgerID[lid] = id
	return rec.p.Version, nil
}

// ListArchivable returns closed, not yet archived predictions in id order.
func (s *Store) ListArchivable(_ context.Context, endedBefore time.Time, limit int) ([]domain.Prediction, error) {
	out := s.filter(func(r *record) bool {
		return !r.archived && (r.p.IsApproved || r.p.EndTime.Before(endedBefore))
	}, true)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkArchived flags predictions as archived.
func (s *Store) MarkArchived(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if rec, ok := s.predictions[id]; ok {
			rec.archived = true
		}
	}
	return nil
}

// Count returns the number of predictions.
func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.predictions)), nil
}

// ── OutboxStore ──

func (s *Store) enqueueLocked(op *domain.LedgerOp) {
	now := time.Now().UTC()
	s.nextSeq++
	op.Seq = s.nextSeq
	if op.Status == "" {
		op.Status = domain.LedgerOpPending
	}
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = now
	}
	op.CreatedAt = now
	op.UpdatedAt = now
	stored := *op
	s.ops[op.ID] = &stored
}

// Due returns pending ops ready at now in Seq order.
func (s *Store) Due(_ context.Context, now time.Time, limit int) ([]domain.LedgerOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LedgerOp
	for _, op := range s.ops {
		if op.Status == domain.LedgerOpPending && !op.NextAttemptAt.After(now) &&
			!s.waitingBeforeLocked(op.PredictionID, op.Seq, now) {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingBefore reports whether an earlier op of predictionID is pending.
func (s *Store) PendingBefore(_ context.Context, predictionID, seq int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.ops {
		if op.PredictionID == predictionID && op.Status == domain.LedgerOpPending && op.Seq < seq {
			return true, nil
		}
	}
	return false, nil
}

// waitingBeforeLocked reports whether an earlier pending op of predictionID
// is backing off past now.
func (s *Store) waitingBeforeLocked(predictionID, seq int64, now time.Time) bool {
	for _, op := range s.ops {
		if op.PredictionID == predictionID && op.Status == domain.LedgerOpPending &&
			op.Seq < seq && op.NextAttemptAt.After(now) {
			return true
		}
	}
	return false
}

// MarkDone marks an op as delivered.
func (s *Store) MarkDone(_ context.Context, id string) error {
	return s.updateOp(id, func(op *domain.LedgerOp) {
		op.Status = domain.LedgerOpDone
	})
}

// MarkRetry records a failed attempt.
func (s *Store) MarkRetry(_ context.Context, id string, attempts int, lastErr string, next time.Time) error {
	return s.updateOp(id, func(op *domain.LedgerOp) {
		op.Attempts = attempts
		op.LastError = lastErr
		op.NextAttemptAt = next
	})
}

// MarkDead gives up on an op.
func (s *Store) MarkDead(_ context.Context, id string, attempts int, lastErr string) error {
	return s.updateOp(id, func(op *domain.LedgerOp) {
		op.Status = domain.LedgerOpDead
		op.Attempts = attempts
		op.LastError = lastErr
	})
}

func (s *Store) updateOp(id string, fn func(*domain.LedgerOp)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(op)
	op.UpdatedAt = time.Now().UTC()
	return nil
}

// Stats counts ops by status.
func (s *Store) Stats(_ context.Context) (domain.OutboxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st domain.OutboxStats
	for _, op := range s.ops {
		switch op.Status {
		case domain.LedgerOpPending:
			st.Pending++
		case domain.LedgerOpDone:
			st.Done++
		case domain.LedgerOpDead:
			st.Dead++
		}
	}
	return st, nil
}

// ── AuditStore ──

// Log appends an audit entry.
func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
