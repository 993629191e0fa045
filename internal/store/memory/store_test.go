package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inverstra/predictiondao/internal/domain"
)

func newPrediction(t *testing.T, created time.Time) domain.Prediction {
	t.Helper()
	p, err := domain.NewPrediction(domain.NewPredictionInput{
		Creator: "0xabc", Title: "t", Description: "d", Category: "c", VotingPeriodDays: 2,
	}, created)
	require.NoError(t, err)
	return p
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	s := New()

	var last int64
	for i := 0; i < 5; i++ {
		p, err := s.Create(ctx, newPrediction(t, time.Now()), nil)
		require.NoError(t, err)
		assert.Greater(t, p.ID, last)
		last = p.ID
	}
	assert.EqualValues(t, 5, last)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestConcurrentCreateUniqueIDs(t *testing.T) {
	ctx := context.Background()
	s := New()

	const workers = 32
	ids := make(chan int64, workers)
	var wg sync.WaitGroup
	base := newPrediction(t, time.Now())
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Create(ctx, base, nil)
			if err == nil {
				ids <- p.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)
}

func TestSaveVoteVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	created, err := s.Create(ctx, newPrediction(t, now), nil)
	require.NoError(t, err)

	a := created
	_, err = a.ApplyVote("alice", false, now)
	require.NoError(t, err)
	b := created
	_, err = b.ApplyVote("bob", false, now)
	require.NoError(t, err)

	saved, err := s.SaveVote(ctx, a, nil)
	require.NoError(t, err)
	assert.Equal(t, created.Version+1, saved.Version)

	_, err = s.SaveVote(ctx, b, nil)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalVotes)
	require.Len(t, got.Votes, 1)
	assert.Equal(t, "alice", got.Votes[0].Voter)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	older, err := s.Create(ctx, newPrediction(t, now.Add(-time.Hour)), nil)
	require.NoError(t, err)
	newer, err := s.Create(ctx, newPrediction(t, now), nil)
	require.NoError(t, err)
	expired, err := s.Create(ctx, newPrediction(t, now.Add(-72*time.Hour)), nil)
	require.NoError(t, err)

	// Approve the older prediction with a single yes vote.
	_, err = older.ApplyVote("v", true, now)
	require.NoError(t, err)
	_, err = s.SaveVote(ctx, older, nil)
	require.NoError(t, err)

	active, err := s.ListActive(ctx, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, newer.ID, active[0].ID)

	inactive, err := s.ListInactive(ctx)
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, older.ID, inactive[0].ID)

	archivable, err := s.ListArchivable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, archivable, 2)
	assert.Equal(t, older.ID, archivable[0].ID)
	assert.Equal(t, expired.ID, archivable[1].ID)
	assert.Len(t, archivable[0].Votes, 1)

	require.NoError(t, s.MarkArchived(ctx, []int64{older.ID, expired.ID}))
	archivable, err = s.ListArchivable(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, archivable)
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	op1 := &domain.LedgerOp{ID: "op-1", Kind: domain.LedgerOpCreatePrediction, Payload: []byte(`{}`)}
	p, err := s.Create(ctx, newPrediction(t, now), op1)
	require.NoError(t, err)
	assert.Equal(t, p.ID, op1.PredictionID)

	_, err = p.ApplyVote("v", false, now)
	require.NoError(t, err)
	op2 := &domain.LedgerOp{ID: "op-2", Kind: domain.LedgerOpCastVote, Payload: []byte(`{}`)}
	_, err = s.SaveVote(ctx, p, op2)
	require.NoError(t, err)

	due, err := s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "op-1", due[0].ID)
	assert.Equal(t, "op-2", due[1].ID)

	require.NoError(t, s.MarkDone(ctx, "op-1"))
	require.NoError(t, s.MarkRetry(ctx, "op-2", 1, "boom", time.Now().Add(time.Hour)))

	due, err = s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.MarkDead(ctx, "op-2", 2, "boom"))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStats{Pending: 0, Done: 1, Dead: 1}, st)

	assert.ErrorIs(t, s.MarkDone(ctx, "missing"), domain.ErrNotFound)
}

func TestOutboxHoldsOpsBehindBackingOffOp(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	p, err := s.Create(ctx, newPrediction(t, now), nil)
	require.NoError(t, err)
	other, err := s.Create(ctx, newPrediction(t, now), nil)
	require.NoError(t, err)

	var ops []*domain.LedgerOp
	for i, voter := range []string{"a", "b"} {
		_, err = p.ApplyVote(voter, false, now)
		require.NoError(t, err)
		op := &domain.LedgerOp{ID: fmt.Sprintf("vote-%d", i), Kind: domain.LedgerOpCastVote, Payload: []byte(`{}`)}
		p, err = s.SaveVote(ctx, p, op)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	_, err = other.ApplyVote("c", false, now)
	require.NoError(t, err)
	otherOp := &domain.LedgerOp{ID: "other", Kind: domain.LedgerOpCastVote, Payload: []byte(`{}`)}
	_, err = s.SaveVote(ctx, other, otherOp)
	require.NoError(t, err)

	earlier, err := s.PendingBefore(ctx, p.ID, ops[1].Seq)
	require.NoError(t, err)
	assert.True(t, earlier)
	earlier, err = s.PendingBefore(ctx, p.ID, ops[0].Seq)
	require.NoError(t, err)
	assert.False(t, earlier)

	// Both due: returned together in order.
	due, err := s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)

	// The first backs off: the second waits, other predictions are unaffected.
	require.NoError(t, s.MarkRetry(ctx, ops[0].ID, 1, "boom", time.Now().Add(time.Hour)))
	due, err = s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "other", due[0].ID)

	require.NoError(t, s.MarkDone(ctx, ops[0].ID))
	due, err = s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, ops[1].ID, due[0].ID)
}

func TestMarkSyncedAndMapLedgerIDs(t *testing.T) {
	ctx := context.Background()
	s := New()

	p, err := s.Create(ctx, newPrediction(t, time.Now()), nil)
	require.NoError(t, err)
	version, err := s.MarkSynced(ctx, p.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, p.Version+1, version)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, version, got.Version)
	assert.True(t, got.ContractSynced)
	assert.Equal(t, "42", got.LedgerID())

	m, err := s.MapLedgerIDs(ctx, []string{"42", "7"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"42": p.ID}, m)

	_, err = s.MarkSynced(ctx, 999, "1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
