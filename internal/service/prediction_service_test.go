package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/inverstra/predictiondao/internal/domain"
	"github.com/inverstra/predictiondao/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sampleInput(days int) domain.NewPredictionInput {
	return domain.NewPredictionInput{
		Creator:          "0xcreator",
		Title:            "ETH flips BTC",
		Description:      "by market cap before the end of the period",
		Category:         "crypto",
		VotingPeriodDays: days,
	}
}

type harness struct {
	store  *memory.Store
	ledger *fakeLedger
	recon  *LedgerReconciler
	svc    *PredictionService
	clock  *testClock
}

// newHarness wires a service over the memory store. withLedger adds the fake
// ledger with inline sync through a reconciler.
func newHarness(t *testing.T, withLedger bool, policy ItemReadPolicy) *harness {
	t.Helper()
	h := &harness{store: memory.New(), clock: newTestClock()}
	h.svc = NewPredictionService(h.store, discardLogger()).WithClock(h.clock.Now)
	if withLedger {
		h.ledger = newFakeLedger()
		h.recon = NewLedgerReconciler(h.store, h.store, h.ledger, ReconcilerConfig{MaxAttempts: 5}, discardLogger())
		h.svc.WithLedger(h.ledger, policy).WithInlineSync(h.recon)
	} else if policy != "" {
		h.svc.policy = policy
	}
	return h
}

func (h *harness) vote(t *testing.T, id int64, voter string, support bool) domain.Prediction {
	t.Helper()
	p, err := h.svc.Vote(context.Background(), id, voter, support)
	require.NoError(t, err)
	return p
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t, false, "")
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		p, err := h.svc.Create(ctx, sampleInput(3))
		require.NoError(t, err)
		assert.Greater(t, p.ID, last)
		last = p.ID
	}
	assert.Equal(t, int64(5), last)

	n, err := h.svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStats{}, stats, "no outbox ops without a ledger")
}

func TestCreateInitialState(t *testing.T) {
	h := newHarness(t, false, "")

	p, err := h.svc.Create(context.Background(), sampleInput(3))
	require.NoError(t, err)
	assert.True(t, p.IsActive)
	assert.False(t, p.IsApproved)
	assert.Zero(t, p.TotalVotes)
	assert.False(t, p.ContractSynced)
	assert.Nil(t, p.ContractPredictionID)
	assert.Equal(t, h.clock.Now().Add(72*time.Hour), p.EndTime)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, false, "")

	in := sampleInput(3)
	in.Title = "   "
	_, err := h.svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.Create(context.Background(), sampleInput(0))
	assert.ErrorIs(t, err, domain.ErrValidation)

	n, err := h.svc.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVoteReachesApprovalAndCloses(t *testing.T) {
	h := newHarness(t, false, ReadStoreFallback)
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)

	h.vote(t, p.ID, "n1", false)
	h.vote(t, p.ID, "n2", false)
	for i := 1; i <= 4; i++ {
		got := h.vote(t, p.ID, fmt.Sprintf("y%d", i), true)
		assert.False(t, got.IsApproved, "after %d yes votes", i)
	}
	got := h.vote(t, p.ID, "y5", true)
	assert.True(t, got.IsApproved)
	assert.False(t, got.IsActive)

	stats, err := h.svc.VotingStats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.TotalVotes)
	assert.Equal(t, int64(5), stats.YesVotes)
	assert.Equal(t, int64(2), stats.NoVotes)
	assert.InDelta(t, 71.43, stats.ApprovalPercentage, 0.01)

	_, err = h.svc.Vote(ctx, p.ID, "late", true)
	assert.ErrorIs(t, err, domain.ErrInactivePrediction)
}

func TestVoteBelowThresholdStaysActive(t *testing.T) {
	h := newHarness(t, false, ReadStoreFallback)
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		h.vote(t, p.ID, fmt.Sprintf("no%d", i), false)
	}
	var got domain.Prediction
	for i := 0; i < 4; i++ {
		got = h.vote(t, p.ID, fmt.Sprintf("yes%d", i), true)
	}
	assert.False(t, got.IsApproved)
	assert.True(t, got.IsActive)

	_, stats, err := h.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, stats.ApprovalPercentage, 1e-9)

	got = h.vote(t, p.ID, "newcomer", true)
	assert.Equal(t, int64(11), got.TotalVotes)
}

func TestDuplicateVoteRejected(t *testing.T) {
	h := newHarness(t, false, ReadStoreFallback)
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	// Keep the prediction open past the first yes vote.
	h.vote(t, p.ID, "a", false)
	h.vote(t, p.ID, "b", false)
	h.vote(t, p.ID, "V", true)

	for _, support := range []bool{true, false} {
		_, err := h.svc.Vote(ctx, p.ID, "V", support)
		assert.ErrorIs(t, err, domain.ErrDuplicateVote)
	}

	stats, err := h.svc.VotingStats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalVotes)
	assert.Equal(t, int64(1), stats.YesVotes)
	assert.Equal(t, int64(2), stats.NoVotes)

	voted, err := h.svc.HasVoted(ctx, p.ID, "V")
	require.NoError(t, err)
	assert.True(t, voted)
	voted, err = h.svc.HasVoted(ctx, p.ID, "W")
	require.NoError(t, err)
	assert.False(t, voted)
}

func TestPaddedVoterIsSameVoter(t *testing.T) {
	h := newHarness(t, true, ReadLedgerOnly)
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	h.vote(t, p.ID, " 0xabc\t", false)

	_, err = h.svc.Vote(ctx, p.ID, "0xabc ", true)
	assert.ErrorIs(t, err, domain.ErrDuplicateVote)

	stored, err := h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalVotes)
	require.Len(t, stored.Votes, 1)
	assert.Equal(t, "0xabc", stored.Votes[0].Voter)

	// The ledger received the canonical id, so lookups in any form match.
	for _, voter := range []string{"0xabc", " 0xabc "} {
		voted, err := h.svc.HasVoted(ctx, p.ID, voter)
		require.NoError(t, err)
		assert.True(t, voted, "voter %q", voter)
	}
	voted, err := h.ledger.HasVoted(ctx, p.LedgerID(), "0xabc")
	require.NoError(t, err)
	assert.True(t, voted)
}

func TestVotePreconditions(t *testing.T) {
	h := newHarness(t, false, ReadStoreFallback)
	ctx := context.Background()

	_, err := h.svc.Vote(ctx, 42, "v", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p, err := h.svc.Create(ctx, sampleInput(1))
	require.NoError(t, err)

	_, err = h.svc.Vote(ctx, p.ID, " ", true)
	assert.ErrorIs(t, err, domain.ErrValidation)

	h.clock.Advance(24 * time.Hour)
	_, err = h.svc.Vote(ctx, p.ID, "v", true)
	assert.ErrorIs(t, err, domain.ErrVotingPeriodEnded)

	active, err := h.svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Expiry is evaluated at read time only.
	stored, err := h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
}

func TestConcurrentVotesNoLostUpdates(t *testing.T) {
	h := newHarness(t, false, ReadStoreFallback)
	h.svc.WithMaxVoteRetries(1000)
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)

	const voters = 25
	errs := make(chan error, voters)
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Vote(ctx, p.ID, fmt.Sprintf("voter-%d", i), false)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	stored, err := h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(voters), stored.TotalVotes)
	assert.Equal(t, int64(voters), stored.NoVotes)
	assert.Len(t, stored.Votes, voters)
}

func TestLedgerUnavailableDegradesGracefully(t *testing.T) {
	h := newHarness(t, true, ReadLedgerOnly)
	h.ledger.setDown(true)
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	assert.False(t, p.ContractSynced)
	assert.Empty(t, p.LedgerID())

	got, err := h.svc.Vote(ctx, p.ID, "v", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalVotes)
	assert.False(t, got.ContractSynced)

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)

	_, err = h.svc.VotingStats(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	_, _, err = h.svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	_, err = h.svc.HasVoted(ctx, p.ID, "v")
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	active, err := h.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p.ID, active[0].ID)
}

func TestItemReadsWithoutLedger(t *testing.T) {
	h := newHarness(t, false, "")
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)

	_, err = h.svc.VotingStats(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	_, err = h.svc.VotingStats(ctx, p.ID+1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreFallbackServesItemReads(t *testing.T) {
	h := newHarness(t, true, ReadStoreFallback)
	h.ledger.setDown(true)
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	h.vote(t, p.ID, "v", false)

	got, stats, err := h.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, int64(1), stats.NoVotes)

	voted, err := h.svc.HasVoted(ctx, p.ID, "v")
	require.NoError(t, err)
	assert.True(t, voted)
}

func TestInlineSyncMirrorsWrites(t *testing.T) {
	h := newHarness(t, true, ReadLedgerOnly)
	ctx := context.Background()

	p, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	assert.True(t, p.ContractSynced)
	assert.Equal(t, "101", p.LedgerID())

	h.vote(t, p.ID, "a", false)

	stats, err := h.svc.VotingStats(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.NoVotes)

	voted, err := h.svc.HasVoted(ctx, p.ID, "a")
	require.NoError(t, err)
	assert.True(t, voted)

	got, _, err := h.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "ETH flips BTC", got.Title)

	outbox, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStats{Done: 2}, outbox)
}

func TestListsPreferLedgerAndMapIDs(t *testing.T) {
	h := newHarness(t, true, ReadLedgerOnly)
	ctx := context.Background()

	first, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	second, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	h.vote(t, second.ID, "a", true)

	active, err := h.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, first.LedgerID(), active[0].LedgerID())

	approved, err := h.svc.ListApproved(ctx)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, second.ID, approved[0].ID)
}

func TestListActiveDropsExpiredFromBothSources(t *testing.T) {
	h := newHarness(t, true, ReadLedgerOnly)
	ctx := context.Background()

	expiring, err := h.svc.Create(ctx, sampleInput(1))
	require.NoError(t, err)
	open, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)

	h.ledger.mu.Lock()
	h.ledger.records[expiring.LedgerID()].EndTime = expiring.EndTime
	h.ledger.records[open.LedgerID()].EndTime = open.EndTime
	h.ledger.mu.Unlock()

	h.clock.Advance(25 * time.Hour)

	fromLedger, err := h.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, fromLedger, 1)
	assert.Equal(t, open.ID, fromLedger[0].ID)

	h.ledger.setDown(true)
	fromStore, err := h.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, fromStore, 1)
	assert.Equal(t, open.ID, fromStore[0].ID)
}

func TestListApprovedFallbackUsesApprovalRule(t *testing.T) {
	h := newHarness(t, true, ReadLedgerOnly)
	h.ledger.setDown(true)
	ctx := context.Background()

	approved, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	h.vote(t, approved.ID, "a", true)

	open, err := h.svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	h.vote(t, open.ID, "a", false)

	list, err := h.svc.ListApproved(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, approved.ID, list[0].ID)

	active, err := h.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)
}

func TestApprovalPublishesEventsAndNotifies(t *testing.T) {
	store := memory.New()
	bus := newRecordingBus()
	notifier := new(mockNotifier)
	notifier.On("Notify", mock.Anything, string(domain.EventPredictionApproved), "Prediction approved", mock.Anything).
		Return(nil).Once()

	svc := NewPredictionService(store, discardLogger()).WithEvents(bus, store, notifier)
	ctx := context.Background()

	p, err := svc.Create(ctx, sampleInput(3))
	require.NoError(t, err)
	got, err := svc.Vote(ctx, p.ID, "first", true)
	require.NoError(t, err)
	require.True(t, got.IsApproved)

	assert.Equal(t, 2, bus.count(domain.ChannelPredictions))
	assert.Equal(t, 1, bus.count(domain.ChannelVotes))
	notifier.AssertExpectations(t)

	entries, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, string(domain.EventPredictionApproved), entries[0].Event)
	assert.Equal(t, string(domain.EventPredictionCreated), entries[2].Event)
}
