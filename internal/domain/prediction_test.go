package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPrediction(t *testing.T, days int) Prediction {
	t.Helper()
	p, err := NewPrediction(NewPredictionInput{
		Creator:          "0xabc",
		Title:            "ETH above 5k",
		Description:      "ETH closes above 5000 USD",
		Category:         "crypto",
		VotingPeriodDays: days,
	}, t0)
	require.NoError(t, err)
	return p
}

func TestNewPredictionInitialState(t *testing.T) {
	p := newTestPrediction(t, 3)

	assert.True(t, p.IsActive)
	assert.False(t, p.IsApproved)
	assert.Zero(t, p.TotalVotes)
	assert.Empty(t, p.Votes)
	assert.False(t, p.ContractSynced)
	assert.Nil(t, p.ContractPredictionID)
	assert.Equal(t, t0.Add(3*86400*time.Second), p.EndTime)
}

func TestNewPredictionValidation(t *testing.T) {
	base := NewPredictionInput{Creator: "c", Title: "t", Description: "d", Category: "x", VotingPeriodDays: 1}

	tests := []struct {
		name   string
		mutate func(*NewPredictionInput)
	}{
		{"blank creator", func(in *NewPredictionInput) { in.Creator = "  " }},
		{"blank title", func(in *NewPredictionInput) { in.Title = "" }},
		{"blank description", func(in *NewPredictionInput) { in.Description = "" }},
		{"blank category", func(in *NewPredictionInput) { in.Category = "" }},
		{"zero days", func(in *NewPredictionInput) { in.VotingPeriodDays = 0 }},
		{"negative days", func(in *NewPredictionInput) { in.VotingPeriodDays = -2 }},
		{"bad analysis json", func(in *NewPredictionInput) { in.AnalysisData = json.RawMessage(`{"a":`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := NewPrediction(in, t0)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// Periods longer than a week are accepted by the core.
	in := base
	in.VotingPeriodDays = 30
	_, err := NewPrediction(in, t0)
	assert.NoError(t, err)
}

func TestApplyVoteTallyInvariant(t *testing.T) {
	p := newTestPrediction(t, 3)
	now := t0.Add(time.Hour)

	pattern := []bool{false, true, false, false, true, false, true, false}
	for i, support := range pattern {
		_, err := p.ApplyVote(fmt.Sprintf("voter-%d", i), support, now)
		require.NoError(t, err)
		assert.Equal(t, p.YesVotes+p.NoVotes, p.TotalVotes)
		assert.Len(t, p.Votes, i+1)
	}
}

func TestApplyVoteSimpleApproval(t *testing.T) {
	p := newTestPrediction(t, 3)
	now := t0.Add(time.Hour)

	// Running yes share: 0, 0, 33, 50, 60, 66.7, then 71.4 on the seventh.
	order := []bool{false, false, true, true, true, true, true}
	approvedAt := -1
	for i, support := range order {
		approved, err := p.ApplyVote(fmt.Sprintf("v%d", i), support, now)
		require.NoError(t, err, "vote %d", i)
		if approved {
			approvedAt = i
		}
		if i < 6 {
			assert.True(t, p.IsActive, "vote %d", i)
		}
	}

	assert.Equal(t, 6, approvedAt)
	assert.EqualValues(t, 7, p.TotalVotes)
	assert.EqualValues(t, 5, p.YesVotes)
	assert.EqualValues(t, 2, p.NoVotes)
	assert.True(t, p.IsApproved)
	assert.False(t, p.IsActive)

	_, err := p.ApplyVote("v7", true, now)
	assert.ErrorIs(t, err, ErrInactivePrediction)
	assert.EqualValues(t, 7, p.TotalVotes)
}

func TestStatsEightOfTen(t *testing.T) {
	p := Prediction{IsActive: true, TotalVotes: 10, YesVotes: 8, NoVotes: 2}
	p.NormalizeApproval()

	stats := p.Stats()
	assert.InDelta(t, 80.0, stats.ApprovalPercentage, 1e-9)
	assert.EqualValues(t, 10, stats.TotalVotes)
	assert.True(t, p.IsApproved)
	assert.False(t, p.IsActive)
}

func TestApplyVoteBelowThresholdStaysActive(t *testing.T) {
	p := newTestPrediction(t, 3)
	now := t0.Add(time.Hour)

	for i := 0; i < 6; i++ {
		_, err := p.ApplyVote(fmt.Sprintf("no%d", i), false, now)
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		_, err := p.ApplyVote(fmt.Sprintf("yes%d", i), true, now)
		require.NoError(t, err)
	}

	assert.InDelta(t, 40.0, p.Stats().ApprovalPercentage, 1e-9)
	assert.False(t, p.IsApproved)
	assert.True(t, p.IsActive)

	_, err := p.ApplyVote("late", true, now)
	assert.NoError(t, err)
}

func TestApplyVoteFirstYesApproves(t *testing.T) {
	p := newTestPrediction(t, 1)
	approved, err := p.ApplyVote("first", true, t0)
	require.NoError(t, err)
	assert.True(t, approved)
	assert.True(t, p.IsApproved)
	assert.False(t, p.IsActive)
}

func TestApplyVoteDuplicateRejected(t *testing.T) {
	p := newTestPrediction(t, 3)
	// A no vote keeps the prediction active so the duplicate check is reached.
	_, err := p.ApplyVote("V", false, t0)
	require.NoError(t, err)

	for _, support := range []bool{true, false} {
		_, err = p.ApplyVote("V", support, t0)
		assert.ErrorIs(t, err, ErrDuplicateVote)
	}
	assert.EqualValues(t, 1, p.TotalVotes)
	assert.EqualValues(t, 0, p.YesVotes)
	assert.EqualValues(t, 1, p.NoVotes)
	assert.Len(t, p.Votes, 1)
}

func TestApplyVoteTrimsVoter(t *testing.T) {
	p := newTestPrediction(t, 3)
	_, err := p.ApplyVote("0xabc", false, t0)
	require.NoError(t, err)

	for _, voter := range []string{"0xabc ", " 0xabc", "\t0xabc\n"} {
		_, err = p.ApplyVote(voter, true, t0)
		assert.ErrorIs(t, err, ErrDuplicateVote, "voter %q", voter)
	}
	assert.EqualValues(t, 1, p.TotalVotes)

	q := newTestPrediction(t, 3)
	_, err = q.ApplyVote("  0xdef ", false, t0)
	require.NoError(t, err)
	require.Len(t, q.Votes, 1)
	assert.Equal(t, "0xdef", q.Votes[0].Voter)
	assert.True(t, q.HasVoted("0xdef"))
	assert.True(t, q.HasVoted(" 0xdef"))

	_, err = q.ApplyVote("   ", true, t0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestApplyVoteExpiryBlocksVoting(t *testing.T) {
	p := newTestPrediction(t, 1)

	_, err := p.ApplyVote("at-end", true, p.EndTime)
	assert.ErrorIs(t, err, ErrVotingPeriodEnded)

	_, err = p.ApplyVote("after-end", true, p.EndTime.Add(time.Second))
	assert.ErrorIs(t, err, ErrVotingPeriodEnded)

	assert.True(t, p.IsActive, "expiry never mutates the stored flag")
	assert.False(t, p.IsOpen(p.EndTime))
}

func TestApplyVotePreconditionOrder(t *testing.T) {
	p := newTestPrediction(t, 1)
	_, err := p.ApplyVote("V", true, t0)
	require.NoError(t, err)

	// Inactive wins over expired and duplicate.
	_, err = p.ApplyVote("V", true, p.EndTime.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrInactivePrediction))

	q := newTestPrediction(t, 1)
	_, err = q.ApplyVote("V", false, t0)
	require.NoError(t, err)
	// Expired wins over duplicate.
	_, err = q.ApplyVote("V", false, q.EndTime)
	assert.ErrorIs(t, err, ErrVotingPeriodEnded)

	_, err = q.ApplyVote("", true, t0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMeetsApprovalThreshold(t *testing.T) {
	tests := []struct {
		yes, no int64
		want    bool
	}{
		{0, 0, false},
		{7, 3, true},
		{69, 31, false},
		{70, 30, true},
		{2, 1, false},
		{3, 1, true},
		{1, 0, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MeetsApprovalThreshold(tt.yes, tt.no), "%d/%d", tt.yes, tt.no)
	}
	assert.Zero(t, ApprovalPercentage(0, 0))
}

func TestNormalizeApproval(t *testing.T) {
	p := Prediction{IsActive: true, IsApproved: true, YesVotes: 1, NoVotes: 1, TotalVotes: 2}
	p.NormalizeApproval()
	assert.False(t, p.IsApproved)
	assert.True(t, p.IsActive)

	p = Prediction{IsActive: true, YesVotes: 8, NoVotes: 2, TotalVotes: 10}
	p.NormalizeApproval()
	assert.True(t, p.IsApproved)
	assert.False(t, p.IsActive)
}
