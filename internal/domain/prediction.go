package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ApprovalThresholdPct is the yes-vote percentage at which a prediction is
// approved and voting closes.
const ApprovalThresholdPct = 70

// Vote is a single yes/no ballot on a prediction. Votes are never updated or
// deleted once recorded.
type Vote struct {
	Voter     string
	Support   bool
	Timestamp time.Time
}

// Prediction is a community-submitted claim subject to time-boxed voting.
type Prediction struct {
	ID          int64
	Creator     string
	Title       string
	Description string
	Category    string
	EndTime     time.Time
	IsActive    bool
	IsApproved  bool
	TotalVotes  int64
	YesVotes    int64
	NoVotes     int64
	CreatedAt   time.Time
	Votes       []Vote // arrival order

	ContractSynced       bool
	ContractPredictionID *string // ledger-assigned id once mirrored

	// AnalysisData is the optional analysis blob submitted with the
	// prediction. It is stored as-is.
	AnalysisData json.RawMessage

	// Version is the revision token used for compare-and-swap writes.
	Version int64
}

// VotingStats summarises the tally of a prediction.
type VotingStats struct {
	YesVotes           int64
	NoVotes            int64
	TotalVotes         int64
	ApprovalPercentage float64
}

// NewPredictionInput carries the caller-supplied fields for a new prediction.
type NewPredictionInput struct {
	Creator          string
	Title            string
	Description      string
	Category         string
	VotingPeriodDays int
	AnalysisData     json.RawMessage
}

// Validate checks that every required field is present. The period bound
// (e.g. 1-7 days) is a caller concern; only positivity is required here.
func (in NewPredictionInput) Validate() error {
	var missing []string
	if strings.TrimSpace(in.Creator) == "" {
		missing = append(missing, "creator")
	}
	if strings.TrimSpace(in.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(in.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(in.Category) == "" {
		missing = append(missing, "category")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if in.VotingPeriodDays <= 0 {
		return fmt.Errorf("%w: votingPeriodDays must be positive, got %d", ErrValidation, in.VotingPeriodDays)
	}
	if len(in.AnalysisData) > 0 && !json.Valid(in.AnalysisData) {
		return fmt.Errorf("%w: analysis data is not valid JSON", ErrValidation)
	}
	return nil
}

// NewPrediction builds an unsaved prediction in its initial state. The ID is
// assigned by the store.
func NewPrediction(in NewPredictionInput, now time.Time) (Prediction, error) {
	if err := in.Validate(); err != nil {
		return Prediction{}, err
	}
	now = now.UTC()
	return Prediction{
		Creator:      strings.TrimSpace(in.Creator),
		Title:        strings.TrimSpace(in.Title),
		Description:  strings.TrimSpace(in.Description),
		Category:     strings.TrimSpace(in.Category),
		EndTime:      now.Add(time.Duration(in.VotingPeriodDays) * 24 * time.Hour),
		IsActive:     true,
		CreatedAt:    now,
		Votes:        []Vote{},
		AnalysisData: in.AnalysisData,
	}, nil
}

// ApprovalPercentage returns yes/(yes+no)*100, or 0 when there are no votes.
func ApprovalPercentage(yes, no int64) float64 {
	total := yes + no
	if total == 0 {
		return 0
	}
	return float64(yes) / float64(total) * 100
}

// MeetsApprovalThreshold is the single approval rule. It uses integer
// arithmetic so 7 of 10 is exactly 70%.
func MeetsApprovalThreshold(yes, no int64) bool {
	total := yes + no
	if total == 0 {
		return false
	}
	return yes*100 >= ApprovalThresholdPct*total
}

// Stats returns the current tally.
func (p Prediction) Stats() VotingStats {
	return VotingStats{
		YesVotes:           p.YesVotes,
		NoVotes:            p.NoVotes,
		TotalVotes:         p.TotalVotes,
		ApprovalPercentage: ApprovalPercentage(p.YesVotes, p.NoVotes),
	}
}

// HasVoted reports whether voter already has a ballot on p.
func (p Prediction) HasVoted(voter string) bool {
	voter = NormalizeVoter(voter)
	for _, v := range p.Votes {
		if v.Voter == voter {
			return true
		}
	}
	return false
}

// IsOpen reports whether p is listed as active at now. Expiry is evaluated
// at query time and never mutates the stored flag.
func (p Prediction) IsOpen(now time.Time) bool {
	return p.IsActive && now.Before(p.EndTime)
}

// CanVote checks the vote preconditions in order: active, within the voting
// period, not already voted.
func (p Prediction) CanVote(voter string, now time.Time) error {
	if !p.IsActive {
		return ErrInactivePrediction
	}
	if !now.Before(p.EndTime) {
		return ErrVotingPeriodEnded
	}
	if p.HasVoted(voter) {
		return ErrDuplicateVote
	}
	return nil
}

// NormalizeVoter returns the canonical form of a voter id. Ballots are stored
// and compared in this form.
func NormalizeVoter(voter string) string {
	return strings.TrimSpace(voter)
}

// ApplyVote records a ballot and applies the approval transition. It returns
// true when this vote approved the prediction. On error p is unchanged.
func (p *Prediction) ApplyVote(voter string, support bool, now time.Time) (approved bool, err error) {
	voter = NormalizeVoter(voter)
	if voter == "" {
		return false, fmt.Errorf("%w: voter is required", ErrValidation)
	}
	if err := p.CanVote(voter, now); err != nil {
		return false, err
	}

	p.Votes = append(p.Votes, Vote{Voter: voter, Support: support, Timestamp: now.UTC()})
	p.TotalVotes++
	if support {
		p.YesVotes++
	} else {
		p.NoVotes++
	}

	if MeetsApprovalThreshold(p.YesVotes, p.NoVotes) {
		p.IsApproved = true
		p.IsActive = false
		return true, nil
	}
	return false, nil
}

// NormalizeApproval re-derives the approval flags from the tally so records
// from any source follow the same rule.
func (p *Prediction) NormalizeApproval() {
	if MeetsApprovalThreshold(p.YesVotes, p.NoVotes) {
		p.IsApproved = true
		p.IsActive = false
		return
	}
	p.IsApproved = false
}

// LedgerID returns the ledger-assigned id, or "" if not yet mirrored.
func (p Prediction) LedgerID() string {
	if p.ContractPredictionID == nil {
		return ""
	}
	return *p.ContractPredictionID
}
