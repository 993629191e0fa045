package domain

import "context"

// LedgerCreate is the data mirrored to the ledger for a new prediction.
type LedgerCreate struct {
	Creator          string
	Title            string
	Description      string
	Category         string
	VotingPeriodDays int
}

// Ledger is the optional secondary record of predictions and votes. Ledger
// ids are opaque decimal strings. Records returned by the read methods have
// ContractPredictionID set and ID left zero; callers map them back to store
// ids.
type Ledger interface {
	CreatePrediction(ctx context.Context, in LedgerCreate) (ledgerID string, err error)
	CastVote(ctx context.Context, ledgerID, voter string, support bool) error
	HasVoted(ctx context.Context, ledgerID, voter string) (bool, error)
	GetPrediction(ctx context.Context, ledgerID string) (Prediction, error)
	GetVotingStats(ctx context.Context, ledgerID string) (VotingStats, error)
	ListActive(ctx context.Context) ([]Prediction, error)
	ListApproved(ctx context.Context) ([]Prediction, error)
}
