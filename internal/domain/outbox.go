package domain

import "time"

// LedgerOpKind names the ledger call an outbox entry stands for.
type LedgerOpKind string

const (
	LedgerOpCreatePrediction LedgerOpKind = "create_prediction"
	LedgerOpCastVote         LedgerOpKind = "cast_vote"
)

// LedgerOpStatus is the delivery state of an outbox entry.
type LedgerOpStatus string

const (
	LedgerOpPending LedgerOpStatus = "pending"
	LedgerOpDone    LedgerOpStatus = "done"
	LedgerOpDead    LedgerOpStatus = "dead"
)

// LedgerOp is a durable intent to mirror a store write onto the ledger. It is
// written in the same transaction as the store write it mirrors.
type LedgerOp struct {
	ID            string // uuid
	Seq           int64  // store-assigned, defines delivery order
	Kind          LedgerOpKind
	PredictionID  int64
	Payload       []byte // JSON, see CreatePredictionPayload and CastVotePayload
	Status        LedgerOpStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreatePredictionPayload is the payload of a create_prediction op.
type CreatePredictionPayload struct {
	Creator          string `json:"creator"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	Category         string `json:"category"`
	VotingPeriodDays int    `json:"votingPeriodDays"`
}

// CastVotePayload is the payload of a cast_vote op.
type CastVotePayload struct {
	Voter   string `json:"voter"`
	Support bool   `json:"support"`
}

// OutboxStats counts outbox entries by status.
type OutboxStats struct {
	Pending int64 `json:"pending"`
	Done    int64 `json:"done"`
	Dead    int64 `json:"dead"`
}
