package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrInactivePrediction = errors.New("prediction is not active")
	ErrVotingPeriodEnded  = errors.New("voting period has ended")
	ErrDuplicateVote      = errors.New("voter has already voted")
	ErrLedgerUnavailable  = errors.New("ledger unavailable")
	ErrVersionConflict    = errors.New("version conflict")
	ErrLockHeld           = errors.New("lock already held")
)
