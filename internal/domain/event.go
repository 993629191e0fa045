package domain

import "time"

// Bus channels and streams carrying prediction events.
const (
	ChannelPredictions = "predictions"
	ChannelVotes       = "votes"
	StreamLedgerEvents = "ledger_events"
)

// EventType names a prediction lifecycle event.
type EventType string

const (
	EventPredictionCreated  EventType = "prediction_created"
	EventVoteRecorded       EventType = "vote_recorded"
	EventPredictionApproved EventType = "prediction_approved"
	EventLedgerSynced       EventType = "ledger_synced"
	EventOutboxDead         EventType = "outbox_dead"
)

// Event is the payload published on the signal bus.
type Event struct {
	Type         EventType `json:"type"`
	PredictionID int64     `json:"predictionId"`
	Title        string    `json:"title,omitempty"`
	Voter        string    `json:"voter,omitempty"`
	Support      *bool     `json:"support,omitempty"`
	TotalVotes   int64     `json:"totalVotes,omitempty"`
	YesVotes     int64     `json:"yesVotes,omitempty"`
	NoVotes      int64     `json:"noVotes,omitempty"`
	LedgerID     string    `json:"ledgerId,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}
