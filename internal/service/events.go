package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/inverstra/predictiondao/internal/domain"
)

// Notifier is the subset of notify.Notifier the services use.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// eventPublisher fans a domain event out to the signal bus, the audit log and
// the notifier. Every sink is optional and every failure is only logged.
type eventPublisher struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
}

func channelFor(t domain.EventType) string {
	switch t {
	case domain.EventVoteRecorded:
		return domain.ChannelVotes
	default:
		return domain.ChannelPredictions
	}
}

func (e *eventPublisher) publish(ctx context.Context, ev domain.Event) {
	if e == nil {
		return
	}

	if e.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			e.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		} else {
			if err := e.bus.Publish(ctx, channelFor(ev.Type), payload); err != nil {
				e.logger.WarnContext(ctx, "publish event failed",
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
			if ev.Type == domain.EventLedgerSynced || ev.Type == domain.EventOutboxDead {
				if err := e.bus.StreamAppend(ctx, domain.StreamLedgerEvents, payload); err != nil {
					e.logger.WarnContext(ctx, "append ledger event failed", slog.String("error", err.Error()))
				}
			}
		}
	}

	if e.audit != nil {
		detail := map[string]any{"prediction_id": ev.PredictionID}
		if ev.Voter != "" {
			detail["voter"] = ev.Voter
		}
		if ev.Support != nil {
			detail["support"] = *ev.Support
		}
		if ev.LedgerID != "" {
			detail["ledger_id"] = ev.LedgerID
		}
		if ev.Detail != "" {
			detail["detail"] = ev.Detail
		}
		if err := e.audit.Log(ctx, string(ev.Type), detail); err != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if e.notifier != nil {
		title, message, ok := notification(ev)
		if ok {
			if err := e.notifier.Notify(ctx, string(ev.Type), title, message); err != nil {
				e.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
			}
		}
	}
}

func notification(ev domain.Event) (title, message string, ok bool) {
	switch ev.Type {
	case domain.EventPredictionApproved:
		return "Prediction approved",
			fmt.Sprintf("#%d %q approved with %d/%d yes votes", ev.PredictionID, ev.Title, ev.YesVotes, ev.TotalVotes),
			true
	case domain.EventOutboxDead:
		return "Ledger sync failed",
			fmt.Sprintf("prediction #%d: %s", ev.PredictionID, ev.Detail),
			true
	default:
		return "", "", false
	}
}
