package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/inverstra/predictiondao/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errUnreachable = fmt.Errorf("%w: dial tcp: connection refused", domain.ErrLedgerUnavailable)

// fakeLedger keeps ledger state in memory and can be switched offline.
type fakeLedger struct {
	mu      sync.Mutex
	down    bool
	nextID  int64
	records map[string]*domain.Prediction
	voters  map[string]map[string]bool
	creates int
	votes   int
}

var _ domain.Ledger = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		records: make(map[string]*domain.Prediction),
		voters:  make(map[string]map[string]bool),
	}
}

func (f *fakeLedger) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeLedger) CreatePrediction(_ context.Context, in domain.LedgerCreate) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", errUnreachable
	}
	f.nextID++
	f.creates++
	id := strconv.FormatInt(f.nextID+100, 10)
	lid := id
	f.records[id] = &domain.Prediction{
		Creator:              in.Creator,
		Title:                in.Title,
		Description:          in.Description,
		Category:             in.Category,
		IsActive:             true,
		EndTime:              time.Now().Add(time.Duration(in.VotingPeriodDays) * 24 * time.Hour),
		CreatedAt:            time.Now(),
		ContractSynced:       true,
		ContractPredictionID: &lid,
	}
	f.voters[id] = make(map[string]bool)
	return id, nil
}

func (f *fakeLedger) CastVote(_ context.Context, ledgerID, voter string, support bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errUnreachable
	}
	rec, ok := f.records[ledgerID]
	if !ok {
		return errors.New("execution reverted: unknown prediction")
	}
	if f.voters[ledgerID][voter] {
		return errors.New("execution reverted: already voted")
	}
	f.voters[ledgerID][voter] = true
	f.votes++
	rec.TotalVotes++
	if support {
		rec.YesVotes++
	} else {
		rec.NoVotes++
	}
	if domain.MeetsApprovalThreshold(rec.YesVotes, rec.NoVotes) {
		rec.IsApproved, rec.IsActive = true, false
	}
	return nil
}

func (f *fakeLedger) HasVoted(_ context.Context, ledgerID, voter string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errUnreachable
	}
	return f.voters[ledgerID][voter], nil
}

func (f *fakeLedger) GetPrediction(_ context.Context, ledgerID string) (domain.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return domain.Prediction{}, errUnreachable
	}
	rec, ok := f.records[ledgerID]
	if !ok {
		return domain.Prediction{}, domain.ErrNotFound
	}
	return *rec, nil
}

func (f *fakeLedger) GetVotingStats(ctx context.Context, ledgerID string) (domain.VotingStats, error) {
	p, err := f.GetPrediction(ctx, ledgerID)
	if err != nil {
		return domain.VotingStats{}, err
	}
	return p.Stats(), nil
}

func (f *fakeLedger) list(keep func(*domain.Prediction) bool) ([]domain.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errUnreachable
	}
	var out []domain.Prediction
	for i := int64(1); i <= f.nextID; i++ {
		rec := f.records[strconv.FormatInt(i+100, 10)]
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListActive(context.Context) ([]domain.Prediction, error) {
	return f.list(func(p *domain.Prediction) bool { return p.IsActive })
}

func (f *fakeLedger) ListApproved(context.Context) ([]domain.Prediction, error) {
	return f.list(func(p *domain.Prediction) bool { return p.IsApproved })
}

// mockNotifier records notifications.
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, event, title, message string) error {
	args := m.Called(ctx, event, title, message)
	return args.Error(0)
}

// recordingBus captures published payloads per channel and stream.
type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

var _ domain.SignalBus = (*recordingBus)(nil)

func newRecordingBus() *recordingBus {
	return &recordingBus{
		published: make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
	}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}
