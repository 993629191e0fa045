// Package evm implements domain.Ledger against the prediction contract on an
// EVM chain using go-ethereum.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/inverstra/predictiondao/internal/crypto"
	"github.com/inverstra/predictiondao/internal/domain"
)

// Backend is the subset of *ethclient.Client the ledger needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config holds the contract and timing parameters.
type Config struct {
	ContractAddress string
	CallTimeout     time.Duration
	ReceiptTimeout  time.Duration
	ReceiptPoll     time.Duration
	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64
}

// Ledger implements domain.Ledger. Transactions are serialised so nonces are
// assigned in order.
type Ledger struct {
	backend  Backend
	signer   *crypto.Signer
	contract common.Address
	abi      abi.ABI
	cfg      Config
	logger   *slog.Logger

	txMu sync.Mutex
}

var _ domain.Ledger = (*Ledger)(nil)

// New creates a Ledger over an existing backend.
func New(backend Backend, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Ledger, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("evm: invalid contract address %q", cfg.ContractAddress)
	}
	parsed, err := parseABI()
	if err != nil {
		return nil, fmt.Errorf("evm: parse abi: %w", err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = time.Second
	}
	return &Ledger{
		backend:  backend,
		signer:   signer,
		contract: common.HexToAddress(cfg.ContractAddress),
		abi:      parsed,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ledger")),
	}, nil
}

// Dial connects to rpcURL and returns a Ledger plus a close function.
func Dial(ctx context.Context, rpcURL string, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Ledger, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	l, err := New(client, signer, cfg, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return l, client.Close, nil
}

// unavailable wraps err so callers can classify it as domain.ErrLedgerUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("evm: %s: %w: %w", op, domain.ErrLedgerUnavailable, err)
}

func parseLedgerID(ledgerID string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(ledgerID), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("evm: invalid ledger id %q", ledgerID)
	}
	return n, nil
}

// call runs a read-only contract method and returns its decoded outputs.
func (l *Ledger) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{
		From: l.signer.Address(),
		To:   &l.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, unavailable("call "+method, err)
	}

	values, err := l.abi.Unpack(method, out)
	if err != nil {
		return nil, unavailable("unpack "+method, err)
	}
	return values, nil
}

// transact sends a signed contract call and waits for a successful receipt.
func (l *Ledger) transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}

	l.txMu.Lock()
	tx, err := l.sendTx(ctx, method, data)
	l.txMu.Unlock()
	if err != nil {
		return nil, err
	}

	l.logger.DebugContext(ctx, "ledger: transaction sent",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
	)

	receipt, err := l.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, unavailable("receipt "+method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, unavailable(method, fmt.Errorf("transaction %s reverted", tx.Hash().Hex()))
	}
	return receipt, nil
}

func (l *Ledger) sendTx(ctx context.Context, method string, data []byte) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	from := l.signer.Address()
	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, unavailable("nonce", err)
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, unavailable("gas tip", err)
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, unavailable("latest header", err)
	}
	feeCap := new(big.Int).Mul(tip, big.NewInt(2))
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := l.cfg.GasLimit
	if gas == 0 {
		estimated, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: from,
			To:   &l.contract,
			Data: data,
		})
		if err != nil {
			return nil, unavailable("estimate gas "+method, err)
		}
		gas = estimated + estimated/5
	}

	tx, err := l.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &l.contract,
		Value:     big.NewInt(0),
		Data:      data,
	}))
	if err != nil {
		return nil, err
	}
	if err := l.backend.SendTransaction(ctx, tx); err != nil {
		return nil, unavailable("send "+method, err)
	}
	return tx, nil
}

func (l *Ledger) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreatePrediction mirrors a prediction and returns the contract-assigned id
// taken from the PredictionCreated event.
func (l *Ledger) CreatePrediction(ctx context.Context, in domain.LedgerCreate) (string, error) {
	receipt, err := l.transact(ctx, "createPrediction",
		in.Creator, in.Title, in.Description, in.Category, big.NewInt(int64(in.VotingPeriodDays)))
	if err != nil {
		return "", err
	}

	created := l.abi.Events["PredictionCreated"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != l.contract || len(lg.Topics) < 2 || lg.Topics[0] != created {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(), nil
	}
	return "", unavailable("createPrediction", fmt.Errorf("no PredictionCreated event in %s", receipt.TxHash.Hex()))
}

// CastVote relays a vote.
func (l *Ledger) CastVote(ctx context.Context, ledgerID, voter string, support bool) error {
	id, err := parseLedgerID(ledgerID)
	if err != nil {
		return err
	}
	_, err = l.transact(ctx, "vote", id, voter, support)
	return err
}

// HasVoted reports whether voter has a ballot on the ledger.
func (l *Ledger) HasVoted(ctx context.Context, ledgerID, voter string) (bool, error) {
	id, err := parseLedgerID(ledgerID)
	if err != nil {
		return false, err
	}
	out, err := l.call(ctx, "hasVoted", id, voter)
	if err != nil {
		return false, err
	}
	voted, ok := out[0].(bool)
	if !ok {
		return false, unavailable("hasVoted", fmt.Errorf("unexpected output %T", out[0]))
	}
	return voted, nil
}

// GetPrediction reads one prediction record.
func (l *Ledger) GetPrediction(ctx context.Context, ledgerID string) (domain.Prediction, error) {
	id, err := parseLedgerID(ledgerID)
	if err != nil {
		return domain.Prediction{}, err
	}
	out, err := l.call(ctx, "getPrediction", id)
	if err != nil {
		return domain.Prediction{}, err
	}
	p, err := decodePrediction(out)
	if err != nil {
		return domain.Prediction{}, unavailable("getPrediction", err)
	}
	if p.LedgerID() == "0" && p.CreatedAt.Unix() == 0 {
		return domain.Prediction{}, domain.ErrNotFound
	}
	return p, nil
}

// GetVotingStats reads the tally of one prediction.
func (l *Ledger) GetVotingStats(ctx context.Context, ledgerID string) (domain.VotingStats, error) {
	id, err := parseLedgerID(ledgerID)
	if err != nil {
		return domain.VotingStats{}, err
	}
	out, err := l.call(ctx, "getVotingStats", id)
	if err != nil {
		return domain.VotingStats{}, err
	}
	if len(out) != 4 {
		return domain.VotingStats{}, unavailable("getVotingStats", fmt.Errorf("expected 4 outputs, got %d", len(out)))
	}

	var n [3]int64
	for i := range n {
		b, ok := out[i].(*big.Int)
		if !ok {
			return domain.VotingStats{}, unavailable("getVotingStats", fmt.Errorf("output %d: unexpected %T", i, out[i]))
		}
		n[i] = b.Int64()
	}
	// The contract's integer percentage is discarded in favour of the
	// shared derivation.
	return domain.VotingStats{
		YesVotes:           n[0],
		NoVotes:            n[1],
		TotalVotes:         n[2],
		ApprovalPercentage: domain.ApprovalPercentage(n[0], n[1]),
	}, nil
}

// ListActive reads every prediction the contract reports as active.
func (l *Ledger) ListActive(ctx context.Context) ([]domain.Prediction, error) {
	return l.listBy(ctx, "getActivePredictions")
}

// ListApproved reads every prediction the contract reports as approved.
func (l *Ledger) ListApproved(ctx context.Context) ([]domain.Prediction, error) {
	return l.listBy(ctx, "getApprovedPredictions")
}

func (l *Ledger) listBy(ctx context.Context, method string) ([]domain.Prediction, error) {
	out, err := l.call(ctx, method)
	if err != nil {
		return nil, err
	}
	ids, ok := out[0].([]*big.Int)
	if !ok {
		return nil, unavailable(method, fmt.Errorf("unexpected output %T", out[0]))
	}

	preds := make([]domain.Prediction, 0, len(ids))
	for _, id := range ids {
		p, err := l.GetPrediction(ctx, id.String())
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// decodePrediction maps getPrediction outputs onto a domain.Prediction.
func decodePrediction(out []any) (domain.Prediction, error) {
	if len(out) != 12 {
		return domain.Prediction{}, fmt.Errorf("expected 12 outputs, got %d", len(out))
	}

	ints := map[int]*big.Int{}
	for _, i := range []int{0, 5, 8, 9, 10, 11} {
		b, ok := out[i].(*big.Int)
		if !ok {
			return domain.Prediction{}, fmt.Errorf("output %d: unexpected %T", i, out[i])
		}
		ints[i] = b
	}
	strs := map[int]string{}
	for _, i := range []int{1, 2, 3, 4} {
		s, ok := out[i].(string)
		if !ok {
			return domain.Prediction{}, fmt.Errorf("output %d: unexpected %T", i, out[i])
		}
		strs[i] = s
	}
	active, ok1 := out[6].(bool)
	approved, ok2 := out[7].(bool)
	if !ok1 || !ok2 {
		return domain.Prediction{}, errors.New("active/approved outputs are not bool")
	}

	ledgerID := ints[0].String()
	return domain.Prediction{
		Creator:              strs[1],
		Title:                strs[2],
		Description:          strs[3],
		Category:             strs[4],
		EndTime:              time.Unix(ints[5].Int64(), 0).UTC(),
		IsActive:             active,
		IsApproved:           approved,
		TotalVotes:           ints[8].Int64(),
		YesVotes:             ints[9].Int64(),
		NoVotes:              ints[10].Int64(),
		CreatedAt:            time.Unix(ints[11].Int64(), 0).UTC(),
		ContractSynced:       true,
		ContractPredictionID: &ledgerID,
	}, nil
}
