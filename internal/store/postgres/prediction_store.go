package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inverstra/predictiondao/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PredictionStore implements domain.PredictionStore using PostgreSQL.
// Votes live in prediction_votes; a unique (prediction_id, voter) constraint
// backs the duplicate-vote rule.
type PredictionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PredictionStore = (*PredictionStore)(nil)

// NewPredictionStore creates a new PredictionStore backed by the given pool.
func NewPredictionStore(pool *pgxpool.Pool) *PredictionStore {
	return &PredictionStore{pool: pool}
}

const predictionCols = `id, creator, title, description, category, end_time,
	is_active, is_approved, total_votes, yes_votes, no_votes,
	contract_synced, contract_prediction_id, analysis_data, version, created_at`

// scanPrediction scans a single prediction row. Votes are loaded separately.
func scanPrediction(row pgx.Row) (domain.Prediction, error) {
	var p domain.Prediction
	var analysis []byte
	err := row.Scan(
		&p.ID, &p.Creator, &p.Title, &p.Description, &p.Category, &p.EndTime,
		&p.IsActive, &p.IsApproved, &p.TotalVotes, &p.YesVotes, &p.NoVotes,
		&p.ContractSynced, &p.ContractPredictionID, &analysis, &p.Version, &p.CreatedAt,
	)
	if err != nil {
		return domain.Prediction{}, err
	}
	if len(analysis) > 0 {
		p.AnalysisData = analysis
	}
	return p, nil
}

// Create inserts p with a database-assigned id and, when op is non-nil, its
// outbox entry in the same transaction.
func (s *PredictionStore) Create(ctx context.Context, p domain.Prediction, op *domain.LedgerOp) (domain.Prediction, error) {
	const insert = `
		INSERT INTO predictions (
			creator, title, description, category, end_time,
			is_active, is_approved, total_votes, yes_votes, no_votes,
			contract_synced, contract_prediction_id, analysis_data, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, 0, 0, 0,
			$8, $9, $10, $11
		)
		RETURNING id, version`

	var analysis []byte
	if len(p.AnalysisData) > 0 {
		analysis = p.AnalysisData
	}

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, insert,
			p.Creator, p.Title, p.Description, p.Category, p.EndTime,
			p.IsActive, p.IsApproved,
			p.ContractSynced, p.ContractPredictionID, analysis, p.CreatedAt,
		).Scan(&p.ID, &p.Version); err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}
		if op != nil {
			op.PredictionID = p.ID
			if err := insertOutboxOp(ctx, tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: create prediction: %w", err)
	}
	p.Votes = []domain.Vote{}
	return p, nil
}

// Get retrieves a prediction and its votes in arrival order.
func (s *PredictionStore) Get(ctx context.Context, id int64) (domain.Prediction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+predictionCols+` FROM predictions WHERE id = $1`, id)
	p, err := scanPrediction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Prediction{}, domain.ErrNotFound
		}
		return domain.Prediction{}, fmt.Errorf("postgres: get prediction %d: %w", id, err)
	}

	votes, err := loadVotes(ctx, s.pool, []int64{id})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: get prediction %d: %w", id, err)
	}
	p.Votes = votes[id]
	if p.Votes == nil {
		p.Votes = []domain.Vote{}
	}
	return p, nil
}

// SaveVote writes the tally of p and its newest vote if the stored version
// still matches p.Version.
func (s *PredictionStore) SaveVote(ctx context.Context, p domain.Prediction, op *domain.LedgerOp) (domain.Prediction, error) {
	if len(p.Votes) == 0 {
		return domain.Prediction{}, fmt.Errorf("postgres: save vote on prediction %d: no vote to save", p.ID)
	}
	vote := p.Votes[len(p.Votes)-1]

	const update = `
		UPDATE predictions SET
			is_active   = $3,
			is_approved = $4,
			total_votes = $5,
			yes_votes   = $6,
			no_votes    = $7,
			version     = version + 1,
			updated_at  = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version`
	const insertVote = `
		INSERT INTO prediction_votes (prediction_id, voter, support, voted_at)
		VALUES ($1, $2, $3, $4)`

	var newVersion int64
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, update,
			p.ID, p.Version,
			p.IsActive, p.IsApproved, p.TotalVotes, p.YesVotes, p.NoVotes,
		).Scan(&newVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if qerr := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM predictions WHERE id = $1)`, p.ID,
			).Scan(&exists); qerr != nil {
				return fmt.Errorf("check prediction: %w", qerr)
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("update tally: %w", err)
		}

		if _, err := tx.Exec(ctx, insertVote, p.ID, vote.Voter, vote.Support, vote.Timestamp); err != nil {
			if isUniqueViolation(err, "prediction_votes_voter_key") {
				return domain.ErrDuplicateVote
			}
			return fmt.Errorf("insert vote: %w", err)
		}

		if op != nil {
			op.PredictionID = p.ID
			if err := insertOutboxOp(ctx, tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: save vote on prediction %d: %w", p.ID, err)
	}

	p.Version = newVersion
	return p, nil
}

// ListActive returns predictions still open at now, newest first.
func (s *PredictionStore) ListActive(ctx context.Context, now time.Time) ([]domain.Prediction, error) {
	return s.list(ctx, "active",
		`SELECT `+predictionCols+` FROM predictions
		 WHERE is_active AND end_time > $1
		 ORDER BY created_at DESC, id DESC`, now)
}

// ListInactive returns closed predictions, newest first.
func (s *PredictionStore) ListInactive(ctx context.Context) ([]domain.Prediction, error) {
	return s.list(ctx, "inactive",
		`SELECT `+predictionCols+` FROM predictions
		 WHERE NOT is_active
		 ORDER BY created_at DESC, id DESC`)
}

// ListArchivable returns closed, not yet archived predictions with votes.
func (s *PredictionStore) ListArchivable(ctx context.Context, endedBefore time.Time, limit int) ([]domain.Prediction, error) {
	preds, err := s.list(ctx, "archivable",
		`SELECT `+predictionCols+` FROM predictions
		 WHERE archived_at IS NULL AND (is_approved OR end_time < $1)
		 ORDER BY id
		 LIMIT $2`, endedBefore, limit)
	if err != nil || len(preds) == 0 {
		return preds, err
	}

	ids := make([]int64, len(preds))
	for i, p := range preds {
		ids[i] = p.ID
	}
	votes, err := loadVotes(ctx, s.pool, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archivable predictions: %w", err)
	}
	for i := range preds {
		preds[i].Votes = votes[preds[i].ID]
	}
	return preds, nil
}

func (s *PredictionStore) list(ctx context.Context, what, query string, args ...any) ([]domain.Prediction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s predictions: %w", what, err)
	}
	defer rows.Close()

	preds := []domain.Prediction{}
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan prediction: %w", err)
		}
		preds = append(preds, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list %s predictions rows: %w", what, err)
	}
	return preds, nil
}

// MapLedgerIDs resolves ledger ids to store ids.
func (s *PredictionStore) MapLedgerIDs(ctx context.Context, ledgerIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ledgerIDs))
	if len(ledgerIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT contract_prediction_id, id FROM predictions WHERE contract_prediction_id = ANY($1)`,
		ledgerIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: map ledger ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ledgerID string
		var id int64
		if err := rows.Scan(&ledgerID, &id); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger id: %w", err)
		}
		out[ledgerID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: map ledger ids rows: %w", err)
	}
	return out, nil
}

// MarkSynced records the ledger id of a mirrored prediction and bumps the
// version so cached snapshots without the id are superseded.
func (s *PredictionStore) MarkSynced(ctx context.Context, id int64, ledgerID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`UPDATE predictions
		 SET contract_synced = TRUE, contract_prediction_id = $2,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING version`, id, ledgerID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: mark prediction %d synced: %w", id, err)
	}
	return version, nil
}

// MarkArchived flags the given predictions as archived.
func (s *PredictionStore) MarkArchived(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE predictions SET archived_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: mark %d predictions archived: %w", len(ids), err)
	}
	return nil
}

// Count returns the total number of predictions.
func (s *PredictionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM predictions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count predictions: %w", err)
	}
	return n, nil
}

// loadVotes returns the votes of each prediction in arrival order.
func loadVotes(ctx context.Context, q querier, ids []int64) (map[int64][]domain.Vote, error) {
	rows, err := q.Query(ctx,
		`SELECT prediction_id, voter, support, voted_at
		 FROM prediction_votes
		 WHERE prediction_id = ANY($1)
		 ORDER BY seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("load votes: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]domain.Vote, len(ids))
	for rows.Next() {
		var id int64
		var v domain.Vote
		if err := rows.Scan(&id, &v.Voter, &v.Support, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out[id] = append(out[id], v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load votes rows: %w", err)
	}
	return out, nil
}
