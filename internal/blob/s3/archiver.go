package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/inverstra/predictiondao/internal/domain"
)

// ArchiveStore is the part of the prediction store the archiver reads and
// flags.
type ArchiveStore interface {
	ListArchivable(ctx context.Context, endedBefore time.Time, limit int) ([]domain.Prediction, error)
	MarkArchived(ctx context.Context, ids []int64) error
}

// BlobStore is the object storage the archiver appends to.
type BlobStore interface {
	domain.BlobWriter
	domain.BlobReader
}

// archivedVote and archivedPrediction fix the JSONL line format.
type archivedVote struct {
	Voter     string    `json:"voter"`
	Support   bool      `json:"support"`
	Timestamp time.Time `json:"timestamp"`
}

type archivedPrediction struct {
	ID                   int64           `json:"id"`
	Creator              string          `json:"creator"`
	Title                string          `json:"title"`
	Description          string          `json:"description"`
	Category             string          `json:"category"`
	EndTime              time.Time       `json:"endTime"`
	IsActive             bool            `json:"isActive"`
	IsApproved           bool            `json:"isApproved"`
	TotalVotes           int64           `json:"totalVotes"`
	YesVotes             int64           `json:"yesVotes"`
	NoVotes              int64           `json:"noVotes"`
	CreatedAt            time.Time       `json:"createdAt"`
	ContractSynced       bool            `json:"contractSynced"`
	ContractPredictionID *string         `json:"contractPredictionId,omitempty"`
	AnalysisData         json.RawMessage `json:"analysisData,omitempty"`
	Votes                []archivedVote  `json:"votes"`
	ArchivedAt           time.Time       `json:"archivedAt"`
}

func toArchived(p domain.Prediction, at time.Time) archivedPrediction {
	votes := make([]archivedVote, 0, len(p.Votes))
	for _, v := range p.Votes {
		votes = append(votes, archivedVote{Voter: v.Voter, Support: v.Support, Timestamp: v.Timestamp})
	}
	return archivedPrediction{
		ID:                   p.ID,
		Creator:              p.Creator,
		Title:                p.Title,
		Description:          p.Description,
		Category:             p.Category,
		EndTime:              p.EndTime,
		IsActive:             p.IsActive,
		IsApproved:           p.IsApproved,
		TotalVotes:           p.TotalVotes,
		YesVotes:             p.YesVotes,
		NoVotes:              p.NoVotes,
		CreatedAt:            p.CreatedAt,
		ContractSynced:       p.ContractSynced,
		ContractPredictionID: p.ContractPredictionID,
		AnalysisData:         p.AnalysisData,
		Votes:                votes,
		ArchivedAt:           at,
	}
}

// PredictionArchiver copies closed predictions to monthly JSONL objects at
// archive/predictions/YYYY-MM.jsonl. Rows stay in the primary store and are
// only flagged as archived.
type PredictionArchiver struct {
	blobs     BlobStore
	store     ArchiveStore
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
}

var _ domain.PredictionArchiver = (*PredictionArchiver)(nil)

// NewPredictionArchiver creates a PredictionArchiver. audit may be nil.
func NewPredictionArchiver(blobs BlobStore, store ArchiveStore, audit domain.AuditStore) *PredictionArchiver {
	return &PredictionArchiver{
		blobs:     blobs,
		store:     store,
		audit:     audit,
		batchSize: 500,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ArchivePredictions archives approved predictions and those whose voting
// ended before endedBefore, and returns how many were written.
func (a *PredictionArchiver) ArchivePredictions(ctx context.Context, endedBefore time.Time) (int64, error) {
	now := a.now()
	path := archivePath(now)

	var total int64
	for {
		batch, err := a.store.ListArchivable(ctx, endedBefore, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: list archivable predictions: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		records := make([]archivedPrediction, 0, len(batch))
		ids := make([]int64, 0, len(batch))
		for _, p := range batch {
			records = append(records, toArchived(p, now))
			ids = append(ids, p.ID)
		}
		lines, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: marshal archive batch: %w", err)
		}
		if err := a.appendObject(ctx, path, lines); err != nil {
			return total, err
		}
		if err := a.store.MarkArchived(ctx, ids); err != nil {
			return total, fmt.Errorf("s3blob: mark predictions archived: %w", err)
		}
		total += int64(len(batch))

		if len(batch) < a.batchSize {
			break
		}
	}

	if total > 0 && a.audit != nil {
		if err := a.audit.Log(ctx, "archive.predictions", map[string]any{
			"path":         path,
			"count":        total,
			"ended_before": endedBefore.Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: audit archive run: %w", err)
		}
	}
	return total, nil
}

// appendObject rewrites path with its current content followed by lines.
func (a *PredictionArchiver) appendObject(ctx context.Context, path string, lines []byte) error {
	var buf bytes.Buffer

	rc, err := a.blobs.Get(ctx, path)
	switch {
	case err == nil:
		_, err = io.Copy(&buf, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("s3blob: read %s: %w", path, err)
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return err
	}
	buf.Write(lines)

	if int64(buf.Len()) > minPartSize {
		return a.blobs.PutMultipart(ctx, path, &buf, minPartSize)
	}
	return a.blobs.Put(ctx, path, &buf, "application/x-ndjson")
}

// archivePath partitions archives by the month of the run, e.g.
// archive/predictions/2026-03.jsonl.
func archivePath(at time.Time) string {
	return fmt.Sprintf("archive/predictions/%s.jsonl", at.Format("2006-01"))
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
