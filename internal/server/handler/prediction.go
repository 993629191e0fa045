package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/inverstra/predictiondao/internal/domain"
)

// PredictionService is the subset of the prediction service the handler
// depends on.
type PredictionService interface {
	Create(ctx context.Context, in domain.NewPredictionInput) (domain.Prediction, error)
	Vote(ctx context.Context, id int64, voter string, support bool) (domain.Prediction, error)
	ListActive(ctx context.Context) ([]domain.Prediction, error)
	ListApproved(ctx context.Context) ([]domain.Prediction, error)
	Get(ctx context.Context, id int64) (domain.Prediction, domain.VotingStats, error)
	VotingStats(ctx context.Context, id int64) (domain.VotingStats, error)
	HasVoted(ctx context.Context, id int64, voter string) (bool, error)
	Count(ctx context.Context) (int64, error)
}

// PredictionHandler serves the prediction and voting endpoints.
type PredictionHandler struct {
	svc     PredictionService
	minDays int
	maxDays int
	logger  *slog.Logger
}

// NewPredictionHandler creates a PredictionHandler. Voting periods outside
// [minDays, maxDays] are rejected.
func NewPredictionHandler(svc PredictionService, minDays, maxDays int, logger *slog.Logger) *PredictionHandler {
	return &PredictionHandler{
		svc:     svc,
		minDays: minDays,
		maxDays: maxDays,
		logger:  logger.With(slog.String("component", "prediction_handler")),
	}
}

type createPredictionRequest struct {
	Creator           string          `json:"creator" validate:"required,max=128"`
	Title             string          `json:"title" validate:"required,max=256"`
	Description       string          `json:"description" validate:"required"`
	Category          string          `json:"category" validate:"required,max=64"`
	VotingPeriodDays  int             `json:"votingPeriodDays" validate:"required"`
	ComprehensiveData json.RawMessage `json:"comprehensiveData,omitempty"`
}

type voteRequest struct {
	Voter   string `json:"voter" validate:"required,max=128"`
	Support *bool  `json:"support" validate:"required"`
}

type predictionDTO struct {
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
	ContractPredictionID *string         `json:"contractPredictionId"`
	AnalysisData         json.RawMessage `json:"analysisData,omitempty"`
}

type statsDTO struct {
	YesVotes           int64   `json:"yesVotes"`
	NoVotes            int64   `json:"noVotes"`
	TotalVotes         int64   `json:"totalVotes"`
	ApprovalPercentage float64 `json:"approvalPercentage"`
}

func toPredictionDTO(p domain.Prediction) predictionDTO {
	return predictionDTO{
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
	}
}

func toPredictionDTOs(ps []domain.Prediction) []predictionDTO {
	out := make([]predictionDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPredictionDTO(p))
	}
	return out
}

func toStatsDTO(s domain.VotingStats) statsDTO {
	return statsDTO{
		YesVotes:           s.YesVotes,
		NoVotes:            s.NoVotes,
		TotalVotes:         s.TotalVotes,
		ApprovalPercentage: s.ApprovalPercentage,
	}
}

// Create submits a new prediction.
// POST /api/predictions
func (h *PredictionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPredictionRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create prediction", err)
		return
	}
	if req.VotingPeriodDays < h.minDays || req.VotingPeriodDays > h.maxDays {
		err := fmt.Errorf("%w: votingPeriodDays must be between %d and %d", domain.ErrValidation, h.minDays, h.maxDays)
		writeServiceError(w, r, h.logger, "create prediction", err)
		return
	}

	p, err := h.svc.Create(r.Context(), domain.NewPredictionInput{
		Creator:          req.Creator,
		Title:            req.Title,
		Description:      req.Description,
		Category:         req.Category,
		VotingPeriodDays: req.VotingPeriodDays,
		AnalysisData:     req.ComprehensiveData,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create prediction", err)
		return
	}

	msg := "Prediction created"
	if !p.ContractSynced {
		msg = "Prediction created; ledger sync pending"
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":        true,
		"id":             p.ID,
		"auxLedgerId":    p.ContractPredictionID,
		"contractSynced": p.ContractSynced,
		"message":        msg,
	})
}

// Vote casts a yes/no vote.
// POST /api/predictions/{id}/vote
func (h *PredictionHandler) Vote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "vote", err)
		return
	}
	var req voteRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "vote", err)
		return
	}

	p, err := h.svc.Vote(r.Context(), id, req.Voter, *req.Support)
	if err != nil {
		writeServiceError(w, r, h.logger, "vote", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"predictionId": p.ID,
		"voter":        domain.NormalizeVoter(req.Voter),
		"support":      *req.Support,
		"totalVotes":   p.TotalVotes,
		"yesVotes":     p.YesVotes,
		"noVotes":      p.NoVotes,
		"isApproved":   p.IsApproved,
	})
}

// ListActive returns predictions that are still open for voting.
// GET /api/predictions/active
func (h *PredictionHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.ListActive(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list active predictions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"predictions": toPredictionDTOs(ps),
		"count":       len(ps),
	})
}

// ListApproved returns approved predictions.
// GET /api/predictions/approved
func (h *PredictionHandler) ListApproved(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.ListApproved(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list approved predictions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"predictions": toPredictionDTOs(ps),
		"count":       len(ps),
	})
}

// Count returns the number of stored predictions.
// GET /api/predictions/count
func (h *PredictionHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Count(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "count predictions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": n})
}

// Get returns one prediction with its tally.
// GET /api/predictions/{id}
func (h *PredictionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get prediction", err)
		return
	}
	p, stats, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"prediction": toPredictionDTO(p),
		"stats":      toStatsDTO(stats),
	})
}

// Stats returns the tally of one prediction.
// GET /api/predictions/{id}/stats
func (h *PredictionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "voting stats", err)
		return
	}
	stats, err := h.svc.VotingStats(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "voting stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   toStatsDTO(stats),
	})
}

// HasVoted reports whether voter has voted on a prediction.
// GET /api/predictions/{id}/voters/{voter}
func (h *PredictionHandler) HasVoted(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "has voted", err)
		return
	}
	voter := domain.NormalizeVoter(r.PathValue("voter"))
	if voter == "" {
		writeServiceError(w, r, h.logger, "has voted", fmt.Errorf("%w: voter is required", domain.ErrValidation))
		return
	}
	voted, err := h.svc.HasVoted(r.Context(), id, voter)
	if err != nil {
		writeServiceError(w, r, h.logger, "has voted", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"predictionId": id,
		"voter":        voter,
		"hasVoted":     voted,
	})
}
