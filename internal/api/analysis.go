package api

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Cybrite/project-amobagan/internal/domain"
	"github.com/Cybrite/project-amobagan/internal/identity"
	"github.com/Cybrite/project-amobagan/internal/nutrition"
	"github.com/Cybrite/project-amobagan/internal/speech"
	"github.com/Cybrite/project-amobagan/internal/store"
	"github.com/Cybrite/project-amobagan/internal/stream"
	"github.com/go-chi/chi/v5"
)

const maxHistoryLimit = 100

// SpeechResponse is returned by the speech route.
type SpeechResponse struct {
	AnalysisID  string `json:"analysis_id"`
	Audio       string `json:"audio"` // base64
	ContentType string `json:"content_type"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

// ListAnalyses returns the caller's recent analyses, newest first.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context()).UserID

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	analyses, err := h.repo.ListAnalyses(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list analyses", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}
	if analyses == nil {
		analyses = []*domain.Analysis{}
	}
	JSON(w, http.StatusOK, analyses)
}

// GetAnalysis returns one of the caller's analyses.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, ok := h.loadAnalysis(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, analysis)
}

// ConsumeAnalysis marks a completed analysis as consumed.
func (h *Handler) ConsumeAnalysis(w http.ResponseWriter, r *http.Request) {
	caller := identity.FromContext(r.Context())

	analysis, artifact, ok := h.loadArtifact(w, r)
	if !ok {
		return
	}

	consumption, err := h.tracker.MarkConsumed(r.Context(), caller.UserID, artifact, h.credentials(caller))
	switch {
	case err == nil:
		h.recordConsumption("recorded")
		JSON(w, http.StatusOK, consumption)
	case errors.Is(err, nutrition.ErrNoElements):
		h.recordConsumption("no_elements")
		Error(w, http.StatusUnprocessableEntity, "no nutritional elements to track")
	case errors.Is(err, store.ErrAlreadyConsumed):
		h.recordConsumption("duplicate")
		Error(w, http.StatusConflict, "analysis already consumed")
	case errors.Is(err, store.ErrAnalysisNotFound):
		Error(w, http.StatusNotFound, "analysis not found")
	case errors.Is(err, nutrition.ErrUnknownUser):
		Error(w, http.StatusNotFound, "user not found")
	default:
		h.recordConsumption("error")
		slog.Error("Failed to mark analysis consumed", "user_id", caller.UserID, "analysis_id", analysis.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to record consumption")
	}
}

// SpeakAnalysis synthesizes the spoken summary of a completed analysis.
func (h *Handler) SpeakAnalysis(w http.ResponseWriter, r *http.Request) {
	if h.speech == nil {
		Error(w, http.StatusServiceUnavailable, "speech synthesis is not configured")
		return
	}

	analysis, artifact, ok := h.loadArtifact(w, r)
	if !ok {
		return
	}

	audio, err := speech.SpeakArtifact(r.Context(), h.speech, artifact)
	if err != nil {
		if errors.Is(err, speech.ErrEmptyText) {
			Error(w, http.StatusUnprocessableEntity, "analysis has no summary to speak")
			return
		}
		slog.Error("Failed to synthesize speech", "analysis_id", analysis.ID, "error", err)
		Error(w, http.StatusBadGateway, "failed to synthesize speech")
		return
	}

	JSON(w, http.StatusOK, SpeechResponse{
		AnalysisID:  analysis.ID,
		Audio:       base64.StdEncoding.EncodeToString(audio.Data),
		ContentType: audio.ContentType,
		Format:      audio.Format,
		SampleRate:  audio.SampleRate,
	})
}

// GetNutritionalStatus returns the caller's per-element consumption counters.
func (h *Handler) GetNutritionalStatus(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context()).UserID

	statuses, err := h.repo.GetNutritionalStatus(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load nutritional status", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load nutritional status")
		return
	}
	if statuses == nil {
		statuses = []domain.NutritionalStatus{}
	}
	JSON(w, http.StatusOK, statuses)
}

func (h *Handler) loadAnalysis(w http.ResponseWriter, r *http.Request) (*domain.Analysis, bool) {
	userID := identity.FromContext(r.Context()).UserID
	id := chi.URLParam(r, "id")

	analysis, err := h.repo.GetAnalysis(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, store.ErrAnalysisNotFound) {
			Error(w, http.StatusNotFound, "analysis not found")
			return nil, false
		}
		slog.Error("Failed to load analysis", "user_id", userID, "analysis_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load analysis")
		return nil, false
	}
	return analysis, true
}

// loadArtifact loads the caller's analysis and the completed artifact it was
// stored from.
func (h *Handler) loadArtifact(w http.ResponseWriter, r *http.Request) (*domain.Analysis, stream.Artifact, bool) {
	analysis, ok := h.loadAnalysis(w, r)
	if !ok {
		return nil, stream.Artifact{}, false
	}
	artifact, err := analysis.Artifact()
	if err != nil {
		slog.Error("Stored analysis is not a completed artifact", "analysis_id", analysis.ID, "error", err)
		Error(w, http.StatusUnprocessableEntity, "analysis is not complete")
		return nil, stream.Artifact{}, false
	}
	return analysis, artifact, true
}

func (h *Handler) recordConsumption(result string) {
	if h.metrics != nil {
		h.metrics.ConsumptionRecorded(result)
	}
}
