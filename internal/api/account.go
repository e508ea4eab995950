package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Cybrite/project-amobagan/internal/domain"
	"github.com/Cybrite/project-amobagan/internal/identity"
)

const maxProfileBytes = 64 << 10

// PutCredential stores the caller's bearer token for the analysis service.
// Without ?persist=true it lives only for the caller's browser session.
func (h *Handler) PutCredential(w http.ResponseWriter, r *http.Request) {
	caller := identity.FromContext(r.Context())

	token, ok := bearerToken(r)
	if !ok {
		Error(w, http.StatusBadRequest, "missing bearer token")
		return
	}

	if r.URL.Query().Get("persist") == "true" {
		if err := h.repo.PutCredential(r.Context(), caller.UserID, token); err != nil {
			slog.Error("Failed to store credential", "user_id", caller.UserID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to store credential")
			return
		}
	} else {
		h.sessions.Put(caller.UserID, caller.SessionID, token)
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteCredential removes the caller's session and durable credentials and
// closes any upstream connection opened with them.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	caller := identity.FromContext(r.Context())

	h.sessions.Delete(caller.UserID, caller.SessionID)
	if err := h.repo.DeleteCredential(r.Context(), caller.UserID); err != nil {
		slog.Error("Failed to delete credential", "user_id", caller.UserID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete credential")
		return
	}
	h.clients.CloseUser(caller.UserID)

	w.WriteHeader(http.StatusNoContent)
}

// GetProfile returns the caller's stored preferences. A device that never
// saved a profile gets empty lists.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	caller := identity.FromContext(r.Context())
	if caller.User == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}
	JSON(w, http.StatusOK, caller.User.Preferences)
}

// PutProfile replaces the caller's preferences.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	userID := identity.FromContext(r.Context()).UserID

	var prefs domain.Preferences
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProfileBytes)).Decode(&prefs); err != nil {
		Error(w, http.StatusBadRequest, "invalid profile body")
		return
	}
	prefs = normalizePreferences(prefs)

	if err := h.repo.UpdatePreferences(r.Context(), userID, prefs); err != nil {
		slog.Error("Failed to update preferences", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update profile")
		return
	}

	JSON(w, http.StatusOK, prefs)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// normalizePreferences trims entries and drops blanks.
func normalizePreferences(p domain.Preferences) domain.Preferences {
	return domain.Preferences{
		Name:                strings.TrimSpace(p.Name),
		HealthGoals:         compact(p.HealthGoals),
		DietaryPreferences:  compact(p.DietaryPreferences),
		NutritionPriorities: compact(p.NutritionPriorities),
	}
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
