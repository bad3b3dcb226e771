package api

import (
	"net/http"
	"time"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/identity"
)

// GetMe returns the current learner and when their stored data expires.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	resp := map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"session_id":   identity.SessionIDFromContext(r.Context()),
		"created_at":   user.CreatedAt,
		"last_seen_at": user.LastSeenAt,
	}
	if h.cfg != nil && h.cfg.StorageTTL > 0 {
		remaining := h.cfg.StorageTTL - user.IdleFor(time.Now())
		if remaining < 0 {
			remaining = 0
		}
		resp["storage_ttl"] = int64(remaining.Seconds())
	}
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns the client-facing configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"default_framework": domain.DefaultFramework,
	}
	if h.cfg != nil {
		resp["default_agent_id"] = h.cfg.Voice.DefaultAgentID
		resp["coding_agent_id"] = h.cfg.Voice.CodingAgentID
		resp["redirect_path"] = h.cfg.Voice.RedirectPath
		resp["generation_provider"] = h.cfg.Generation.Provider
	}
	JSON(w, http.StatusOK, resp)
}

type frameworkView struct {
	ID   domain.Framework `json:"id"`
	Name string           `json:"name"`
}

// ListFrameworks returns the supported frameworks with display names.
func (h *Handler) ListFrameworks(w http.ResponseWriter, _ *http.Request) {
	all := domain.Frameworks()
	out := make([]frameworkView, 0, len(all))
	for _, f := range all {
		out = append(out, frameworkView{ID: f, Name: f.DisplayName()})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"frameworks": out})
}
