package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/identity"
	"github.com/ashureev/capycode/internal/kv"
)

// storageName resolves the {name} URL parameter to a known record name.
func storageName(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", "", false
	}
	name := chi.URLParam(r, "name")
	if !kv.ValidName(name) {
		Error(w, http.StatusNotFound, "unknown storage record")
		return "", "", false
	}
	return userID, name, true
}

// GetRecord returns a stored record as {"name", "value"}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := storageName(w, r)
	if !ok {
		return
	}

	value, found, err := h.repo.GetRecord(r.Context(), userID, kv.Key(name))
	if err != nil {
		slog.Error("Failed to read record", "error", err, "user_id", userID, "name", name)
		Error(w, http.StatusInternalServerError, "failed to read record")
		return
	}
	if !found {
		Error(w, http.StatusNotFound, "record not set")
		return
	}
	if !json.Valid([]byte(value)) {
		slog.Warn("Stored record is not valid JSON", "user_id", userID, "name", name)
		Error(w, http.StatusNotFound, "record not set")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"name": name, "value": json.RawMessage(value)})
}

// PutRecord stores the JSON request body under the record name.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := storageName(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if err := validateRecord(name, body); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		Error(w, http.StatusBadRequest, "value must be JSON")
		return
	}
	if err := h.repo.PutRecord(r.Context(), userID, kv.Key(name), compact.String()); err != nil {
		slog.Error("Failed to write record", "error", err, "user_id", userID, "name", name)
		Error(w, http.StatusInternalServerError, "failed to write record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRecord removes a stored record.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := storageName(w, r)
	if !ok {
		return
	}
	if err := h.repo.DeleteRecord(r.Context(), userID, kv.Key(name)); err != nil {
		slog.Error("Failed to delete record", "error", err, "user_id", userID, "name", name)
		Error(w, http.StatusInternalServerError, "failed to delete record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateRecord checks that body has the shape stored under name.
func validateRecord(name string, body []byte) error {
	switch name {
	case kv.NamePlan:
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return fmt.Errorf("plan must be a JSON string")
		}
	case kv.NameFramework:
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return fmt.Errorf("framework must be a JSON string")
		}
		if _, err := domain.ParseFramework(s); err != nil {
			return err
		}
	case kv.NameConversation:
		var msgs []domain.Message
		if err := json.Unmarshal(body, &msgs); err != nil {
			return fmt.Errorf("conversation must be an array of messages")
		}
	case kv.NameContext:
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
			return fmt.Errorf("context must be a JSON object")
		}
	}
	return nil
}
