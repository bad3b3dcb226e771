package coach

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/capycode/internal/api"
	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/identity"
	"github.com/ashureev/capycode/internal/metrics"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Generator is the generation surface served over HTTP.
type Generator interface {
	Planner
	Reviewer
}

// ErrorResponse is the JSON body returned for failed generation requests.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Kind      ErrorKind `json:"kind"`
	Retryable bool      `json:"retryable"`
}

// Handler serves the plan and review endpoints.
type Handler struct {
	gen         Generator
	rateLimiter *RateLimiter
	maxBody     int64
	metrics     metrics.Recorder
}

// NewHandler creates a handler. maxBody <= 0 selects the 1MB default.
func NewHandler(gen Generator, limiter *RateLimiter, maxBody int64, rec metrics.Recorder) *Handler {
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Handler{gen: gen, rateLimiter: limiter, maxBody: maxBody, metrics: rec}
}

// RegisterRoutes registers coach routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/coach", func(r chi.Router) {
		r.Post("/plan", h.HandlePlan)
		r.Post("/review", h.HandleReview)
	})
}

// HandlePlan handles POST /api/coach/plan.
func (h *Handler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !h.admit(w, r, &req) {
		return
	}

	framework, ok := parseFramework(w, req.Framework)
	if !ok {
		return
	}

	plan, err := h.gen.CreatePlan(r.Context(), req.Goal, framework)
	if err != nil {
		writeGenerationError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, PlanResponse{Plan: plan})
}

// HandleReview handles POST /api/coach/review.
func (h *Handler) HandleReview(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.admit(w, r, &req) {
		return
	}

	framework, ok := parseFramework(w, req.Framework)
	if !ok {
		return
	}

	feedback, err := h.gen.ReviewCode(r.Context(), req.Code, req.Tasks, framework)
	if err != nil {
		writeGenerationError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, ReviewResponse{Feedback: feedback})
}

// admit authenticates, rate-limits and decodes the request body into dst.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, dst any) bool {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return false
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(userID) {
		h.metrics.IncThrottle(r.URL.Path)
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseFramework(w http.ResponseWriter, raw string) (domain.Framework, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.DefaultFramework, true
	}
	f, err := domain.ParseFramework(raw)
	if err != nil {
		api.JSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindBadRequest})
		return "", false
	}
	return f, true
}

func writeGenerationError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	if kind != KindBadRequest {
		slog.Error("Generation request failed", "kind", kind, "error", err)
	}
	api.JSON(w, kind.HTTPStatus(), ErrorResponse{
		Error:     err.Error(),
		Kind:      kind,
		Retryable: kind.Retryable(),
	})
}
