package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/capycode/internal/catalog"
	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/identity"
	"github.com/ashureev/capycode/internal/store"
)

// courseView is a course as seen by one learner.
type courseView struct {
	*domain.Course
	FrameworkName string                  `json:"framework_name"`
	Enrollment    domain.EnrollmentStatus `json:"enrollment,omitempty"`
}

func views(courses []*domain.Course, enrolled map[string]domain.EnrollmentStatus) []courseView {
	out := make([]courseView, 0, len(courses))
	for _, c := range courses {
		out = append(out, courseView{Course: c, FrameworkName: c.Framework.DisplayName(), Enrollment: enrolled[c.ID]})
	}
	return out
}

// ListCourses returns courses filtered by ?framework=, ?q= and ?explore=1.
// Explore mode hides enrolled courses and adds a featured selection.
func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)

	q := catalog.Query{Text: r.URL.Query().Get("q")}
	if raw := strings.TrimSpace(r.URL.Query().Get("framework")); raw != "" {
		f, err := domain.ParseFramework(strings.ToLower(raw))
		if err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		q.Framework = f
	}
	explore := isTrue(r.URL.Query().Get("explore"))
	q.ExcludeEnrolled = explore

	courses, err := h.repo.ListCourses(ctx)
	if err != nil {
		slog.Error("Failed to list courses", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list courses")
		return
	}
	enrolled := map[string]domain.EnrollmentStatus{}
	if userID != "" {
		enrolled, err = h.repo.ListEnrollments(ctx, userID)
		if err != nil {
			slog.Error("Failed to list enrollments", "error", err, "user_id", userID)
			Error(w, http.StatusInternalServerError, "failed to list courses")
			return
		}
	}

	matched := catalog.Filter(courses, enrolled, q)
	resp := map[string]interface{}{
		"courses": views(matched, enrolled),
		"total":   len(matched),
	}
	if explore {
		resp["featured"] = views(catalog.Featured(matched), enrolled)
	}
	JSON(w, http.StatusOK, resp)
}

// GetCourse returns one course.
func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	course, err := h.repo.GetCourse(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "course not found")
		return
	}
	if err != nil {
		slog.Error("Failed to get course", "error", err, "course_id", id)
		Error(w, http.StatusInternalServerError, "failed to get course")
		return
	}

	var status domain.EnrollmentStatus
	if userID := identity.UserIDFromContext(ctx); userID != "" {
		enrolled, err := h.repo.ListEnrollments(ctx, userID)
		if err != nil {
			slog.Warn("Failed to list enrollments", "error", err, "user_id", userID)
		}
		status = enrolled[id]
	}
	JSON(w, http.StatusOK, courseView{Course: course, FrameworkName: course.Framework.DisplayName(), Enrollment: status})
}

type createCourseRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Prompt      string            `json:"prompt"`
	LogoURL     string            `json:"logo_url"`
	Framework   string            `json:"framework"`
	Difficulty  domain.Difficulty `json:"difficulty"`
	DurationMin int               `json:"duration_min"`
}

// CreateCourse adds a course to the catalog.
func (h *Handler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	var req createCourseRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	framework, err := domain.ParseFramework(req.Framework)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Difficulty {
	case "", domain.DifficultyBeginner, domain.DifficultyIntermediate, domain.DifficultyAdvanced:
	default:
		Error(w, http.StatusBadRequest, "difficulty must be Beginner, Intermediate or Advanced")
		return
	}
	if req.DurationMin < 0 {
		Error(w, http.StatusBadRequest, "duration_min must be >= 0")
		return
	}

	id, err := h.repo.CreateCourse(r.Context(), &domain.Course{
		ID:          strings.TrimSpace(req.ID),
		Name:        req.Name,
		Description: req.Description,
		Prompt:      req.Prompt,
		LogoURL:     req.LogoURL,
		Framework:   framework,
		Difficulty:  req.Difficulty,
		DurationMin: req.DurationMin,
	})
	if errors.Is(err, store.ErrConflict) {
		Error(w, http.StatusConflict, "course id already exists")
		return
	}
	if err != nil {
		slog.Error("Failed to create course", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create course")
		return
	}

	slog.Info("Course created", "course_id", id, "framework", framework)
	JSON(w, http.StatusCreated, map[string]string{"id": id})
}

// SetEnrollment enrolls the learner in a course or marks it finished.
func (h *Handler) SetEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := chi.URLParam(r, "id")

	var req struct {
		Status domain.EnrollmentStatus `json:"status"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		Error(w, http.StatusBadRequest, "status must be enrolled or finished")
		return
	}

	if _, err := h.repo.GetCourse(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "course not found")
			return
		}
		slog.Error("Failed to get course", "error", err, "course_id", id)
		Error(w, http.StatusInternalServerError, "failed to update enrollment")
		return
	}

	if err := h.repo.SetEnrollment(ctx, &domain.Enrollment{UserID: userID, CourseID: id, Status: req.Status}); err != nil {
		slog.Error("Failed to set enrollment", "error", err, "user_id", userID, "course_id", id)
		Error(w, http.StatusInternalServerError, "failed to update enrollment")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"course_id": id, "status": string(req.Status)})
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
