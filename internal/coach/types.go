// Package coach implements the generation actions behind the coaching flow:
// learning-plan creation and code review.
package coach

import (
	"context"

	"github.com/ashureev/capycode/internal/domain"
)

// PlanRequest asks for a coaching plan.
type PlanRequest struct {
	Goal      string `json:"goal"`
	Framework string `json:"framework"`
}

// PlanResponse carries a generated plan.
type PlanResponse struct {
	Plan string `json:"plan"`
}

// ReviewRequest asks for feedback on submitted code.
type ReviewRequest struct {
	Code      string `json:"code"`
	Tasks     string `json:"tasks"`
	Framework string `json:"framework"`
}

// ReviewResponse carries generated feedback.
type ReviewResponse struct {
	Feedback string `json:"feedback"`
}

// Planner produces a coaching plan for a goal and framework.
type Planner interface {
	CreatePlan(ctx context.Context, goal string, framework domain.Framework) (string, error)
}

// Reviewer produces feedback on code against a task list.
type Reviewer interface {
	ReviewCode(ctx context.Context, code, tasks string, framework domain.Framework) (string, error)
}

// Provider names used in metrics and logs.
const (
	ProviderHTTP   = "http"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)
