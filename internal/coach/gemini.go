package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ashureev/capycode/internal/domain"
)

// Default Gemini models.
const (
	DefaultGeminiPlanModel   = "gemini-2.5-flash"
	DefaultGeminiReviewModel = "gemini-2.5-flash-lite"
)

// GeminiClient generates plans and reviews with the Gemini API.
type GeminiClient struct {
	client      *genai.Client
	planModel   string
	reviewModel string
}

// NewGeminiClient creates a Gemini-backed Planner and Reviewer.
func NewGeminiClient(ctx context.Context, apiKey, planModel, reviewModel string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, newError("create gemini client", KindUnavailable, ErrNotConfigured)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if planModel == "" {
		planModel = DefaultGeminiPlanModel
	}
	if reviewModel == "" {
		reviewModel = DefaultGeminiReviewModel
	}
	return &GeminiClient{client: client, planModel: planModel, reviewModel: reviewModel}, nil
}

// CreatePlan implements Planner.
func (g *GeminiClient) CreatePlan(ctx context.Context, goal string, framework domain.Framework) (string, error) {
	return g.generate(ctx, "create plan", g.planModel, planSystemPrompt, planInput(goal, string(framework)))
}

// ReviewCode implements Reviewer.
func (g *GeminiClient) ReviewCode(ctx context.Context, code, tasks string, framework domain.Framework) (string, error) {
	return g.generate(ctx, "review code", g.reviewModel, reviewSystemPrompt, reviewInput(code, tasks, string(framework)))
}

func (g *GeminiClient) generate(ctx context.Context, op, model, system, input string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		},
	}

	result, err := g.client.Models.GenerateContent(ctx, model, genai.Text(input), config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", newError(op, kindForStatus(apiErr.Code), err)
		}
		return "", classify(op, err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", newError(op, KindEmptyResponse, nil)
	}
	return text, nil
}
