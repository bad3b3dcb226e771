package coach

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/ashureev/capycode/internal/domain"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4.1-mini"

// OpenAIClient generates plans and reviews with the OpenAI Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI-backed Planner and Reviewer.
func NewOpenAIClient(apiKey, model string, opts ...option.RequestOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, newError("create openai client", KindUnavailable, ErrNotConfigured)
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}, nil
}

// CreatePlan implements Planner.
func (o *OpenAIClient) CreatePlan(ctx context.Context, goal string, framework domain.Framework) (string, error) {
	return o.generate(ctx, "create plan", planSystemPrompt, planInput(goal, string(framework)))
}

// ReviewCode implements Reviewer.
func (o *OpenAIClient) ReviewCode(ctx context.Context, code, tasks string, framework domain.Framework) (string, error) {
	return o.generate(ctx, "review code", reviewSystemPrompt, reviewInput(code, tasks, string(framework)))
}

func (o *OpenAIClient) generate(ctx context.Context, op, system, input string) (string, error) {
	params := responses.ResponseNewParams{
		Model:        o.model,
		Instructions: openai.String(system),
		Input:        responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", newError(op, kindForStatus(apiErr.StatusCode), err)
		}
		return "", classify(op, err)
	}

	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", newError(op, KindEmptyResponse, nil)
	}
	return text, nil
}
