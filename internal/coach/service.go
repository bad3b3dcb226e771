package coach

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/capycode/internal/config"
	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/metrics"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 60 * time.Second

// Service wraps the configured planner and reviewer with deadlines,
// metrics and logging.
type Service struct {
	planner          Planner
	plannerProvider  string
	reviewer         Reviewer
	reviewerProvider string
	timeout          time.Duration
	metrics          metrics.Recorder
	logger           *slog.Logger
}

// Options configures a Service. Nil collaborators make the matching
// operation fail with KindUnavailable.
type Options struct {
	Planner          Planner
	PlannerProvider  string
	Reviewer         Reviewer
	ReviewerProvider string
	Timeout          time.Duration
	Metrics          metrics.Recorder
	Logger           *slog.Logger
}

// NewService creates a Service from explicit collaborators.
func NewService(opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PlannerProvider == "" {
		opts.PlannerProvider = ProviderNone
	}
	if opts.ReviewerProvider == "" {
		opts.ReviewerProvider = ProviderNone
	}
	return &Service{
		planner:          opts.Planner,
		plannerProvider:  opts.PlannerProvider,
		reviewer:         opts.Reviewer,
		reviewerProvider: opts.ReviewerProvider,
		timeout:          opts.Timeout,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
	}
}

// NewServiceFromConfig picks providers from cfg. Plans go to the hosted
// planning service when PlanURL is set, otherwise to the LLM provider.
func NewServiceFromConfig(ctx context.Context, cfg config.GenerationConfig, rec metrics.Recorder, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := Options{Timeout: cfg.Timeout, Metrics: rec, Logger: logger}

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey != "" {
			client, err := NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
			if err != nil {
				return nil, err
			}
			opts.Planner, opts.PlannerProvider = client, ProviderOpenAI
			opts.Reviewer, opts.ReviewerProvider = client, ProviderOpenAI
		}
	default:
		if cfg.GeminiAPIKey != "" {
			client, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiPlanModel, cfg.GeminiReviewModel)
			if err != nil {
				return nil, err
			}
			opts.Planner, opts.PlannerProvider = client, ProviderGemini
			opts.Reviewer, opts.ReviewerProvider = client, ProviderGemini
		}
	}

	if cfg.PlanURL != "" {
		opts.Planner = NewHTTPPlanner(cfg.PlanURL, cfg.PlanAPIKey, 0)
		opts.PlannerProvider = ProviderHTTP
	}

	if opts.Planner == nil {
		logger.Warn("No plan provider configured; plan generation is disabled")
	}
	if opts.Reviewer == nil {
		logger.Warn("No review provider configured; code review is disabled")
	}
	return NewService(opts), nil
}

// CreatePlan implements Planner.
func (s *Service) CreatePlan(ctx context.Context, goal string, framework domain.Framework) (string, error) {
	const op = "create plan"
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", newError(op, KindBadRequest, fmt.Errorf("goal is required"))
	}
	if s.planner == nil {
		return "", newError(op, KindUnavailable, ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	plan, err := s.planner.CreatePlan(ctx, goal, framework)
	s.observe("plan", s.plannerProvider, start, err)
	if err != nil {
		return "", classify(op, err)
	}
	return plan, nil
}

// ReviewCode implements Reviewer.
func (s *Service) ReviewCode(ctx context.Context, code, tasks string, framework domain.Framework) (string, error) {
	const op = "review code"
	if strings.TrimSpace(code) == "" {
		return "", newError(op, KindBadRequest, fmt.Errorf("code is required"))
	}
	if s.reviewer == nil {
		return "", newError(op, KindUnavailable, ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	feedback, err := s.reviewer.ReviewCode(ctx, code, tasks, framework)
	s.observe("review", s.reviewerProvider, start, err)
	if err != nil {
		return "", classify(op, err)
	}
	return feedback, nil
}

func (s *Service) observe(op, provider string, start time.Time, err error) {
	duration := time.Since(start)
	kind := ""
	if err != nil {
		kind = string(KindOf(err))
		s.logger.Warn("Generation failed", "op", op, "provider", provider, "kind", kind, "duration", duration, "error", err)
	} else {
		s.logger.Info("Generation completed", "op", op, "provider", provider, "duration", duration)
	}
	s.metrics.ObserveGeneration(op, provider, err == nil, kind, duration)
}
