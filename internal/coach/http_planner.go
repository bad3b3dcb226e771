package coach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/capycode/internal/domain"
)

// maxPlanBytes caps the plan body read from the planning service.
const maxPlanBytes = 1 << 20

// HTTPPlanner requests plans from a hosted planning service that accepts
// {goal, framework} JSON and answers with the plan as plain text.
type HTTPPlanner struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPPlanner creates a planner for url. A zero timeout leaves the
// deadline to the caller's context.
func NewHTTPPlanner(url, apiKey string, timeout time.Duration) *HTTPPlanner {
	return &HTTPPlanner{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

// CreatePlan implements Planner.
func (p *HTTPPlanner) CreatePlan(ctx context.Context, goal string, framework domain.Framework) (string, error) {
	const op = "create plan"

	body, err := json.Marshal(PlanRequest{Goal: goal, Framework: string(framework)})
	if err != nil {
		return "", newError(op, KindBadRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", newError(op, KindBadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", newError(op, KindTimeout, err)
		}
		return "", classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPlanBytes))
	if err != nil {
		return "", classify(op, fmt.Errorf("read plan body: %w", err))
	}

	if resp.StatusCode >= 400 {
		return "", newError(op, kindForStatus(resp.StatusCode),
			fmt.Errorf("planning service returned %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}

	plan := strings.TrimSpace(string(data))
	if plan == "" {
		return "", newError(op, KindEmptyResponse, nil)
	}
	return plan, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
