package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/kv"
)

// Client tool names the agent may invoke.
const (
	ToolSetFramework = "set_framework"
	ToolCreatePlan   = "create_plan"
	ToolSendPlan     = "send_plan"
	ToolGetContext   = "get_context"
)

// Tool results returned to the agent.
const (
	ResultFrameworkSet  = "Framework set"
	ResultPlanCreated   = "Plan created"
	ResultSessionLoaded = "Session will be loaded"
)

// ToolFunc executes a client tool with the agent-supplied parameters.
type ToolFunc func(ctx context.Context, params json.RawMessage) (any, error)

// ToolRegistry maps tool names to handlers.
type ToolRegistry map[string]ToolFunc

// Invoke runs the named tool. Unregistered names yield a ToolError of kind
// ToolUnknown wrapping ErrUnknownTool.
func (r ToolRegistry) Invoke(ctx context.Context, name string, params json.RawMessage) (any, error) {
	fn, ok := r[name]
	if !ok {
		return nil, &ToolError{Tool: name, Kind: ToolUnknown, Err: ErrUnknownTool}
	}
	return fn(ctx, params)
}

// Names returns the registered tool names.
func (r ToolRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func decodeParams(tool string, params json.RawMessage, dst any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &ToolError{Tool: tool, Kind: ToolInvalidArgument, Err: fmt.Errorf("decode parameters: %w", err)}
	}
	return nil
}

func (c *Controller) registerTools() ToolRegistry {
	return ToolRegistry{
		ToolSetFramework: c.toolSetFramework,
		ToolCreatePlan:   c.toolCreatePlan,
		ToolSendPlan:     c.toolSendPlan,
		ToolGetContext:   c.toolGetContext,
	}
}

func (c *Controller) toolSetFramework(_ context.Context, params json.RawMessage) (any, error) {
	var args struct {
		Framework string `json:"framework"`
	}
	if err := decodeParams(ToolSetFramework, params, &args); err != nil {
		return nil, err
	}

	framework, err := domain.ParseFramework(args.Framework)
	if err != nil {
		return nil, &ToolError{Tool: ToolSetFramework, Kind: ToolInvalidArgument, Err: err}
	}

	c.mu.Lock()
	c.framework = framework
	st := c.snapshotLocked()
	c.mu.Unlock()

	if err := kv.SaveFramework(c.store, framework); err != nil {
		c.logger.Warn("failed to persist framework", "user_id", c.userID, "error", err)
	}
	c.emit(Event{Type: EventState, State: st})
	return ResultFrameworkSet, nil
}

func (c *Controller) toolCreatePlan(ctx context.Context, params json.RawMessage) (any, error) {
	var args struct {
		Prompt string `json:"prompt"`
		Goal   string `json:"goal"`
	}
	if err := decodeParams(ToolCreatePlan, params, &args); err != nil {
		return nil, err
	}
	goal := strings.TrimSpace(args.Prompt)
	if goal == "" {
		goal = strings.TrimSpace(args.Goal)
	}
	if goal == "" {
		return nil, &ToolError{Tool: ToolCreatePlan, Kind: ToolInvalidArgument, Err: errors.New("prompt is required")}
	}

	c.mu.Lock()
	framework := c.framework
	c.mu.Unlock()

	plan, err := c.generatePlan(ctx, goal, framework)
	if err != nil {
		c.mu.Lock()
		c.lastError = "plan generation failed: " + err.Error()
		st := c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Warn("plan generation failed", "user_id", c.userID, "framework", framework, "error", err)
		c.emit(Event{Type: EventState, State: st})
		return nil, &ToolError{Tool: ToolCreatePlan, Kind: ToolGenerationFailed, Err: err}
	}

	c.mu.Lock()
	c.plan = plan
	c.lastError = ""
	st := c.snapshotLocked()
	c.mu.Unlock()

	if err := kv.SavePlan(c.store, plan); err != nil {
		c.logger.Warn("failed to persist plan", "user_id", c.userID, "error", err)
	}
	c.emit(Event{Type: EventState, State: st})
	return ResultPlanCreated, nil
}

func (c *Controller) generatePlan(ctx context.Context, goal string, framework domain.Framework) (string, error) {
	if c.planner == nil {
		return "", ErrNoPlanner
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.ToolTimeout)
	defer cancel()
	return c.planner.CreatePlan(ctx, goal, framework)
}

func (c *Controller) toolSendPlan(_ context.Context, params json.RawMessage) (any, error) {
	var args struct {
		Plan string `json:"plan"`
	}
	if err := decodeParams(ToolSendPlan, params, &args); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if p := strings.TrimSpace(args.Plan); p != "" {
		c.plan = p
	}
	framework, plan := c.framework, c.plan
	messages := c.copyMessagesLocked()
	c.mu.Unlock()

	if err := kv.SaveFramework(c.store, framework); err != nil {
		c.logger.Warn("failed to persist framework", "user_id", c.userID, "error", err)
	}
	if err := kv.SavePlan(c.store, plan); err != nil {
		c.logger.Warn("failed to persist plan", "user_id", c.userID, "error", err)
	}
	if err := kv.SaveTranscript(c.store, messages); err != nil {
		c.logger.Warn("failed to persist transcript", "user_id", c.userID, "error", err)
	}

	c.scheduleRedirect()
	return ResultSessionLoaded, nil
}

func (c *Controller) toolGetContext(context.Context, json.RawMessage) (any, error) {
	return kv.LoadContext(c.store), nil
}
