package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrMicNotGranted is returned by StartSession before microphone access is granted.
	ErrMicNotGranted = errors.New("microphone access not granted")
	// ErrUnknownTool is wrapped by ToolErrors for unregistered tool names.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrNoPlanner is wrapped when create_plan runs without a planner.
	ErrNoPlanner = errors.New("no planner configured")
)

// ToolErrorKind classifies client tool failures.
type ToolErrorKind string

const (
	ToolInvalidArgument  ToolErrorKind = "invalid_argument"
	ToolGenerationFailed ToolErrorKind = "generation_failed"
	ToolUnknown          ToolErrorKind = "unknown_tool"
)

// ToolError is returned to the agent when a client tool fails.
type ToolError struct {
	Tool string
	Kind ToolErrorKind
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
