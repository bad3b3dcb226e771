// Package voice implements the voice coaching session controller: session
// lifecycle, client tools invoked by the remote agent, the paused-session
// keepalive and the post-plan redirect.
package voice

import (
	"context"

	"github.com/ashureev/capycode/internal/domain"
)

// Callbacks receive events from an agent connection. Any field may be nil.
type Callbacks struct {
	OnMessage    func(domain.Message)
	OnSpeaking   func(speaking bool)
	OnAudio      func(chunk []byte)
	OnDisconnect func(err error)
}

// StartOptions configures a new agent conversation.
type StartOptions struct {
	AgentID   string
	Tools     ToolRegistry
	Callbacks Callbacks
}

// Conversation dials the remote conversational agent. Start returns once the
// handshake completes.
type Conversation interface {
	Start(ctx context.Context, opts StartOptions) (Connection, error)
}

// Connection is a live duplex agent session.
type Connection interface {
	End(ctx context.Context) error
	SetMicMuted(muted bool)
	SendUserActivity(ctx context.Context) error
	SendAudio(ctx context.Context, chunk []byte) error
}

// Microphone asks the learner for microphone access. A nil error means granted.
type Microphone interface {
	RequestAccess(ctx context.Context) error
}

// Navigator moves the learner's browser to another page.
type Navigator interface {
	Navigate(path string)
}

// Planner generates a coaching plan.
type Planner interface {
	CreatePlan(ctx context.Context, goal string, framework domain.Framework) (string, error)
}

// State is a snapshot of the controller.
type State struct {
	SessionID       string               `json:"session_id,omitempty"`
	Status          domain.SessionStatus `json:"status"`
	MicGranted      bool                 `json:"mic_granted"`
	Paused          bool                 `json:"paused"`
	Speaking        bool                 `json:"speaking"`
	AgentID         string               `json:"agent_id"`
	Framework       domain.Framework     `json:"framework"`
	Plan            string               `json:"plan,omitempty"`
	PendingRedirect string               `json:"pending_redirect,omitempty"`
	LastError       string               `json:"last_error,omitempty"`
}

// EventType identifies what an Event carries.
type EventType string

const (
	EventState   EventType = "state"
	EventMessage EventType = "message"
	EventAudio   EventType = "audio"
)

// Event is delivered to subscribers.
type Event struct {
	Type    EventType
	State   State
	Message domain.Message
	Audio   []byte
}
