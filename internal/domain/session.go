package domain

// SessionStatus is the lifecycle state of one voice coaching session.
type SessionStatus string

const (
	SessionStopped  SessionStatus = "stopped"
	SessionStarting SessionStatus = "starting"
	SessionStarted  SessionStatus = "started"
	SessionPaused   SessionStatus = "paused"
	// SessionFailed is reached when the agent connection could not be
	// established. Like SessionStopped it accepts a new start.
	SessionFailed SessionStatus = "failed"
)

// Active reports whether a connection exists or is being established.
func (s SessionStatus) Active() bool {
	return s == SessionStarting || s == SessionStarted || s == SessionPaused
}

// Source identifies who produced a transcript message.
type Source string

const (
	SourceUser  Source = "user"
	SourceAgent Source = "agent"
)

// Message is one turn of the coaching conversation.
type Message struct {
	Text   string `json:"message"`
	Source Source `json:"source"`
}
