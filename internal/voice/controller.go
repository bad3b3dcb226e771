package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/kv"
	"github.com/ashureev/capycode/internal/metrics"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultKeepaliveInterval = time.Second
	DefaultRedirectDelay     = time.Second
	DefaultRedirectPath      = "/code"
	DefaultToolTimeout       = 90 * time.Second
)

// Options tunes controller timing.
type Options struct {
	AgentID           string
	KeepaliveInterval time.Duration
	RedirectDelay     time.Duration
	RedirectPath      string
	ToolTimeout       time.Duration
}

// Deps are the controller's collaborators. Conversation and Microphone are
// required; the rest fall back to no-ops or in-memory storage.
type Deps struct {
	Conversation Conversation
	Microphone   Microphone
	Navigator    Navigator
	Planner      Planner
	Store        kv.Store
	Logger       *slog.Logger
	Metrics      metrics.Recorder
	Transcripts  ConversationLogger
	UserID       string
}

// Controller owns one learner's voice session. All state is guarded by mu;
// collaborators are never called with mu held.
type Controller struct {
	conv        Conversation
	mic         Microphone
	nav         Navigator
	planner     Planner
	store       kv.Store
	logger      *slog.Logger
	metrics     metrics.Recorder
	transcripts ConversationLogger
	userID      string
	opts        Options
	tools       ToolRegistry

	mu              sync.Mutex
	status          domain.SessionStatus
	sessionID       string
	micGranted      bool
	paused          bool
	speaking        bool
	agentID         string
	framework       domain.Framework
	plan            string
	lastError       string
	messages        []domain.Message
	conn            Connection
	gen             uint64
	keepaliveStop   chan struct{}
	redirectTimer   *time.Timer
	pendingRedirect string
	observers       map[int]func(Event)
	nextObserver    int
}

type noopNavigator struct{}

func (noopNavigator) Navigate(string) {}

// New creates a stopped controller.
func New(deps Deps, opts Options) *Controller {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.RedirectDelay < 0 {
		opts.RedirectDelay = 0
	} else if opts.RedirectDelay == 0 {
		opts.RedirectDelay = DefaultRedirectDelay
	}
	if opts.RedirectPath == "" {
		opts.RedirectPath = DefaultRedirectPath
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if deps.Navigator == nil {
		deps.Navigator = noopNavigator{}
	}
	if deps.Store == nil {
		deps.Store = kv.NewMemory()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Transcripts == nil {
		deps.Transcripts = noopConversationLogger{}
	}

	c := &Controller{
		conv:        deps.Conversation,
		mic:         deps.Microphone,
		nav:         deps.Navigator,
		planner:     deps.Planner,
		store:       deps.Store,
		logger:      deps.Logger.With("user_id", deps.UserID),
		metrics:     deps.Metrics,
		transcripts: deps.Transcripts,
		userID:      deps.UserID,
		opts:        opts,
		status:      domain.SessionStopped,
		agentID:     opts.AgentID,
		framework:   domain.DefaultFramework,
		observers:   make(map[int]func(Event)),
	}
	c.tools = c.instrument(c.registerTools())
	return c
}

// Tools returns the client tool registry handed to the agent connection.
func (c *Controller) Tools() ToolRegistry {
	return c.tools
}

// Subscribe registers fn for every state change, transcript message and
// agent audio chunk. The returned func removes the subscription.
func (c *Controller) Subscribe(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Messages returns a copy of the transcript in arrival order.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyMessagesLocked()
}

// RequestMic asks for microphone access and records the outcome.
func (c *Controller) RequestMic(ctx context.Context) bool {
	err := c.mic.RequestAccess(ctx)
	granted := err == nil
	if !granted {
		c.logger.Warn("microphone access denied", "error", err)
	}

	c.mu.Lock()
	c.micGranted = granted
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventState, State: st})
	return granted
}

// SetMicGranted records a microphone answer that arrived outside RequestMic.
func (c *Controller) SetMicGranted(granted bool) {
	c.mu.Lock()
	if c.micGranted == granted {
		c.mu.Unlock()
		return
	}
	c.micGranted = granted
	st := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(Event{Type: EventState, State: st})
}

// SetAgentID selects the agent used by the next StartSession.
func (c *Controller) SetAgentID(id string) {
	c.mu.Lock()
	c.agentID = id
	st := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(Event{Type: EventState, State: st})
}

// StartSession connects to the agent. It is a no-op while a session is
// starting or active.
func (c *Controller) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.status.Active() {
		c.mu.Unlock()
		return nil
	}
	if !c.micGranted {
		c.mu.Unlock()
		return ErrMicNotGranted
	}
	c.gen++
	gen := c.gen
	c.status = domain.SessionStarting
	c.sessionID = uuid.NewString()
	c.paused = false
	c.speaking = false
	c.lastError = ""
	agentID, sessionID := c.agentID, c.sessionID
	st := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(Event{Type: EventState, State: st})

	conn, err := c.conv.Start(ctx, StartOptions{
		AgentID:   agentID,
		Tools:     c.tools,
		Callbacks: c.callbacks(gen),
	})

	c.mu.Lock()
	if c.gen != gen {
		// Ended or disconnected while the handshake was in flight.
		c.mu.Unlock()
		if conn != nil {
			if endErr := conn.End(context.WithoutCancel(ctx)); endErr != nil {
				c.logger.Warn("failed to end superseded connection", "error", endErr)
			}
		}
		return nil
	}
	if err != nil {
		c.status = domain.SessionFailed
		c.lastError = err.Error()
		st = c.snapshotLocked()
		c.mu.Unlock()

		c.logger.Error("failed to start voice session", "session_id", sessionID, "agent_id", agentID, "error", err)
		c.emit(Event{Type: EventState, State: st})
		return fmt.Errorf("start session: %w", err)
	}
	c.conn = conn
	c.status = domain.SessionStarted
	st = c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.logger.Info("voice session started", "session_id", sessionID, "agent_id", agentID)
	c.transcripts.Log(ConversationLogEvent{UserID: c.userID, SessionID: sessionID, EventType: "session_started", Meta: map[string]any{"agent_id": agentID}})
	c.emit(Event{Type: EventState, State: st})
	return nil
}

// EndSession tears down the active session. Teardown errors are logged.
func (c *Controller) EndSession(ctx context.Context) {
	c.mu.Lock()
	if !c.status.Active() {
		c.mu.Unlock()
		return
	}
	connected := c.status == domain.SessionStarted || c.status == domain.SessionPaused
	conn, sessionID := c.resetLocked(domain.SessionStopped)
	st := c.snapshotLocked()
	c.mu.Unlock()

	if conn != nil {
		if err := conn.End(ctx); err != nil {
			c.logger.Warn("failed to end agent connection", "session_id", sessionID, "error", err)
		}
	}
	if connected {
		c.metrics.SessionEnded("stopped")
	}
	c.logger.Info("voice session ended", "session_id", sessionID)
	c.transcripts.Log(ConversationLogEvent{UserID: c.userID, SessionID: sessionID, EventType: "session_ended"})
	c.emit(Event{Type: EventState, State: st})
}

// PauseSession mutes the microphone and starts the keepalive. It only
// applies to a started, unpaused session.
func (c *Controller) PauseSession() {
	c.mu.Lock()
	if c.status != domain.SessionStarted || c.paused || c.keepaliveStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.paused = true
	c.status = domain.SessionPaused
	conn := c.conn
	st := c.snapshotLocked()
	c.mu.Unlock()

	conn.SetMicMuted(true)
	go c.keepalive(conn, stop)
	c.emit(Event{Type: EventState, State: st})
}

// ResumeSession unmutes the microphone and stops the keepalive.
func (c *Controller) ResumeSession() {
	c.mu.Lock()
	if !c.paused || c.keepaliveStop == nil {
		c.mu.Unlock()
		return
	}
	close(c.keepaliveStop)
	c.keepaliveStop = nil
	c.paused = false
	c.status = domain.SessionStarted
	conn := c.conn
	st := c.snapshotLocked()
	c.mu.Unlock()

	conn.SetMicMuted(false)
	c.emit(Event{Type: EventState, State: st})
}

// SendAudio forwards a learner audio chunk. Audio is dropped unless the
// session is started and unpaused.
func (c *Controller) SendAudio(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	if c.status != domain.SessionStarted || c.paused || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()
	return conn.SendAudio(ctx, chunk)
}

func (c *Controller) keepalive(conn Connection, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.KeepaliveInterval)
			if err := conn.SendUserActivity(ctx); err != nil {
				c.logger.Debug("keepalive failed", "error", err)
			}
			cancel()
		}
	}
}

// resetLocked moves to status, invalidates callbacks from the current
// connection and cancels keepalive and redirect. It returns the detached
// connection for the caller to close.
func (c *Controller) resetLocked(status domain.SessionStatus) (Connection, string) {
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.redirectTimer != nil {
		c.redirectTimer.Stop()
		c.redirectTimer = nil
	}
	c.pendingRedirect = ""
	c.status = status
	c.paused = false
	c.speaking = false
	return conn, c.sessionID
}

func (c *Controller) callbacks(gen uint64) Callbacks {
	return Callbacks{
		OnMessage:    func(m domain.Message) { c.onMessage(gen, m) },
		OnSpeaking:   func(s bool) { c.onSpeaking(gen, s) },
		OnAudio:      func(b []byte) { c.onAudio(gen, b) },
		OnDisconnect: func(err error) { c.onDisconnect(gen, err) },
	}
}

func (c *Controller) onMessage(gen uint64, m domain.Message) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.messages = append(c.messages, m)
	messages := c.copyMessagesLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	if err := kv.SaveTranscript(c.store, messages); err != nil {
		c.logger.Warn("failed to persist transcript", "error", err)
	}
	c.transcripts.Log(ConversationLogEvent{UserID: c.userID, SessionID: sessionID, EventType: "message", Source: string(m.Source), Content: m.Text})
	c.emit(Event{Type: EventMessage, Message: m})
}

// onSpeaking applies the redirect rule: a pending redirect fires exactly
// once, on the first true to false transition after it was set.
func (c *Controller) onSpeaking(gen uint64, speaking bool) {
	c.mu.Lock()
	if c.gen != gen || c.speaking == speaking {
		c.mu.Unlock()
		return
	}
	wasSpeaking := c.speaking
	c.speaking = speaking
	var target string
	if wasSpeaking && !speaking && c.pendingRedirect != "" {
		target = c.pendingRedirect
		c.pendingRedirect = ""
	}
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventState, State: st})
	if target != "" {
		c.logger.Info("redirecting learner", "path", target)
		c.nav.Navigate(target)
	}
}

func (c *Controller) onAudio(gen uint64, chunk []byte) {
	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.emit(Event{Type: EventAudio, Audio: chunk})
}

func (c *Controller) onDisconnect(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || !c.status.Active() {
		c.mu.Unlock()
		return
	}
	connected := c.status == domain.SessionStarted || c.status == domain.SessionPaused
	_, sessionID := c.resetLocked(domain.SessionStopped)
	if err != nil {
		c.lastError = "agent disconnected: " + err.Error()
	}
	st := c.snapshotLocked()
	c.mu.Unlock()

	if connected {
		c.metrics.SessionEnded("disconnected")
	}
	c.logger.Warn("agent disconnected", "session_id", sessionID, "error", err)
	c.transcripts.Log(ConversationLogEvent{UserID: c.userID, SessionID: sessionID, EventType: "session_disconnected"})
	c.emit(Event{Type: EventState, State: st})
}

// scheduleRedirect arms the redirect intent after RedirectDelay, unless the
// session ends first.
func (c *Controller) scheduleRedirect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Active() {
		return
	}
	gen := c.gen
	if c.redirectTimer != nil {
		c.redirectTimer.Stop()
	}
	c.redirectTimer = time.AfterFunc(c.opts.RedirectDelay, func() {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.redirectTimer = nil
		c.pendingRedirect = c.opts.RedirectPath
		st := c.snapshotLocked()
		c.mu.Unlock()
		c.emit(Event{Type: EventState, State: st})
	})
}

func (c *Controller) instrument(tools ToolRegistry) ToolRegistry {
	out := make(ToolRegistry, len(tools))
	for name, fn := range tools {
		out[name] = func(ctx context.Context, params json.RawMessage) (any, error) {
			result, err := fn(ctx, params)
			status := "ok"
			if err != nil {
				status = "error"
				c.logger.Warn("client tool failed", "tool", name, "error", err)
			} else {
				c.logger.Info("client tool completed", "tool", name)
			}
			c.metrics.ObserveToolCall(name, status)

			c.mu.Lock()
			sessionID := c.sessionID
			c.mu.Unlock()
			c.transcripts.Log(ConversationLogEvent{
				UserID:    c.userID,
				SessionID: sessionID,
				EventType: "tool_call",
				Meta:      map[string]any{"tool": name, "status": status},
			})
			return result, err
		}
	}
	return out
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	observers := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

func (c *Controller) snapshotLocked() State {
	return State{
		SessionID:       c.sessionID,
		Status:          c.status,
		MicGranted:      c.micGranted,
		Paused:          c.paused,
		Speaking:        c.speaking,
		AgentID:         c.agentID,
		Framework:       c.framework,
		Plan:            c.plan,
		PendingRedirect: c.pendingRedirect,
		LastError:       c.lastError,
	}
}

func (c *Controller) copyMessagesLocked() []domain.Message {
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
