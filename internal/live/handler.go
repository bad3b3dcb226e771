package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/capycode/internal/config"
	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/identity"
	"github.com/ashureev/capycode/internal/kv"
	"github.com/ashureev/capycode/internal/metrics"
	"github.com/ashureev/capycode/internal/store"
	"github.com/ashureev/capycode/internal/voice"
)

// Browser -> server message types.
const (
	typeRequestMic = "request_mic"
	typeMicResult  = "mic_result"
	typeStart      = "start"
	typeStop       = "stop"
	typePause      = "pause"
	typeResume     = "resume"
	typeSetAgent   = "set_agent"
	typeAudio      = "audio"
	typePing       = "ping"
)

// Server -> browser message types.
const (
	typeState      = "state"
	typeMessage    = "message"
	typeMicRequest = "mic_request"
	typeNavigate   = "navigate"
	typeError      = "error"
	typePong       = "pong"
)

// RoomCode selects the coding agent via ?room=code.
const RoomCode = "code"

const (
	maxFrameSize    = 1 << 20
	teardownTimeout = 5 * time.Second
)

type inbound struct {
	Type    string `json:"type"`
	Granted bool   `json:"granted,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Data    string `json:"data,omitempty"`
}

type outbound struct {
	Type    string          `json:"type"`
	State   *voice.State    `json:"state,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
	Data    string          `json:"data,omitempty"`
	Path    string          `json:"path,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Options configures a Handler.
type Options struct {
	Repo          store.Repository
	Conversation  voice.Conversation
	Planner       voice.Planner
	Sessions      *SessionManager
	Voice         config.VoiceConfig
	Transcripts   voice.ConversationLogger
	Metrics       metrics.Recorder
	AllowedOrigin string
	IsDev         bool
}

// Handler upgrades /ws/voice and runs one voice controller per socket.
type Handler struct {
	opts Options
}

// NewHandler creates a new voice socket handler.
func NewHandler(opts Options) *Handler {
	if opts.Sessions == nil {
		opts.Sessions = NewSessionManager()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Handler{opts: opts}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("Voice socket request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxFrameSize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.opts.Sessions.Register(userID, sessionID, ws)
	defer h.opts.Sessions.Unregister(userID, sessionID, ws)

	h.opts.Metrics.LiveConnected()
	defer h.opts.Metrics.LiveDisconnected()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	p := &peer{ws: ws, ctx: ctx, userID: userID}
	ctrl := voice.New(voice.Deps{
		Conversation: h.opts.Conversation,
		Microphone:   p,
		Navigator:    p,
		Planner:      h.opts.Planner,
		Store:        kv.NewRepo(h.opts.Repo, userID),
		Logger:       slog.Default().With("session_id", sessionID),
		Metrics:      h.opts.Metrics,
		Transcripts:  h.opts.Transcripts,
		UserID:       userID,
	}, voice.Options{
		AgentID:           h.agentFor(r),
		KeepaliveInterval: h.opts.Voice.KeepaliveInterval,
		RedirectDelay:     h.opts.Voice.RedirectDelay,
		RedirectPath:      h.opts.Voice.RedirectPath,
		ToolTimeout:       h.opts.Voice.ToolTimeout,
	})

	unsubscribe := ctrl.Subscribe(func(ev voice.Event) { h.forward(p, ctrl, ev) })
	defer unsubscribe()
	defer func() {
		endCtx, endCancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer endCancel()
		ctrl.EndSession(endCtx)
	}()

	st := ctrl.State()
	if err := p.send(outbound{Type: typeState, State: &st}); err != nil {
		slog.Debug("Failed to send initial state", "error", err, "user_id", userID)
		return
	}

	h.inputLoop(ctx, ws, p, ctrl, userID)
	slog.Info("Voice socket ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) agentFor(r *http.Request) string {
	if r.URL.Query().Get("room") == RoomCode && h.opts.Voice.CodingAgentID != "" {
		return h.opts.Voice.CodingAgentID
	}
	return h.opts.Voice.DefaultAgentID
}

func (h *Handler) knownAgent(id string) bool {
	return id != "" && (id == h.opts.Voice.DefaultAgentID || id == h.opts.Voice.CodingAgentID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

// forward relays controller events to the browser. State frames carry the
// current snapshot so a late delivery never rolls the UI back.
func (h *Handler) forward(p *peer, ctrl *voice.Controller, ev voice.Event) {
	var out outbound
	switch ev.Type {
	case voice.EventState:
		st := ctrl.State()
		out = outbound{Type: typeState, State: &st}
	case voice.EventMessage:
		m := ev.Message
		out = outbound{Type: typeMessage, Message: &m}
	case voice.EventAudio:
		out = outbound{Type: typeAudio, Data: base64.StdEncoding.EncodeToString(ev.Audio)}
	default:
		return
	}
	if err := p.send(out); err != nil && p.ctx.Err() == nil {
		slog.Debug("Failed to forward voice event", "type", ev.Type, "user_id", p.userID, "error", err)
	}
}

//nolint:gocognit // Message dispatch covers every browser command.
func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, p *peer, ctrl *voice.Controller, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			p.sendError("malformed message")
			continue
		}

		switch msg.Type {
		case typeAudio:
			chunk, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				p.sendError("audio must be base64")
				continue
			}
			if err := ctrl.SendAudio(ctx, chunk); err != nil {
				slog.Debug("Failed to forward audio", "error", err, "user_id", userID)
			}
			continue
		case typePing:
			if err := p.send(outbound{Type: typePong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
			continue
		case typeMicResult:
			if !p.micResult(msg.Granted) {
				// Unsolicited or after the request was abandoned.
				ctrl.SetMicGranted(msg.Granted)
			}
		case typeRequestMic:
			go ctrl.RequestMic(ctx)
		case typeStart:
			go h.start(ctx, p, ctrl)
		case typeStop:
			ctrl.EndSession(ctx)
		case typePause:
			ctrl.PauseSession()
		case typeResume:
			ctrl.ResumeSession()
		case typeSetAgent:
			if !h.knownAgent(msg.AgentID) {
				p.sendError("unknown agent")
				continue
			}
			ctrl.SetAgentID(msg.AgentID)
		default:
			p.sendError("unknown message type")
			continue
		}

		h.touch(userID)
	}
}

// start requests the microphone if needed, then starts the session.
func (h *Handler) start(ctx context.Context, p *peer, ctrl *voice.Controller) {
	if !ctrl.State().MicGranted && !ctrl.RequestMic(ctx) {
		p.sendError("microphone access is required to start a session")
		return
	}
	if err := ctrl.StartSession(ctx); err != nil {
		if errors.Is(err, voice.ErrMicNotGranted) {
			p.sendError("microphone access is required to start a session")
			return
		}
		p.sendError("could not connect to the coach, please try again")
	}
}

func (h *Handler) touch(userID string) {
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.opts.Repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()
}
