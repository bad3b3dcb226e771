// Package convai connects voice sessions to a hosted conversational agent
// over its WebSocket protocol.
package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/voice"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultQuietWindow    = 700 * time.Millisecond
	defaultToolTimeout    = 90 * time.Second
	maxMessageSize        = 4 << 20
)

// ErrHandshake is returned when the agent closes before sending its metadata.
var ErrHandshake = errors.New("agent handshake failed")

// Config configures the agent dialer.
type Config struct {
	URL string
	// APIKey switches the dialer to signed URLs. Without it the agent must be public.
	APIKey              string
	ConnectTimeout      time.Duration
	SpeakingQuietWindow time.Duration
	ToolTimeout         time.Duration
	HTTPClient          *http.Client
	Logger              *slog.Logger
}

// Dialer implements voice.Conversation.
type Dialer struct {
	cfg Config
}

// NewDialer creates a Dialer with defaults applied.
func NewDialer(cfg Config) *Dialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.SpeakingQuietWindow <= 0 {
		cfg.SpeakingQuietWindow = defaultQuietWindow
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.ConnectTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dialer{cfg: cfg}
}

var _ voice.Conversation = (*Dialer)(nil)

// Start dials the agent, performs the initiation handshake and starts the
// read loop. The returned connection outlives ctx.
func (d *Dialer) Start(ctx context.Context, opts voice.StartOptions) (voice.Connection, error) {
	if opts.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	target, err := d.conversationURL(dialCtx, opts.AgentID)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	conversationID, err := handshake(dialCtx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	s := &Session{
		ws:             ws,
		ctx:            connCtx,
		cancel:         connCancel,
		tools:          opts.Tools,
		cb:             opts.Callbacks,
		quiet:          d.cfg.SpeakingQuietWindow,
		toolTimeout:    d.cfg.ToolTimeout,
		conversationID: conversationID,
		logger:         d.cfg.Logger.With("agent_id", opts.AgentID, "conversation_id", conversationID),
		done:           make(chan struct{}),
		speakWake:      make(chan struct{}, 1),
	}
	go s.readLoop()
	go s.notifyLoop()

	s.logger.Info("Agent conversation started", "tools", opts.Tools.Names())
	return s, nil
}

func (d *Dialer) conversationURL(ctx context.Context, agentID string) (string, error) {
	if d.cfg.APIKey == "" {
		u, err := url.Parse(d.cfg.URL)
		if err != nil {
			return "", fmt.Errorf("parse agent url: %w", err)
		}
		q := u.Query()
		q.Set("agent_id", agentID)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return d.signedURL(ctx, agentID)
}

func (d *Dialer) signedURL(ctx context.Context, agentID string) (string, error) {
	endpoint, err := signedURLEndpoint(d.cfg.URL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?agent_id="+url.QueryEscape(agentID), nil)
	if err != nil {
		return "", fmt.Errorf("create signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", d.cfg.APIKey)

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch signed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("fetch signed url: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out signedURLResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("fetch signed url: empty response")
	}
	return out.SignedURL, nil
}

// signedURLEndpoint maps wss://host/path to https://host/path/get-signed-url.
func signedURLEndpoint(agentURL string) (string, error) {
	u, err := url.Parse(agentURL)
	if err != nil {
		return "", fmt.Errorf("parse agent url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.RawQuery = ""
	u.Path = strings.TrimSuffix(u.Path, "/") + "/get-signed-url"
	return u.String(), nil
}

func handshake(ctx context.Context, ws *websocket.Conn) (string, error) {
	if err := writeJSON(ctx, ws, initiationMessage{Type: msgInitiation}); err != nil {
		return "", fmt.Errorf("send initiation: %w", err)
	}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type != eventInitiationMetadata {
			continue
		}
		if ev.Metadata == nil {
			return "", nil
		}
		return ev.Metadata.ConversationID, nil
	}
}

// Session is one live agent conversation.
type Session struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	tools          voice.ToolRegistry
	cb             voice.Callbacks
	quiet          time.Duration
	toolTimeout    time.Duration
	conversationID string
	logger         *slog.Logger

	muted   atomic.Bool
	ended   atomic.Bool
	endOnce sync.Once
	done    chan struct{}

	speakMu    sync.Mutex
	speaking   bool
	speakSeq   uint64
	speakTimer *time.Timer
	// Transitions not yet handed to OnSpeaking, in order.
	speakQueue []bool
	speakWake  chan struct{}
}

// End closes the conversation. OnDisconnect is not invoked for a local end.
func (s *Session) End(ctx context.Context) error {
	var err error
	s.endOnce.Do(func() {
		s.ended.Store(true)
		err = s.ws.Close(websocket.StatusNormalClosure, "session ended")
		s.cancel()
		s.setSpeaking(false, 0)
		s.logger.Info("Agent conversation ended")
	})
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil && websocket.CloseStatus(err) == -1 {
		s.logger.Debug("Agent close handshake incomplete", "error", err)
	}
	return nil
}

// SetMicMuted drops outgoing audio while muted.
func (s *Session) SetMicMuted(muted bool) {
	s.muted.Store(muted)
}

// SendUserActivity tells the agent the learner is still present.
func (s *Session) SendUserActivity(ctx context.Context) error {
	return writeJSON(ctx, s.ws, userActivityMessage{Type: msgUserActivity})
}

// SendAudio forwards one chunk of learner audio.
func (s *Session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.muted.Load() || len(chunk) == 0 {
		return nil
	}
	return writeJSON(ctx, s.ws, map[string]string{
		userAudioChunkKey: base64.StdEncoding.EncodeToString(chunk),
	})
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.ws.Read(s.ctx)
		if err != nil {
			s.setSpeaking(false, 0)
			if s.ended.Load() {
				return
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.logger.Info("Agent closed conversation", "status", status)
			} else {
				s.logger.Warn("Agent connection lost", "error", err)
			}
			if s.cb.OnDisconnect != nil {
				s.cb.OnDisconnect(err)
			}
			return
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Debug("Ignoring malformed agent event", "error", err)
		return
	}

	switch ev.Type {
	case eventUserTranscript:
		if ev.UserTranscript != nil {
			s.message(ev.UserTranscript.Text, domain.SourceUser)
		}
	case eventAgentResponse:
		if ev.AgentResponse != nil {
			s.message(ev.AgentResponse.Text, domain.SourceAgent)
		}
	case eventAudio:
		if ev.Audio == nil {
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(ev.Audio.Base64)
		if err != nil {
			s.logger.Debug("Ignoring undecodable audio", "error", err)
			return
		}
		s.markSpeaking()
		if s.cb.OnAudio != nil {
			s.cb.OnAudio(chunk)
		}
	case eventInterruption:
		s.setSpeaking(false, 0)
	case eventPing:
		if ev.Ping == nil {
			return
		}
		if err := writeJSON(s.ctx, s.ws, pongMessage{Type: msgPong, EventID: ev.Ping.EventID}); err != nil {
			s.logger.Debug("Failed to answer ping", "error", err)
		}
	case eventClientToolCall:
		if ev.ToolCall == nil {
			return
		}
		go s.runTool(ev.ToolCall.Name, ev.ToolCall.CallID, ev.ToolCall.Parameters)
	default:
		s.logger.Debug("Ignoring agent event", "type", ev.Type)
	}
}

func (s *Session) message(text string, source domain.Source) {
	if strings.TrimSpace(text) == "" || s.cb.OnMessage == nil {
		return
	}
	s.cb.OnMessage(domain.Message{Text: text, Source: source})
}

func (s *Session) runTool(name, callID string, params json.RawMessage) {
	ctx, cancel := context.WithTimeout(s.ctx, s.toolTimeout)
	defer cancel()

	result, err := s.tools.Invoke(ctx, name, params)
	msg := toolResultMessage{Type: msgToolResult, CallID: callID}
	if err != nil {
		msg.Result = err.Error()
		msg.IsError = true
	} else {
		msg.Result = resultString(result)
	}

	if err := writeJSON(s.ctx, s.ws, msg); err != nil && !s.ended.Load() {
		s.logger.Warn("Failed to send tool result", "tool", name, "error", err)
	}
}

func resultString(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case []byte:
		return string(r)
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprint(r)
		}
		return string(b)
	}
}

// markSpeaking flags the agent as speaking until no audio arrives for the
// quiet window.
func (s *Session) markSpeaking() {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	s.speakSeq++
	seq := s.speakSeq
	if s.speakTimer != nil {
		s.speakTimer.Stop()
	}
	s.speakTimer = time.AfterFunc(s.quiet, func() { s.setSpeaking(false, seq) })

	if !s.speaking {
		s.speaking = true
		s.queueSpeakingLocked(true)
	}
}

// setSpeaking clears the speaking flag. A non-zero seq only applies if no
// audio arrived since it was issued.
func (s *Session) setSpeaking(speaking bool, seq uint64) {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	if seq != 0 && seq != s.speakSeq {
		return
	}
	if s.speakTimer != nil {
		s.speakTimer.Stop()
		s.speakTimer = nil
	}
	if s.speaking == speaking {
		return
	}
	s.speaking = speaking
	s.queueSpeakingLocked(speaking)
}

func (s *Session) queueSpeakingLocked(speaking bool) {
	s.speakQueue = append(s.speakQueue, speaking)
	select {
	case s.speakWake <- struct{}{}:
	default:
	}
}

// notifyLoop delivers speaking transitions off the read loop so a slow
// subscriber cannot hold up transcripts or pings.
func (s *Session) notifyLoop() {
	for {
		select {
		case <-s.speakWake:
			s.flushSpeaking()
		case <-s.done:
			s.flushSpeaking()
			return
		}
	}
}

func (s *Session) flushSpeaking() {
	s.speakMu.Lock()
	pending := s.speakQueue
	s.speakQueue = nil
	s.speakMu.Unlock()

	if s.cb.OnSpeaking == nil {
		return
	}
	for _, speaking := range pending {
		s.cb.OnSpeaking(speaking)
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
