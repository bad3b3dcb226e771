package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/voice"
)

// fakeAgent is a scripted agent endpoint. script runs after the handshake.
type fakeAgent struct {
	script   func(ctx context.Context, ws *websocket.Conn)
	received chan map[string]any
	query    chan string
}

func newFakeAgent(t *testing.T, script func(ctx context.Context, ws *websocket.Conn)) (*fakeAgent, *httptest.Server) {
	t.Helper()
	a := &fakeAgent{
		script:   script,
		received: make(chan map[string]any, 32),
		query:    make(chan string, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *fakeAgent) serve(w http.ResponseWriter, r *http.Request) {
	select {
	case a.query <- r.URL.Query().Get("agent_id"):
	default:
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = ws.CloseNow() }()
	ctx := r.Context()

	_, data, err := ws.Read(ctx)
	if err != nil {
		return
	}
	var init map[string]any
	if json.Unmarshal(data, &init) != nil || init["type"] != msgInitiation {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected initiation")
		return
	}
	send(ctx, ws, map[string]any{
		"type":                                   eventInitiationMetadata,
		"conversation_initiation_metadata_event": map[string]any{"conversation_id": "conv-1"},
	})

	if a.script != nil {
		go a.script(ctx, ws)
	}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil {
			a.received <- msg
		}
	}
}

func (a *fakeAgent) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-a.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

func send(ctx context.Context, ws *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = ws.Write(ctx, websocket.MessageText, data)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recorder struct {
	mu           sync.Mutex
	messages     []domain.Message
	speaking     []bool
	audio        [][]byte
	disconnected chan error
}

func newRecorder() *recorder {
	return &recorder{disconnected: make(chan error, 1)}
}

func (r *recorder) callbacks() voice.Callbacks {
	return voice.Callbacks{
		OnMessage: func(m domain.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnSpeaking: func(s bool) {
			r.mu.Lock()
			r.speaking = append(r.speaking, s)
			r.mu.Unlock()
		},
		OnAudio: func(b []byte) {
			r.mu.Lock()
			r.audio = append(r.audio, b)
			r.mu.Unlock()
		},
		OnDisconnect: func(err error) { r.disconnected <- err },
	}
}

func (r *recorder) snapshot() ([]domain.Message, []bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages...), append([]bool(nil), r.speaking...), len(r.audio)
}

func TestStartDeliversTranscriptsAndAudio(t *testing.T) {
	agent, srv := newFakeAgent(t, func(ctx context.Context, ws *websocket.Conn) {
		send(ctx, ws, map[string]any{"type": eventAgentResponse, "agent_response_event": map[string]any{"agent_response": "Hi! What do you want to build?"}})
		send(ctx, ws, map[string]any{"type": eventUserTranscript, "user_transcription_event": map[string]any{"user_transcript": "A todo app"}})
		send(ctx, ws, map[string]any{"type": eventAudio, "audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), "event_id": 1}})
	})

	rec := newRecorder()
	d := NewDialer(Config{URL: wsURL(srv), SpeakingQuietWindow: 50 * time.Millisecond})
	conn, err := d.Start(context.Background(), voice.StartOptions{AgentID: "agent-a", Callbacks: rec.callbacks()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.End(context.Background()) })

	assert.Equal(t, "agent-a", <-agent.query)
	assert.Equal(t, "conv-1", conn.(*Session).conversationID)

	require.Eventually(t, func() bool {
		_, speaking, audio := rec.snapshot()
		return audio == 1 && len(speaking) == 2
	}, 2*time.Second, 10*time.Millisecond)

	messages, speaking, _ := rec.snapshot()
	assert.Equal(t, []domain.Message{
		{Text: "Hi! What do you want to build?", Source: domain.SourceAgent},
		{Text: "A todo app", Source: domain.SourceUser},
	}, messages)
	assert.Equal(t, []bool{true, false}, speaking)
}

func TestInterruptionStopsSpeaking(t *testing.T) {
	_, srv := newFakeAgent(t, func(ctx context.Context, ws *websocket.Conn) {
		send(ctx, ws, map[string]any{"type": eventAudio, "audio_event": map[string]any{"audio_base_64": "AAA=", "event_id": 1}})
		send(ctx, ws, map[string]any{"type": eventInterruption})
	})

	rec := newRecorder()
	d := NewDialer(Config{URL: wsURL(srv), SpeakingQuietWindow: time.Hour})
	conn, err := d.Start(context.Background(), voice.StartOptions{AgentID: "a", Callbacks: rec.callbacks()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.End(context.Background()) })

	require.Eventually(t, func() bool {
		_, speaking, _ := rec.snapshot()
		return len(speaking) == 2
	}, 2*time.Second, 10*time.Millisecond)
	_, speaking, _ := rec.snapshot()
	assert.Equal(t, []bool{true, false}, speaking)
}

func TestSlowSpeakingSubscriberDoesNotBlockReads(t *testing.T) {
	agent, srv := newFakeAgent(t, func(ctx context.Context, ws *websocket.Conn) {
		send(ctx, ws, map[string]any{"type": eventAudio, "audio_event": map[string]any{"audio_base_64": "AAA=", "event_id": 1}})
		send(ctx, ws, map[string]any{"type": eventInterruption})
		send(ctx, ws, map[string]any{"type": eventAudio, "audio_event": map[string]any{"audio_base_64": "AAA=", "event_id": 2}})
		send(ctx, ws, map[string]any{"type": eventAgentResponse, "agent_response_event": map[string]any{"agent_response": "Still here"}})
		send(ctx, ws, map[string]any{"type": eventPing, "ping_event": map[string]any{"event_id": 7}})
	})

	release := make(chan struct{})
	var mu sync.Mutex
	var speaking []bool
	messages := make(chan domain.Message, 1)
	cb := voice.Callbacks{
		OnSpeaking: func(s bool) {
			<-release
			mu.Lock()
			speaking = append(speaking, s)
			mu.Unlock()
		},
		OnMessage: func(m domain.Message) { messages <- m },
	}

	d := NewDialer(Config{URL: wsURL(srv), SpeakingQuietWindow: time.Hour})
	conn, err := d.Start(context.Background(), voice.StartOptions{AgentID: "a", Callbacks: cb})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.End(context.Background()) })

	select {
	case m := <-messages:
		assert.Equal(t, "Still here", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("transcript held up by a blocked speaking subscriber")
	}
	pong := agent.next(t)
	assert.Equal(t, msgPong, pong["type"])

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(speaking) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, speaking)
}

func TestPingIsAnswered(t *testing.T) {
	agent, srv := newFakeAgent(t, func(ctx context.Context, ws *websocket.Conn) {
		send(ctx, ws, map[string]any{"type": eventPing, "ping_event": map[string]any{"event_id": 42}})
	})

	conn, err := NewDialer(Config{URL: wsURL(srv)}).Start(context.Background(), voice.StartOptions{AgentID: "a"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.End(context.Background()) })

	msg := agent.next(t)
	assert.Equal(t, msgPong, msg["type"])
	assert.EqualValues(t, 42, msg["event_id"])
}

func TestClientToolCallsReturnResults(t *testing.T) {
	agent, srv := newFakeAgent(t, func(ctx context.Context, ws *websocket.Conn) {
		send(ctx, ws, map[string]any{"type": eventClientToolCall, "client_tool_call": map[string]any{
			"tool_name": "set_framework", "tool_call_id": "call-1", "parameters": map[string]any{"framework": "vue"},
		}})
	})

	gotParams := make(chan json.RawMessage, 1)
	tools := voice.ToolRegistry{
		"set_framework": func(_ context.Context, params json.RawMessage) (any, error) {
			gotParams <- params
			return "Framework set", nil
		},
	}
	conn, err := NewDialer(Config{URL: wsURL(srv)}).Start(context.Background(), voice.StartOptions{AgentID: "a", Tools: tools})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.End(context.Background()) })

	msg := agent.next(t)
	assert.Equal(t, msgToolResult, msg["type"])
	assert.Equal(t, "call-1", msg["tool_call_id"])
	assert.Equal(t, "Framework set", msg["result"])
	assert.Equal(t, false, msg["is_error"])
	assert.JSONEq(t, `{"framework":"vue"}`, string(<-gotParams))
}

func TestUnknownToolReportsError(t *testing.T) {
	agent, srv := newFakeAgent(t, func(ctx context.Context, ws *websocket.Conn) {
		send(ctx, ws, map[string]any{"type": eventClientToolCall, "client_tool_call": map[string]any{
			"tool_name": "launch_rocket", "tool_call_id": "call-2",
		}})
	})

	conn, err := NewDialer(Config{URL: wsURL(srv)}).Start(context.Background(), voice.StartOptions{AgentID: "a", Tools: voice.ToolRegistry{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.End(context.Background()) })

	msg := agent.next(t)
	assert.Equal(t, "call-2", msg["tool_call_id"])
	assert.Equal(t, true, msg["is_error"])
}

func TestSendAudioRespectsMute(t *testing.T) {
	agent, srv := newFakeAgent(t, nil)

	conn, err := NewDialer(Config{URL: wsURL(srv)}).Start(context.Background(), voice.StartOptions{AgentID: "a"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.End(context.Background()) })
	ctx := context.Background()

	conn.SetMicMuted(true)
	require.NoError(t, conn.SendAudio(ctx, []byte("muted")))
	conn.SetMicMuted(false)
	require.NoError(t, conn.SendAudio(ctx, []byte("live")))
	require.NoError(t, conn.SendUserActivity(ctx))

	msg := agent.next(t)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("live")), msg[userAudioChunkKey])
	msg = agent.next(t)
	assert.Equal(t, msgUserActivity, msg["type"])
}

func TestRemoteCloseReportsDisconnect(t *testing.T) {
	_, srv := newFakeAgent(t, func(_ context.Context, ws *websocket.Conn) {
		_ = ws.Close(websocket.StatusGoingAway, "bye")
	})

	rec := newRecorder()
	_, err := NewDialer(Config{URL: wsURL(srv)}).Start(context.Background(), voice.StartOptions{AgentID: "a", Callbacks: rec.callbacks()})
	require.NoError(t, err)

	select {
	case err := <-rec.disconnected:
		assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnDisconnect")
	}
}

func TestLocalEndDoesNotReportDisconnect(t *testing.T) {
	_, srv := newFakeAgent(t, nil)

	rec := newRecorder()
	conn, err := NewDialer(Config{URL: wsURL(srv)}).Start(context.Background(), voice.StartOptions{AgentID: "a", Callbacks: rec.callbacks()})
	require.NoError(t, err)
	require.NoError(t, conn.End(context.Background()))
	require.NoError(t, conn.End(context.Background()))

	select {
	case err := <-rec.disconnected:
		t.Fatalf("unexpected disconnect: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = ws.Read(r.Context())
		_ = ws.Close(websocket.StatusInternalError, "no agent")
	}))
	t.Cleanup(srv.Close)

	_, err := NewDialer(Config{URL: wsURL(srv)}).Start(context.Background(), voice.StartOptions{AgentID: "a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshake))
}

func TestSignedURL(t *testing.T) {
	_, agentSrv := newFakeAgent(t, nil)

	var gotKey, gotAgent, gotPath string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		gotAgent = r.URL.Query().Get("agent_id")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(signedURLResponse{SignedURL: wsURL(agentSrv) + "/signed?token=abc"})
	}))
	t.Cleanup(api.Close)

	d := NewDialer(Config{URL: wsURL(api) + "/v1/convai/conversation", APIKey: "secret"})
	conn, err := d.Start(context.Background(), voice.StartOptions{AgentID: "agent-b"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.End(context.Background()) })

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "agent-b", gotAgent)
	assert.Equal(t, "/v1/convai/conversation/get-signed-url", gotPath)
}

func TestSignedURLRejected(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	t.Cleanup(api.Close)

	_, err := NewDialer(Config{URL: wsURL(api), APIKey: "nope"}).Start(context.Background(), voice.StartOptions{AgentID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSignedURLEndpoint(t *testing.T) {
	got, err := signedURLEndpoint("wss://api.example.com/v1/convai/conversation")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/convai/conversation/get-signed-url", got)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "", resultString(nil))
	assert.Equal(t, "ok", resultString("ok"))
	assert.Equal(t, `{"framework":"react"}`, resultString(map[string]string{"framework": "react"}))
}
