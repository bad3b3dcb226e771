package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/capycode/internal/config"
	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/identity"
	"github.com/ashureev/capycode/internal/kv"
	"github.com/ashureev/capycode/internal/store"
	"github.com/ashureev/capycode/internal/voice"
)

const (
	testUser        = "anon_0123456789abcdef0123456789abcdef"
	defaultAgent    = "agent-default"
	codingAgent     = "agent-coding"
	receiveDeadline = 3 * time.Second
)

type fakeConn struct {
	mu    sync.Mutex
	audio [][]byte
	ended chan struct{}
	once  sync.Once
}

func (f *fakeConn) End(context.Context) error {
	f.once.Do(func() { close(f.ended) })
	return nil
}

func (f *fakeConn) SetMicMuted(bool)                       {}
func (f *fakeConn) SendUserActivity(context.Context) error { return nil }

func (f *fakeConn) SendAudio(_ context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, chunk)
	return nil
}

func (f *fakeConn) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type fakeConversation struct {
	conn    *fakeConn
	started chan voice.StartOptions
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{
		conn:    &fakeConn{ended: make(chan struct{})},
		started: make(chan voice.StartOptions, 1),
	}
}

func (f *fakeConversation) Start(_ context.Context, opts voice.StartOptions) (voice.Connection, error) {
	f.started <- opts
	return f.conn, nil
}

type harness struct {
	srv  *httptest.Server
	repo store.Repository
	conv *fakeConversation
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "live.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	conv := newFakeConversation()
	h := NewHandler(Options{
		Repo:         repo,
		Conversation: conv,
		Voice: config.VoiceConfig{
			DefaultAgentID:    defaultAgent,
			CodingAgentID:     codingAgent,
			KeepaliveInterval: time.Second,
			RedirectDelay:     time.Millisecond,
			RedirectPath:      "/code",
		},
		IsDev: true,
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.WithIdentity(r.Context(), testUser, r.URL.Query().Get("session_id"))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, repo: repo, conv: conv}
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/voice?" + query
	ws, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, data))
}

// readUntil returns the first frame accepted by match.
func readUntil(t *testing.T, ws *websocket.Conn, match func(outbound) bool) outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), receiveDeadline)
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err)
		var out outbound
		require.NoError(t, json.Unmarshal(data, &out))
		if match(out) {
			return out
		}
	}
}

func ofType(typ string) func(outbound) bool {
	return func(o outbound) bool { return o.Type == typ }
}

func withStatus(status domain.SessionStatus) func(outbound) bool {
	return func(o outbound) bool { return o.Type == typeState && o.State.Status == status }
}

func TestVoiceSessionOverSocket(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "session_id=tab-1&room=code")

	initial := readUntil(t, ws, ofType(typeState))
	assert.Equal(t, codingAgent, initial.State.AgentID)
	assert.Equal(t, domain.SessionStopped, initial.State.Status)

	write(t, ws, inbound{Type: typeStart})
	readUntil(t, ws, ofType(typeMicRequest))
	write(t, ws, inbound{Type: typeMicResult, Granted: true})
	readUntil(t, ws, withStatus(domain.SessionStarted))

	var opts voice.StartOptions
	select {
	case opts = <-h.conv.started:
	case <-time.After(receiveDeadline):
		t.Fatal("conversation was not started")
	}
	assert.Equal(t, codingAgent, opts.AgentID)
	assert.Contains(t, opts.Tools.Names(), voice.ToolSendPlan)

	opts.Callbacks.OnMessage(domain.Message{Text: "What shall we build?", Source: domain.SourceAgent})
	msg := readUntil(t, ws, ofType(typeMessage))
	assert.Equal(t, "What shall we build?", msg.Message.Text)

	opts.Callbacks.OnAudio([]byte{1, 2, 3})
	audio := readUntil(t, ws, ofType(typeAudio))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), audio.Data)

	write(t, ws, inbound{Type: typeAudio, Data: base64.StdEncoding.EncodeToString([]byte("hello"))})
	require.Eventually(t, func() bool { return h.conv.conn.audioCount() == 1 }, receiveDeadline, 10*time.Millisecond)

	transcript := kv.LoadTranscript(kv.NewRepo(h.repo, testUser))
	require.Len(t, transcript, 1)
	assert.Equal(t, domain.SourceAgent, transcript[0].Source)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))
	select {
	case <-h.conv.conn.ended:
	case <-time.After(receiveDeadline):
		t.Fatal("agent connection was not ended on disconnect")
	}
}

func TestSendPlanNavigatesAfterSpeech(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "session_id=tab-1")
	readUntil(t, ws, ofType(typeState))

	write(t, ws, inbound{Type: typeRequestMic})
	readUntil(t, ws, ofType(typeMicRequest))
	write(t, ws, inbound{Type: typeMicResult, Granted: true})
	readUntil(t, ws, func(o outbound) bool { return o.Type == typeState && o.State.MicGranted })

	write(t, ws, inbound{Type: typeStart})
	readUntil(t, ws, withStatus(domain.SessionStarted))
	opts := <-h.conv.started

	opts.Callbacks.OnSpeaking(true)
	_, err := opts.Tools.Invoke(context.Background(), voice.ToolSendPlan, json.RawMessage(`{"plan":"1. Build a header"}`))
	require.NoError(t, err)
	readUntil(t, ws, func(o outbound) bool { return o.Type == typeState && o.State.PendingRedirect != "" })

	opts.Callbacks.OnSpeaking(false)
	nav := readUntil(t, ws, ofType(typeNavigate))
	assert.Equal(t, "/code", nav.Path)

	assert.Equal(t, "1. Build a header", kv.LoadPlan(kv.NewRepo(h.repo, testUser)))
}

func TestSlowMicAnswerIsKept(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "session_id=tab-1")
	readUntil(t, ws, ofType(typeState))

	write(t, ws, inbound{Type: typeRequestMic})
	readUntil(t, ws, ofType(typeMicRequest))

	// The browser prompt stays open; nothing may record a denial meanwhile.
	time.Sleep(1500 * time.Millisecond)
	write(t, ws, inbound{Type: typeMicResult, Granted: true})
	readUntil(t, ws, func(o outbound) bool { return o.Type == typeState && o.State.MicGranted })

	write(t, ws, inbound{Type: typeStart})
	started := readUntil(t, ws, func(o outbound) bool {
		require.NotEqual(t, typeMicRequest, o.Type, "granted mic was requested again")
		return o.Type == typeState && o.State.Status == domain.SessionStarted
	})
	assert.True(t, started.State.MicGranted)
}

func TestUnrequestedMicResultUpdatesGrant(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "session_id=tab-1")
	readUntil(t, ws, ofType(typeState))

	write(t, ws, inbound{Type: typeMicResult, Granted: true})
	readUntil(t, ws, func(o outbound) bool { return o.Type == typeState && o.State.MicGranted })

	write(t, ws, inbound{Type: typeStart})
	readUntil(t, ws, func(o outbound) bool {
		require.NotEqual(t, typeMicRequest, o.Type, "granted mic was requested again")
		return o.Type == typeState && o.State.Status == domain.SessionStarted
	})
}

func TestMicDeniedBlocksStart(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "session_id=tab-1")
	readUntil(t, ws, ofType(typeState))

	write(t, ws, inbound{Type: typeStart})
	readUntil(t, ws, ofType(typeMicRequest))
	write(t, ws, inbound{Type: typeMicResult, Granted: false})

	out := readUntil(t, ws, ofType(typeError))
	assert.Contains(t, out.Error, "microphone")
	select {
	case <-h.conv.started:
		t.Fatal("session must not start without the microphone")
	default:
	}
}

func TestControlMessages(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "session_id=tab-1")
	readUntil(t, ws, ofType(typeState))

	write(t, ws, inbound{Type: typePing})
	readUntil(t, ws, ofType(typePong))

	write(t, ws, inbound{Type: typeSetAgent, AgentID: "agent-unknown"})
	assert.Equal(t, "unknown agent", readUntil(t, ws, ofType(typeError)).Error)

	write(t, ws, inbound{Type: typeSetAgent, AgentID: codingAgent})
	st := readUntil(t, ws, ofType(typeState))
	assert.Equal(t, codingAgent, st.State.AgentID)

	write(t, ws, inbound{Type: "launch"})
	assert.Equal(t, "unknown message type", readUntil(t, ws, ofType(typeError)).Error)

	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, []byte("{")))
	assert.Equal(t, "malformed message", readUntil(t, ws, ofType(typeError)).Error)
}

func TestNewerTabSocketReplacesOlder(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "session_id=tab-1")
	readUntil(t, first, ofType(typeState))

	second := h.dial(t, "session_id=tab-1")
	readUntil(t, second, ofType(typeState))

	ctx, cancel := context.WithTimeout(context.Background(), receiveDeadline)
	defer cancel()
	for {
		_, _, err := first.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(Options{AllowedOrigin: "https://capycode.dev"})

	r := httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://capycode.dev")
	assert.True(t, h.checkOrigin(r))

	r.Header.Del("Origin")
	assert.True(t, h.checkOrigin(r))
}

func TestAgentFor(t *testing.T) {
	h := NewHandler(Options{Voice: config.VoiceConfig{DefaultAgentID: defaultAgent, CodingAgentID: codingAgent}})
	assert.Equal(t, defaultAgent, h.agentFor(httptest.NewRequest(http.MethodGet, "/ws/voice", nil)))
	assert.Equal(t, codingAgent, h.agentFor(httptest.NewRequest(http.MethodGet, "/ws/voice?room=code", nil)))
}
