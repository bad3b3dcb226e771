package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/capycode/internal/voice"
)

const writeTimeout = 5 * time.Second

// peer is the browser end of one voice socket. It serves as the controller's
// Microphone and Navigator.
type peer struct {
	ws     *websocket.Conn
	ctx    context.Context
	userID string

	mu         sync.Mutex
	micWaiters []chan bool
}

var (
	_ voice.Microphone = (*peer)(nil)
	_ voice.Navigator  = (*peer)(nil)
)

// RequestAccess asks the browser for the microphone and waits for its answer.
// The browser owns the prompt, so only ctx or the socket closing ends the wait.
func (p *peer) RequestAccess(ctx context.Context) error {
	ch := make(chan bool, 1)
	p.mu.Lock()
	p.micWaiters = append(p.micWaiters, ch)
	p.mu.Unlock()

	if err := p.send(outbound{Type: typeMicRequest}); err != nil {
		p.dropWaiter(ch)
		return fmt.Errorf("send mic request: %w", err)
	}

	select {
	case granted := <-ch:
		if !granted {
			return voice.ErrMicNotGranted
		}
		return nil
	case <-ctx.Done():
		p.dropWaiter(ch)
		return ctx.Err()
	case <-p.ctx.Done():
		p.dropWaiter(ch)
		return p.ctx.Err()
	}
}

// micResult hands the browser's answer to pending RequestAccess calls. It
// reports false when nobody was waiting.
func (p *peer) micResult(granted bool) bool {
	p.mu.Lock()
	waiters := p.micWaiters
	p.micWaiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- granted
	}
	return len(waiters) > 0
}

func (p *peer) dropWaiter(ch chan bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.micWaiters {
		if w == ch {
			p.micWaiters = append(p.micWaiters[:i], p.micWaiters[i+1:]...)
			return
		}
	}
}

// Navigate tells the browser to open path.
func (p *peer) Navigate(path string) {
	if err := p.send(outbound{Type: typeNavigate, Path: path}); err != nil {
		slog.Warn("Failed to send navigate", "user_id", p.userID, "path", path, "error", err)
	}
}

func (p *peer) sendError(msg string) {
	if err := p.send(outbound{Type: typeError, Error: msg}); err != nil {
		slog.Debug("Failed to send error frame", "user_id", p.userID, "error", err)
	}
}

func (p *peer) send(v outbound) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	return p.ws.Write(ctx, websocket.MessageText, data)
}
