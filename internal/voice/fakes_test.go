package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ashureev/capycode/internal/domain"
)

type fakeConn struct {
	mu       sync.Mutex
	ended    int
	muted    []bool
	audio    [][]byte
	activity atomic.Int32
}

func (f *fakeConn) End(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return nil
}

func (f *fakeConn) SetMicMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = append(f.muted, muted)
}

func (f *fakeConn) SendUserActivity(context.Context) error {
	f.activity.Add(1)
	return nil
}

func (f *fakeConn) SendAudio(_ context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, chunk)
	return nil
}

func (f *fakeConn) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeConn) mutedHistory() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.muted...)
}

type fakeConversation struct {
	mu     sync.Mutex
	err    error
	block  chan struct{}
	starts []StartOptions
	conns  []*fakeConn
}

func (f *fakeConversation) Start(ctx context.Context, opts StartOptions) (Connection, error) {
	f.mu.Lock()
	f.starts = append(f.starts, opts)
	block, err := f.block, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := &fakeConn{}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeConversation) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeConversation) last() (StartOptions, *fakeConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conn *fakeConn
	if len(f.conns) > 0 {
		conn = f.conns[len(f.conns)-1]
	}
	return f.starts[len(f.starts)-1], conn
}

type fakeMic struct {
	deny bool
}

func (f fakeMic) RequestAccess(context.Context) error {
	if f.deny {
		return errors.New("permission denied")
	}
	return nil
}

type fakeNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeNavigator) Navigate(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
}

func (f *fakeNavigator) visited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakePlanner struct {
	plan string
	err  error
	wait bool

	mu        sync.Mutex
	goal      string
	framework domain.Framework
}

func (f *fakePlanner) CreatePlan(ctx context.Context, goal string, framework domain.Framework) (string, error) {
	f.mu.Lock()
	f.goal, f.framework = goal, framework
	f.mu.Unlock()
	if f.wait {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.plan, f.err
}
