// Package kv provides durable, namespaced key/value storage for one learner.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/capycode/internal/domain"
	"github.com/ashureev/capycode/internal/store"
)

// Prefix namespaces and versions every key written by this package.
const Prefix = "capycode/v1/"

// Known record names.
const (
	NamePlan         = "plan"
	NameFramework    = "framework"
	NameConversation = "conversation"
	NameContext      = "context"
)

// Names returns the record names exposed over the storage API.
func Names() []string {
	return []string{NamePlan, NameFramework, NameConversation, NameContext}
}

// ValidName reports whether name is a known record name.
func ValidName(name string) bool {
	switch name {
	case NamePlan, NameFramework, NameConversation, NameContext:
		return true
	}
	return false
}

// Key returns the namespaced storage key for name.
func Key(name string) string {
	return Prefix + name
}

// Store is a synchronous string key/value store. Values survive restarts
// when backed by Repo.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// defaultTimeout bounds each repository call made through Repo.
const defaultTimeout = 5 * time.Second

// Repo is a Store backed by the SQLite repository and scoped to one learner.
type Repo struct {
	repo    store.Repository
	userID  string
	timeout time.Duration
}

// NewRepo creates a Store for userID.
func NewRepo(repo store.Repository, userID string) *Repo {
	return &Repo{repo: repo, userID: userID, timeout: defaultTimeout}
}

func (r *Repo) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	v, ok, err := r.repo.GetRecord(ctx, r.userID, key)
	if err != nil {
		slog.Warn("failed to read stored record", "user_id", r.userID, "key", key, "error", err)
		return "", false
	}
	return v, ok
}

func (r *Repo) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.repo.PutRecord(ctx, r.userID, key, value)
}

func (r *Repo) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.repo.DeleteRecord(ctx, r.userID, key)
}

func save(s Store, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := s.Set(Key(name), string(data)); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

func load(s Store, name string, v any) bool {
	raw, ok := s.Get(Key(name))
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		slog.Warn("discarding malformed stored value", "key", Key(name), "error", err)
		return false
	}
	return true
}

// SavePlan stores the latest coaching plan.
func SavePlan(s Store, plan string) error {
	return save(s, NamePlan, plan)
}

// LoadPlan returns the stored plan, or "" when unset.
func LoadPlan(s Store) string {
	var plan string
	load(s, NamePlan, &plan)
	return plan
}

// SaveFramework stores the selected framework.
func SaveFramework(s Store, f domain.Framework) error {
	return save(s, NameFramework, f)
}

// LoadFramework returns the stored framework, or the default when unset or invalid.
func LoadFramework(s Store) domain.Framework {
	var f domain.Framework
	if !load(s, NameFramework, &f) || !f.Valid() {
		return domain.DefaultFramework
	}
	return f
}

// SaveTranscript stores the full conversation transcript.
func SaveTranscript(s Store, messages []domain.Message) error {
	if messages == nil {
		messages = []domain.Message{}
	}
	return save(s, NameConversation, messages)
}

// LoadTranscript returns the stored transcript, or nil when unset.
func LoadTranscript(s Store) []domain.Message {
	var messages []domain.Message
	load(s, NameConversation, &messages)
	return messages
}

// SaveContext stores the sandbox context blob.
func SaveContext(s Store, blob map[string]any) error {
	return save(s, NameContext, blob)
}

// LoadContext returns the stored sandbox context. Unset or malformed
// values yield an empty object.
func LoadContext(s Store) map[string]any {
	blob := map[string]any{}
	if !load(s, NameContext, &blob) || blob == nil {
		return map[string]any{}
	}
	return blob
}
