package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matst80/showoff-agent/internal/obs"
)

// StateStore abstracts relay state to allow horizontal scaling: which
// session owns a public name and which sessions are connected.
type StateStore interface {
	// ClaimName reserves name for owner. It reports false when another owner
	// holds it; claiming a name already held by owner succeeds.
	ClaimName(ctx context.Context, name, owner string) (bool, error)
	// ReleaseName frees name if owner holds it.
	ReleaseName(ctx context.Context, name, owner string) error
	NameOwner(ctx context.Context, name string) (string, error)

	RegisterSession(ctx context.Context, info SessionInfo) error
	RemoveSession(ctx context.Context, id string) error
	Sessions(ctx context.Context) ([]SessionInfo, error)

	SetClosing(closing bool)
	SetReady(ready bool)
	IsClosing() bool
	IsReady() bool
	Close() error
}

// SessionInfo describes a connected agent.
type SessionInfo struct {
	ID          string    `json:"id"`
	Metadata    string    `json:"metadata,omitempty"`
	Client      string    `json:"client,omitempty"`
	Remote      string    `json:"remote"`
	Instance    string    `json:"instance,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// NewStateStore creates either an in-memory or Redis-backed state store based on configuration.
func NewStateStore(redisAddr, redisPassword string, redisDB int) (StateStore, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryState(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedisState(redisAddr, redisPassword, redisDB)
}

type memoryState struct {
	mu       sync.Mutex
	names    map[string]string // public name -> owning session id
	sessions map[string]SessionInfo
	closing  bool
	ready    bool
}

// NewMemoryState returns a StateStore local to this process.
func NewMemoryState() StateStore {
	return &memoryState{names: make(map[string]string), sessions: make(map[string]SessionInfo)}
}

func (s *memoryState) ClaimName(_ context.Context, name, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.names[name]; ok && cur != owner {
		return false, nil
	}
	s.names[name] = owner
	return true, nil
}

func (s *memoryState) ReleaseName(_ context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names[name] == owner {
		delete(s.names, name)
	}
	return nil
}

func (s *memoryState) NameOwner(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[name], nil
}

func (s *memoryState) RegisterSession(_ context.Context, info SessionInfo) error {
	s.mu.Lock()
	s.sessions[info.ID] = info
	s.mu.Unlock()
	return nil
}

func (s *memoryState) RemoveSession(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *memoryState) Sessions(context.Context) ([]SessionInfo, error) {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, v := range s.sessions {
		out = append(out, v)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryState) SetClosing(v bool) { s.mu.Lock(); s.closing = v; s.mu.Unlock() }
func (s *memoryState) SetReady(v bool)   { s.mu.Lock(); s.ready = v; s.mu.Unlock() }
func (s *memoryState) IsClosing() bool   { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *memoryState) IsReady() bool     { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }
func (s *memoryState) Close() error      { return nil }
