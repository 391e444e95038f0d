package studio

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry persists session metadata keyed by session id. Encoded media is
// not stored; it stays with the recorder that produced it.
type Registry interface {
	Save(ctx context.Context, session *RecordingSession) error
	Load(ctx context.Context, id string) (*RecordingSession, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// Registry kinds accepted by NewRegistry.
const (
	RegistryMemory = "memory"
	RegistryFile   = "file"
	RegistryRedis  = "redis"
)

// RegistryConfig selects and configures a registry.
type RegistryConfig struct {
	Kind string `mapstructure:"kind"`
	Dir  string `mapstructure:"dir"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// NewRegistry creates the registry described by config.
func NewRegistry(config RegistryConfig) (Registry, error) {
	switch config.Kind {
	case "", RegistryMemory:
		return NewMemoryRegistry(), nil
	case RegistryFile:
		return NewFileRegistry(config.Dir)
	case RegistryRedis:
		return NewRedisRegistry(config), nil
	default:
		return nil, fmt.Errorf("registry kind %q: %w", config.Kind, ErrNotSupported)
	}
}

// MemoryRegistry keeps sessions in process memory.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*RecordingSession
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]*RecordingSession)}
}

func (m *MemoryRegistry) Save(_ context.Context, session *RecordingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = metadataOnly(session)
	return nil
}

func (m *MemoryRegistry) Load(_ context.Context, id string) (*RecordingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	delete(m.sessions, id)
	return nil
}

// metadataOnly copies session without segment payloads.
func metadataOnly(session *RecordingSession) *RecordingSession {
	c := session.Clone()
	for i := range c.Segments {
		c.Segments[i].Data = nil
	}
	return c
}
