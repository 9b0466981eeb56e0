package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/mqttlink/internal/infrastructure/config"
	"github.com/nerrad567/mqttlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttlink/internal/statecache"
)

// ConnectorFactory builds the connector for one broker target.
type ConnectorFactory func(target string, opts mqtt.Options) Connector

// Manager keeps at most one live session per configured broker target.
//
// Sessions are created on first use; concurrent first uses of the same
// target share a single connect. A session is dropped from the manager when
// it closes, whether explicitly or after an unrecoverable failure.
type Manager struct {
	cfg      config.MQTTConfig
	cache    *statecache.Cache
	logger   Logger
	observer Observer
	connect  ConnectorFactory

	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCache sets the device state cache updated by every session.
func WithCache(c *statecache.Cache) ManagerOption {
	return func(m *Manager) { m.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithObserver sets the observer shared by every session.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithConnectorFactory replaces the network connector. Tests use it to
// point sessions at an in-process broker.
func WithConnectorFactory(f ConnectorFactory) ManagerOption {
	return func(m *Manager) { m.connect = f }
}

// NewManager creates a manager for the targets in cfg.
func NewManager(cfg config.MQTTConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   noopLogger{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.connect == nil {
		logger := m.logger
		m.connect = func(_ string, o mqtt.Options) Connector {
			return mqtt.NewConnector(o, mqtt.WithLogger(logger))
		}
	}
	return m
}

// Targets returns the configured target names, sorted.
func (m *Manager) Targets() []string {
	return m.cfg.TargetNames()
}

// Session returns the live session for id, connecting it first if needed.
func (m *Manager) Session(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	target, ok := m.cfg.Target(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}

	v, err, _ := m.group.Do(id, func() (any, error) {
		if s, ok := m.Get(id); ok {
			return s, nil
		}

		s := New(Deps{
			ID:        id,
			Connector: m.connect(id, mqtt.NewOptions(target, m.cfg)),
			Config:    m.cfg,
			Cache:     m.cache,
			Logger:    m.logger,
			Observer:  m.observer,
			OnClosed:  m.forget,
		})
		if err := s.Start(ctx); err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns the live session for id without creating one.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Status returns the status of the session for id. A known target with no
// live session reports a disconnected placeholder.
func (m *Manager) Status(id string) (Status, error) {
	if s, ok := m.Get(id); ok {
		return s.Status(), nil
	}
	target, ok := m.cfg.Target(id)
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	return Status{
		SessionID:     id,
		State:         StateDisconnected,
		Subscriptions: []string{},
		Broker:        mqtt.NewOptions(target, m.cfg).BrokerURL(),
		ClientID:      target.Broker.ClientID,
	}, nil
}

// Disconnect closes the session for id. Disconnecting a known target with
// no live session is a no-op.
func (m *Manager) Disconnect(id string) error {
	s, ok := m.Get(id)
	if !ok {
		if _, known := m.cfg.Target(id); !known {
			return fmt.Errorf("%w: %q", ErrUnknownSession, id)
		}
		return nil
	}
	return s.Close()
}

// List returns the status of every live session, ordered by ID.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// CloseAll closes every live session in parallel.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(s.Close)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("closing sessions: %w", ctx.Err())
	}
}

// forget drops s if it is still the registered session for its ID.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID()]; ok && cur == s {
		delete(m.sessions, s.ID())
	}
}
