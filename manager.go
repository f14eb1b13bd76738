// Package rtpmidi is a network MIDI transport: an implementation of the
// AppleMIDI / RTP-MIDI protocol suite for exchanging MIDI command streams
// over UDP with clock alignment. The Manager in this package is a thin
// façade over the session, discovery and storage layers; most of the
// machinery lives in the session and protocol packages.
package rtpmidi

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/djgod01/rtpmidi/discovery"
	"github.com/djgod01/rtpmidi/session"
)

// Manager owns a set of sessions and wires them to mDNS discovery and
// optional persistence. Construct one per process component that needs its
// own session set; there is no process-wide instance.
type Manager struct {
	log       *zap.Logger
	discovery *discovery.Service
	storage   Storage

	mu       sync.Mutex
	sessions []*session.Session
}

// NewManager creates a manager. Logger and storage may be nil; a nil
// storage disables Save and Restore.
func NewManager(logger *zap.Logger, storage Storage) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		log:       logger.Named("manager"),
		discovery: discovery.New(logger),
		storage:   storage,
	}
}

// Discovery exposes the mDNS collaborator for browse callbacks.
func (m *Manager) Discovery() *discovery.Service { return m.discovery }

// StartDiscovery begins browsing for remote sessions.
func (m *Manager) StartDiscovery(ctx context.Context) error {
	return m.discovery.Browse(ctx)
}

// CreateSession constructs a session, and when start is set binds its
// sockets and publishes it if the configuration asks for that.
func (m *Manager) CreateSession(cfg session.Config, start bool) (*session.Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	s := session.New(cfg)

	if start {
		if err := s.Start(); err != nil {
			s.End()
			return nil, err
		}
		if s.Published() {
			if err := m.discovery.Publish(s); err != nil {
				m.log.Warn("mdns publish failed", zap.Error(err))
			}
		}
	}

	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	return s, nil
}

// RemoveSession withdraws the session's advertisement and ends it.
func (m *Manager) RemoveSession(s *session.Session) {
	m.mu.Lock()
	for i, other := range m.sessions {
		if other == s {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.discovery.Unpublish(s)
	s.End()
}

// Sessions returns a snapshot of the managed sessions.
func (m *Manager) Sessions() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// Save writes every managed session's configuration, including the control
// addresses of its connected streams, to storage.
func (m *Manager) Save() error {
	if m.storage == nil {
		return fmt.Errorf("no storage configured")
	}

	var configs []SessionConfig
	for _, s := range m.Sessions() {
		cfg := SessionConfig{
			BonjourName: s.BonjourName(),
			LocalName:   s.LocalName(),
			SSRC:        s.SSRC(),
			Port:        s.Port(),
			Published:   s.Published(),
			Activated:   s.Started(),
		}
		for _, st := range s.Streams() {
			if addr := st.RemoteAddr(); addr != nil {
				cfg.Streams = append(cfg.Streams, StreamConfig{
					Address: addr.IP.String(),
					Port:    addr.Port,
				})
			}
		}
		configs = append(configs, cfg)
	}
	return m.storage.Write(configs)
}

// Restore reads stored session configurations, recreating each session and
// redialing its streams when it was activated.
func (m *Manager) Restore() error {
	if m.storage == nil {
		return fmt.Errorf("no storage configured")
	}
	configs, err := m.storage.Read()
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		s, err := m.CreateSession(session.Config{
			BonjourName: cfg.BonjourName,
			LocalName:   cfg.LocalName,
			SSRC:        cfg.SSRC,
			Port:        cfg.Port,
			Published:   cfg.Published,
		}, cfg.Activated)
		if err != nil {
			return fmt.Errorf("restore session %q: %w", cfg.BonjourName, err)
		}
		if !cfg.Activated {
			continue
		}
		for _, stream := range cfg.Streams {
			ip := net.ParseIP(stream.Address)
			if ip == nil {
				m.log.Warn("skipping stored stream with bad address",
					zap.String("address", stream.Address))
				continue
			}
			s.Connect(&net.UDPAddr{IP: ip, Port: stream.Port})
		}
	}
	return nil
}

// Shutdown ends every session and stops discovery.
func (m *Manager) Shutdown() {
	for _, s := range m.Sessions() {
		m.RemoveSession(s)
	}
	m.discovery.Stop()
}
