// Package discovery advertises sessions over mDNS and browses for remote
// AppleMIDI endpoints using the _apple-midi._udp service type.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/djgod01/rtpmidi/session"
)

const (
	serviceType = "_apple-midi._udp"
	domain      = "local."
	ttlSeconds  = 20
)

// RemoteSession describes one discovered AppleMIDI endpoint.
type RemoteSession struct {
	Name      string
	Host      string
	Port      int
	Address   net.IP // IPv4, nil when the peer advertised none
	AddressV6 net.IP
}

// Addr returns the UDP control address of the remote session, preferring
// IPv4.
func (r RemoteSession) Addr() *net.UDPAddr {
	ip := r.Address
	if ip == nil {
		ip = r.AddressV6
	}
	return &net.UDPAddr{IP: ip, Port: r.Port}
}

// Handlers carries the browse notification callbacks.
type Handlers struct {
	RemoteSessionUp   func(RemoteSession)
	RemoteSessionDown func(RemoteSession)
}

// Service publishes local sessions and tracks remote ones.
type Service struct {
	log *zap.Logger

	mu       sync.Mutex
	servers  map[uint32]*zeroconf.Server
	remotes  map[string]RemoteSession
	handlers Handlers
	cancel   context.CancelFunc
}

// New creates an idle discovery service. A nil logger defaults to no-op.
func New(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		log:     logger.Named("discovery"),
		servers: make(map[uint32]*zeroconf.Server),
		remotes: make(map[string]RemoteSession),
	}
}

// SetHandlers installs the browse callbacks. Call before Browse.
func (d *Service) SetHandlers(h Handlers) {
	d.mu.Lock()
	d.handlers = h
	d.mu.Unlock()
}

// Publish registers the session's bonjour name and control port.
func (d *Service) Publish(s *session.Session) error {
	server, err := zeroconf.Register(s.BonjourName(), serviceType, domain, s.Port(), nil, nil)
	if err != nil {
		return fmt.Errorf("mdns register %q: %w", s.BonjourName(), err)
	}
	server.TTL(ttlSeconds)

	d.mu.Lock()
	if old, ok := d.servers[s.SSRC()]; ok {
		old.Shutdown()
	}
	d.servers[s.SSRC()] = server
	d.mu.Unlock()

	d.log.Info("published session",
		zap.String("name", s.BonjourName()),
		zap.Int("port", s.Port()))
	return nil
}

// Unpublish withdraws the session's advertisement.
func (d *Service) Unpublish(s *session.Session) {
	d.mu.Lock()
	server, ok := d.servers[s.SSRC()]
	delete(d.servers, s.SSRC())
	d.mu.Unlock()

	if ok {
		server.Shutdown()
		d.log.Info("unpublished session", zap.String("name", s.BonjourName()))
	}
}

// Browse starts watching for remote sessions until Stop (or ctx) ends it.
func (d *Service) Browse(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = cancel
	d.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	go func() {
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		cancel()
		return fmt.Errorf("mdns browse: %w", err)
	}
	return nil
}

// handleEntry folds one browse result into the remote table. A zero TTL is
// the goodbye record.
func (d *Service) handleEntry(entry *zeroconf.ServiceEntry) {
	remote := RemoteSession{
		Name: entry.Instance,
		Host: entry.HostName,
		Port: entry.Port,
	}
	if len(entry.AddrIPv4) > 0 {
		remote.Address = entry.AddrIPv4[0]
	}
	if len(entry.AddrIPv6) > 0 {
		remote.AddressV6 = entry.AddrIPv6[0]
	}

	d.mu.Lock()
	var notify func(RemoteSession)
	if entry.TTL == 0 {
		if _, known := d.remotes[remote.Name]; known {
			delete(d.remotes, remote.Name)
			notify = d.handlers.RemoteSessionDown
		}
	} else {
		_, known := d.remotes[remote.Name]
		d.remotes[remote.Name] = remote
		if !known {
			notify = d.handlers.RemoteSessionUp
		}
	}
	d.mu.Unlock()

	if notify != nil {
		d.log.Debug("remote session change",
			zap.String("name", remote.Name),
			zap.Int("port", remote.Port),
			zap.Uint32("ttl", entry.TTL))
		notify(remote)
	}
}

// RemoteSessions returns a snapshot of the discovered endpoints.
func (d *Service) RemoteSessions() []RemoteSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RemoteSession, 0, len(d.remotes))
	for _, r := range d.remotes {
		out = append(out, r)
	}
	return out
}

// Stop cancels browsing and withdraws every advertisement.
func (d *Service) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	servers := d.servers
	d.servers = make(map[uint32]*zeroconf.Server)
	d.mu.Unlock()

	for _, server := range servers {
		server.Shutdown()
	}
}
