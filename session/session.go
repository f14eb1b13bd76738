package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djgod01/rtpmidi/protocol"
)

// DefaultPort is the control port used when the configuration leaves it
// zero. The data channel always binds the next (odd) port.
const DefaultPort = 5004

// maxDatagramSize bounds a single UDP read.
const maxDatagramSize = 65507

// Config carries the construction parameters of a Session. Zero values fall
// back to the stated defaults.
type Config struct {
	// LocalName is the display name sent in session exchange packets.
	// Defaults to the bonjour name.
	LocalName string
	// BonjourName is the name advertised over mDNS. Defaults to LocalName.
	BonjourName string
	// Port is the even control port; the data channel uses Port+1.
	// Defaults to DefaultPort.
	Port int
	// SSRC identifies this endpoint; zero picks a random value.
	SSRC uint32
	// IPVersion selects the socket family, 4 (default) or 6.
	IPVersion int
	// Published marks the session for mDNS advertisement. The session does
	// not publish itself; the manager acts on this flag once the session is
	// ready.
	Published bool
	// NoBundling disables flush-turn bundling: every queued command is
	// flushed immediately in its own packet.
	NoBundling bool
	// Logger receives the session's structured logs. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

// Handlers holds the application callbacks. All of them are invoked from
// the session loop, so they must not block.
type Handlers struct {
	// Ready fires once both UDP sockets are listening.
	Ready func()
	// Message delivers one received MIDI command: the delay until its
	// event time in seconds (negative when the event time has passed), the
	// raw MIDI bytes, and the absolute timestamp in session ticks since
	// the Unix epoch.
	Message func(delta float64, data []byte, timestamp uint64)
	// ControlMessage fires for every valid AppleMIDI control packet
	// received.
	ControlMessage func(pkt protocol.ControlPacket)
	// StreamAdded fires when a stream completes its handshake.
	StreamAdded func(st *Stream)
	// StreamRemoved fires when a stream ends, is rejected, or times out.
	StreamRemoved func(st *Stream)
	// Error receives transport failures that do not end the session.
	Error func(err error)
}

// queuedCommand is one pending outbound MIDI command with its logical
// timestamp in session ticks.
type queuedCommand struct {
	comexTime int64
	data      []byte
}

// Session owns the control and data UDP sockets, demultiplexes inbound
// datagrams to streams, and bundles outbound MIDI commands.
type Session struct {
	ssrc        uint32
	localName   string
	bonjourName string
	port        int
	ipVersion   int
	published   bool
	noBundling  bool

	clock *Clock
	log   *zap.Logger

	controlConn *net.UDPConn
	dataConn    *net.UDPConn

	calls   chan func()
	done    chan struct{}
	endOnce sync.Once

	handlers    Handlers
	streams     []*Stream
	queue       []queuedCommand
	flushQueued bool
	readyState  int
	started     bool
}

// New creates an unbound session from cfg.
func New(cfg Config) *Session {
	if cfg.LocalName == "" {
		cfg.LocalName = cfg.BonjourName
	}
	if cfg.BonjourName == "" {
		cfg.BonjourName = cfg.LocalName
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = randomUint32()
	}
	if cfg.IPVersion == 0 {
		cfg.IPVersion = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Session{
		ssrc:        cfg.SSRC,
		localName:   cfg.LocalName,
		bonjourName: cfg.BonjourName,
		port:        cfg.Port,
		ipVersion:   cfg.IPVersion,
		published:   cfg.Published,
		noBundling:  cfg.NoBundling,
		clock:       NewClock(),
		log:         cfg.Logger.Named("session").With(zap.Uint32("ssrc", cfg.SSRC)),
		calls:       make(chan func(), 128),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// SSRC returns the session's synchronization source identifier.
func (s *Session) SSRC() uint32 { return s.ssrc }

// LocalName returns the display name used in exchange packets.
func (s *Session) LocalName() string { return s.localName }

// BonjourName returns the name to advertise over mDNS.
func (s *Session) BonjourName() string { return s.bonjourName }

// Port returns the control port.
func (s *Session) Port() int { return s.port }

// Published reports whether the session wants mDNS advertisement.
func (s *Session) Published() bool { return s.published }

// Started reports whether Start has bound the sockets.
func (s *Session) Started() bool {
	var started bool
	s.call(func() { started = s.started })
	return started
}

// SetHandlers installs the application callbacks. Call before Start.
func (s *Session) SetHandlers(h Handlers) {
	s.post(func() { s.handlers = h })
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (s *Session) run() {
	for {
		select {
		case fn := <-s.calls:
			fn()
		case <-s.done:
			return
		}
	}
}

// post hands fn to the loop. It is a no-op once the session has ended.
func (s *Session) post(fn func()) {
	select {
	case s.calls <- fn:
	case <-s.done:
	}
}

// call posts fn and waits for it to run.
func (s *Session) call(fn func()) {
	ran := make(chan struct{})
	s.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
	case <-s.done:
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start binds the control and data sockets and begins serving. A bind
// failure is fatal to the session and returned here.
func (s *Session) Start() error {
	network := "udp4"
	if s.ipVersion == 6 {
		network = "udp6"
	}

	control, err := listenUDP(network, s.port)
	if err != nil {
		return fmt.Errorf("bind control port %d: %w", s.port, err)
	}
	data, err := listenUDP(network, s.port+1)
	if err != nil {
		control.Close()
		return fmt.Errorf("bind data port %d: %w", s.port+1, err)
	}

	s.call(func() {
		s.controlConn = control
		s.dataConn = data
		s.started = true
	})

	go s.readLoop(control)
	go s.readLoop(data)

	s.log.Info("session listening",
		zap.String("name", s.bonjourName),
		zap.Int("controlPort", s.port),
		zap.Int("dataPort", s.port+1))
	return nil
}

// listenUDP binds one reusable UDP socket.
func listenUDP(network string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), network, fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// readLoop pumps one socket into the session loop.
func (s *Session) readLoop(conn *net.UDPConn) {
	s.post(s.socketReady)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.post(func() { s.emitError(fmt.Errorf("udp read: %w", err)) })
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.post(func() { s.handleDatagram(data, addr) })
	}
}

func (s *Session) socketReady() {
	s.readyState++
	if s.readyState == 2 && s.handlers.Ready != nil {
		s.handlers.Ready()
	}
}

// End sends BY on every connected stream, closes both sockets and stops the
// loop. Safe to call more than once; the session cannot be restarted.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.call(func() {
			for _, st := range s.streams {
				st.end(true)
			}
			s.streams = nil
			if s.controlConn != nil {
				s.controlConn.Close()
			}
			if s.dataConn != nil {
				s.dataConn.Close()
			}
		})
		close(s.done)
		s.log.Info("session ended")
	})
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

// Connect creates a stream and drives the handshake toward addr, the
// remote control endpoint.
func (s *Session) Connect(addr *net.UDPAddr) *Stream {
	st := newStream(s)
	s.call(func() {
		s.streams = append(s.streams, st)
		st.connect(addr)
	})
	return st
}

// Streams returns a snapshot of the connected streams.
func (s *Session) Streams() []*Stream {
	var out []*Stream
	s.call(func() {
		for _, st := range s.streams {
			if st.IsConnected() {
				out = append(out, st)
			}
		}
	})
	return out
}

// streamFor finds the stream matching a peer SSRC or invitation token.
// The token form matters before an initiator has learned the peer's SSRC.
func (s *Session) streamFor(ssrc, token uint32) *Stream {
	for _, st := range s.streams {
		if (ssrc != 0 && st.peerSSRC == ssrc) || (token != 0 && st.token == token) {
			return st
		}
	}
	return nil
}

// removeStream tears a stream down without notifying the peer and fires
// StreamRemoved. Loop-only.
func (s *Session) removeStream(st *Stream) {
	for i, other := range s.streams {
		if other == st {
			s.streams = append(s.streams[:i], s.streams[i+1:]...)
			st.end(false)
			if s.handlers.StreamRemoved != nil {
				s.handlers.StreamRemoved(st)
			}
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound demultiplex
// ---------------------------------------------------------------------------

// handleDatagram routes one datagram: control packets by magic bytes, then
// RTP-MIDI by SSRC. Invalid datagrams are dropped silently. Loop-only.
func (s *Session) handleDatagram(buf []byte, from *net.UDPAddr) {
	if protocol.IsControl(buf) {
		pkt, err := protocol.ParseControl(buf)
		if err != nil {
			s.log.Debug("dropping invalid control packet",
				zap.String("from", from.String()), zap.Error(err))
			return
		}
		s.handleControl(pkt, from)
		return
	}

	pkt, err := protocol.ParseMIDIPacket(buf)
	if err != nil {
		s.log.Debug("dropping invalid datagram",
			zap.String("from", from.String()), zap.Error(err))
		return
	}
	if st := s.streamFor(pkt.Header.SSRC, 0); st != nil {
		st.handleMIDI(pkt)
	}
}

func (s *Session) handleControl(pkt protocol.ControlPacket, from *net.UDPAddr) {
	if s.handlers.ControlMessage != nil {
		s.handlers.ControlMessage(pkt)
	}

	ssrc, token := controlIdentity(pkt)
	st := s.streamFor(ssrc, token)
	if st == nil {
		e, ok := pkt.(*protocol.Exchange)
		if !ok || e.Cmd != protocol.CommandInvitation {
			s.log.Debug("control packet for unknown stream",
				zap.String("command", pkt.Command().String()),
				zap.Uint32("ssrc", ssrc))
			return
		}
		st = newStream(s)
		s.streams = append(s.streams, st)
	}
	st.handleControl(pkt, from)
}

// controlIdentity extracts the SSRC and, for exchange packets, the token
// used to correlate a control packet with a stream.
func controlIdentity(pkt protocol.ControlPacket) (ssrc, token uint32) {
	switch p := pkt.(type) {
	case *protocol.Exchange:
		return p.SSRC, p.Token
	case *protocol.Synchronization:
		return p.SSRC, 0
	case *protocol.ReceiverFeedback:
		return p.SSRC, 0
	case *protocol.BitrateReceiveLimit:
		return p.SSRC, 0
	}
	return 0, 0
}

// ---------------------------------------------------------------------------
// Outbound MIDI
// ---------------------------------------------------------------------------

// SendMessage queues raw MIDI bytes for transmission to every connected
// stream at the current session time.
func (s *Session) SendMessage(data []byte) {
	s.SendMessageAt(time.Time{}, data)
}

// SendMessageAt queues raw MIDI bytes stamped with the given wall-clock
// instant. A zero instant means "now".
func (s *Session) SendMessageAt(at time.Time, data []byte) {
	msg := make([]byte, len(data))
	copy(msg, data)
	s.post(func() {
		ticks := s.clock.Ticks()
		if !at.IsZero() {
			ticks = s.clock.TicksAt(at)
		}
		s.queue = append(s.queue, queuedCommand{comexTime: ticks, data: msg})
		if s.noBundling {
			s.flushQueue()
			return
		}
		if !s.flushQueued {
			s.flushQueued = true
			s.deferTurn(s.flushQueue)
		}
	})
}

// flushQueue drains the pending commands into one RTP-MIDI packet per
// connected stream. Deltas on the wire are strictly relative: each command
// carries the distance to its predecessor, the first one its distance to
// the packet base. Loop-only.
func (s *Session) flushQueue() {
	q := s.queue
	s.queue = nil
	s.flushQueued = false
	if len(q) == 0 {
		return
	}

	now := s.clock.Ticks()
	commands := bundleCommands(q, now)
	timestamp := uint32(now)
	for _, st := range s.streams {
		if st.IsConnected() {
			st.sendMIDI(timestamp, commands)
		}
	}
}

// bundleCommands orders queued commands by their logical timestamps and
// rewrites each one's delta as the distance to its predecessor; the first
// command's delta is its distance to the packet base, the earlier of the
// first timestamp and now.
func bundleCommands(q []queuedCommand, now int64) []protocol.Command {
	sort.SliceStable(q, func(i, j int) bool { return q[i].comexTime < q[j].comexTime })

	base := q[0].comexTime
	if now < base {
		base = now
	}

	commands := make([]protocol.Command, 0, len(q))
	prev := base
	for _, c := range q {
		delta := c.comexTime - prev
		if delta < 0 {
			delta = 0
		}
		prev = c.comexTime
		commands = append(commands, protocol.Command{DeltaTime: uint32(delta), Data: c.data})
	}
	return commands
}

// ---------------------------------------------------------------------------
// Socket send paths
// ---------------------------------------------------------------------------

// sendControl serializes and transmits a control packet. Loop-only.
func (s *Session) sendControl(pkt protocol.ControlPacket, to *net.UDPAddr) {
	buf, err := pkt.Marshal()
	if err != nil {
		s.emitError(fmt.Errorf("encode %s: %w", pkt.Command(), err))
		return
	}
	s.sendRaw(buf, to)
}

// sendRaw picks the socket by destination port parity: AppleMIDI control
// ports are even, data ports odd. Send errors are reported and the
// datagram dropped. Loop-only.
func (s *Session) sendRaw(buf []byte, to *net.UDPAddr) {
	if to == nil {
		return
	}
	conn := s.controlConn
	if to.Port%2 == 1 {
		conn = s.dataConn
	}
	if conn == nil {
		return
	}
	if _, err := conn.WriteToUDP(buf, to); err != nil {
		s.emitError(fmt.Errorf("udp send to %s: %w", to, err))
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (s *Session) emitStreamAdded(st *Stream) {
	if s.handlers.StreamAdded != nil {
		s.handlers.StreamAdded(st)
	}
}

// emitMessage converts an event time in session ticks into the
// application-facing pair: seconds until the event, and the absolute
// timestamp anchored at the wall-clock capture.
func (s *Session) emitMessage(eventTime int64, data []byte) {
	if s.handlers.Message == nil {
		return
	}
	delta := float64(eventTime-s.clock.Ticks()) / Rate
	s.handlers.Message(delta, data, uint64(s.clock.Origin()+eventTime))
}

func (s *Session) emitError(err error) {
	s.log.Warn("transport error", zap.Error(err))
	if s.handlers.Error != nil {
		s.handlers.Error(err)
	}
}

// randomUint32 draws 32 bits from the system CSPRNG.
func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:])
}
