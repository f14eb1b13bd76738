package session

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djgod01/rtpmidi/protocol"
)

// streamState tracks the handshake progress of a stream.
type streamState int

const (
	stateIdle streamState = iota
	stateInvitingControl
	stateInvitingData
	stateSyncing
	stateConnected
	stateClosed
)

// Stream is one peer relationship inside a Session: the invitation
// handshake, clock synchronization, sequence tracking and MIDI transmission
// for a single remote endpoint. All protocol state is mutated on the owning
// session's loop; the mutex guards only the fields exposed through getters.
type Stream struct {
	session *Session
	log     *zap.Logger

	mu sync.RWMutex

	state       streamState
	token       uint32
	peerSSRC    uint32
	peerName    string
	rinfo1      *net.UDPAddr // peer control channel
	rinfo2      *net.UDPAddr // peer data channel
	isInitiator bool

	lastSentSeq      uint16
	firstReceivedSeq int32 // -1 until the first MIDI packet
	lastReceivedSeq  int32
	lostSeqNums      []uint16

	latency        int64 // ticks; valid only when timingKnown
	timeDifference int64
	timingKnown    bool

	syncSamples    int
	pendingSyncs   int
	inviteAttempts int
	bitrateLimit   uint32

	inviteTimer   *timer
	syncTimer     *timer
	feedbackTimer *timer
}

func newStream(s *Session) *Stream {
	return &Stream{
		session:          s,
		log:              s.log.Named("stream"),
		state:            stateIdle,
		lastSentSeq:      uint16(randomUint32()),
		firstReceivedSeq: -1,
		lastReceivedSeq:  -1,
	}
}

// ---------------------------------------------------------------------------
// Getters (safe from any goroutine)
// ---------------------------------------------------------------------------

// PeerName returns the remote endpoint's display name.
func (st *Stream) PeerName() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.peerName
}

// PeerSSRC returns the remote SSRC, zero until the handshake has learned it.
func (st *Stream) PeerSSRC() uint32 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.peerSSRC
}

// Token returns the invitation token binding the two channels.
func (st *Stream) Token() uint32 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.token
}

// RemoteAddr returns the peer's control-channel address, nil before the
// handshake has bound it.
func (st *Stream) RemoteAddr() *net.UDPAddr {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rinfo1
}

// IsConnected reports whether both channels have been reciprocated.
func (st *Stream) IsConnected() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state == stateSyncing || st.state == stateConnected
}

// IsInitiator reports whether the local side sent the invitation.
func (st *Stream) IsInitiator() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.isInitiator
}

// Latency returns the measured round-trip and whether it is known yet.
func (st *Stream) Latency() (time.Duration, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return time.Duration(st.latency) * time.Second / Rate, st.timingKnown
}

// TimeDifference returns the peer-to-local clock offset in session ticks
// and whether it is known yet.
func (st *Stream) TimeDifference() (int64, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.timeDifference, st.timingKnown
}

func (st *Stream) setState(state streamState) {
	st.mu.Lock()
	st.state = state
	st.mu.Unlock()
}

func (st *Stream) setPeer(ssrc uint32, name string) {
	st.mu.Lock()
	st.peerSSRC = ssrc
	st.peerName = name
	st.mu.Unlock()
}

func (st *Stream) setTiming(latency, timeDifference int64) {
	st.mu.Lock()
	st.latency = latency
	st.timeDifference = timeDifference
	st.timingKnown = true
	st.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Initiator
// ---------------------------------------------------------------------------

// connect starts the handshake toward addr (the peer's control port).
// Loop-only.
func (st *Stream) connect(addr *net.UDPAddr) {
	st.mu.Lock()
	st.isInitiator = true
	st.token = randomUint32()
	st.rinfo1 = addr
	st.state = stateInvitingControl
	st.mu.Unlock()

	st.log.Info("inviting remote session",
		zap.String("addr", addr.String()),
		zap.Uint32("token", st.token))
	st.sendInvitation(addr)
	st.inviteTimer = st.session.after(invitationInterval, st.retryInvitation)
}

func (st *Stream) retryInvitation() {
	var target *net.UDPAddr
	switch st.state {
	case stateInvitingControl:
		target = st.rinfo1
	case stateInvitingData:
		target = st.rinfo2
	default:
		return
	}

	st.inviteAttempts++
	if st.inviteAttempts >= maxInvitations {
		st.log.Warn("invitation unanswered, giving up",
			zap.String("addr", target.String()),
			zap.Int("attempts", st.inviteAttempts))
		st.session.removeStream(st)
		return
	}
	st.sendInvitation(target)
	st.inviteTimer = st.session.after(invitationInterval, st.retryInvitation)
}

func (st *Stream) sendInvitation(to *net.UDPAddr) {
	st.sendExchange(protocol.CommandInvitation, to)
}

func (st *Stream) sendExchange(cmd protocol.ControlCommand, to *net.UDPAddr) {
	pkt := &protocol.Exchange{
		Cmd:     cmd,
		Version: protocol.Version,
		Token:   st.token,
		SSRC:    st.session.ssrc,
		Name:    st.session.localName,
	}
	st.session.sendControl(pkt, to)
}

// ---------------------------------------------------------------------------
// Control dispatch
// ---------------------------------------------------------------------------

// controlHandlers maps each command code to its stream handler.
var controlHandlers = map[protocol.ControlCommand]func(*Stream, protocol.ControlPacket, *net.UDPAddr){
	protocol.CommandInvitation:          (*Stream).handleInvitation,
	protocol.CommandInvitationAccepted:  (*Stream).handleInvitationAccepted,
	protocol.CommandInvitationRejected:  (*Stream).handleInvitationRejected,
	protocol.CommandEnd:                 (*Stream).handleEnd,
	protocol.CommandSynchronization:     (*Stream).handleSynchronization,
	protocol.CommandReceiverFeedback:    (*Stream).handleReceiverFeedback,
	protocol.CommandBitrateReceiveLimit: (*Stream).handleBitrateReceiveLimit,
}

// handleControl routes a parsed control packet. Loop-only.
func (st *Stream) handleControl(pkt protocol.ControlPacket, from *net.UDPAddr) {
	if st.state == stateClosed {
		return
	}
	if handler, ok := controlHandlers[pkt.Command()]; ok {
		handler(st, pkt, from)
	}
}

// handleInvitation runs the acceptor side: the first invitation binds the
// control channel, the second binds the data channel and completes the
// handshake.
func (st *Stream) handleInvitation(pkt protocol.ControlPacket, from *net.UDPAddr) {
	e := pkt.(*protocol.Exchange)

	switch {
	case st.rinfo1 == nil:
		st.mu.Lock()
		st.token = e.Token
		st.peerSSRC = e.SSRC
		st.peerName = e.Name
		st.rinfo1 = from
		st.state = stateInvitingData
		st.mu.Unlock()
		st.log.Info("control channel invitation",
			zap.String("peer", e.Name),
			zap.Uint32("ssrc", e.SSRC),
			zap.String("addr", from.String()))
		st.sendExchange(protocol.CommandInvitationAccepted, from)

	case st.rinfo2 == nil:
		st.mu.Lock()
		st.rinfo2 = from
		st.state = stateSyncing
		st.mu.Unlock()
		st.sendExchange(protocol.CommandInvitationAccepted, from)
		st.log.Info("data channel invitation, stream connected",
			zap.String("peer", st.peerName),
			zap.String("addr", from.String()))
		st.session.emitStreamAdded(st)

	default:
		// Duplicate invitation: the peer may have missed our acceptance.
		st.sendExchange(protocol.CommandInvitationAccepted, from)
	}
}

// handleInvitationAccepted runs the initiator side of the dual-channel
// handshake.
func (st *Stream) handleInvitationAccepted(pkt protocol.ControlPacket, from *net.UDPAddr) {
	e := pkt.(*protocol.Exchange)
	if !st.isInitiator {
		return
	}

	switch st.state {
	case stateInvitingControl:
		st.setPeer(e.SSRC, e.Name)
		data := &net.UDPAddr{IP: st.rinfo1.IP, Port: st.rinfo1.Port + 1, Zone: st.rinfo1.Zone}
		st.mu.Lock()
		st.rinfo2 = data
		st.state = stateInvitingData
		st.mu.Unlock()
		st.log.Info("control channel accepted",
			zap.String("peer", e.Name),
			zap.Uint32("ssrc", e.SSRC))
		st.sendInvitation(data)

	case stateInvitingData:
		st.inviteTimer.stop()
		st.setState(stateSyncing)
		st.log.Info("data channel accepted, stream connected",
			zap.String("peer", st.peerName))
		st.session.emitStreamAdded(st)
		st.runSync()
	}
}

func (st *Stream) handleInvitationRejected(pkt protocol.ControlPacket, from *net.UDPAddr) {
	e := pkt.(*protocol.Exchange)
	st.log.Info("invitation rejected",
		zap.String("peer", e.Name),
		zap.String("addr", from.String()))
	st.session.removeStream(st)
}

func (st *Stream) handleEnd(pkt protocol.ControlPacket, from *net.UDPAddr) {
	st.log.Info("peer ended stream", zap.String("peer", st.peerName))
	st.session.removeStream(st)
}

func (st *Stream) handleReceiverFeedback(pkt protocol.ControlPacket, from *net.UDPAddr) {
	rs := pkt.(*protocol.ReceiverFeedback)
	st.log.Debug("receiver feedback",
		zap.Uint16("sequence", rs.SequenceNumber))
}

func (st *Stream) handleBitrateReceiveLimit(pkt protocol.ControlPacket, from *net.UDPAddr) {
	rl := pkt.(*protocol.BitrateReceiveLimit)
	st.bitrateLimit = rl.Limit
	st.log.Debug("bitrate receive limit", zap.Uint32("limit", rl.Limit))
}

// ---------------------------------------------------------------------------
// Clock synchronization
// ---------------------------------------------------------------------------

// runSync sends a CK count=0 and arms the next cycle. Initiator only.
func (st *Stream) runSync() {
	if !st.IsConnected() || !st.isInitiator {
		return
	}

	st.pendingSyncs++
	if st.pendingSyncs > maxPendingSyncs {
		st.log.Warn("clock sync unanswered, dropping stream",
			zap.String("peer", st.peerName),
			zap.Int("pending", st.pendingSyncs))
		st.session.removeStream(st)
		return
	}

	st.sendSync(&protocol.Synchronization{
		SSRC:       st.session.ssrc,
		Count:      0,
		Timestamp1: st.session.clock.Ticks(),
	})
	st.scheduleSync()
}

// scheduleSync arms the next sync cycle: a tight cadence until the exchange
// has converged on enough samples, then a slow drift-tracking cadence.
func (st *Stream) scheduleSync() {
	st.syncTimer.stop()
	d := syncIntervalWarmup
	if st.timingKnown && st.syncSamples >= syncWarmupSamples {
		d = syncIntervalSteady
	}
	st.syncTimer = st.session.after(d, st.runSync)
}

func (st *Stream) handleSynchronization(pkt protocol.ControlPacket, from *net.UDPAddr) {
	ck := pkt.(*protocol.Synchronization)

	switch ck.Count {
	case 0:
		st.sendSync(&protocol.Synchronization{
			SSRC:       st.session.ssrc,
			Count:      1,
			Timestamp1: ck.Timestamp1,
			Timestamp2: st.session.clock.Ticks(),
		})

	case 1:
		now := st.session.clock.Ticks()
		latency := now - ck.Timestamp1
		st.setTiming(latency, now-ck.Timestamp2-latency)
		st.pendingSyncs = 0
		st.syncSamples++
		st.sendSync(&protocol.Synchronization{
			SSRC:       st.session.ssrc,
			Count:      2,
			Timestamp1: ck.Timestamp1,
			Timestamp2: ck.Timestamp2,
			Timestamp3: now,
		})
		if st.state == stateSyncing {
			st.setState(stateConnected)
		}
		st.logTiming()

	case 2:
		latency := ck.Timestamp3 - ck.Timestamp1
		st.setTiming(latency, ck.Timestamp3-ck.Timestamp2-latency)
		st.syncSamples++
		if st.state == stateSyncing {
			st.setState(stateConnected)
		}
		st.logTiming()
	}
}

func (st *Stream) logTiming() {
	st.log.Debug("clock sync sample",
		zap.Int64("latency", st.latency),
		zap.Int64("timeDifference", st.timeDifference),
		zap.Int("samples", st.syncSamples))
}

func (st *Stream) sendSync(ck *protocol.Synchronization) {
	if st.rinfo2 == nil {
		return
	}
	st.session.sendControl(ck, st.rinfo2)
}

// ---------------------------------------------------------------------------
// MIDI receive path
// ---------------------------------------------------------------------------

// handleMIDI processes one inbound RTP-MIDI packet: sequence accounting,
// deferred receiver feedback, and per-command event delivery. Loop-only.
func (st *Stream) handleMIDI(pkt *protocol.MIDIPacket) {
	seq := pkt.Header.SequenceNumber

	if st.firstReceivedSeq < 0 {
		st.firstReceivedSeq = int32(seq)
	} else {
		if seq == uint16(st.lastReceivedSeq) {
			st.log.Debug("duplicate sequence number", zap.Uint16("sequence", seq))
			return
		}
		for missing := uint16(st.lastReceivedSeq) + 1; missing != seq; missing++ {
			st.lostSeqNums = append(st.lostSeqNums, missing)
		}
	}
	st.lastReceivedSeq = int32(seq)

	st.feedbackTimer.stop()
	st.feedbackTimer = st.session.after(feedbackDelay, st.sendReceiverFeedback)

	// Map the peer's RTP timestamp onto the local clock, then walk the
	// delta-times to place each command.
	base := int64(pkt.Header.Timestamp)
	if st.timingKnown {
		base += st.timeDifference - st.latency
	}
	eventTime := base
	for _, cmd := range pkt.MIDI.Commands {
		eventTime += int64(cmd.DeltaTime)
		st.session.emitMessage(eventTime, cmd.Data)
	}
}

// sendReceiverFeedback reports the highest received sequence number and
// clears the loss list.
func (st *Stream) sendReceiverFeedback() {
	if st.lastReceivedSeq < 0 || st.rinfo1 == nil {
		return
	}
	if n := len(st.lostSeqNums); n > 0 {
		st.log.Debug("lost packets since last feedback", zap.Int("count", n))
	}
	st.session.sendControl(&protocol.ReceiverFeedback{
		SSRC:           st.session.ssrc,
		SequenceNumber: uint16(st.lastReceivedSeq),
	}, st.rinfo1)
	st.lostSeqNums = nil
}

// ---------------------------------------------------------------------------
// MIDI send path
// ---------------------------------------------------------------------------

// sendMIDI transmits one RTP-MIDI packet to the peer. Messages are dropped
// while the stream is not connected or the clock exchange has not produced
// latency and offset — resending later would break their timing. Loop-only.
func (st *Stream) sendMIDI(timestamp uint32, commands []protocol.Command) {
	if !st.IsConnected() || !st.timingKnown {
		st.log.Debug("dropping outbound MIDI, stream not ready",
			zap.Bool("connected", st.IsConnected()),
			zap.Bool("clockSynced", st.timingKnown))
		return
	}

	st.lastSentSeq++
	pkt := &protocol.MIDIPacket{}
	pkt.Header.SequenceNumber = st.lastSentSeq
	pkt.Header.Timestamp = timestamp
	pkt.Header.SSRC = st.session.ssrc
	pkt.MIDI.Commands = commands

	buf, err := pkt.Marshal()
	if err != nil {
		st.log.Error("failed to encode RTP-MIDI packet", zap.Error(err))
		return
	}
	st.session.sendRaw(buf, st.rinfo2)
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// end cancels all timers and, when the stream is connected and sendBye is
// set, notifies the peer. Loop-only.
func (st *Stream) end(sendBye bool) {
	st.inviteTimer.stop()
	st.syncTimer.stop()
	st.feedbackTimer.stop()

	if sendBye && st.IsConnected() && st.rinfo1 != nil {
		st.sendExchange(protocol.CommandEnd, st.rinfo1)
	}
	st.setState(stateClosed)
}
