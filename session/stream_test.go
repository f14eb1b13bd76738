package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djgod01/rtpmidi/protocol"
)

// newTestSession builds an unbound session driven by a fake clock. Without
// Start the socket send paths are no-ops, so stream state machines can be
// exercised in isolation.
func newTestSession(t *testing.T) (*Session, *fakeTime) {
	t.Helper()
	s := New(Config{LocalName: "test", SSRC: 0x01020304})
	ft := newFakeTime()
	s.call(func() { s.clock = newClockAt(ft.now) })
	t.Cleanup(s.End)
	return s, ft
}

func midiPacket(seq uint16, timestamp uint32, commands ...protocol.Command) *protocol.MIDIPacket {
	pkt := &protocol.MIDIPacket{}
	pkt.Header.SequenceNumber = seq
	pkt.Header.Timestamp = timestamp
	pkt.Header.SSRC = 0x05060708
	pkt.MIDI.Commands = commands
	return pkt
}

func noteOn(delta uint32) protocol.Command {
	return protocol.Command{DeltaTime: delta, Data: []byte{0x90, 60, 100}}
}

func TestStreamLossDetection(t *testing.T) {
	s, _ := newTestSession(t)
	st := newStream(s)

	s.call(func() {
		st.handleMIDI(midiPacket(10, 0, noteOn(0)))
		st.handleMIDI(midiPacket(11, 0, noteOn(0)))
		st.handleMIDI(midiPacket(15, 0, noteOn(0)))
	})

	s.call(func() {
		assert.Equal(t, int32(10), st.firstReceivedSeq)
		assert.Equal(t, int32(15), st.lastReceivedSeq)
		assert.Equal(t, []uint16{12, 13, 14}, st.lostSeqNums)
		assert.NotNil(t, st.feedbackTimer, "receiver feedback timer armed")
	})
}

func TestStreamLossAcrossWrap(t *testing.T) {
	s, _ := newTestSession(t)
	st := newStream(s)

	s.call(func() {
		st.handleMIDI(midiPacket(0xFFFE, 0, noteOn(0)))
		st.handleMIDI(midiPacket(1, 0, noteOn(0)))
	})

	s.call(func() {
		assert.Equal(t, []uint16{0xFFFF, 0}, st.lostSeqNums)
	})
}

func TestStreamDuplicateSequenceIgnored(t *testing.T) {
	s, _ := newTestSession(t)
	st := newStream(s)

	s.call(func() {
		st.handleMIDI(midiPacket(7, 0, noteOn(0)))
		st.handleMIDI(midiPacket(7, 0, noteOn(0)))
	})

	s.call(func() {
		assert.Empty(t, st.lostSeqNums)
		assert.Equal(t, int32(7), st.lastReceivedSeq)
	})
}

func TestStreamClockSyncResponder(t *testing.T) {
	// Scenario: CK count=2 with ts1=1000 ts2=5000 ts3=1010 yields
	// latency=10 and timeDifference=-4000, the source's arithmetic.
	s, _ := newTestSession(t)
	st := newStream(s)

	s.call(func() {
		st.handleControl(&protocol.Synchronization{
			SSRC:       0x05060708,
			Count:      2,
			Timestamp1: 1000,
			Timestamp2: 5000,
			Timestamp3: 1010,
		}, nil)
	})

	lat, known := st.Latency()
	require.True(t, known)
	assert.Equal(t, time.Millisecond, lat) // 10 ticks
	diff, _ := st.TimeDifference()
	assert.Equal(t, int64(-4000), diff)
}

func TestStreamClockSyncInitiator(t *testing.T) {
	s, ft := newTestSession(t)
	st := newStream(s)

	// The initiator receives count=1 when its clock reads 1010 ticks.
	ft.advance(101 * time.Millisecond)
	s.call(func() {
		st.handleControl(&protocol.Synchronization{
			SSRC:       0x05060708,
			Count:      1,
			Timestamp1: 1000,
			Timestamp2: 5000,
		}, nil)
	})

	s.call(func() {
		require.True(t, st.timingKnown)
		assert.Equal(t, int64(10), st.latency)
		assert.Equal(t, int64(-4000), st.timeDifference)
		assert.Equal(t, 1, st.syncSamples)
		assert.Zero(t, st.pendingSyncs)
	})
}

func TestStreamMessageEventTimes(t *testing.T) {
	s, ft := newTestSession(t)
	st := newStream(s)

	type event struct {
		delta     float64
		data      []byte
		timestamp uint64
	}
	var events []event
	s.SetHandlers(Handlers{
		Message: func(delta float64, data []byte, ts uint64) {
			events = append(events, event{delta, data, ts})
		},
	})

	ft.advance(time.Second) // local clock at 10000 ticks

	s.call(func() {
		st.setTiming(10, -4000)
		st.handleMIDI(midiPacket(1, 20000,
			protocol.Command{DeltaTime: 0, Data: []byte{0x90, 60, 100}},
			protocol.Command{DeltaTime: 500, Data: []byte{0x80, 60, 0}},
		))
	})

	s.call(func() {})
	require.Len(t, events, 2)

	// T_base = timeDifference - latency + T_pkt = -4000 - 10 + 20000.
	base := int64(-4000 - 10 + 20000)
	assert.InDelta(t, float64(base-10000)/Rate, events[0].delta, 1e-9)
	assert.Equal(t, []byte{0x90, 60, 100}, events[0].data)
	assert.InDelta(t, float64(base+500-10000)/Rate, events[1].delta, 1e-9)
	assert.Equal(t, uint64(s.clock.Origin()+base+500), events[1].timestamp)
}

func TestStreamRefusesMIDIUntilSynced(t *testing.T) {
	s, _ := newTestSession(t)
	st := newStream(s)

	s.call(func() {
		st.setState(stateSyncing)
		before := st.lastSentSeq
		st.sendMIDI(0, []protocol.Command{noteOn(0)})
		assert.Equal(t, before, st.lastSentSeq, "unsynced stream must not consume sequence numbers")

		st.setTiming(10, 0)
		st.sendMIDI(0, []protocol.Command{noteOn(0)})
		assert.Equal(t, before+1, st.lastSentSeq)
		st.sendMIDI(0, []protocol.Command{noteOn(0)})
		assert.Equal(t, before+2, st.lastSentSeq)
	})
}

func TestStreamInvitationRejectedRemoves(t *testing.T) {
	s, _ := newTestSession(t)

	var removed []*Stream
	s.SetHandlers(Handlers{
		StreamRemoved: func(st *Stream) { removed = append(removed, st) },
	})

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5004}
	st := s.Connect(addr)
	require.True(t, st.IsInitiator())

	s.call(func() {
		st.handleControl(&protocol.Exchange{
			Cmd:     protocol.CommandInvitationRejected,
			Version: protocol.Version,
			Token:   st.token,
			SSRC:    0x05060708,
			Name:    "B",
		}, addr)
	})

	s.call(func() {
		assert.Empty(t, s.streams)
	})
	require.Len(t, removed, 1)
	assert.Same(t, st, removed[0])
	assert.False(t, st.IsConnected())
}

func TestStreamAcceptorHandshake(t *testing.T) {
	s, _ := newTestSession(t)

	var added []*Stream
	s.SetHandlers(Handlers{
		StreamAdded: func(st *Stream) { added = append(added, st) },
	})

	control := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5008}
	data := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5009}
	invite := func(from *net.UDPAddr) {
		s.call(func() {
			s.handleControl(&protocol.Exchange{
				Cmd:     protocol.CommandInvitation,
				Version: protocol.Version,
				Token:   0xAABBCCDD,
				SSRC:    0x05060708,
				Name:    "B",
			}, from)
		})
	}

	invite(control)
	s.call(func() {
		require.Len(t, s.streams, 1)
		assert.False(t, s.streams[0].IsConnected())
	})
	assert.Empty(t, added)

	invite(data)
	s.call(func() {
		require.Len(t, s.streams, 1)
		st := s.streams[0]
		assert.True(t, st.IsConnected())
		assert.Equal(t, uint32(0x05060708), st.PeerSSRC())
		assert.Equal(t, "B", st.PeerName())
		assert.Equal(t, uint32(0xAABBCCDD), st.Token())
		assert.Equal(t, control.String(), st.rinfo1.String())
		assert.Equal(t, data.String(), st.rinfo2.String())
	})
	require.Len(t, added, 1)
}

func TestStreamInitiatorHandshake(t *testing.T) {
	s, _ := newTestSession(t)

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5004}
	st := s.Connect(addr)

	accept := func(from *net.UDPAddr) {
		s.call(func() {
			s.handleControl(&protocol.Exchange{
				Cmd:     protocol.CommandInvitationAccepted,
				Version: protocol.Version,
				Token:   st.token,
				SSRC:    0x05060708,
				Name:    "B",
			}, from)
		})
	}

	accept(addr)
	s.call(func() {
		assert.Equal(t, stateInvitingData, st.state)
		require.NotNil(t, st.rinfo2)
		assert.Equal(t, 5005, st.rinfo2.Port)
	})

	accept(&net.UDPAddr{IP: addr.IP, Port: 5005})
	assert.True(t, st.IsConnected())
	assert.Equal(t, "B", st.PeerName())
}
