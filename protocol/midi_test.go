package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaTimeVarint(t *testing.T) {
	cases := []struct {
		value uint32
		wire  []byte
	}{
		{0, []byte{0x00}},
		{0x40, []byte{0x40}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x81, 0x00}},
		{240, []byte{0x81, 0x70}},
		{0x3FFF, []byte{0xFF, 0x7F}},
		{0x4000, []byte{0x81, 0x80, 0x00}},
		{0x1FFFFF, []byte{0xFF, 0xFF, 0x7F}},
		{0x200000, []byte{0x81, 0x80, 0x80, 0x00}},
		{0x0FFFFFFF, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tc := range cases {
		out, err := appendDeltaTime(nil, tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.wire, out, "encode %d", tc.value)

		// Minimum length: continuation bit clear on the final byte only.
		for i, b := range out {
			if i == len(out)-1 {
				assert.Zero(t, b&0x80, "final byte of %d", tc.value)
			} else {
				assert.NotZero(t, b&0x80, "byte %d of %d", i, tc.value)
			}
		}

		v, n, err := decodeDeltaTime(out)
		require.NoError(t, err)
		assert.Equal(t, tc.value, v)
		assert.Equal(t, len(out), n)
	}

	_, err := appendDeltaTime(nil, 1<<28)
	assert.ErrorIs(t, err, ErrDeltaTooLarge)
}

func TestMIDIPayloadEncodeTwoCommands(t *testing.T) {
	// Note-on / note-off pair with running status elision: the second
	// command's status differs, so both statuses appear on the wire.
	p := &MIDIPayload{Commands: []Command{
		{DeltaTime: 0, Data: []byte{0x90, 60, 127}},
		{DeltaTime: 240, Data: []byte{0x80, 60, 0}},
	}}
	buf, err := p.Marshal()
	require.NoError(t, err)

	want := []byte{
		0x08,             // no B/J/Z/P, length 8
		0x90, 60, 127,    // note on
		0x81, 0x70,       // delta 240
		0x80, 60, 0,      // note off
	}
	assert.Equal(t, want, buf)
}

func TestMIDIPayloadEncodeRunningStatus(t *testing.T) {
	// Two note-on commands share a status byte; the second is elided.
	p := &MIDIPayload{Commands: []Command{
		{DeltaTime: 0, Data: []byte{0x90, 60, 127}},
		{DeltaTime: 240, Data: []byte{0x90, 64, 127}},
	}}
	buf, err := p.Marshal()
	require.NoError(t, err)

	want := []byte{
		0x07,
		0x90, 60, 127,
		0x81, 0x70,
		64, 127,
	}
	assert.Equal(t, want, buf)
}

func TestMIDIPayloadDecodeRunningStatus(t *testing.T) {
	// Payload: length 6, note-on, delta 0, running-status note-on.
	buf := []byte{0x06, 0x90, 0x3C, 0x7F, 0x00, 0x3C, 0x00}

	var p MIDIPayload
	require.NoError(t, p.Unmarshal(buf))
	require.Len(t, p.Commands, 2)
	assert.Equal(t, []byte{0x90, 0x3C, 0x7F}, p.Commands[0].Data)
	assert.Equal(t, uint32(0), p.Commands[0].DeltaTime)
	assert.Equal(t, []byte{0x90, 0x3C, 0x00}, p.Commands[1].Data)
	assert.Equal(t, uint32(0), p.Commands[1].DeltaTime)
}

func TestMIDIPayloadFirstDeltaSetsZ(t *testing.T) {
	p := &MIDIPayload{Commands: []Command{
		{DeltaTime: 10, Data: []byte{0x90, 60, 127}},
	}}
	buf, err := p.Marshal()
	require.NoError(t, err)
	assert.Equal(t, byte(0x24), buf[0]) // Z set, length 4
	assert.Equal(t, byte(10), buf[1])

	var back MIDIPayload
	require.NoError(t, back.Unmarshal(buf))
	require.Len(t, back.Commands, 1)
	assert.Equal(t, uint32(10), back.Commands[0].DeltaTime)
}

func TestMIDIPayloadBigLength(t *testing.T) {
	// 16 two-byte-data commands with distinct statuses force B.
	var cmds []Command
	for i := 0; i < 16; i++ {
		cmds = append(cmds, Command{DeltaTime: 1, Data: []byte{0xB0 | byte(i&0x0F), 7, byte(i)}})
	}
	// Alternate channels so running status never elides.
	p := &MIDIPayload{Commands: cmds}
	buf, err := p.Marshal()
	require.NoError(t, err)
	assert.NotZero(t, buf[0]&0x80, "B flag")

	var back MIDIPayload
	require.NoError(t, back.Unmarshal(buf))
	require.Len(t, back.Commands, 16)
	for i, cmd := range back.Commands {
		assert.Equal(t, cmds[i].Data, cmd.Data)
	}
}

func TestMIDIPayloadRoundTripStable(t *testing.T) {
	// decode(encode(decode(p))) == decode(p) modulo running-status
	// re-expansion: decoded commands always carry explicit statuses.
	cases := [][]byte{
		{0x03, 0x90, 0x3C, 0x7F},
		{0x06, 0x90, 0x3C, 0x7F, 0x00, 0x3C, 0x00},
		{0x08, 0x90, 0x3C, 0x7F, 0x81, 0x70, 0x80, 0x3C, 0x00},
		{0x02, 0xC0, 0x05},
		{0x01, 0xF8},
	}

	for _, wire := range cases {
		var first MIDIPayload
		require.NoError(t, first.Unmarshal(wire))

		re, err := first.Marshal()
		require.NoError(t, err)

		var second MIDIPayload
		require.NoError(t, second.Unmarshal(re))
		assert.Equal(t, first.Commands, second.Commands)
	}
}

func TestMIDIPayloadSysEx(t *testing.T) {
	t.Run("terminated", func(t *testing.T) {
		wire := []byte{0x06, 0xF0, 0x01, 0x02, 0x03, 0x04, 0xF7}
		var p MIDIPayload
		require.NoError(t, p.Unmarshal(wire))
		require.Len(t, p.Commands, 1)
		assert.Equal(t, []byte{0xF0, 0x01, 0x02, 0x03, 0x04, 0xF7}, p.Commands[0].Data)
	})

	t.Run("continuation sentinel stops decoding", func(t *testing.T) {
		// The high-bit byte is not 0xF7: the SysEx continues in a later
		// packet, so the command is not emitted.
		wire := []byte{0x04, 0xF0, 0x01, 0x02, 0xF4}
		var p MIDIPayload
		require.NoError(t, p.Unmarshal(wire))
		assert.Empty(t, p.Commands)
	})

	t.Run("unterminated is invalid", func(t *testing.T) {
		wire := []byte{0x03, 0xF0, 0x01, 0x02}
		var p MIDIPayload
		assert.ErrorIs(t, p.Unmarshal(wire), ErrShortPacket)
	})
}

func TestMIDIPayloadDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		err  error
	}{
		{"empty", nil, ErrShortPacket},
		{"length beyond buffer", []byte{0x05, 0x90, 0x3C}, ErrShortPacket},
		{"big length missing byte", []byte{0x80}, ErrShortPacket},
		{"running status with no prior", []byte{0x02, 0x3C, 0x00}, ErrInvalidStatus},
		{"undefined system status", []byte{0x01, 0xF4}, ErrInvalidStatus},
		{"truncated voice message", []byte{0x02, 0x90, 0x3C}, ErrShortPacket},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p MIDIPayload
			assert.ErrorIs(t, p.Unmarshal(tc.buf), tc.err)
		})
	}
}

func TestMIDIPacketRoundTrip(t *testing.T) {
	pkt := &MIDIPacket{}
	pkt.Header.SequenceNumber = 1
	pkt.Header.Timestamp = 50000
	pkt.Header.SSRC = 0x11223344
	pkt.MIDI.Commands = []Command{
		{DeltaTime: 0, Data: []byte{0x90, 60, 127}},
		{DeltaTime: 240, Data: []byte{0x80, 60, 0}},
	}

	buf, err := pkt.Marshal()
	require.NoError(t, err)

	// RTP fixed header.
	assert.Equal(t, byte(0x80), buf[0])
	assert.Equal(t, byte(PayloadTypeMIDI), buf[1]&0x7F)

	back, err := ParseMIDIPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), back.Header.SequenceNumber)
	assert.Equal(t, uint32(50000), back.Header.Timestamp)
	assert.Equal(t, uint32(0x11223344), back.Header.SSRC)
	assert.Equal(t, pkt.MIDI.Commands, back.MIDI.Commands)
}
