package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildChannelJournal assembles one channel journal with the given channel
// number and opaque chapter bytes.
func buildChannelJournal(channel byte, chapters byte, data []byte) []byte {
	length := 4 + len(data)
	out := []byte{
		channel << 3,
		byte(length >> 8 & 0x03),
		byte(length),
		chapters,
	}
	return append(out, data...)
}

func TestJournalSystemOnly(t *testing.T) {
	sys := []byte{0xAA, 0xBB, 0xCC}
	journal := []byte{
		journalFlagY, // S=0, Y=1, A=0, H=0, totchan-1=0
		0x00, 0x2A,   // checkpoint 42
		0x40 | 0x00, byte(2 + len(sys)), // chapter D present, length
	}
	journal = append(journal, sys...)

	var j Journal
	require.NoError(t, j.Unmarshal(journal))
	assert.False(t, j.SinglePacketLoss)
	assert.Equal(t, uint16(42), j.Checkpoint)
	require.NotNil(t, j.System)
	assert.Equal(t, byte(0x40), j.System.Chapters)
	assert.Equal(t, sys, j.System.Data)
	assert.Empty(t, j.Channels)
	assert.Equal(t, journal, j.Raw)
}

func TestJournalChannels(t *testing.T) {
	ch0 := buildChannelJournal(0, 0x80, []byte{1, 2, 3})
	ch9 := buildChannelJournal(9, 0x01, []byte{4})
	journal := []byte{
		journalFlagS | journalFlagA | 0x01, // two channel journals
		0x12, 0x34,
	}
	journal = append(journal, ch0...)
	journal = append(journal, ch9...)

	var j Journal
	require.NoError(t, j.Unmarshal(journal))
	assert.True(t, j.SinglePacketLoss)
	assert.Equal(t, uint16(0x1234), j.Checkpoint)
	require.Len(t, j.Channels, 2)
	assert.Equal(t, uint8(0), j.Channels[0].Channel)
	assert.Equal(t, []byte{1, 2, 3}, j.Channels[0].Data)
	assert.Equal(t, uint8(9), j.Channels[1].Channel)
	assert.Equal(t, byte(0x01), j.Channels[1].Chapters)
	assert.Equal(t, []byte{4}, j.Channels[1].Data)
}

func TestJournalReEmittedOnEncode(t *testing.T) {
	journal := append([]byte{journalFlagA, 0x00, 0x07}, buildChannelJournal(3, 0x10, []byte{9, 9})...)
	wire := append([]byte{0x40 | 0x03, 0x90, 0x3C, 0x7F}, journal...)

	var p MIDIPayload
	require.NoError(t, p.Unmarshal(wire))
	require.NotNil(t, p.Journal)
	assert.Equal(t, journal, p.Journal.Raw)

	re, err := p.Marshal()
	require.NoError(t, err)
	assert.Equal(t, wire, re)
}

func TestJournalInvalid(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
	}{
		{"too short", []byte{journalFlagY, 0x00}},
		{"system length beyond buffer", []byte{journalFlagY, 0x00, 0x00, 0x00, 0x20}},
		{"system length under header", []byte{journalFlagY, 0x00, 0x00, 0x00, 0x01}},
		{"channel header truncated", []byte{journalFlagA, 0x00, 0x00, 0x01, 0x02}},
		{"channel length beyond buffer", append([]byte{journalFlagA, 0x00, 0x00}, 0x00, 0x00, 0x30, 0x00)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var j Journal
			assert.ErrorIs(t, j.Unmarshal(tc.buf), ErrInvalidJournal)
		})
	}
}
