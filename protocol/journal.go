package protocol

import "encoding/binary"

// Journal is the RTP-MIDI recovery section. Its presence-bit structure and
// per-chapter boundaries are parsed so the section can be validated and
// re-emitted, but chapter payloads are carried as opaque bytes.
type Journal struct {
	// SinglePacketLoss mirrors the S bit.
	SinglePacketLoss bool
	// Enhanced mirrors the H (enhanced chapter encoding) bit.
	Enhanced bool
	// Checkpoint is the sequence number of the checkpoint packet.
	Checkpoint uint16
	// System is the system journal, nil when the Y bit is clear.
	System *SystemJournal
	// Channels holds one entry per channel journal (A bit, TOTCHAN field).
	Channels []ChannelJournal
	// Raw is the complete journal section as found on the wire; encoding
	// re-emits it verbatim.
	Raw []byte
}

// SystemJournal is the boundary-parsed system journal.
type SystemJournal struct {
	// Chapters holds the S D V Q F X presence flags (high six bits).
	Chapters byte
	// Data is the chapter payload region, opaque.
	Data []byte
}

// ChannelJournal is the boundary-parsed journal of one MIDI channel.
type ChannelJournal struct {
	// S mirrors the per-channel single-packet-loss bit.
	S bool
	// Channel is the four-bit MIDI channel number.
	Channel uint8
	// H mirrors the per-channel enhanced-encoding bit.
	H bool
	// Chapters is the P C M W N E T A presence byte.
	Chapters byte
	// Data is the chapter payload region, opaque.
	Data []byte
}

// Journal header bit layout, byte 0.
const (
	journalFlagS = 0x80
	journalFlagY = 0x40
	journalFlagA = 0x20
	journalFlagH = 0x10
)

// Unmarshal parses the journal section. Announced lengths that do not fit
// the buffer yield ErrInvalidJournal.
func (j *Journal) Unmarshal(buf []byte) error {
	if len(buf) < 3 {
		return ErrInvalidJournal
	}

	flags := buf[0]
	j.SinglePacketLoss = flags&journalFlagS != 0
	j.Enhanced = flags&journalFlagH != 0
	j.Checkpoint = binary.BigEndian.Uint16(buf[1:3])
	cursor := 3

	if flags&journalFlagY != 0 {
		if len(buf) < cursor+2 {
			return ErrInvalidJournal
		}
		chapters := buf[cursor] & 0xFC
		// The 10-bit length covers the two-byte system journal header.
		length := int(buf[cursor]&0x03)<<8 | int(buf[cursor+1])
		if length < 2 || len(buf) < cursor+length {
			return ErrInvalidJournal
		}
		j.System = &SystemJournal{
			Chapters: chapters,
			Data:     buf[cursor+2 : cursor+length],
		}
		cursor += length
	}

	if flags&journalFlagA != 0 {
		totalChannels := int(flags&0x0F) + 1
		for i := 0; i < totalChannels; i++ {
			if len(buf) < cursor+4 {
				return ErrInvalidJournal
			}
			b0, b1, b2 := buf[cursor], buf[cursor+1], buf[cursor+2]
			// Three-byte header: S(1) CHAN(4) H(1) LENGTH(10), then the
			// chapter presence byte. LENGTH covers the header itself.
			length := int(b1&0x03)<<8 | int(b2)
			if length < 4 || len(buf) < cursor+length {
				return ErrInvalidJournal
			}
			j.Channels = append(j.Channels, ChannelJournal{
				S:        b0&0x80 != 0,
				Channel:  (b0 >> 3) & 0x0F,
				H:        b0&0x04 != 0,
				Chapters: buf[cursor+3],
				Data:     buf[cursor+4 : cursor+length],
			})
			cursor += length
		}
	}

	j.Raw = buf[:cursor]
	return nil
}
