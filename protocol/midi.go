package protocol

import (
	"github.com/pion/rtp"
)

// PayloadTypeMIDI is the RTP payload type used for RTP-MIDI streams.
const PayloadTypeMIDI = 0x61

// Payload header flag bits.
const (
	flagBigLength  = 0x80 // B: 12-bit length field
	flagJournal    = 0x40 // J: journal section present
	flagFirstDelta = 0x20 // Z: first command carries a delta-time
	flagPhantom    = 0x10 // P: first command reuses the previous packet's status
)

// Command is one MIDI command inside an RTP-MIDI payload: a delta-time in
// session ticks relative to the previous command, and the raw status+data
// bytes.
type Command struct {
	DeltaTime uint32
	Data      []byte
}

// MIDIPayload is the decoded MIDI command section of an RTP-MIDI packet.
type MIDIPayload struct {
	Commands []Command
	// Phantom mirrors the P header bit.
	Phantom bool
	// Journal is the recovery section, boundary-parsed but otherwise
	// opaque. Nil when the J bit is clear.
	Journal *Journal
}

// MIDIPacket is a full RTP-MIDI packet: the RTP fixed header plus the MIDI
// command section.
type MIDIPacket struct {
	Header rtp.Header
	MIDI   MIDIPayload
}

// ParseMIDIPacket decodes an RTP datagram carrying an RTP-MIDI payload.
func ParseMIDIPacket(buf []byte) (*MIDIPacket, error) {
	var rp rtp.Packet
	if err := rp.Unmarshal(buf); err != nil {
		return nil, ErrShortPacket
	}
	p := &MIDIPacket{Header: rp.Header}
	if err := p.MIDI.Unmarshal(rp.Payload); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal serializes the packet. The header's payload type is forced to the
// RTP-MIDI value.
func (p *MIDIPacket) Marshal() ([]byte, error) {
	p.Header.Version = 2
	p.Header.PayloadType = PayloadTypeMIDI
	payload, err := p.MIDI.Marshal()
	if err != nil {
		return nil, err
	}
	rp := rtp.Packet{Header: p.Header, Payload: payload}
	return rp.Marshal()
}

// ---------------------------------------------------------------------------
// Payload decoding
// ---------------------------------------------------------------------------

// Unmarshal decodes the MIDI command section from an RTP payload.
func (m *MIDIPayload) Unmarshal(buf []byte) error {
	if len(buf) < 1 {
		return ErrShortPacket
	}

	flags := buf[0]
	m.Phantom = flags&flagPhantom != 0
	length := int(flags & 0x0F)
	cursor := 1
	if flags&flagBigLength != 0 {
		if len(buf) < 2 {
			return ErrShortPacket
		}
		length = length<<8 | int(buf[1])
		cursor = 2
	}
	if len(buf) < cursor+length {
		return ErrShortPacket
	}

	body := buf[cursor : cursor+length]
	cursor += length

	commands, err := decodeCommands(body, flags&flagFirstDelta != 0)
	if err != nil {
		return err
	}
	m.Commands = commands

	if flags&flagJournal != 0 {
		j := &Journal{}
		if err := j.Unmarshal(buf[cursor:]); err != nil {
			return err
		}
		m.Journal = j
	}
	return nil
}

// decodeCommands iterates the command list. firstHasDelta mirrors the Z bit.
func decodeCommands(body []byte, firstHasDelta bool) ([]Command, error) {
	var commands []Command
	var runningStatus byte
	cursor := 0

	for cursor < len(body) {
		var delta uint32
		if len(commands) > 0 || firstHasDelta {
			v, n, err := decodeDeltaTime(body[cursor:])
			if err != nil {
				return nil, err
			}
			delta = v
			cursor += n
		}
		if cursor >= len(body) {
			return nil, ErrShortPacket
		}

		status := body[cursor]
		if status&0x80 != 0 {
			runningStatus = status
			cursor++
		} else {
			// Running status: reuse the previous status without
			// consuming the byte.
			if runningStatus == 0 {
				return nil, ErrInvalidStatus
			}
			status = runningStatus
		}

		if status == 0xF0 {
			data, n, terminated, err := scanSysEx(body[cursor:])
			if err != nil {
				return nil, err
			}
			cursor += n
			if !terminated {
				// Continuation sentinel: the SysEx spills into a later
				// packet. Stop without emitting this command.
				break
			}
			commands = append(commands, Command{DeltaTime: delta, Data: append([]byte{0xF0}, data...)})
			continue
		}

		n, err := midiDataLength(status)
		if err != nil {
			return nil, err
		}
		if cursor+n > len(body) {
			return nil, ErrShortPacket
		}
		data := make([]byte, 1+n)
		data[0] = status
		copy(data[1:], body[cursor:cursor+n])
		cursor += n
		commands = append(commands, Command{DeltaTime: delta, Data: data})
	}
	return commands, nil
}

// scanSysEx scans forward from after an 0xF0 status byte until a byte with
// the high bit set. That byte is included when it is the 0xF7 terminator;
// any other high-bit byte marks a SysEx continued in a later packet.
func scanSysEx(body []byte) (data []byte, n int, terminated bool, err error) {
	for i := 0; i < len(body); i++ {
		if body[i]&0x80 == 0 {
			continue
		}
		if body[i] == 0xF7 {
			data = make([]byte, i+1)
			copy(data, body[:i+1])
			return data, i + 1, true, nil
		}
		return nil, i + 1, false, nil
	}
	return nil, 0, false, ErrShortPacket
}

// midiDataLength reports how many data bytes follow a status byte. Channel
// voice messages key on the high nibble, system messages on the full byte.
func midiDataLength(status byte) (int, error) {
	switch status & 0xF0 {
	case 0x80, 0x90, 0xA0, 0xB0, 0xE0:
		return 2, nil
	case 0xC0, 0xD0:
		return 1, nil
	}
	switch status {
	case 0xF1, 0xF3:
		return 1, nil
	case 0xF2:
		return 2, nil
	case 0xF6, 0xF8, 0xF9, 0xFA, 0xFB, 0xFC, 0xFE, 0xFF:
		return 0, nil
	}
	return 0, ErrInvalidStatus
}

// ---------------------------------------------------------------------------
// Payload encoding
// ---------------------------------------------------------------------------

// Marshal serializes the MIDI command section. Running status is applied:
// the status byte is omitted whenever it equals the previous command's. The
// Z bit is set iff the first command has a non-zero delta-time, B iff the
// command section exceeds 15 bytes.
func (m *MIDIPayload) Marshal() ([]byte, error) {
	var body []byte
	var runningStatus byte

	for i, cmd := range m.Commands {
		if len(cmd.Data) == 0 {
			return nil, ErrInvalidStatus
		}
		if i > 0 || cmd.DeltaTime > 0 {
			var err error
			body, err = appendDeltaTime(body, cmd.DeltaTime)
			if err != nil {
				return nil, err
			}
		}
		status := cmd.Data[0]
		if status&0x80 == 0 {
			return nil, ErrInvalidStatus
		}
		if i == 0 || status != runningStatus {
			body = append(body, status)
		}
		runningStatus = status
		body = append(body, cmd.Data[1:]...)
	}

	if len(body) > 0x0FFF {
		return nil, ErrPayloadTooLarge
	}

	var flags byte
	if len(m.Commands) > 0 && m.Commands[0].DeltaTime > 0 {
		flags |= flagFirstDelta
	}
	if m.Phantom {
		flags |= flagPhantom
	}
	if m.Journal != nil {
		flags |= flagJournal
	}

	var out []byte
	if len(body) > 15 {
		flags |= flagBigLength
		flags |= byte(len(body) >> 8)
		out = append(out, flags, byte(len(body)))
	} else {
		flags |= byte(len(body))
		out = append(out, flags)
	}
	out = append(out, body...)
	if m.Journal != nil {
		out = append(out, m.Journal.Raw...)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Delta-time varints
// ---------------------------------------------------------------------------

// decodeDeltaTime reads a delta-time varint: up to four bytes, seven data
// bits each, high bit set on every byte but the last.
func decodeDeltaTime(buf []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		if i >= len(buf) {
			return 0, 0, ErrShortPacket
		}
		b := buf[i]
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return v, 4, nil
}

// appendDeltaTime appends the minimum-length varint form of v.
func appendDeltaTime(dst []byte, v uint32) ([]byte, error) {
	if v >= 1<<28 {
		return nil, ErrDeltaTooLarge
	}
	switch {
	case v < 1<<7:
		return append(dst, byte(v)), nil
	case v < 1<<14:
		return append(dst, byte(v>>7)|0x80, byte(v&0x7F)), nil
	case v < 1<<21:
		return append(dst, byte(v>>14)|0x80, byte(v>>7)|0x80, byte(v&0x7F)), nil
	default:
		return append(dst, byte(v>>21)|0x80, byte(v>>14)|0x80, byte(v>>7)|0x80, byte(v&0x7F)), nil
	}
}
