package protocol

import "errors"

// Decoding errors. Callers that demultiplex raw datagrams should treat all
// of these as "drop the datagram" — none of them is fatal to a session.
var (
	// ErrShortPacket is returned when a buffer ends before the layout it
	// announces is complete.
	ErrShortPacket = errors.New("protocol: packet too short")

	// ErrNotControl is returned by ParseControl when the buffer does not
	// start with the 0xFFFF AppleMIDI magic.
	ErrNotControl = errors.New("protocol: not an AppleMIDI control packet")

	// ErrUnknownCommand is returned for a control packet whose two-byte
	// command code is not one this package understands.
	ErrUnknownCommand = errors.New("protocol: unknown control command")

	// ErrInvalidStatus is returned when a MIDI command section uses a data
	// byte where a status byte is required, or a status byte this package
	// has no length entry for.
	ErrInvalidStatus = errors.New("protocol: invalid MIDI status byte")

	// ErrDeltaTooLarge is returned on encode when a delta-time does not fit
	// the four-byte varint form.
	ErrDeltaTooLarge = errors.New("protocol: delta-time exceeds 28 bits")

	// ErrPayloadTooLarge is returned on encode when the MIDI command
	// section exceeds the 12-bit length field.
	ErrPayloadTooLarge = errors.New("protocol: MIDI command section exceeds 4095 bytes")

	// ErrInvalidJournal is returned when the journal section's announced
	// lengths do not fit the buffer.
	ErrInvalidJournal = errors.New("protocol: malformed journal section")
)
