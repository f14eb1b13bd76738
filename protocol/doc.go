// Package protocol implements the AppleMIDI / RTP-MIDI wire formats:
// the 0xFFFF-prefixed session control frames (invitation, clock
// synchronization, receiver feedback), and the RTP-MIDI payload with
// delta-time varints, running status, SysEx and the recovery journal.
//
// The RTP fixed header is handled by github.com/pion/rtp; this package
// adds the MIDI command section on top of it.
package protocol
