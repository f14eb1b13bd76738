// Package session implements AppleMIDI sessions and streams: the dual-port
// UDP endpoints, the invitation handshake, the three-step clock
// synchronization, sequence tracking with receiver feedback, and the
// bundling scheduler that flushes queued MIDI commands into RTP-MIDI
// packets.
//
// A Session serializes all of its state changes on a single event-loop
// goroutine. UDP readers, timers and the public API hand work to that loop,
// so Stream state machines never need their own locking for protocol state.
package session
