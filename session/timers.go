package session

import "time"

// Timer cadences.
const (
	invitationInterval = 1500 * time.Millisecond
	maxInvitations     = 40

	syncIntervalWarmup = 1500 * time.Millisecond
	syncIntervalSteady = 10 * time.Second
	syncWarmupSamples  = 10
	maxPendingSyncs    = 12

	feedbackDelay = 1 * time.Second
)

// timer is a cancellable one-shot handle whose callback runs on the session
// loop. Repeating cadences are built by rescheduling from inside the
// callback, which keeps every firing serialized with the rest of the
// session's work.
type timer struct {
	t *time.Timer
}

// after schedules fn on the session loop once d has elapsed. The returned
// handle is cancellable until the callback has been posted.
func (s *Session) after(d time.Duration, fn func()) *timer {
	return &timer{t: time.AfterFunc(d, func() { s.post(fn) })}
}

// deferTurn schedules fn for a later loop turn, behind work already queued.
// Posting from a fresh goroutine keeps the loop itself from blocking on its
// own inbox.
func (s *Session) deferTurn(fn func()) {
	go s.post(fn)
}

// stop cancels the timer. Safe on a nil handle and after firing.
func (t *timer) stop() {
	if t != nil {
		t.t.Stop()
	}
}
