package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide MIDI traffic counter for the daemon.
var Stats = &stats{}

type stats struct {
	CommandsSent atomic.Int64 // cumulative MIDI commands handed to the session
	CommandsRecv atomic.Int64 // cumulative MIDI commands delivered by peers
	BytesSent    atomic.Int64 // cumulative MIDI bytes sent
	BytesRecv    atomic.Int64 // cumulative MIDI bytes received
}

func (s *stats) AddSent(n int) {
	s.CommandsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.CommandsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs MIDI traffic every
// 10 seconds while there is any. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevSentB, prevRecvB int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.CommandsSent.Load()
				recv := Stats.CommandsRecv.Load()
				sentB := Stats.BytesSent.Load()
				recvB := Stats.BytesRecv.Load()

				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(formatStats(
						sent-prevSent, recv-prevRecv, sentB-prevSentB, recvB-prevRecvB))
				}

				prevSent, prevRecv = sent, recv
				prevSentB, prevRecvB = sentB, recvB

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the last interval's traffic.
func formatStats(sent, recv, sentB, recvB int64) string {
	return fmt.Sprintf("Out: %4d cmd %5d B | In: %4d cmd %5d B (last 10s)",
		sent, sentB, recv, recvB)
}
