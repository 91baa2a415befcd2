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

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	MsgsSent   atomic.Int64 // envelopes written to the room socket
	MsgsRecv   atomic.Int64 // envelopes read from the room socket
	Reconnects atomic.Int64 // successful reconnects after a lost socket
	MediaRecv  atomic.Int64 // RTP bytes received on remote tracks
}

func (s *stats) AddSent()           { s.MsgsSent.Add(1) }
func (s *stats) AddRecv()           { s.MsgsRecv.Add(1) }
func (s *stats) AddReconnect()      { s.Reconnects.Add(1) }
func (s *stats) AddMediaRecv(n int) { s.MediaRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics every
// interval. Idle intervals are not logged. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevMedia int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MsgsSent.Load()
				recv := Stats.MsgsRecv.Load()
				media := Stats.MediaRecv.Load()

				msgOut := sent - prevSent
				msgIn := recv - prevRecv
				mediaS := float64(media-prevMedia) / interval.Seconds()

				if msgOut > 0 || msgIn > 0 || mediaS > 10 {
					pterm.DefaultLogger.Info(formatStats(msgIn, msgOut, mediaS))
				}

				prevSent = sent
				prevRecv = recv
				prevMedia = media

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(msgIn, msgOut int64, mediaS float64) string {
	return fmt.Sprintf("Msg: %3d↓ %3d↑ | Media: %s/s",
		msgIn,
		msgOut,
		formatBytes(mediaS),
	)
}
