// Package traffic converts raw cumulative byte counters into rate
// estimates and totals.
package traffic

import (
	"sync"
	"time"
)

// Sample is one point-in-time traffic observation.
type Sample struct {
	// Cumulative bytes since the tunnel came up.
	UploadBytes   uint64 `json:"upload_bytes"`
	DownloadBytes uint64 `json:"download_bytes"`

	// Instantaneous rates in bytes per second.
	UploadRate   float64 `json:"upload_rate"`
	DownloadRate float64 `json:"download_rate"`

	At time.Time `json:"at"`
}

// Accumulator derives rates from monotonically-increasing counters. It is
// safe for concurrent use, though in practice a single monitor feeds it.
type Accumulator struct {
	mu       sync.Mutex
	primed   bool
	lastUp   uint64
	lastDown uint64
	lastAt   time.Time
	upRate   float64
	downRate float64
}

// NewAccumulator creates an accumulator with a clean baseline.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Update ingests new cumulative counters observed at now and returns the
// resulting sample.
//
// The first update treats the elapsed time as one second so the rate is
// defined from the start. A zero or negative elapsed time holds the
// previous rate instead of dividing by zero. A counter that moved
// backwards (engine restart) is treated as a zero delta, never a negative
// rate.
func (a *Accumulator) Update(uploadBytes, downloadBytes uint64, now time.Time) Sample {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case !a.primed:
		a.primed = true
		a.upRate = float64(uploadBytes)
		a.downRate = float64(downloadBytes)
	default:
		dt := now.Sub(a.lastAt).Seconds()
		if dt > 0 {
			a.upRate = counterDelta(uploadBytes, a.lastUp) / dt
			a.downRate = counterDelta(downloadBytes, a.lastDown) / dt
		}
		// dt <= 0: hold the previous rate.
	}

	a.lastUp = uploadBytes
	a.lastDown = downloadBytes
	a.lastAt = now

	return Sample{
		UploadBytes:   uploadBytes,
		DownloadBytes: downloadBytes,
		UploadRate:    a.upRate,
		DownloadRate:  a.downRate,
		At:            now,
	}
}

// Reset zeroes counters, timestamp and rates so the next connection
// starts from a clean baseline instead of reporting a spurious huge rate
// across the idle gap.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.primed = false
	a.lastUp = 0
	a.lastDown = 0
	a.lastAt = time.Time{}
	a.upRate = 0
	a.downRate = 0
}

// Last returns the most recent sample without ingesting new counters.
func (a *Accumulator) Last() Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Sample{
		UploadBytes:   a.lastUp,
		DownloadBytes: a.lastDown,
		UploadRate:    a.upRate,
		DownloadRate:  a.downRate,
		At:            a.lastAt,
	}
}

func counterDelta(cur, prev uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}
