// Package clocksync maintains per-receiver clock characteristics and the
// pairwise offset/drift models built between receivers that co-observe
// airborne DF17 sync beacons.
package clocksync

import "fmt"

// Clock describes the characteristics of a receiver's timestamp clock. It is
// immutable and acts as part of the key when pairing clocks together.
type Clock struct {
	// Epoch names a fixed epoch the clock ticks from ("gps_midnight"), or
	// "" if the clock is freerunning (no fixed relationship to wall time).
	Epoch string
	// Freq is the clock frequency in Hz.
	Freq float64
	// MaxFreqError is the maximum expected relative frequency error (e.g.
	// 1e-6 is 1ppm).
	MaxFreqError float64
	// Jitter is the expected 1-sigma jitter of a typical reading, seconds.
	Jitter float64
}

// clockTable holds the per-receiver-type clock parameters. These values are
// an interop constant shared with other implementations of this protocol;
// do not retune them.
var clockTable = map[string]Clock{
	"radarcape_gps": {Epoch: "gps_midnight", Freq: 1e9, MaxFreqError: 1e-6, Jitter: 15e-9},
	"beast":         {Epoch: "", Freq: 12e6, MaxFreqError: 5e-6, Jitter: 83e-9},
	"sbs":           {Epoch: "", Freq: 20e6, MaxFreqError: 100e-6, Jitter: 500e-9},
	"dump1090":      {Epoch: "", Freq: 12e6, MaxFreqError: 100e-6, Jitter: 500e-9},
}

// NewClock returns a Clock for the given clock type name. An unknown clock
// type is a fatal configuration error.
func NewClock(clockType string) (Clock, error) {
	c, ok := clockTable[clockType]
	if !ok {
		return Clock{}, fmt.Errorf("clocksync: unknown clock type %q", clockType)
	}
	return c, nil
}
