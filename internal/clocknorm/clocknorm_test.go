package clocknorm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlat-network/mlat-server/internal/clocksync"
)

type fakeStation struct {
	id    string
	clock clocksync.Clock
}

func (s fakeStation) ID() string                   { return s.id }
func (s fakeStation) ClockInfo() clocksync.Clock    { return s.clock }

func gpsClock(t *testing.T) clocksync.Clock {
	t.Helper()
	clk, err := clocksync.NewClock("radarcape_gps")
	require.NoError(t, err)
	return clk
}

// TestNormalizeSharedEpochUsesIdentityPredictor exercises the fast path
// where two stations share a fixed GPS epoch clock: no clock pairing is
// needed, timestamps only need scaling by clock frequency.
func TestNormalizeSharedEpochUsesIdentityPredictor(t *testing.T) {
	clk := gpsClock(t)
	a := fakeStation{id: "a", clock: clk}
	b := fakeStation{id: "b", clock: clk}

	now := time.Now()
	timestampMap := map[Station][]Sample{
		a: {{Timestamp: 1e9, UTC: now}},
		b: {{Timestamp: 1e9, UTC: now}},
	}

	out := Normalize(nil, timestampMap)
	require.Len(t, out, 1, "both stations share a clock so they belong to one component")

	component := out[0]
	require.Contains(t, component, Station(a))
	require.Contains(t, component, Station(b))

	assert.InDelta(t, 1.0, component[a].Samples[0].Timestamp, 1e-9)
	assert.InDelta(t, 1.0, component[b].Samples[0].Timestamp, 1e-9)
}

type noPairSource struct{}

func (noPairSource) Pairing(baseID, peerID string) (*clocksync.ClockPair, bool) { return nil, false }

func TestNormalizeUnpairedFreeRunningStationsAreSeparateComponents(t *testing.T) {
	beast, err := clocksync.NewClock("beast")
	require.NoError(t, err)

	a := fakeStation{id: "a", clock: beast}
	b := fakeStation{id: "b", clock: beast}

	now := time.Now()
	timestampMap := map[Station][]Sample{
		a: {{Timestamp: 0, UTC: now}},
		b: {{Timestamp: 0, UTC: now}},
	}

	out := Normalize(noPairSource{}, timestampMap)
	require.Len(t, out, 2, "freerunning clocks with no established pairing cannot be joined")
}
