package mlattrack

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/clocksync"
	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/kalman"
	"github.com/mlat-network/mlat-server/internal/modes"
	"github.com/mlat-network/mlat-server/internal/tracker"
)

// gpsReceiver is a fake receiver with a GPS-disciplined clock, so all
// receivers share an epoch and clocknorm joins them with identity
// predictors without needing established clock pairings.
type gpsReceiver struct {
	id  string
	pos geodesy.ECEF
}

func (g *gpsReceiver) ID() string             { return g.id }
func (g *gpsReceiver) User() string           { return g.id }
func (g *gpsReceiver) Position() geodesy.ECEF { return g.pos }
func (g *gpsReceiver) ClockInfo() clocksync.Clock {
	clk, _ := clocksync.NewClock("radarcape_gps")
	return clk
}
func (g *gpsReceiver) DistanceTo(other Receiver) float64 {
	return geodesy.ECEFDistance(g.pos, other.Position())
}

type recordedResult struct {
	address  uint32
	ecef     geodesy.ECEF
	distinct int
	dof      int
}

func TestResolveSolvesFourReceiverGroup(t *testing.T) {
	truth := geodesy.LLHToECEF(geodesy.LLH{0, 0, 9114})
	receivers := []*gpsReceiver{
		{id: "r1", pos: geodesy.LLHToECEF(geodesy.LLH{0.5, 0.5, 0})},
		{id: "r2", pos: geodesy.LLHToECEF(geodesy.LLH{0.5, -0.5, 0})},
		{id: "r3", pos: geodesy.LLHToECEF(geodesy.LLH{-0.5, 0.5, 0})},
		{id: "r4", pos: geodesy.LLHToECEF(geodesy.LLH{-0.5, -0.5, 0})},
	}

	aircraft := tracker.NewTracker(1, 1)
	mt := NewMlatTracker(aircraft, nil, func(fn func()) { fn() },
		filepath.Join(t.TempDir(), "blacklist.txt"), nil, nil)

	var results []recordedResult
	mt.AddOutputHandler(func(clusterUTC time.Time, address uint32, ecef geodesy.ECEF, ecefCov *mat.SymDense,
		recv []Receiver, distinct, dof int, kalmanState *kalman.State) {
		results = append(results, recordedResult{address: address, ecef: ecef, distinct: distinct, dof: dof})
	})

	const address = 0x4840D6
	raw := modes.EncodeAirbornePosition(address, false, 7, 30000, 0, 0)

	aircraft.Add(&trackerHandle{id: "r1"}, map[uint32]struct{}{address: {}})
	ac := aircraft.Aircraft[address]
	require.True(t, ac.AllowMlat)

	now := time.Now()
	// Seed the previous-result state so the solver starts near the truth and
	// the fresh solve isn't suppressed by the prior-result ratelimit.
	seed := geodesy.LLHToECEF(geodesy.LLH{0.02, 0.02, 9114})
	ac.LastResultPosition = &seed
	ac.LastResultVar = 1e9
	ac.LastResultDOF = 0
	ac.LastResultTime = now.Add(-30 * time.Second)

	const clockFreq = 1e9
	const epoch = 1000.0
	group := &messageGroup{rawMsg: raw, firstSeen: now}
	for _, r := range receivers {
		d := geodesy.ECEFDistance(r.pos, truth)
		ticks := (epoch + d/(299792458.0/1.0003)) * clockFreq
		group.copies = append(group.copies, receipt{r: r, timestamp: ticks, utc: now})
	}

	mt.resolve(group)

	require.Len(t, results, 1, "a well-conditioned 4-receiver group must resolve to exactly one result")
	res := results[0]
	assert.Equal(t, uint32(address), res.address)
	assert.Equal(t, 4, res.distinct)
	assert.Equal(t, 1, res.dof, "4 receivers + altitude - 4 = 1")
	assert.InDelta(t, truth[0], res.ecef[0], 200)
	assert.InDelta(t, truth[1], res.ecef[1], 200)
	assert.InDelta(t, truth[2], res.ecef[2], 200)
	assert.Equal(t, 1, ac.MlatResultCount)

	// Replaying the same transmission a second later with the same receiver
	// set must be suppressed: the degrees of freedom haven't improved and
	// the previous result is under 2 seconds old.
	later := now.Add(1 * time.Second)
	replay := &messageGroup{rawMsg: raw, firstSeen: later}
	for _, r := range receivers {
		d := geodesy.ECEFDistance(r.pos, truth)
		ticks := (epoch + 1.0 + d/(299792458.0/1.0003)) * clockFreq
		replay.copies = append(replay.copies, receipt{r: r, timestamp: ticks, utc: later})
	}

	mt.resolve(replay)
	assert.Len(t, results, 1, "a same-dof result within 2s must not be forwarded")
}

func TestResolveIgnoresGroupsBelowThreeCopies(t *testing.T) {
	aircraft := tracker.NewTracker(1, 1)
	mt := NewMlatTracker(aircraft, nil, func(fn func()) { fn() },
		filepath.Join(t.TempDir(), "blacklist.txt"), nil, nil)

	called := false
	mt.AddOutputHandler(func(time.Time, uint32, geodesy.ECEF, *mat.SymDense, []Receiver, int, int, *kalman.State) {
		called = true
	})

	raw := modes.EncodeAirbornePosition(0x4840D6, false, 7, 30000, 0, 0)
	r := &gpsReceiver{id: "r1", pos: geodesy.LLHToECEF(geodesy.LLH{0.5, 0.5, 0})}
	group := &messageGroup{rawMsg: raw, firstSeen: time.Now(),
		copies: []receipt{{r: r, timestamp: 0, utc: time.Now()}, {r: r, timestamp: 1, utc: time.Now()}}}

	mt.resolve(group)
	assert.False(t, called)
}

func TestResolveRejectsWrongPartitionAircraft(t *testing.T) {
	aircraft := tracker.NewTracker(1, 1)
	mt := NewMlatTracker(aircraft, nil, func(fn func()) { fn() },
		filepath.Join(t.TempDir(), "blacklist.txt"), nil, nil)

	called := false
	mt.AddOutputHandler(func(time.Time, uint32, geodesy.ECEF, *mat.SymDense, []Receiver, int, int, *kalman.State) {
		called = true
	})

	const address = 0x4840D6
	raw := modes.EncodeAirbornePosition(address, false, 7, 30000, 0, 0)
	aircraft.Add(&trackerHandle{id: "r1"}, map[uint32]struct{}{address: {}})
	aircraft.Aircraft[address].AllowMlat = false

	now := time.Now()
	group := &messageGroup{rawMsg: raw, firstSeen: now}
	for i, id := range []string{"r1", "r2", "r3"} {
		r := &gpsReceiver{id: id, pos: geodesy.LLHToECEF(geodesy.LLH{0.5, float64(i), 0})}
		group.copies = append(group.copies, receipt{r: r, timestamp: float64(i), utc: now})
	}

	mt.resolve(group)
	assert.False(t, called, "aircraft outside the local partition must never be multilaterated")
}

// trackerHandle is a minimal tracker.ReceiverHandle used only to register an
// aircraft in the tracker; resolve itself never consults it.
type trackerHandle struct{ id string }

func (h *trackerHandle) ID() string                                 { return h.id }
func (h *trackerHandle) LastRateReport() (map[uint32]float64, bool) { return nil, false }
