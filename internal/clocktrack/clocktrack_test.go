package clocktrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlat-network/mlat-server/internal/clocksync"
	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/modes"
)

// fakeReceiver is the minimal clocktrack.Receiver stand-in: a fixed position
// at the origin (so a rawLat=rawLon=0 CPR pair, which decodes to (0,0), is
// always within maxRange) and an ID used both as map key and pair ordering.
type fakeReceiver struct {
	id       string
	position geodesy.ECEF
	clock    clocksync.Clock
	dead     bool
	synced   int
}

func (f *fakeReceiver) ID() string                { return f.id }
func (f *fakeReceiver) Position() geodesy.ECEF    { return f.position }
func (f *fakeReceiver) Clock() clocksync.Clock    { return f.clock }
func (f *fakeReceiver) Dead() bool                { return f.dead }
func (f *fakeReceiver) IncSyncCount()             { f.synced++ }

func newFakeReceiver(t *testing.T, id string) *fakeReceiver {
	t.Helper()
	clk, err := clocksync.NewClock("beast")
	require.NoError(t, err)
	return &fakeReceiver{
		id:       id,
		position: geodesy.LLHToECEF(geodesy.LLH{0, 0, 0}),
		clock:    clk,
	}
}

// originPair builds an even/odd DF17 pair that both decode to (lat=0,lon=0):
// with rawLat=rawLon=0 on both messages, DecodeCPR's j/m solve to zero and
// both halves resolve to the same position, well within range of a receiver
// sitting at the origin.
func originPair(address uint32, altitudeFt int) (even, odd []byte) {
	even = modes.EncodeAirbornePosition(address, false, 7, altitudeFt, 0, 0)
	odd = modes.EncodeAirbornePosition(address, true, 7, altitudeFt, 0, 0)
	return even, odd
}

func TestReceiverSyncCreatesASyncPointOnFirstReport(t *testing.T) {
	tr := NewClockTracker()
	defer tr.Stop()

	r := newFakeReceiver(t, "r1")
	even, odd := originPair(0x4840D6, 10000)

	tr.ReceiverSync(r, 1000, 2000, even, odd)

	tr.mu.Lock()
	n := len(tr.syncPoints)
	tr.mu.Unlock()
	assert.Equal(t, 1, n, "a valid even/odd pair from a single receiver should create exactly one sync point")
}

func TestReceiverSyncDiscardsPairsFarApartInTime(t *testing.T) {
	tr := NewClockTracker()
	defer tr.Stop()

	r := newFakeReceiver(t, "r1")
	even, odd := originPair(0x4840D6, 10000)

	// beast clock runs at 12MHz; 5 seconds of ticks is far more than any
	// real even/odd pair could be apart, so this must be rejected outright.
	tr.ReceiverSync(r, 0, 6*r.clock.Freq, even, odd)

	tr.mu.Lock()
	n := len(tr.syncPoints)
	tr.mu.Unlock()
	assert.Equal(t, 0, n, "messages more than 5s apart by the receiver's own clock cannot be a real pair")
}

func TestReceiverSyncRejectsMismatchedAddresses(t *testing.T) {
	tr := NewClockTracker()
	defer tr.Stop()

	r := newFakeReceiver(t, "r1")
	even, _ := originPair(0x4840D6, 10000)
	_, odd := originPair(0x111111, 10000)

	tr.ReceiverSync(r, 1000, 2000, even, odd)

	tr.mu.Lock()
	n := len(tr.syncPoints)
	tr.mu.Unlock()
	assert.Equal(t, 0, n, "even/odd halves reporting different ICAO addresses can never be a real pair")
}

func TestReceiverSyncEstablishesClockPairWhenTwoReceiversReportTheSamePair(t *testing.T) {
	tr := NewClockTracker()
	defer tr.Stop()

	r1 := newFakeReceiver(t, "r1")
	r2 := newFakeReceiver(t, "r2")
	even, odd := originPair(0x4840D6, 10000)

	// Same message bytes from both receivers, a few microseconds apart by
	// each receiver's own (synthetic) clock, simulating two ground stations
	// that both heard the same transmission pair.
	tr.ReceiverSync(r1, 1_000_000, 1_002_400, even, odd)
	tr.ReceiverSync(r2, 1_050_000, 1_052_400, even, odd)

	p, ok := tr.Pairing("r1", "r2")
	require.True(t, ok, "two receivers reporting the same even/odd pair must establish a clock pairing")
	assert.Equal(t, 1, p.N())

	// IncSyncCount is only credited once the sync point's lifetime elapses
	// and cleanupSyncPoint runs (see ReceiverSync's time.AfterFunc), not
	// synchronously here, so it isn't asserted in this test.
}

func TestReceiverDisconnectDropsItsClockPairs(t *testing.T) {
	tr := NewClockTracker()
	defer tr.Stop()

	r1 := newFakeReceiver(t, "r1")
	r2 := newFakeReceiver(t, "r2")
	even, odd := originPair(0x4840D6, 10000)

	tr.ReceiverSync(r1, 1_000_000, 1_002_400, even, odd)
	tr.ReceiverSync(r2, 1_050_000, 1_052_400, even, odd)

	_, ok := tr.Pairing("r1", "r2")
	require.True(t, ok)

	tr.ReceiverDisconnect(r1)

	_, ok = tr.Pairing("r1", "r2")
	assert.False(t, ok, "disconnecting either endpoint must drop the pairing")
}

func TestPairCountReflectsLiveClockPairs(t *testing.T) {
	tr := NewClockTracker()
	defer tr.Stop()

	assert.Equal(t, 0, tr.PairCount())

	r1 := newFakeReceiver(t, "r1")
	r2 := newFakeReceiver(t, "r2")
	even, odd := originPair(0x4840D6, 10000)
	tr.ReceiverSync(r1, 1_000_000, 1_002_400, even, odd)
	tr.ReceiverSync(r2, 1_050_000, 1_052_400, even, odd)

	assert.Equal(t, 1, tr.PairCount())
}
