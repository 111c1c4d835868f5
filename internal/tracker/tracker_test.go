package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceiver struct {
	id   string
	rate map[uint32]float64
	has  bool

	tracking map[*TrackedAircraft]struct{}
	sync     map[*TrackedAircraft]struct{}
	mlat     map[*TrackedAircraft]struct{}
}

func newFakeReceiver(id string) *fakeReceiver {
	return &fakeReceiver{id: id, tracking: map[*TrackedAircraft]struct{}{}}
}

func (f *fakeReceiver) ID() string                                { return f.id }
func (f *fakeReceiver) LastRateReport() (map[uint32]float64, bool) { return f.rate, f.has }
func (f *fakeReceiver) Tracking() map[*TrackedAircraft]struct{}    { return f.tracking }
func (f *fakeReceiver) UpdateInterestSets(newSync, newMlat map[*TrackedAircraft]struct{}) {
	f.sync, f.mlat = newSync, newMlat
}

func TestInLocalPartitionSingleShardAlwaysTrue(t *testing.T) {
	tr := NewTracker(1, 1)
	assert.True(t, tr.InLocalPartition(0xABCDEF))
	assert.True(t, tr.InLocalPartition(0))
}

func TestInLocalPartitionIsDeterministicAndCoversAllShards(t *testing.T) {
	const shards = 4
	trackers := make([]*Tracker, shards)
	for i := range trackers {
		trackers[i] = NewTracker(i+1, shards)
	}

	seen := make([]int, shards)
	for icao := uint32(0); icao < 5000; icao++ {
		owners := 0
		for i, tr := range trackers {
			if tr.InLocalPartition(icao) {
				owners++
				seen[i]++
			}
		}
		require.Equal(t, 1, owners, "icao %06X must belong to exactly one shard", icao)

		// Determinism: calling twice must agree.
		require.Equal(t, trackers[0].InLocalPartition(icao), trackers[0].InLocalPartition(icao))
	}

	for i, n := range seen {
		assert.Greater(t, n, 0, "shard %d saw no aircraft", i)
	}
}

func TestAddRemoveMirrorTrackingSet(t *testing.T) {
	tr := NewTracker(1, 1)
	r := newFakeReceiver("r1")

	icaos := map[uint32]struct{}{0x100: {}, 0x200: {}}
	tr.Add(r, icaos)
	require.Len(t, tr.Aircraft, 2)
	assert.Contains(t, tr.Aircraft[0x100].Tracking, ReceiverHandle(r))

	tr.Remove(r, icaos)
	assert.Empty(t, tr.Aircraft, "aircraft with no tracking receivers must be garbage collected")
}

func TestRemoveAllClearsEveryInterestSet(t *testing.T) {
	tr := NewTracker(1, 1)
	r1 := newFakeReceiver("r1")
	r2 := newFakeReceiver("r2")

	icaos := map[uint32]struct{}{0x100: {}}
	tr.Add(r1, icaos)
	tr.Add(r2, icaos)

	ac := tr.Aircraft[0x100]
	ac.SyncInterest[r1] = struct{}{}
	ac.MlatInterest[r1] = struct{}{}

	tr.RemoveAll(r1)

	_, stillTracking := ac.Tracking[r1]
	assert.False(t, stillTracking)
	assert.Empty(t, ac.SyncInterest)
	assert.Empty(t, ac.MlatInterest)
	// r2 still tracking, so the aircraft itself survives.
	require.Contains(t, tr.Aircraft, uint32(0x100))
}

func TestUpdateInterestWithoutRateReportUsesLegacyRule(t *testing.T) {
	tr := NewTracker(1, 1)
	r1 := newFakeReceiver("r1")
	r2 := newFakeReceiver("r2")

	shared := map[uint32]struct{}{0x100: {}}
	tr.Add(r1, shared)
	tr.Add(r2, shared)

	solo := map[uint32]struct{}{0x200: {}}
	tr.Add(r1, solo)

	r1.tracking[tr.Aircraft[0x100]] = struct{}{}
	r1.tracking[tr.Aircraft[0x200]] = struct{}{}
	tr.Aircraft[0x100].AllowMlat = true
	tr.Aircraft[0x200].AllowMlat = true

	tr.UpdateInterest(r1)

	assert.Contains(t, r1.sync, tr.Aircraft[0x100], "aircraft tracked by >1 receiver should be sync-interesting")
	assert.NotContains(t, r1.sync, tr.Aircraft[0x200], "aircraft tracked by only one receiver should not be sync-interesting")
	assert.Contains(t, r1.mlat, tr.Aircraft[0x100])
	assert.Contains(t, r1.mlat, tr.Aircraft[0x200])
}

func TestUpdateInterestWithRateReportDiscardsWeakPairs(t *testing.T) {
	tr := NewTracker(1, 1)
	r1 := newFakeReceiver("r1")
	r2 := newFakeReceiver("r2")

	shared := map[uint32]struct{}{0x100: {}}
	tr.Add(r1, shared)
	tr.Add(r2, shared)
	r1.tracking[tr.Aircraft[0x100]] = struct{}{}
	tr.Aircraft[0x100].AllowMlat = true

	// localRate * peerRate / 4 must clear 0.10 to be considered; 0.3*0.3/4
	// = 0.0225 is below the floor and must be discarded.
	r1.rate, r1.has = map[uint32]float64{0x100: 0.3}, true
	r2.rate, r2.has = map[uint32]float64{0x100: 0.3}, true

	tr.UpdateInterest(r1)
	assert.Empty(t, r1.sync, "weak rate pairing below the 0.10 floor must not become sync-interesting")

	// A strong pairing (0.8*0.8/4 = 0.16) clears the floor.
	r1.rate[0x100] = 0.8
	r2.rate[0x100] = 0.8
	tr.UpdateInterest(r1)
	assert.Contains(t, r1.sync, tr.Aircraft[0x100])
}
