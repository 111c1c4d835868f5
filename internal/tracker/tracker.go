// Package tracker maintains the per-aircraft visibility graph: which
// receivers can see which aircraft, and which aircraft each receiver should
// be asked to forward traffic for.
package tracker

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/kalman"
)

var tlogger = log.WithField("component", "tracker")

// ReceiverHandle is the minimal view of a receiver that the tracker needs.
// internal/coordinator.Receiver satisfies this.
type ReceiverHandle interface {
	ID() string
	LastRateReport() (map[uint32]float64, bool)
}

// TrackedAircraft is the per-aircraft state the tracker maintains.
type TrackedAircraft struct {
	ICAO      uint32
	AllowMlat bool

	Tracking      map[ReceiverHandle]struct{}
	SyncInterest  map[ReceiverHandle]struct{}
	MlatInterest  map[ReceiverHandle]struct{}
	SuccessfulMlat map[ReceiverHandle]struct{}

	MlatMessageCount int
	MlatResultCount  int
	MlatKalmanCount  int

	Altitude         *int // feet
	LastAltitudeTime time.Time

	LastResultTime     time.Time
	LastResultPosition *geodesy.ECEF
	LastResultVar      float64
	LastResultDOF      int

	Kalman *kalman.State

	Callsign *string
	Squawk   *string
}

func newTrackedAircraft(icao uint32, allowMlat bool) *TrackedAircraft {
	return &TrackedAircraft{
		ICAO:           icao,
		AllowMlat:      allowMlat,
		Tracking:       map[ReceiverHandle]struct{}{},
		SyncInterest:   map[ReceiverHandle]struct{}{},
		MlatInterest:   map[ReceiverHandle]struct{}{},
		SuccessfulMlat: map[ReceiverHandle]struct{}{},
		Kalman:         kalman.NewStateCA(icao),
	}
}

// Interesting reports whether traffic should be requested for this
// aircraft: some receiver wants it for sync, or enough receivers in the
// local partition want it for multilateration.
func (a *TrackedAircraft) Interesting() bool {
	return len(a.SyncInterest) > 0 || (a.AllowMlat && len(a.MlatInterest) >= 3)
}

// Tracker owns the set of all known TrackedAircraft and the partitioning
// rule used to shard aircraft across independent server processes.
type Tracker struct {
	Aircraft map[uint32]*TrackedAircraft

	partitionID    int // 0-based
	partitionCount int
}

// NewTracker constructs a Tracker for partition i of n (1-based, i in
// [1,n]).
func NewTracker(i, n int) *Tracker {
	return &Tracker{
		Aircraft:       map[uint32]*TrackedAircraft{},
		partitionID:    i - 1,
		partitionCount: n,
	}
}

// InLocalPartition reports whether icao hashes into this server's
// partition. The mixer must match exactly across server processes for
// deterministic sharding.
func (t *Tracker) InLocalPartition(icao uint32) bool {
	if t.partitionCount == 1 {
		return true
	}
	h := uint32(icao)
	h = ((h >> 16) ^ h) * 0x45d9f3b
	h = ((h >> 16) ^ h) * 0x45d9f3b
	h = (h >> 16) ^ h
	return int(h%uint32(t.partitionCount)) == t.partitionID
}

// Add registers receiver r as tracking each icao in icaoSet, creating
// TrackedAircraft on demand.
func (t *Tracker) Add(r ReceiverHandle, icaoSet map[uint32]struct{}) {
	for icao := range icaoSet {
		ac, ok := t.Aircraft[icao]
		if !ok {
			ac = newTrackedAircraft(icao, t.InLocalPartition(icao))
			t.Aircraft[icao] = ac
		}
		ac.Tracking[r] = struct{}{}
	}
}

// Remove unregisters receiver r from tracking each icao in icaoSet,
// garbage-collecting aircraft left with no tracking receivers.
func (t *Tracker) Remove(r ReceiverHandle, icaoSet map[uint32]struct{}) {
	for icao := range icaoSet {
		ac, ok := t.Aircraft[icao]
		if !ok {
			continue
		}
		delete(ac.Tracking, r)
		delete(ac.SuccessfulMlat, r)
		if len(ac.Tracking) == 0 {
			delete(t.Aircraft, icao)
		}
	}
}

// RemoveAll unregisters receiver r from every aircraft it was tracking or
// interested in, garbage-collecting orphaned aircraft.
func (t *Tracker) RemoveAll(r ReceiverHandle) {
	for icao, ac := range t.Aircraft {
		if _, ok := ac.Tracking[r]; !ok {
			continue
		}
		delete(ac.Tracking, r)
		delete(ac.SuccessfulMlat, r)
		delete(ac.SyncInterest, r)
		delete(ac.MlatInterest, r)
		if len(ac.Tracking) == 0 {
			delete(t.Aircraft, icao)
		}
	}
}

// InterestUpdater is implemented by receivers so Tracker can push the
// recomputed interest sets back without tracker needing to know about the
// concrete Receiver type.
type InterestUpdater interface {
	ReceiverHandle
	UpdateInterestSets(newSync, newMlat map[*TrackedAircraft]struct{})
	Tracking() map[*TrackedAircraft]struct{}
}

type ratepair struct {
	rateProduct float64
	r1          ReceiverHandle
	ac          *TrackedAircraft
}

// UpdateInterest recomputes receiver r's sync and mlat interest sets from
// its current tracking set and (if present) its last rate report.
func (t *Tracker) UpdateInterest(r InterestUpdater) {
	rate, hasRate := r.LastRateReport()
	if !hasRate {
		newSync := map[*TrackedAircraft]struct{}{}
		newMlat := map[*TrackedAircraft]struct{}{}
		for ac := range r.Tracking() {
			if len(ac.Tracking) > 1 {
				newSync[ac] = struct{}{}
			}
			if ac.AllowMlat {
				newMlat[ac] = struct{}{}
			}
		}
		r.UpdateInterestSets(newSync, newMlat)
		return
	}

	acToRatepairs := map[*TrackedAircraft][]ratepair{}
	var allPairs []ratepair

	for icao, localRate := range rate {
		if localRate < 0.20 {
			continue
		}
		ac, ok := t.Aircraft[icao]
		if !ok {
			continue
		}

		var pairs []ratepair
		for r1 := range ac.Tracking {
			if r1 == ReceiverHandle(r) {
				continue
			}
			var rate1 float64
			if peerRate, ok := r1.LastRateReport(); ok {
				rate1 = peerRate[icao]
			} else {
				rate1 = 1.0
			}
			rp := localRate * rate1 / 4.0
			if rp < 0.10 {
				continue
			}
			pair := ratepair{rateProduct: rp, r1: r1, ac: ac}
			pairs = append(pairs, pair)
			allPairs = append(allPairs, pair)
		}
		acToRatepairs[ac] = pairs
	}

	sort.Slice(allPairs, func(i, j int) bool { return allPairs[i].rateProduct < allPairs[j].rateProduct })

	ntotal := map[ReceiverHandle]float64{}
	newSync := map[*TrackedAircraft]struct{}{}
	for _, rp := range allPairs {
		if _, already := newSync[rp.ac]; already {
			continue
		}
		if ntotal[rp.r1] < 1.0 {
			newSync[rp.ac] = struct{}{}
			for _, rp2 := range acToRatepairs[rp.ac] {
				ntotal[rp2.r1] += rp2.rateProduct
			}
		}
	}

	newMlat := map[*TrackedAircraft]struct{}{}
	for ac := range r.Tracking() {
		if _, hasADSB := rate[ac.ICAO]; !hasADSB && ac.AllowMlat {
			newMlat[ac] = struct{}{}
		}
	}

	r.UpdateInterestSets(newSync, newMlat)
}
