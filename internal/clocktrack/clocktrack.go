// Package clocktrack matches up DF17 even/odd position message pairs seen
// by more than one receiver and feeds the resulting timing observations
// into clock synchronization pairings.
package clocktrack

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mlat-network/mlat-server/internal/clocksync"
	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/metrics"
	"github.com/mlat-network/mlat-server/internal/modes"
)

var tlogger = log.WithField("component", "clocktrack")

// Range and lifetime limits for sync-point validation.
const (
	maxRange            = 500000.0 // metres
	maxIntermessageRange = 10000.0 // metres
	cAir                = 299792458.0 / 1.0003

	syncPointLifetime = 2 * time.Second
	cleanupInterval   = 30 * time.Second
)

// Receiver is the subset of receiver state clocktrack needs. Receiver
// identity (ID) must be stable and totally ordered so that clock pairs can
// be keyed deterministically (lower ID is always the pair's base clock).
type Receiver interface {
	ID() string
	Position() geodesy.ECEF
	Clock() clocksync.Clock
	Dead() bool
	IncSyncCount()
}

// SyncPoint is a potential clock-synchronization point: a pair of DF17
// position messages and the per-receiver arrival timestamps reported for
// them so far.
type SyncPoint struct {
	Address  uint32
	PosA     geodesy.ECEF
	PosB     geodesy.ECEF
	Interval float64

	receivers []*syncReceipt
}

type syncReceipt struct {
	r      Receiver
	tA, tB float64
	synced bool
}

type syncKey struct {
	msgA, msgB string
}

// ClockTracker maintains clock pairings between receivers and matches
// incoming sync messages from receivers against them.
type ClockTracker struct {
	mu sync.Mutex

	syncPoints map[syncKey][]*SyncPoint
	clockPairs map[pairKey]*clocksync.ClockPair

	metrics *metrics.Metrics

	stop chan struct{}
}

// SetMetrics registers a metrics.Metrics bundle whose SyncPoints counter is
// incremented each time a new DF17 even/odd sync point is created.
func (t *ClockTracker) SetMetrics(m *metrics.Metrics) { t.metrics = m }

type pairKey struct {
	base, peer string
}

// NewClockTracker constructs a ClockTracker and starts its periodic
// clock-pair expiry sweep. Call Stop to halt the sweep.
func NewClockTracker() *ClockTracker {
	t := &ClockTracker{
		syncPoints: map[syncKey][]*SyncPoint{},
		clockPairs: map[pairKey]*clocksync.ClockPair{},
		stop:       make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Stop halts the background expiry sweep.
func (t *ClockTracker) Stop() { close(t.stop) }

func (t *ClockTracker) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

func (t *ClockTracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, pairing := range t.clockPairs {
		if pairing.Expired() {
			delete(t.clockPairs, k)
		}
	}
}

// ReceiverClockReset drops all clock-pairing state involving receiver r.
// Called on input disconnect/reconnect.
func (t *ClockTracker) ReceiverClockReset(r Receiver) {
	t.ReceiverDisconnect(r)
}

// ReceiverDisconnect drops all clock-pairing state involving receiver r.
// Sync points that reference r are left alone; they are checked for
// liveness lazily the next time they're used.
func (t *ClockTracker) ReceiverDisconnect(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.clockPairs {
		if k.base == r.ID() || k.peer == r.ID() {
			delete(t.clockPairs, k)
		}
	}
}

// ReceiverSync handles a sync message from receiver r: an even/odd pair of
// DF17 airborne position messages and their arrival timestamps as measured
// by r's clock. evenMsg/oddMsg are the raw encoded messages (used as a map
// key to recognize duplicate reports of the same pair from other
// receivers).
func (t *ClockTracker) ReceiverSync(r Receiver, evenTime, oddTime float64, evenMsg, oddMsg []byte) {
	clk := r.Clock()
	if math.Abs(evenTime-oddTime)/clk.Freq > 5.0 {
		return
	}

	var tA, tB float64
	var key syncKey
	var firstIsEven bool
	if evenTime < oddTime {
		tA, tB = evenTime, oddTime
		key = syncKey{string(evenMsg), string(oddMsg)}
		firstIsEven = true
	} else {
		tA, tB = oddTime, evenTime
		key = syncKey{string(oddMsg), string(evenMsg)}
		firstIsEven = false
	}

	interval := (tB - tA) / clk.Freq

	t.mu.Lock()
	list := t.syncPoints[key]
	for _, candidate := range list {
		if math.Abs(candidate.Interval-interval) < 1e-3 {
			t.mu.Unlock()
			t.addToExistingSyncPoint(candidate, r, tA, tB)
			return
		}
	}
	t.mu.Unlock()

	syncpoint, ok := t.validateAndBuild(r, evenMsg, oddMsg, firstIsEven, tA, tB, interval)
	if !ok {
		return
	}

	syncpoint.receivers = append(syncpoint.receivers, &syncReceipt{r: r, tA: tA, tB: tB})

	t.mu.Lock()
	t.syncPoints[key] = append(t.syncPoints[key], syncpoint)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SyncPoints.Inc()
	}

	time.AfterFunc(syncPointLifetime, func() {
		t.cleanupSyncPoint(key, syncpoint)
	})
}

func (t *ClockTracker) validateAndBuild(r Receiver, evenRaw, oddRaw []byte, firstIsEven bool, tA, tB, interval float64) (*SyncPoint, bool) {
	evenMsg, err := modes.DefaultDecoder.Decode(evenRaw)
	if err != nil || evenMsg.DF != 17 || !evenMsg.CRCOK ||
		evenMsg.EType != modes.ESTypeAirbornePosition || evenMsg.F {
		return nil, false
	}

	oddMsg, err := modes.DefaultDecoder.Decode(oddRaw)
	if err != nil || oddMsg.DF != 17 || !oddMsg.CRCOK ||
		oddMsg.EType != modes.ESTypeAirbornePosition || !oddMsg.F {
		return nil, false
	}

	if evenMsg.Address != oddMsg.Address {
		return nil, false
	}

	if evenMsg.NUC < 6 || evenMsg.Altitude == nil {
		return nil, false
	}
	if oddMsg.NUC < 6 || oddMsg.Altitude == nil {
		return nil, false
	}
	if abs(*evenMsg.Altitude-*oddMsg.Altitude) > 5000 {
		return nil, false
	}

	evenLat, evenLon, oddLat, oddLon, err := modes.DecodeCPR(evenMsg.RawLat, evenMsg.RawLon, oddMsg.RawLat, oddMsg.RawLon)
	if err != nil {
		return nil, false
	}

	evenECEF := geodesy.LLHToECEF(geodesy.LLH{evenLat, evenLon, float64(*evenMsg.Altitude) * geodesy.FTOM})
	if geodesy.ECEFDistance(evenECEF, r.Position()) > maxRange {
		tlogger.Infof("%06X: receiver range check (even) failed", evenMsg.Address)
		return nil, false
	}

	oddECEF := geodesy.LLHToECEF(geodesy.LLH{oddLat, oddLon, float64(*oddMsg.Altitude) * geodesy.FTOM})
	if geodesy.ECEFDistance(oddECEF, r.Position()) > maxRange {
		tlogger.Infof("%06X: receiver range check (odd) failed", evenMsg.Address)
		return nil, false
	}

	if geodesy.ECEFDistance(evenECEF, oddECEF) > maxIntermessageRange {
		tlogger.Infof("%06X: intermessage range check failed", evenMsg.Address)
		return nil, false
	}

	if firstIsEven {
		return &SyncPoint{Address: evenMsg.Address, PosA: evenECEF, PosB: oddECEF, Interval: interval}, true
	}
	return &SyncPoint{Address: evenMsg.Address, PosA: oddECEF, PosB: evenECEF, Interval: interval}, true
}

func (t *ClockTracker) addToExistingSyncPoint(sp *SyncPoint, r0 Receiver, t0A, t0B float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r0l := &syncReceipt{r: r0, tA: t0A, tB: t0B}

	for _, r1l := range sp.receivers {
		if r1l.r.Dead() || r1l.r.ID() == r0.ID() {
			continue
		}

		var synced bool
		if r0.ID() < r1l.r.ID() {
			synced = t.doSync(sp.Address, sp.PosA, sp.PosB, r0, r0l.tA, r0l.tB, r1l.r, r1l.tA, r1l.tB)
		} else {
			synced = t.doSync(sp.Address, sp.PosA, sp.PosB, r1l.r, r1l.tA, r1l.tB, r0, r0l.tA, r0l.tB)
		}
		if synced {
			r0l.synced = true
			r1l.synced = true
		}
	}

	sp.receivers = append(sp.receivers, r0l)
}

func (t *ClockTracker) cleanupSyncPoint(key syncKey, sp *SyncPoint) {
	t.mu.Lock()
	list := t.syncPoints[key]
	for i, cand := range list {
		if cand == sp {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.syncPoints, key)
	} else {
		t.syncPoints[key] = list
	}
	t.mu.Unlock()

	for _, receipt := range sp.receivers {
		if receipt.synced {
			receipt.r.IncSyncCount()
		}
	}
}

// doSync computes propagation-delay-adjusted intervals for r0/r1 (with r0's
// ID guaranteed less than r1's by the caller) and folds them into the pair's
// clock synchronization state, creating the pairing if this is the first
// observation between these two receivers. Caller must hold t.mu.
func (t *ClockTracker) doSync(address uint32, posA, posB geodesy.ECEF, r0 Receiver, t0A, t0B float64, r1 Receiver, t1A, t1B float64) bool {
	k := pairKey{r0.ID(), r1.ID()}
	pairing, ok := t.clockPairs[k]
	if !ok {
		pairing = clocksync.NewClockPair(r0.Clock(), r1.Clock(), r0.ID()+"-"+r1.ID())
		t.clockPairs[k] = pairing
	}

	delay0A := geodesy.ECEFDistance(posA, r0.Position()) * r0.Clock().Freq / cAir
	delay0B := geodesy.ECEFDistance(posB, r0.Position()) * r0.Clock().Freq / cAir
	delay1A := geodesy.ECEFDistance(posA, r1.Position()) * r1.Clock().Freq / cAir
	delay1B := geodesy.ECEFDistance(posB, r1.Position()) * r1.Clock().Freq / cAir

	i0 := (t0B - delay0B) - (t0A - delay0A)
	i1 := (t1B - delay1B) - (t1A - delay1A)

	if !pairing.IsNew(t0B - delay0B) {
		return true
	}

	return pairing.Update(address, t0B-delay0B, t1B-delay1B, i0, i1)
}

// Pairing looks up the established clock pairing between baseID and peerID,
// which must be given in base<peer order (the order clock pairs are always
// created and keyed in). internal/clocknorm uses this to build its
// synchronization graph.
func (t *ClockTracker) Pairing(baseID, peerID string) (*clocksync.ClockPair, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.clockPairs[pairKey{baseID, peerID}]
	return p, ok
}

// ReceiverState summarizes one peer pairing for dump_receiver_state-style
// diagnostics output.
type ReceiverState struct {
	PeerID    string
	N         int
	ErrorUS   float64
	DriftPPM  float64
	OffsetSec float64
}

// PairCount reports the number of live clock pairings, for metrics export.
func (t *ClockTracker) PairCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clockPairs)
}

// DumpReceiverState reports the current clock pairings involving r.
func (t *ClockTracker) DumpReceiverState(r Receiver) []ReceiverState {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ReceiverState
	for k, pairing := range t.clockPairs {
		if pairing.N() < 2 {
			continue
		}
		peerTS, _ := pairing.LastPeerTS()
		baseTS, _ := pairing.LastBaseTS()
		offset := peerTS/pairing.PeerClock().Freq - baseTS/pairing.BaseClock().Freq
		if k.base == r.ID() {
			out = append(out, ReceiverState{
				PeerID:    k.peer,
				N:         pairing.N(),
				ErrorUS:   round1(pairing.Error() * 1e6),
				DriftPPM:  round2(pairing.Drift() * 1e6),
				OffsetSec: offset,
			})
		} else if k.peer == r.ID() {
			out = append(out, ReceiverState{
				PeerID:    k.base,
				N:         pairing.N(),
				ErrorUS:   round1(pairing.Error() * 1e6),
				DriftPPM:  round2(pairing.IDrift() * 1e6),
				OffsetSec: -offset,
			})
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
