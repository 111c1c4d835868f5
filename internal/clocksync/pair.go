package clocksync

import (
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

var plogger = log.WithField("component", "clocksync")

// Tuning constants for the offset/drift PI controller.
const (
	kp = 0.05
	ki = 0.01

	// pairExpiry is how long a pairing is considered usable without a
	// fresh update before it should be pruned.
	pairExpiry = 120 * time.Second
	// pairValidity is the shorter window after which Valid() requires a
	// fresh update, independent of expiry.
	pairValidity = 30 * time.Second

	pruneWindowBaseSeconds = 30.0 // in units of base-clock seconds
)

// ClockPair tracks the current offset/drift relationship between a "base"
// and a "peer" clock, built incrementally from sync-point observations. Keys
// in the enclosing map must always order base/peer so that base's receiver
// id is less than peer's; ClockPair itself is agnostic to that ordering, it
// just names its two endpoints.
type ClockPair struct {
	Label string

	baseClock Clock
	peerClock Clock

	relativeFreq   float64
	iRelativeFreq  float64
	driftMax       float64
	driftMaxDelta  float64
	outlierThresh  float64

	rawDrift *float64
	drift    float64
	iDrift   float64

	tsBase []float64
	tsPeer []float64
	vars   []float64
	varSum float64

	outliers        int
	cumulativeError float64

	expiry   time.Time
	validity time.Time
}

// NewClockPair constructs a pairing between base and peer clocks.
func NewClockPair(base, peer Clock, label string) *ClockPair {
	now := time.Now()
	return &ClockPair{
		Label:         label,
		baseClock:     base,
		peerClock:     peer,
		relativeFreq:  peer.Freq / base.Freq,
		iRelativeFreq: base.Freq / peer.Freq,
		driftMax:      base.MaxFreqError + peer.MaxFreqError,
		driftMaxDelta: (base.MaxFreqError + peer.MaxFreqError) / 10.0,
		outlierThresh: 5 * math.Sqrt(peer.Jitter*peer.Jitter+base.Jitter*base.Jitter),
		expiry:        now.Add(pairExpiry),
		validity:      now.Add(pairValidity),
	}
}

// Expired reports whether this pairing has not been updated recently enough
// to still be worth keeping around.
func (p *ClockPair) Expired() bool {
	return !time.Now().Before(p.expiry)
}

// N is the number of sync points currently retained.
func (p *ClockPair) N() int { return len(p.tsBase) }

// Variance is the mean squared prediction error of recent sync points.
func (p *ClockPair) Variance() float64 {
	if len(p.tsBase) == 0 {
		return 0
	}
	return p.varSum / float64(len(p.tsBase))
}

// Error is the standard error of recent predictions.
func (p *ClockPair) Error() float64 {
	return math.Sqrt(p.Variance())
}

// Drift returns the current corrected drift estimate (peer relative to base).
func (p *ClockPair) Drift() float64 { return p.drift }

// IDrift returns the inverse drift estimate (base relative to peer).
func (p *ClockPair) IDrift() float64 { return p.iDrift }

// Valid reports whether this pairing is currently usable for clock
// synchronization: at least 2 sync points, a tight recent variance, no
// pending outliers, and a fresh-enough update.
func (p *ClockPair) Valid() bool {
	return len(p.tsBase) >= 2 &&
		p.Variance() < 16e-12 &&
		p.outliers == 0 &&
		time.Now().Before(p.validity)
}

// IsNew reports whether baseTS is in the extrapolation region, i.e. this
// update would move the pairing forward rather than re-stating the past.
func (p *ClockPair) IsNew(baseTS float64) bool {
	if len(p.tsBase) == 0 {
		return true
	}
	return p.tsBase[len(p.tsBase)-1] < baseTS
}

// Update folds in a new sync-point observation. address is the ICAO address
// of the sync aircraft, for logging only. Returns true if the update was
// accepted, false if it was rejected as bad data or an outlier.
func (p *ClockPair) Update(address uint32, baseTS, peerTS, baseInterval, peerInterval float64) bool {
	p.pruneOldData(baseTS)

	var predictionError float64
	if len(p.tsBase) > 0 {
		prediction := p.PredictPeer(baseTS)
		predictionError = (prediction - peerTS) / p.peerClock.Freq

		if math.Abs(predictionError) > p.outlierThresh && math.Abs(predictionError) > p.Error()*5 {
			p.outliers++
			if p.outliers < 5 {
				return false
			}
		}
	}

	if !p.updateDrift(baseInterval, peerInterval) {
		return false
	}

	p.updateOffset(address, baseTS, peerTS, predictionError)

	now := time.Now()
	p.expiry = now.Add(pairExpiry)
	p.validity = now.Add(pairValidity)
	return true
}

func (p *ClockPair) pruneOldData(latestBaseTS float64) {
	i := 0
	for i < len(p.tsBase) && (latestBaseTS-p.tsBase[i]) > pruneWindowBaseSeconds*p.baseClock.Freq {
		i++
	}
	if i == 0 {
		return
	}
	p.tsBase = append([]float64{}, p.tsBase[i:]...)
	p.tsPeer = append([]float64{}, p.tsPeer[i:]...)
	p.vars = append([]float64{}, p.vars[i:]...)
	sum := 0.0
	for _, v := range p.vars {
		sum += v
	}
	p.varSum = sum
}

func (p *ClockPair) updateDrift(baseInterval, peerInterval float64) bool {
	adjustedBaseInterval := baseInterval * p.relativeFreq
	newDrift := (peerInterval - adjustedBaseInterval) / adjustedBaseInterval

	if math.Abs(newDrift) > p.driftMax {
		return false
	}

	if p.rawDrift == nil {
		rd := newDrift
		p.rawDrift = &rd
		p.drift = newDrift
		p.iDrift = -p.drift / (1.0 + p.drift)
		return true
	}

	driftError := newDrift - *p.rawDrift
	if math.Abs(driftError) > p.driftMaxDelta {
		return false
	}

	*p.rawDrift += driftError * kp
	p.drift = *p.rawDrift - ki*p.cumulativeError
	p.iDrift = -p.drift / (1.0 + p.drift)
	return true
}

func (p *ClockPair) updateOffset(address uint32, baseTS, peerTS, predictionError float64) {
	if len(p.tsBase) != 0 && peerTS < p.tsPeer[len(p.tsPeer)-1] {
		plogger.WithField("pair", p.Label).Info("monotonicity broken, reset")
		p.tsBase = nil
		p.tsPeer = nil
		p.vars = nil
		p.varSum = 0
		p.cumulativeError = 0
	}

	p.tsBase = append(p.tsBase, baseTS)
	p.tsPeer = append(p.tsPeer, peerTS)

	pVar := predictionError * predictionError
	p.vars = append(p.vars, pVar)
	p.varSum += pVar

	if p.outliers == 0 {
		p.cumulativeError = clamp(p.cumulativeError+predictionError, -50e-6, 50e-6)
	}

	p.outliers = maxInt(0, p.outliers-2)

	if p.outliers > 0 && math.Abs(predictionError) > p.outlierThresh {
		plogger.WithFields(log.Fields{"pair": p.Label, "icao": address}).
			Infof("step by %.1fus", predictionError*1e6)
	}
}

// PredictPeer predicts the peer clock reading corresponding to baseTS.
func (p *ClockPair) PredictPeer(baseTS float64) float64 {
	n := len(p.tsBase)
	if n == 0 {
		return 0
	}

	i := sort.SearchFloat64s(p.tsBase, baseTS)
	switch {
	case i == 0:
		elapsed := baseTS - p.tsBase[0]
		return p.tsPeer[0] + elapsed*p.relativeFreq + elapsed*p.relativeFreq*p.drift
	case i == n:
		elapsed := baseTS - p.tsBase[n-1]
		return p.tsPeer[n-1] + elapsed*p.relativeFreq + elapsed*p.relativeFreq*p.drift
	default:
		return p.tsPeer[i-1] + (p.tsPeer[i]-p.tsPeer[i-1])*
			(baseTS-p.tsBase[i-1])/(p.tsBase[i]-p.tsBase[i-1])
	}
}

// PredictBase predicts the base clock reading corresponding to peerTS.
func (p *ClockPair) PredictBase(peerTS float64) float64 {
	n := len(p.tsPeer)
	if n == 0 {
		return 0
	}

	i := sort.SearchFloat64s(p.tsPeer, peerTS)
	switch {
	case i == 0:
		elapsed := peerTS - p.tsPeer[0]
		return p.tsBase[0] + elapsed*p.iRelativeFreq + elapsed*p.iRelativeFreq*p.iDrift
	case i == n:
		elapsed := peerTS - p.tsPeer[n-1]
		return p.tsBase[n-1] + elapsed*p.iRelativeFreq + elapsed*p.iRelativeFreq*p.iDrift
	default:
		return p.tsBase[i-1] + (p.tsBase[i]-p.tsBase[i-1])*
			(peerTS-p.tsPeer[i-1])/(p.tsPeer[i]-p.tsPeer[i-1])
	}
}

// BaseClock returns the base endpoint's clock characteristics.
func (p *ClockPair) BaseClock() Clock { return p.baseClock }

// PeerClock returns the peer endpoint's clock characteristics.
func (p *ClockPair) PeerClock() Clock { return p.peerClock }

// Outliers returns the current consecutive-outlier count.
func (p *ClockPair) Outliers() int { return p.outliers }

// LastBaseTS returns the most recent accepted base timestamp, and whether
// one exists.
func (p *ClockPair) LastBaseTS() (float64, bool) {
	if len(p.tsBase) == 0 {
		return 0, false
	}
	return p.tsBase[len(p.tsBase)-1], true
}

// LastPeerTS returns the most recent accepted peer timestamp, and whether
// one exists.
func (p *ClockPair) LastPeerTS() (float64, bool) {
	if len(p.tsPeer) == 0 {
		return 0, false
	}
	return p.tsPeer[len(p.tsPeer)-1], true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
