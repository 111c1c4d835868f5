package kalman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/geodesy"
)

func stationaryMeasurements(truth geodesy.ECEF, t float64) []Measurement {
	receivers := []geodesy.ECEF{
		geodesy.LLHToECEF(geodesy.LLH{0.5, 0.5, 0}),
		geodesy.LLHToECEF(geodesy.LLH{0.5, -0.5, 0}),
		geodesy.LLHToECEF(geodesy.LLH{-0.5, 0.5, 0}),
		geodesy.LLHToECEF(geodesy.LLH{-0.5, -0.5, 0}),
	}
	meas := make([]Measurement, len(receivers))
	for i, r := range receivers {
		d := geodesy.ECEFDistance(r, truth)
		meas[i] = Measurement{Position: r, Timestamp: t + d/cAir, Variance: (50e-9) * (50e-9)}
	}
	return meas
}

func modestCov() *mat.SymDense {
	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		cov.SetSym(i, i, 2500.0)
	}
	return cov
}

func TestStateCAFirstUpdateOnlyAcquiresAndNeverValid(t *testing.T) {
	truth := geodesy.LLHToECEF(geodesy.LLH{0, 0, 10000})
	s := NewStateCA(0x4840D6)

	ok := s.Update(0, stationaryMeasurements(truth, 0), nil, nil, truth, modestCov(), 2)
	assert.False(t, ok, "the first Update only seeds the filter state")
	assert.False(t, s.Valid)
}

func TestStateCAConvergesToValidTrackingOnRepeatedConsistentFixes(t *testing.T) {
	truth := geodesy.LLHToECEF(geodesy.LLH{0, 0, 10000})
	s := NewStateCA(0x4840D6)

	// With the four receivers placed symmetrically around the sub-point, the
	// pseudoranges carry no vertical information; the barometric altitude
	// supplies it.
	alt, altErr := 10000.0, 50.0
	s.Update(0, stationaryMeasurements(truth, 0), &alt, &altErr, truth, modestCov(), 2)

	valid := false
	for i := 1; i <= 30; i++ {
		pt := float64(i)
		if s.Update(pt, stationaryMeasurements(truth, pt), &alt, &altErr, truth, modestCov(), 2) {
			valid = true
			break
		}
	}

	require.True(t, valid, "filter should leave the acquiring state after enough consistent fixes")
	assert.InDelta(t, truth[0], s.Position[0], 2000)
	assert.InDelta(t, truth[1], s.Position[1], 2000)
	assert.InDelta(t, truth[2], s.Position[2], 2000)
	assert.Less(t, s.GroundSpeed, 5.0, "a stationary transmitter should show near-zero ground speed")
}

// trackingFilter converges a fresh CA filter onto truth, with truth's
// altitude as the barometric altitude, and returns it in a valid tracking
// state.
func trackingFilter(t *testing.T, truth geodesy.ECEF) *State {
	t.Helper()
	s := NewStateCA(0x4840D6)
	alt, altErr := geodesy.ECEFToLLH(truth)[2], 50.0
	s.Update(0, stationaryMeasurements(truth, 0), &alt, &altErr, truth, modestCov(), 2)
	for i := 1; i <= 30; i++ {
		pt := float64(i)
		if s.Update(pt, stationaryMeasurements(truth, pt), &alt, &altErr, truth, modestCov(), 2) {
			return s
		}
	}
	t.Fatal("filter never reached a valid tracking state")
	return nil
}

func TestStateCAIsolatedOutlierIsDroppedWithoutReset(t *testing.T) {
	truth := geodesy.LLHToECEF(geodesy.LLH{0, 0, 9114})
	s := trackingFilter(t, truth)

	// An observation consistent with a position ~150km away is far outside
	// the Mahalanobis gate.
	bogus := geodesy.LLHToECEF(geodesy.LLH{1, 1, 9114})
	last := s.LastUpdate

	ok := s.Update(last+1, stationaryMeasurements(bogus, last+1), nil, nil, bogus, modestCov(), 2)
	assert.False(t, ok)
	assert.True(t, s.Valid, "one outlier must not tear down an established track")
	assert.InDelta(t, truth[0], s.Position[0], 2000, "the outlier must not move the state")
}

func TestStateCASustainedOutliersOverGapForceReset(t *testing.T) {
	truth := geodesy.LLHToECEF(geodesy.LLH{0, 0, 9114})
	s := trackingFilter(t, truth)

	bogus := geodesy.LLHToECEF(geodesy.LLH{1, 1, 9114})
	last := s.LastUpdate

	s.Update(last+1, stationaryMeasurements(bogus, last+1), nil, nil, bogus, modestCov(), 2)
	s.Update(last+2, stationaryMeasurements(bogus, last+2), nil, nil, bogus, modestCov(), 2)
	assert.True(t, s.Valid, "two outliers within 15s must still only be dropped")

	// Third consecutive outlier, with 15s now elapsed since the last
	// accepted update: the track is gone, start over.
	s.Update(last+16, stationaryMeasurements(bogus, last+16), nil, nil, bogus, modestCov(), 2)
	assert.False(t, s.Valid, "sustained outliers over a 15s gap must reset the filter")
}
