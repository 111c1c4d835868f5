// Package kalman smooths multilateration results and derives velocity,
// heading, and vertical speed using an unscented Kalman filter over a
// constant-velocity (NewStateCV) or constant-acceleration (NewStateCA) ECEF
// motion model.
package kalman

import (
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/geodesy"
)

var klogger = log.WithField("component", "kalman")

// Filter tuning: acquisition/tracking thresholds and process noise.
const (
	minAcquiringDOF             = 1
	minTrackingDOF              = 0
	outlierMahalanobisDistance  = 15.0
	minAcquiringPositionError   = 3e3
	minAcquiringVelocityError   = 50.0
	maxTrackingPositionError    = 5e3
	maxTrackingVelocityError    = 75.0
	processNoise                = 0.10
	cAir                        = 299792458.0 / 1.0003
)

// Measurement is one receiver's contribution to a multilateration solve: its
// ECEF position, the local timestamp of receipt (in receiver clock seconds
// converted to a common scale), and the variance of that timestamp.
type Measurement struct {
	Position geodesy.ECEF
	Timestamp float64
	Variance  float64
}

// model captures the parts of the constant-velocity / constant-acceleration
// state machines that differ between the two variants.
type model struct {
	dims int

	initialState func(pos geodesy.ECEF, posCov *mat.SymDense) (*mat.VecDense, *mat.SymDense)
	transition   func(state *mat.VecDense, dt float64) *mat.VecDense
	transitionCov func(dt float64) *mat.SymDense
}

// State is a per-aircraft Kalman filter. Use NewStateCV or NewStateCA.
type State struct {
	ICAO uint32

	m model

	mean *mat.VecDense
	cov  *mat.SymDense

	acquiring  bool
	outliers   int
	LastUpdate float64
	hasUpdate  bool

	Valid bool

	Position      geodesy.ECEF
	Velocity      [3]float64
	PositionError float64
	VelocityError float64

	PositionLLH   geodesy.LLH
	VelocityENU   [3]float64
	Heading       float64
	GroundSpeed   float64
	VerticalSpeed float64
}

func newState(icao uint32, m model) *State {
	return &State{ICAO: icao, m: m, acquiring: true}
}

// NewStateCV constructs a 6-dimensional constant-velocity filter.
func NewStateCV(icao uint32) *State { return newState(icao, cvModel()) }

// NewStateCA constructs a 9-dimensional constant-acceleration filter.
func NewStateCA(icao uint32) *State { return newState(icao, caModel()) }

func cvModel() model {
	return model{
		dims: 6,
		initialState: func(pos geodesy.ECEF, posCov *mat.SymDense) (*mat.VecDense, *mat.SymDense) {
			mean := mat.NewVecDense(6, []float64{pos[0], pos[1], pos[2], 0, 0, 0})
			cov := mat.NewSymDense(6, nil)
			seedPositionCov(cov, posCov)
			cov.SetSym(3, 3, 200*200)
			cov.SetSym(4, 4, 200*200)
			cov.SetSym(5, 5, 200*200)
			return mean, cov
		},
		transition: func(s *mat.VecDense, dt float64) *mat.VecDense {
			x, y, z, vx, vy, vz := s.AtVec(0), s.AtVec(1), s.AtVec(2), s.AtVec(3), s.AtVec(4), s.AtVec(5)
			return mat.NewVecDense(6, []float64{x + vx*dt, y + vy*dt, z + vz*dt, vx, vy, vz})
		},
		transitionCov: func(dt float64) *mat.SymDense {
			c := mat.NewSymDense(6, nil)
			c.SetSym(0, 0, 0.25*math.Pow(dt, 4))
			c.SetSym(1, 1, 0.25*math.Pow(dt, 4))
			c.SetSym(2, 2, 0.25*math.Pow(dt, 4))
			c.SetSym(3, 3, dt*dt)
			c.SetSym(4, 4, dt*dt)
			c.SetSym(5, 5, dt*dt)
			c.SetSym(0, 3, 0.5*math.Pow(dt, 3))
			c.SetSym(1, 4, 0.5*math.Pow(dt, 3))
			c.SetSym(2, 5, 0.5*math.Pow(dt, 3))
			scaleSym(c, processNoise*processNoise*dt)
			return c
		},
	}
}

func caModel() model {
	return model{
		dims: 9,
		initialState: func(pos geodesy.ECEF, posCov *mat.SymDense) (*mat.VecDense, *mat.SymDense) {
			mean := mat.NewVecDense(9, []float64{pos[0], pos[1], pos[2], 0, 0, 0, 0, 0, 0})
			cov := mat.NewSymDense(9, nil)
			seedPositionCov(cov, posCov)
			cov.SetSym(3, 3, 200*200)
			cov.SetSym(4, 4, 200*200)
			cov.SetSym(5, 5, 200*200)
			cov.SetSym(6, 6, 1)
			cov.SetSym(7, 7, 1)
			cov.SetSym(8, 8, 1)
			return mean, cov
		},
		transition: func(s *mat.VecDense, dt float64) *mat.VecDense {
			x, y, z := s.AtVec(0), s.AtVec(1), s.AtVec(2)
			vx, vy, vz := s.AtVec(3), s.AtVec(4), s.AtVec(5)
			ax, ay, az := s.AtVec(6), s.AtVec(7), s.AtVec(8)
			return mat.NewVecDense(9, []float64{
				x + vx*dt + 0.5*ax*dt*dt,
				y + vy*dt + 0.5*ay*dt*dt,
				z + vz*dt + 0.5*az*dt*dt,
				vx + ax*dt,
				vy + ay*dt,
				vz + az*dt,
				ax, ay, az,
			})
		},
		transitionCov: func(dt float64) *mat.SymDense {
			c := mat.NewSymDense(9, nil)
			c.SetSym(0, 0, 0.25*math.Pow(dt, 4))
			c.SetSym(1, 1, 0.25*math.Pow(dt, 4))
			c.SetSym(2, 2, 0.25*math.Pow(dt, 4))
			c.SetSym(3, 3, dt*dt)
			c.SetSym(4, 4, dt*dt)
			c.SetSym(5, 5, dt*dt)
			c.SetSym(6, 6, 1.0)
			c.SetSym(7, 7, 1.0)
			c.SetSym(8, 8, 1.0)
			c.SetSym(0, 3, 0.5*math.Pow(dt, 3))
			c.SetSym(1, 4, 0.5*math.Pow(dt, 3))
			c.SetSym(2, 5, 0.5*math.Pow(dt, 3))
			scaleSym(c, processNoise*processNoise*dt)
			return c
		},
	}
}

// seedPositionCov fills the position block of a fresh state covariance from
// the least-squares covariance, inflated 4x. A solve with no covariance
// (exactly-determined system) seeds a conservative 1km 1-sigma instead.
func seedPositionCov(cov *mat.SymDense, posCov *mat.SymDense) {
	if posCov == nil {
		for i := 0; i < 3; i++ {
			cov.SetSym(i, i, 1e6)
		}
		return
	}
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			cov.SetSym(i, j, posCov.At(i, j)*4)
		}
	}
}

func scaleSym(m *mat.SymDense, s float64) {
	n := m.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			m.SetSym(i, j, m.At(i, j)*s)
		}
	}
}

// Reset discards all filter state, returning the aircraft to the acquiring
// phase on its next update.
func (s *State) Reset() {
	s.mean = nil
	s.cov = nil
	s.acquiring = true
	s.outliers = 0
	s.hasUpdate = false
	s.Valid = false
}

// Update folds a new multilateration solution into the filter.
//
// positionTime is the UTC time of the solve, in seconds. measurements holds
// the per-receiver pseudorange inputs that produced the solve (measurement 0
// is the zero-range reference). altitude/altitudeError are the reported
// barometric altitude in meters, or nil if unavailable. lsPosition/lsCov are
// the least-squares solver's point estimate and covariance. dof is the
// solver's degrees of freedom. It returns whether the filter now holds a
// valid (reportable) state.
func (s *State) Update(positionTime float64, measurements []Measurement, altitude, altitudeError *float64,
	lsPosition geodesy.ECEF, lsCov *mat.SymDense, dof int) bool {

	if s.acquiring && dof < minAcquiringDOF {
		return false
	}

	if s.mean == nil {
		klogger.Infof("%06X acquiring.", s.ICAO)
		s.LastUpdate = positionTime
		s.hasUpdate = true
		s.mean, s.cov = s.m.initialState(lsPosition, lsCov)
		return false
	}

	if dof < minTrackingDOF {
		return false
	}

	n := len(measurements)
	zeroPR := measurements[0].Timestamp * cAir
	positions := make([]geodesy.ECEF, n)
	positions[0] = measurements[0].Position

	var obs []float64
	var obsVar []float64
	withAltitude := altitude != nil && altitudeError != nil

	if withAltitude {
		obs = make([]float64, n)
		obsVar = make([]float64, n)
		obs[0] = *altitude
		obsVar[0] = (*altitudeError) * (*altitudeError)
		for i := 1; i < n; i++ {
			positions[i] = measurements[i].Position
			obs[i] = measurements[i].Timestamp*cAir - zeroPR
			obsVar[i] = (measurements[i].Variance + measurements[0].Variance) * cAir * cAir
		}
	} else {
		obs = make([]float64, n-1)
		obsVar = make([]float64, n-1)
		for i := 1; i < n; i++ {
			positions[i] = measurements[i].Position
			obs[i-1] = measurements[i].Timestamp*cAir - zeroPR
			obsVar[i-1] = (measurements[i].Variance + measurements[0].Variance) * cAir * cAir
		}
	}

	dt := positionTime - s.LastUpdate
	if dt < 0 {
		return false
	}

	obsFn := func(state *mat.VecDense) *mat.VecDense {
		return observe(state, positions, withAltitude)
	}

	predMean, predCov := unscentedPredict(s.mean, s.cov, func(v *mat.VecDense) *mat.VecDense {
		return s.m.transition(v, dt)
	}, s.m.transitionCov(dt))

	obsCov := mat.NewSymDense(len(obsVar), nil)
	for i, v := range obsVar {
		obsCov.SetSym(i, i, v)
	}

	predObsMean, predObsCov, crossCov := unscentedObserve(predMean, predCov, obsFn, obsCov)

	innovation := mat.NewVecDense(len(obs), nil)
	for i, v := range obs {
		innovation.SetVec(i, v-predObsMean.AtVec(i))
	}

	var invObsCov mat.Dense
	if err := invObsCov.Inverse(predObsCov); err != nil {
		klogger.WithError(err).Warnf("%06X kalman update failed, resetting", s.ICAO)
		s.Reset()
		return false
	}

	var tmp mat.VecDense
	tmp.MulVec(&invObsCov, innovation)
	md := math.Sqrt(mat.Dot(innovation, &tmp))

	if md > outlierMahalanobisDistance {
		klogger.Infof("%06X outlier: md=%.1f", s.ICAO, md)
		s.outliers++
		// Only a run of outliers spanning a real gap since the last accepted
		// update forces a reset; isolated outliers are just dropped.
		if s.outliers < 3 || (positionTime-s.LastUpdate) < 15.0 {
			return false
		}
		klogger.Infof("%06X reset due to outliers.", s.ICAO)
		s.Reset()
		return false
	}
	s.outliers = 0

	s.mean, s.cov = unscentedCorrect(predMean, predCov, predObsMean, predObsCov, crossCov, innovation)
	s.LastUpdate = positionTime
	s.updateDerived()

	if s.acquiring && s.PositionError < minAcquiringPositionError && s.VelocityError < minAcquiringVelocityError {
		klogger.Infof("%06X acquired.", s.ICAO)
		s.acquiring = false
	} else if !s.acquiring && (s.PositionError > maxTrackingPositionError || s.VelocityError > maxTrackingVelocityError) {
		klogger.Infof("%06X tracking lost", s.ICAO)
		s.acquiring = true
	}

	s.Valid = !s.acquiring
	return s.Valid
}

func observe(state *mat.VecDense, positions []geodesy.ECEF, withAltitude bool) *mat.VecDense {
	x, y, z := state.AtVec(0), state.AtVec(1), state.AtVec(2)
	n := len(positions)

	zeroRange := dist3(positions[0], x, y, z)

	if !withAltitude {
		obs := mat.NewVecDense(n-1, nil)
		for i := 1; i < n; i++ {
			obs.SetVec(i-1, dist3(positions[i], x, y, z)-zeroRange)
		}
		return obs
	}

	obs := mat.NewVecDense(n, nil)
	llh := geodesy.ECEFToLLH(geodesy.ECEF{x, y, z})
	obs.SetVec(0, llh[2])
	for i := 1; i < n; i++ {
		obs.SetVec(i, dist3(positions[i], x, y, z)-zeroRange)
	}
	return obs
}

func dist3(p geodesy.ECEF, x, y, z float64) float64 {
	dx, dy, dz := p[0]-x, p[1]-y, p[2]-z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (s *State) updateDerived() {
	s.Position = geodesy.ECEF{s.mean.AtVec(0), s.mean.AtVec(1), s.mean.AtVec(2)}
	s.Velocity = [3]float64{s.mean.AtVec(3), s.mean.AtVec(4), s.mean.AtVec(5)}

	pe := s.cov.At(0, 0) + s.cov.At(1, 1) + s.cov.At(2, 2)
	if pe < 0 {
		s.PositionError = 1e6
	} else {
		s.PositionError = math.Sqrt(pe)
	}
	ve := s.cov.At(3, 3) + s.cov.At(4, 4) + s.cov.At(5, 5)
	if ve < 0 {
		s.VelocityError = 1e6
	} else {
		s.VelocityError = math.Sqrt(ve)
	}

	s.PositionLLH = geodesy.ECEFToLLH(s.Position)
	latR := s.PositionLLH[0] * math.Pi / 180.0
	lonR := s.PositionLLH[1] * math.Pi / 180.0

	vx, vy, vz := s.Velocity[0], s.Velocity[1], s.Velocity[2]
	east := -math.Sin(lonR)*vx + math.Cos(lonR)*vy
	north := math.Sin(-latR)*math.Cos(lonR)*vx + math.Sin(-latR)*math.Sin(lonR)*vy + math.Cos(-latR)*vz
	up := math.Cos(-latR)*math.Cos(lonR)*vx + math.Cos(-latR)*math.Sin(lonR)*vy - math.Sin(-latR)*vz

	s.VelocityENU = [3]float64{east, north, up}
	heading := math.Atan2(east, north) * 180.0 / math.Pi
	if heading < 0 {
		heading += 360
	}
	s.Heading = heading
	s.GroundSpeed = math.Sqrt(north*north + east*east)
	s.VerticalSpeed = up
}
