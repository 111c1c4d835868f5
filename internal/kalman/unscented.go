package kalman

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Unscented transform helpers implementing the scaled unscented transform
// (Julier & Uhlmann) used by State.Update: generate sigma points from a
// mean/covariance pair, push them through a nonlinear function, and
// recombine into an output mean/covariance plus cross-covariance.
const (
	ukfAlpha = 1e-3
	ukfBeta  = 2.0
	ukfKappa = 0.0
)

type sigmaPoints struct {
	points  []*mat.VecDense
	weightM []float64
	weightC []float64
}

func sigmaPointsFrom(mean *mat.VecDense, cov mat.Symmetric) sigmaPoints {
	n := mean.Len()
	lambda := ukfAlpha*ukfAlpha*(float64(n)+ukfKappa) - float64(n)

	var chol mat.Cholesky
	ok := chol.Factorize(cov)
	var sqrtCov mat.Dense
	if ok {
		var l mat.TriDense
		chol.LTo(&l)
		sqrtCov.CloneFrom(&l)
	} else {
		// covariance not positive definite (can happen numerically near a
		// fresh reset): fall back to the diagonal sqrt.
		sqrtCov = *mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			v := cov.At(i, i)
			if v < 0 {
				v = 0
			}
			sqrtCov.Set(i, i, math.Sqrt(v))
		}
	}

	scale := math.Sqrt(float64(n) + lambda)

	sp := sigmaPoints{
		points:  make([]*mat.VecDense, 2*n+1),
		weightM: make([]float64, 2*n+1),
		weightC: make([]float64, 2*n+1),
	}

	sp.points[0] = mat.VecDenseCopyOf(mean)
	sp.weightM[0] = lambda / (float64(n) + lambda)
	sp.weightC[0] = sp.weightM[0] + (1 - ukfAlpha*ukfAlpha + ukfBeta)

	for i := 0; i < n; i++ {
		col := mat.NewVecDense(n, nil)
		for r := 0; r < n; r++ {
			col.SetVec(r, sqrtCov.At(r, i)*scale)
		}

		plus := mat.NewVecDense(n, nil)
		plus.AddVec(mean, col)
		sp.points[i+1] = plus
		sp.weightM[i+1] = 1.0 / (2.0 * (float64(n) + lambda))
		sp.weightC[i+1] = sp.weightM[i+1]

		minus := mat.NewVecDense(n, nil)
		minus.SubVec(mean, col)
		sp.points[n+i+1] = minus
		sp.weightM[n+i+1] = 1.0 / (2.0 * (float64(n) + lambda))
		sp.weightC[n+i+1] = sp.weightM[n+i+1]
	}

	return sp
}

func weightedMean(points []*mat.VecDense, weights []float64) *mat.VecDense {
	dim := points[0].Len()
	mean := mat.NewVecDense(dim, nil)
	for i, p := range points {
		var scaled mat.VecDense
		scaled.ScaleVec(weights[i], p)
		mean.AddVec(mean, &scaled)
	}
	return mean
}

func weightedCov(points []*mat.VecDense, mean *mat.VecDense, weights []float64, noise mat.Symmetric) *mat.SymDense {
	dim := mean.Len()
	cov := mat.NewSymDense(dim, nil)
	for i, p := range points {
		var d mat.VecDense
		d.SubVec(p, mean)
		var outer mat.Dense
		outer.Outer(weights[i], &d, &d)
		for r := 0; r < dim; r++ {
			for c := r; c < dim; c++ {
				cov.SetSym(r, c, cov.At(r, c)+outer.At(r, c))
			}
		}
	}
	if noise != nil {
		for r := 0; r < dim; r++ {
			for c := r; c < dim; c++ {
				cov.SetSym(r, c, cov.At(r, c)+noise.At(r, c))
			}
		}
	}
	return cov
}

func weightedCrossCov(basePoints []*mat.VecDense, baseMean *mat.VecDense, otherPoints []*mat.VecDense, otherMean *mat.VecDense, weights []float64) *mat.Dense {
	rows := baseMean.Len()
	cols := otherMean.Len()
	cross := mat.NewDense(rows, cols, nil)
	for i := range basePoints {
		var db, do mat.VecDense
		db.SubVec(basePoints[i], baseMean)
		do.SubVec(otherPoints[i], otherMean)
		var outer mat.Dense
		outer.Outer(weights[i], &db, &do)
		cross.Add(cross, &outer)
	}
	return cross
}

// unscentedPredict propagates a mean/covariance pair through transition,
// adding transitionNoise as additive process noise.
func unscentedPredict(mean *mat.VecDense, cov mat.Symmetric, transition func(*mat.VecDense) *mat.VecDense, transitionNoise mat.Symmetric) (*mat.VecDense, *mat.SymDense) {
	sp := sigmaPointsFrom(mean, cov)

	transformed := make([]*mat.VecDense, len(sp.points))
	for i, p := range sp.points {
		transformed[i] = transition(p)
	}

	predMean := weightedMean(transformed, sp.weightM)
	predCov := weightedCov(transformed, predMean, sp.weightC, transitionNoise)
	return predMean, predCov
}

// unscentedObserve pushes a predicted mean/covariance through an observation
// function, returning the predicted observation mean/covariance and the
// state-observation cross-covariance (needed by unscentedCorrect).
func unscentedObserve(mean *mat.VecDense, cov mat.Symmetric, obsFn func(*mat.VecDense) *mat.VecDense, obsNoise mat.Symmetric) (*mat.VecDense, *mat.SymDense, *mat.Dense) {
	sp := sigmaPointsFrom(mean, cov)

	observed := make([]*mat.VecDense, len(sp.points))
	for i, p := range sp.points {
		observed[i] = obsFn(p)
	}

	obsMean := weightedMean(observed, sp.weightM)
	obsCov := weightedCov(observed, obsMean, sp.weightC, obsNoise)
	cross := weightedCrossCov(sp.points, mean, observed, obsMean, sp.weightC)
	return obsMean, obsCov, cross
}

// unscentedCorrect applies the Kalman gain correction given a predicted
// state, the predicted observation, the cross-covariance between them, and
// the realized innovation (actual observation minus predicted observation
// mean).
func unscentedCorrect(predMean *mat.VecDense, predCov mat.Symmetric, predObsMean *mat.VecDense, predObsCov *mat.SymDense, cross *mat.Dense, innovation *mat.VecDense) (*mat.VecDense, *mat.SymDense) {
	var invObsCov mat.Dense
	if err := invObsCov.Inverse(predObsCov); err != nil {
		// singular observation covariance: fall back to the prediction
		// unchanged rather than propagate NaNs.
		return mat.VecDenseCopyOf(predMean), symCopy(predCov)
	}

	var gain mat.Dense
	gain.Mul(cross, &invObsCov)

	var correction mat.VecDense
	correction.MulVec(&gain, innovation)

	newMean := mat.NewVecDense(predMean.Len(), nil)
	newMean.AddVec(predMean, &correction)

	var gainObsCov mat.Dense
	gainObsCov.Mul(&gain, predObsCov)
	var gainTerm mat.Dense
	gainTerm.Mul(&gainObsCov, gain.T())

	n := predMean.Len()
	newCov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			newCov.SetSym(i, j, predCov.At(i, j)-gainTerm.At(i, j))
		}
	}
	return newMean, newCov
}

func symCopy(s mat.Symmetric) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, s.At(i, j))
		}
	}
	return out
}
