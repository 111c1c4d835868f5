// Package solver multilaterates a transmitter's position from a set of
// receiver pseudorange observations using a Levenberg-Marquardt nonlinear
// least-squares solve.
package solver

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/geodesy"
)

// Solver limits and physical constants.
const (
	MaxFev   = 50
	MaxRange = 500000.0 // metres

	cAir = 299792458.0 / 1.0003

	lmInitialLambda = 1e-3
	lmLambdaUp      = 10.0
	lmLambdaDown    = 10.0
)

// ErrNotEnoughMeasurements is returned when fewer than 4 constraints
// (pseudoranges plus, optionally, altitude) are available to solve for a
// 3-D position.
var ErrNotEnoughMeasurements = errors.New("solver: not enough measurements available")

// Measurement is one receiver's contribution to a solve.
type Measurement struct {
	Position geodesy.ECEF
	Timestamp float64 // seconds, arbitrary common epoch
	Variance  float64
}

// Result is a successful solve: the estimated ECEF position and the 3x3
// covariance block of the position components.
type Result struct {
	Position geodesy.ECEF
	Cov      *mat.SymDense
}

// Solve multilaterates a transmitter position from measurements, optionally
// constrained by a reported barometric altitude (meters), starting the
// search from initialGuess. It returns nil (not an error) if the solver did
// not converge within MaxFev evaluations or the result failed a
// physical-plausibility check; it returns an error only when fewer than four
// constraints are supplied.
func Solve(measurements []Measurement, altitude, altitudeError *float64, initialGuess geodesy.ECEF) (*Result, error) {
	constraints := len(measurements)
	if altitude != nil {
		constraints++
	}
	if constraints < 4 {
		return nil, ErrNotEnoughMeasurements
	}

	baseTimestamp := measurements[0].Timestamp
	type pr struct {
		pos   geodesy.ECEF
		range_ float64
		sigma float64
	}
	prs := make([]pr, len(measurements))
	for i, m := range measurements {
		prs[i] = pr{
			pos:    m.Position,
			range_: (m.Timestamp - baseTimestamp) * cAir,
			sigma:  math.Sqrt(m.Variance) * cAir,
		}
	}

	residuals := func(x []float64) []float64 {
		pos := geodesy.ECEF{x[0], x[1], x[2]}
		offset := x[3]

		res := make([]float64, 0, constraints)
		for _, p := range prs {
			guess := geodesy.ECEFDistance(p.pos, pos) - offset
			res = append(res, (p.range_-guess)/p.sigma)
		}
		if altitude != nil {
			llh := geodesy.ECEFToLLH(pos)
			res = append(res, (*altitude-llh[2])/(*altitudeError))
		}
		return res
	}

	x0 := []float64{initialGuess[0], initialGuess[1], initialGuess[2], 0.0}
	x, cov, ok := levenbergMarquardt(residuals, x0, MaxFev)
	if !ok {
		return nil, nil
	}

	position := geodesy.ECEF{x[0], x[1], x[2]}
	offset := x[3]

	if offset < 0 || offset > MaxRange {
		return nil, nil
	}
	for _, p := range prs {
		if geodesy.ECEFDistance(p.pos, position) > MaxRange {
			return nil, nil
		}
	}

	var posCov *mat.SymDense
	if cov != nil {
		posCov = mat.NewSymDense(3, nil)
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				posCov.SetSym(i, j, cov.At(i, j))
			}
		}
	}

	return &Result{Position: position, Cov: posCov}, nil
}

// levenbergMarquardt minimizes the sum of squares of fn(x) starting from a
// copy of x0 (x0 itself is not modified), returning the solution, the
// estimated covariance of the parameters (scaled by the
// residual variance, MINPACK-style) and whether the solve converged within
// maxfev residual evaluations.
func levenbergMarquardt(fn func([]float64) []float64, x0 []float64, maxfev int) (x []float64, cov *mat.Dense, converged bool) {
	x = append([]float64{}, x0...)
	n := len(x)
	lambda := lmInitialLambda

	res := fn(x)
	m := len(res)
	cost := sumSquares(res)
	evals := 1

	const h = 1e-6

	for evals < maxfev {
		jac := mat.NewDense(m, n, nil)
		for j := 0; j < n; j++ {
			xPerturbed := append([]float64{}, x...)
			step := h * math.Max(1.0, math.Abs(x[j]))
			xPerturbed[j] += step
			resPerturbed := fn(xPerturbed)
			evals++
			for i := 0; i < m; i++ {
				jac.Set(i, j, (resPerturbed[i]-res[i])/step)
			}
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)

		resVec := mat.NewVecDense(m, res)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), resVec)

		improved := false
		for attempt := 0; attempt < 10 && evals < maxfev; attempt++ {
			damped := mat.NewDense(n, n, nil)
			damped.Copy(&jtj)
			for i := 0; i < n; i++ {
				damped.Set(i, i, damped.At(i, i)*(1+lambda))
			}

			var step mat.VecDense
			if err := step.SolveVec(damped, &jtr); err != nil {
				lambda *= lmLambdaUp
				continue
			}

			xTrial := make([]float64, n)
			for i := range xTrial {
				xTrial[i] = x[i] - step.AtVec(i)
			}

			resTrial := fn(xTrial)
			evals++
			trialCost := sumSquares(resTrial)

			if trialCost < cost {
				x = xTrial
				res = resTrial
				cost = trialCost
				lambda /= lmLambdaDown
				improved = true
				break
			}
			lambda *= lmLambdaUp
		}

		if !improved {
			return x, covarianceFromJacobian(jac, cost, m, n), true
		}

		if cost < 1e-18 {
			return x, covarianceFromJacobian(jac, cost, m, n), true
		}
	}

	return x, nil, false
}

func covarianceFromJacobian(jac *mat.Dense, cost float64, m, n int) *mat.Dense {
	if m <= n {
		return nil
	}
	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)

	var inv mat.Dense
	if err := inv.Inverse(&jtj); err != nil {
		return nil
	}

	variance := cost / float64(m-n)
	inv.Scale(variance, &inv)
	return &inv
}

func sumSquares(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return s
}

