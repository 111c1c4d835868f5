package modes

import (
	"errors"
	"math"
	"sort"
)

// ErrCPR is returned by DecodeCPR when the even/odd pair cannot be resolved
// to a useful global position.
var ErrCPR = errors.New("modes: cpr decode failed")

type nlEntry struct {
	lat float64
	nl  int
}

// nlTable is the CPR latitude-zone table: the number of longitude zones NL
// for a given latitude band, following the published CPR algorithm.
var nlTable = []nlEntry{
	{10.47047130, 59}, {14.82817437, 58}, {18.18626357, 57}, {21.02939493, 56},
	{23.54504487, 55}, {25.82924707, 54}, {27.93898710, 53}, {29.91135686, 52},
	{31.77209708, 51}, {33.53993436, 50}, {35.22899598, 49}, {36.85025108, 48},
	{38.41241892, 47}, {39.92256684, 46}, {41.38651832, 45}, {42.80914012, 44},
	{44.19454951, 43}, {45.54626723, 42}, {46.86733252, 41}, {48.16039128, 40},
	{49.42776439, 39}, {50.67150166, 38}, {51.89342469, 37}, {53.09516153, 36},
	{54.27817472, 35}, {55.44378444, 34}, {56.59318756, 33}, {57.72747354, 32},
	{58.84763776, 31}, {59.95459277, 30}, {61.04917774, 29}, {62.13216659, 28},
	{63.20427479, 27}, {64.26616523, 26}, {65.31845310, 25}, {66.36171008, 24},
	{67.39646774, 23}, {68.42322022, 22}, {69.44242631, 21}, {70.45451075, 20},
	{71.45986473, 19}, {72.45884545, 18}, {73.45177442, 17}, {74.43893416, 16},
	{75.42056257, 15}, {76.39684391, 14}, {77.36789461, 13}, {78.33374083, 12},
	{79.29428225, 11}, {80.24923213, 10}, {81.19801349, 9}, {82.13956981, 8},
	{83.07199445, 7}, {83.99173563, 6}, {84.89166191, 5}, {85.75541621, 4},
	{86.53536998, 3}, {87.00000000, 2}, {90.00000000, 1},
}

// NL returns the number of CPR longitude zones for the given latitude.
// NL(-lat) == NL(lat) by construction, since only the magnitude is used.
func NL(lat float64) int {
	if lat < 0 {
		lat = -lat
	}
	i := sort.Search(len(nlTable), func(i int) bool { return nlTable[i].lat >= lat })
	if i == len(nlTable) {
		i = len(nlTable) - 1
	}
	return nlTable[i].nl
}

func modf(a, b float64) float64 {
	r := math.Mod(a, b)
	if r < 0 {
		r += b
	}
	return r
}

// DecodeCPR performs globally unambiguous position decoding for a pair of
// airborne even/odd CPR messages, given their raw 17-bit lat/lon fields.
// It returns (evenLat, evenLon, oddLat, oddLon) in degrees.
func DecodeCPR(latE, lonE, latO, lonO int) (evenLat, evenLon, oddLat, oddLon float64, err error) {
	fLatE, fLonE := float64(latE), float64(lonE)
	fLatO, fLonO := float64(latO), float64(lonO)

	j := math.Floor(((59*fLatE - 60*fLatO) / 131072.0) + 0.5)
	rlatE := (360.0 / 60.0) * (modf(j, 60) + fLatE/131072.0)
	rlatO := (360.0 / 59.0) * (modf(j, 59) + fLatO/131072.0)

	if rlatE >= 270 {
		rlatE -= 360
	}
	if rlatO >= 270 {
		rlatO -= 360
	}

	if rlatE < -90 || rlatE > 90 || rlatO < -90 || rlatO > 90 {
		return 0, 0, 0, 0, ErrCPR
	}

	nl := NL(rlatE)
	if nl != NL(rlatO) {
		return 0, 0, 0, 0, ErrCPR
	}

	nE := float64(nl)
	nO := float64(nl - 1)
	if nO < 1 {
		nO = 1
	}

	m := math.Floor((((fLonE * (float64(nl) - 1)) - (fLonO * float64(nl))) / 131072.0) + 0.5)

	rlonE := (360.0 / nE) * (modf(m, nE) + fLonE/131072.0)
	rlonO := (360.0 / nO) * (modf(m, nO) + fLonO/131072.0)

	rlonE -= math.Floor((rlonE+180)/360) * 360
	rlonO -= math.Floor((rlonO+180)/360) * 360

	return rlatE, rlonE, rlatO, rlonO, nil
}
