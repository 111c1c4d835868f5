// Package mlattrack pairs up copies of the same Mode S message seen by more
// than one receiver, clusters them by arrival time, and hands the clusters
// to the solver to derive an aircraft position.
package mlattrack

import (
	"bufio"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/clocknorm"
	"github.com/mlat-network/mlat-server/internal/clocksync"
	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/kalman"
	"github.com/mlat-network/mlat-server/internal/metrics"
	"github.com/mlat-network/mlat-server/internal/modes"
	"github.com/mlat-network/mlat-server/internal/solver"
	"github.com/mlat-network/mlat-server/internal/tracker"
)

var mlogger = log.WithField("component", "mlattrack")

// Resolve-pipeline timing and thresholds.
const (
	MlatDelay        = 2500 * time.Millisecond
	janitorInterval  = 100 * time.Millisecond
	groupMinCopies   = 3
	staleResultAfter = 120 * time.Second
	ftom             = geodesy.FTOM
)

// Receiver is the subset of receiver state mlattrack needs. It is also a
// valid internal/clocknorm.Station.
type Receiver interface {
	ID() string
	User() string
	Position() geodesy.ECEF
	ClockInfo() clocksync.Clock
	DistanceTo(other Receiver) float64
}

// OutputFunc is called for every accepted multilateration result.
type OutputFunc func(clusterUTC time.Time, address uint32, ecef geodesy.ECEF, ecefCov *mat.SymDense,
	receivers []Receiver, distinct, dof int, kalmanState *kalman.State)

// PseudorangeDumper is implemented by internal/output.PseudorangeDumper.
type PseudorangeDumper interface {
	Dump(state PseudorangeState) error
}

// PseudorangeState is the per-resolve diagnostic record handed to a
// PseudorangeDumper.
type PseudorangeState struct {
	Address       uint32
	Time          time.Time
	ECEF          geodesy.ECEF
	ECEFCov       *mat.SymDense
	Distinct      int
	DOF           int
	Cluster       []ClusterEntry
	Altitude      *float64
	AltitudeError *float64
}

// ClusterEntry is one receiver's contribution recorded in a PseudorangeState.
type ClusterEntry struct {
	Position  geodesy.ECEF
	OffsetUS  float64
	Variance  float64
}

type messageGroup struct {
	mu        sync.Mutex
	rawMsg    []byte
	firstSeen time.Time
	copies    []receipt
}

type receipt struct {
	r         Receiver
	timestamp float64
	utc       time.Time
}

// MlatTracker owns the in-flight message-grouping cache and the resolve
// pipeline that turns groups into positions.
type MlatTracker struct {
	aircraft *tracker.Tracker

	pairs clocknorm.PairSource

	dispatch func(func())

	blacklistMu       sync.RWMutex
	blacklist         map[string]struct{}
	blacklistFilename string

	pseudoranges PseudorangeDumper

	pending *gocache.Cache

	outputHandlers []OutputFunc

	metrics *metrics.Metrics
}

// SetMetrics registers a metrics.Metrics bundle whose counters are
// incremented inline as resolve() processes message groups.
func (t *MlatTracker) SetMetrics(m *metrics.Metrics) { t.metrics = m }

// NewMlatTracker constructs a MlatTracker.
//
// aircraft is the shared tracker state; pairs resolves clock pairings for
// clock normalization (internal/clocktrack.ClockTracker satisfies this).
// dispatch must enqueue its argument onto the coordinator's single state-
// owning goroutine: resolve() mutates tracker.TrackedAircraft state and must
// never run concurrently with the rest of the coordinator.
// registerSighup, if non-nil, is used to reload the blacklist file on SIGHUP.
func NewMlatTracker(aircraft *tracker.Tracker, pairs clocknorm.PairSource, dispatch func(func()),
	blacklistFilename string, pseudoranges PseudorangeDumper, registerSighup func(func())) *MlatTracker {

	t := &MlatTracker{
		aircraft:          aircraft,
		pairs:             pairs,
		dispatch:          dispatch,
		blacklist:         map[string]struct{}{},
		blacklistFilename: blacklistFilename,
		pseudoranges:      pseudoranges,
		pending:           gocache.New(MlatDelay, janitorInterval),
	}
	t.readBlacklist()
	if registerSighup != nil {
		registerSighup(t.readBlacklist)
	}

	t.pending.OnEvicted(func(_ string, value interface{}) {
		group := value.(*messageGroup)
		t.dispatch(func() { t.resolve(group) })
	})

	return t
}

// AddOutputHandler registers a handler invoked for every accepted result.
func (t *MlatTracker) AddOutputHandler(fn OutputFunc) {
	t.outputHandlers = append(t.outputHandlers, fn)
}

func (t *MlatTracker) readBlacklist() {
	s := map[string]struct{}{}
	if t.blacklistFilename != "" {
		f, err := os.Open(t.blacklistFilename)
		if err == nil {
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				if user := strings.TrimSpace(scanner.Text()); user != "" {
					s[user] = struct{}{}
				}
			}
			f.Close()
		}
		mlogger.Infof("Read %d blacklist entries", len(s))
	}
	t.blacklistMu.Lock()
	t.blacklist = s
	t.blacklistMu.Unlock()
}

func (t *MlatTracker) blacklisted(user string) bool {
	t.blacklistMu.RLock()
	defer t.blacklistMu.RUnlock()
	_, ok := t.blacklist[user]
	return ok
}

// ReceiverMlat records one receiver's copy of a raw Mode S message for
// multilateration. rawMsg is used as the group key: the group is resolved
// into a position when its cache entry expires, MlatDelay after the first
// copy was stored; later copies do not extend or shorten that delay.
func (t *MlatTracker) ReceiverMlat(r Receiver, timestamp float64, rawMsg []byte, utc time.Time) {
	key := string(rawMsg)
	if x, found := t.pending.Get(key); found {
		group := x.(*messageGroup)
		group.mu.Lock()
		group.copies = append(group.copies, receipt{r, timestamp, utc})
		if utc.Before(group.firstSeen) {
			group.firstSeen = utc
		}
		group.mu.Unlock()
		return
	}

	group := &messageGroup{rawMsg: rawMsg, firstSeen: utc, copies: []receipt{{r, timestamp, utc}}}
	t.pending.Set(key, group, gocache.DefaultExpiration)
}

func (t *MlatTracker) resolve(group *messageGroup) {
	group.mu.Lock()
	copies := group.copies
	firstSeen := group.firstSeen
	group.mu.Unlock()

	if len(copies) < groupMinCopies {
		return
	}

	decoded, err := modes.DefaultDecoder.Decode(group.rawMsg)
	if err != nil {
		return
	}

	ac, ok := t.aircraft.Aircraft[decoded.Address]
	if !ok {
		return
	}
	ac.MlatMessageCount++
	if t.metrics != nil {
		t.metrics.MlatMessages.Inc()
	}

	if !ac.AllowMlat {
		mlogger.Infof("not doing mlat for %06x, wrong partition!", ac.ICAO)
		return
	}

	if decoded.Altitude != nil {
		ac.Altitude = decoded.Altitude
		ac.LastAltitudeTime = firstSeen
	}
	if decoded.Squawk != nil {
		ac.Squawk = decoded.Squawk
	}
	if decoded.Callsign != nil {
		ac.Callsign = decoded.Callsign
	}

	var lastResultPosition *geodesy.ECEF
	var lastResultVar float64
	var lastResultDOF int
	var lastResultTime time.Time

	if ac.LastResultPosition == nil || firstSeen.Sub(ac.LastResultTime) > staleResultAfter {
		lastResultVar = 1e9
		lastResultTime = firstSeen.Add(-staleResultAfter)
	} else {
		lastResultPosition = ac.LastResultPosition
		lastResultVar = ac.LastResultVar
		lastResultDOF = ac.LastResultDOF
		lastResultTime = ac.LastResultTime
	}

	var altitude *float64
	altitudeDOF := 0
	if ac.Altitude != nil {
		v := float64(*ac.Altitude) * ftom
		altitude = &v
		altitudeDOF = 1
	}

	timestampMap := map[clocknorm.Station][]clocknorm.Sample{}
	for _, c := range copies {
		if t.blacklisted(c.r.User()) {
			continue
		}
		timestampMap[c.r] = append(timestampMap[c.r], clocknorm.Sample{Timestamp: c.timestamp, UTC: c.utc})
	}

	dof := len(timestampMap) + altitudeDOF - 4
	if dof < 0 {
		return
	}

	elapsed := firstSeen.Sub(lastResultTime)
	if elapsed < 15*time.Second && dof < lastResultDOF {
		return
	}
	if elapsed < 2*time.Second && dof == lastResultDOF {
		return
	}

	components := clocknorm.Normalize(t.pairs, timestampMap)

	minComponentSize := 4 - altitudeDOF
	var clusters []cluster
	for _, component := range components {
		if len(component) >= minComponentSize {
			clusters = append(clusters, clusterTimestamps(component, minComponentSize)...)
		}
	}
	if len(clusters) == 0 {
		return
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].distinct != clusters[j].distinct {
			return clusters[i].distinct < clusters[j].distinct
		}
		return clusters[i].utc.Before(clusters[j].utc)
	})

	var (
		resultPos   *solver.Result
		resultDOF   int
		varEst      float64
		chosen      cluster
		decodedAddr = decoded.Address
	)

	for len(clusters) > 0 {
		c := clusters[len(clusters)-1]
		clusters = clusters[:len(clusters)-1]

		elapsed = c.utc.Sub(lastResultTime)
		curDOF := c.distinct + altitudeDOF - 4

		if elapsed < 10*time.Second && curDOF < lastResultDOF {
			break
		}
		if elapsed < MlatDelay-500*time.Millisecond && curDOF == lastResultDOF {
			break
		}

		var altitudeError *float64
		if decoded.Altitude != nil {
			v := 250 * ftom
			altitudeError = &v
		} else if altitude != nil {
			v := (250 + c.utc.Sub(ac.LastAltitudeTime).Seconds()*70) * ftom
			altitudeError = &v
		}

		sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].timestamp < c.entries[j].timestamp })

		measurements := make([]solver.Measurement, len(c.entries))
		for i, e := range c.entries {
			measurements[i] = solver.Measurement{Position: e.r.Position(), Timestamp: e.timestamp, Variance: e.variance}
		}

		initialGuess := measurements[0].Position
		if lastResultPosition != nil {
			initialGuess = *lastResultPosition
		}

		r, err := solver.Solve(measurements, altitude, altitudeError, initialGuess)
		if err != nil || r == nil {
			continue
		}

		if r.Cov != nil {
			varEst = mat.Trace(r.Cov)
		} else {
			varEst = 100e6
		}
		if varEst > 100e6 {
			continue
		}
		if elapsed < 2*time.Second && varEst > lastResultVar*1.1 {
			continue
		}

		resultPos = r
		resultDOF = curDOF
		chosen = c
		break
	}

	if resultPos == nil {
		return
	}

	ac.LastResultPosition = &resultPos.Position
	ac.LastResultVar = varEst
	ac.LastResultDOF = resultDOF
	ac.LastResultTime = chosen.utc
	ac.MlatResultCount++
	if t.metrics != nil {
		t.metrics.MlatResults.Inc()
	}

	kalmanMeasurements := make([]kalman.Measurement, len(chosen.entries))
	for i, e := range chosen.entries {
		kalmanMeasurements[i] = kalman.Measurement{Position: e.r.Position(), Timestamp: e.timestamp, Variance: e.variance}
	}
	var altitudeErrorForKalman *float64
	if decoded.Altitude != nil {
		v := 250 * ftom
		altitudeErrorForKalman = &v
	} else if altitude != nil {
		v := (250 + chosen.utc.Sub(ac.LastAltitudeTime).Seconds()*70) * ftom
		altitudeErrorForKalman = &v
	}
	if ac.Kalman.Update(float64(chosen.utc.UnixNano())/1e9, kalmanMeasurements, altitude, altitudeErrorForKalman,
		resultPos.Position, resultPos.Cov, resultDOF) {
		ac.MlatKalmanCount++
		if t.metrics != nil {
			t.metrics.MlatKalman.Inc()
		}
	}

	if altitude == nil {
		llh := geodesy.ECEFToLLH(resultPos.Position)
		mlogger.Infof("%06x solved altitude=%.0fft with dof=%d", decodedAddr, llh[2]/ftom, resultDOF)
	}

	receivers := make([]Receiver, len(chosen.entries))
	for i, e := range chosen.entries {
		receivers[i] = e.r
	}
	for _, h := range t.outputHandlers {
		h(chosen.utc, decodedAddr, resultPos.Position, resultPos.Cov, receivers, chosen.distinct, resultDOF, ac.Kalman)
	}

	if t.pseudoranges != nil {
		t.dumpPseudorange(decodedAddr, chosen, resultPos, resultDOF, altitude, altitudeErrorForKalman)
	}
}

func (t *MlatTracker) dumpPseudorange(address uint32, c cluster, r *solver.Result, dof int, altitude, altitudeError *float64) {
	entries := make([]ClusterEntry, len(c.entries))
	t0 := c.entries[0].timestamp
	for i, e := range c.entries {
		entries[i] = ClusterEntry{Position: e.r.Position(), OffsetUS: (e.timestamp - t0) * 1e6, Variance: e.variance * 1e12}
	}
	state := PseudorangeState{
		Address:       address,
		Time:          c.utc,
		ECEF:          r.Position,
		ECEFCov:       r.Cov,
		Distinct:      c.distinct,
		DOF:           dof,
		Cluster:       entries,
		Altitude:      altitude,
		AltitudeError: altitudeError,
	}
	if err := t.pseudoranges.Dump(state); err != nil {
		mlogger.WithError(err).Warn("failed to write pseudorange dump entry")
	}
}
