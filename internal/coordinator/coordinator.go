// Package coordinator is the top-level glue that knows about every
// connected receiver and moves data between the registry, the clock
// synchronization engine and the multilateration tracker. Every operation
// that touches shared aircraft or receiver state runs on a single owning
// goroutine (Coordinator.Run); callers submit work with Do or enqueue, and
// the message-group resolution, traffic-request refresh and state-snapshot
// timers feed back into the same goroutine instead of mutating state from
// their own. internal/clocktrack is separate: its sync-point and clock-pair
// expiry timers run on their own goroutines under ClockTracker's mutex.
package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/clocksync"
	"github.com/mlat-network/mlat-server/internal/clocktrack"
	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/kalman"
	"github.com/mlat-network/mlat-server/internal/metrics"
	"github.com/mlat-network/mlat-server/internal/mlattrack"
	"github.com/mlat-network/mlat-server/internal/tracker"
)

var clogger = log.WithField("component", "coordinator")

// trafficRefreshDelay is how long Coordinator waits after an interest change
// before pushing the recomputed traffic request to a receiver, so a burst of
// tracking updates collapses into one request.
const trafficRefreshDelay = 15 * time.Second

// Connection is implemented by whatever carries the client wire protocol to
// a receiver. The protocol itself (JSON-over-TCP, binary-over-UDP) is out of
// scope; Connection is the seam a real listener plugs into.
type Connection interface {
	RequestTraffic(r *Receiver, icaoSet map[uint32]struct{})
	ReportMLATPosition(r *Receiver, receiveTimestamp float64, address uint32,
		ecef geodesy.ECEF, ecefCov *mat.SymDense, receivers []*Receiver, distinct, dof int, kalmanState *kalman.State)
}

// Receiver represents one connected receiver and the interest sets the
// tracker and clock-sync engine maintain on its behalf. All fields except
// dead/syncCount are only ever touched on the Coordinator's owning
// goroutine; dead/syncCount are updated from clocktrack's own timer
// goroutines and so use atomics rather than participating in the dispatch
// discipline.
type Receiver struct {
	id             string
	user           string
	conn           Connection
	clock          clocksync.Clock
	positionLLH    geodesy.LLH
	position       geodesy.ECEF
	privacy        bool
	connectionInfo string

	dead      atomic.Bool
	syncCount atomic.Int64

	lastRateReport map[uint32]float64
	hasRateReport  bool

	tracking     map[*tracker.TrackedAircraft]struct{}
	syncInterest map[*tracker.TrackedAircraft]struct{}
	mlatInterest map[*tracker.TrackedAircraft]struct{}
	requested    map[*tracker.TrackedAircraft]struct{}

	distance map[*Receiver]float64

	refreshPending bool
	refreshTimer   *time.Timer
}

// ID satisfies tracker.ReceiverHandle, clocktrack.Receiver, clocknorm.Station
// and mlattrack.Receiver.
func (r *Receiver) ID() string { return r.id }

// User satisfies mlattrack.Receiver.
func (r *Receiver) User() string { return r.user }

// Position satisfies clocktrack.Receiver and mlattrack.Receiver.
func (r *Receiver) Position() geodesy.ECEF { return r.position }

// PositionLLH is the lat/lon/height form of Position, used by state dumps.
func (r *Receiver) PositionLLH() geodesy.LLH { return r.positionLLH }

// Clock satisfies clocktrack.Receiver.
func (r *Receiver) Clock() clocksync.Clock { return r.clock }

// ClockInfo satisfies clocknorm.Station and mlattrack.Receiver.
func (r *Receiver) ClockInfo() clocksync.Clock { return r.clock }

// Dead satisfies clocktrack.Receiver.
func (r *Receiver) Dead() bool { return r.dead.Load() }

// IncSyncCount satisfies clocktrack.Receiver.
func (r *Receiver) IncSyncCount() { r.syncCount.Add(1) }

// SyncCount reports the number of successful sync exchanges recorded for
// diagnostics.
func (r *Receiver) SyncCount() int64 { return r.syncCount.Load() }

// LastRateReport satisfies tracker.ReceiverHandle.
func (r *Receiver) LastRateReport() (map[uint32]float64, bool) {
	return r.lastRateReport, r.hasRateReport
}

// Tracking satisfies tracker.InterestUpdater.
func (r *Receiver) Tracking() map[*tracker.TrackedAircraft]struct{} { return r.tracking }

// UpdateInterestSets satisfies tracker.InterestUpdater: it folds the
// recomputed sync/mlat interest sets back into each affected aircraft and
// replaces the receiver's own view of them.
func (r *Receiver) UpdateInterestSets(newSync, newMlat map[*tracker.TrackedAircraft]struct{}) {
	for ac := range newSync {
		if _, already := r.syncInterest[ac]; !already {
			ac.SyncInterest[r] = struct{}{}
		}
	}
	for ac := range r.syncInterest {
		if _, keep := newSync[ac]; !keep {
			delete(ac.SyncInterest, r)
		}
	}

	for ac := range newMlat {
		if _, already := r.mlatInterest[ac]; !already {
			ac.MlatInterest[r] = struct{}{}
		}
	}
	for ac := range r.mlatInterest {
		if _, keep := newMlat[ac]; !keep {
			delete(ac.MlatInterest, r)
		}
	}

	r.syncInterest = newSync
	r.mlatInterest = newMlat
}

// DistanceTo satisfies mlattrack.Receiver. It uses the coordinator's
// precomputed interstation distance matrix when the peer is a known
// *Receiver, falling back to a direct ECEF distance otherwise.
func (r *Receiver) DistanceTo(other mlattrack.Receiver) float64 {
	if peer, ok := other.(*Receiver); ok {
		if d, ok := r.distance[peer]; ok {
			return d
		}
		return geodesy.ECEFDistance(r.position, peer.position)
	}
	return geodesy.ECEFDistance(r.position, other.Position())
}

// refreshTrafficRequests recomputes which aircraft this receiver should be
// asked to forward, per tracker.TrackedAircraft.Interesting, and notifies
// its Connection.
func (r *Receiver) refreshTrafficRequests() {
	requested := map[*tracker.TrackedAircraft]struct{}{}
	icaoSet := map[uint32]struct{}{}
	for ac := range r.tracking {
		if ac.Interesting() {
			requested[ac] = struct{}{}
			icaoSet[ac.ICAO] = struct{}{}
		}
	}
	r.requested = requested
	r.conn.RequestTraffic(r, icaoSet)
}

// Coordinator is the master glue object: one per server partition.
type Coordinator struct {
	workDir        string
	tag            string
	partitionIndex int
	partitionCount int

	receivers map[string]*Receiver

	sighupMu       sync.Mutex
	sighupHandlers []func()

	tracker      *tracker.Tracker
	clockTracker *clocktrack.ClockTracker
	mlatTracker  *mlattrack.MlatTracker

	authenticator func(r *Receiver, auth interface{}) error

	metrics *metrics.Metrics

	tasks chan func()
	stop  chan struct{}
}

// SetMetrics registers a metrics.Metrics bundle to be updated on every
// periodic state-dump tick, and wires it into the subsystems that increment
// counters inline (internal/mlattrack, internal/clocktrack).
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	c.mlatTracker.SetMetrics(m)
	c.clockTracker.SetMetrics(m)
}

// New builds a Coordinator for partition partitionIndex of partitionCount
// (1-based). workDir is where blacklist.txt is read from and sync.json /
// locations.json / aircraft.json are periodically written. authenticator,
// if non-nil, may reject a new receiver by returning an error.
func New(workDir, tag string, partitionIndex, partitionCount int,
	authenticator func(r *Receiver, auth interface{}) error, pseudoranges mlattrack.PseudorangeDumper) *Coordinator {

	c := &Coordinator{
		workDir:        workDir,
		tag:            tag,
		partitionIndex: partitionIndex,
		partitionCount: partitionCount,
		receivers:      map[string]*Receiver{},
		tracker:        tracker.NewTracker(partitionIndex, partitionCount),
		clockTracker:   clocktrack.NewClockTracker(),
		authenticator:  authenticator,
		tasks:          make(chan func(), 256),
		stop:           make(chan struct{}),
	}

	c.mlatTracker = mlattrack.NewMlatTracker(c.tracker, c.clockTracker, c.enqueue,
		workDir+"/blacklist.txt", pseudoranges, c.AddSighupHandler)
	c.mlatTracker.AddOutputHandler(c.forwardResults)

	return c
}

// AddOutputHandler registers an additional handler invoked for every
// accepted multilateration result (e.g. internal/output.CSVWriter,
// internal/output.AMQPFanout).
func (c *Coordinator) AddOutputHandler(fn mlattrack.OutputFunc) {
	c.mlatTracker.AddOutputHandler(fn)
}

// AddSighupHandler registers a handler invoked whenever the process
// receives SIGHUP (e.g. to reopen a rotated log/CSV file).
func (c *Coordinator) AddSighupHandler(fn func()) {
	c.sighupMu.Lock()
	defer c.sighupMu.Unlock()
	c.sighupHandlers = append(c.sighupHandlers, fn)
}

// SIGHUP runs every registered reload handler. Safe to call directly from a
// signal handler goroutine: handlers are expected to be idempotent and
// non-blocking.
func (c *Coordinator) SIGHUP() {
	c.sighupMu.Lock()
	handlers := append([]func(){}, c.sighupHandlers...)
	c.sighupMu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// enqueue submits fn to run on the owning goroutine without waiting for it
// to complete. Used for the mlattrack resolve dispatch, where the caller is
// a go-cache janitor goroutine that must not block.
func (c *Coordinator) enqueue(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.stop:
	}
}

// Do submits fn to run on the owning goroutine and blocks until it
// completes. Used by every public registry-mutating method below so that
// callers (connection goroutines) never touch tracker/receiver state
// directly.
func (c *Coordinator) Do(fn func()) {
	done := make(chan struct{})
	c.enqueue(func() {
		fn()
		close(done)
	})
	<-done
}

// Run processes dispatched work and periodic snapshots until stopped. It
// must run on its own goroutine; every other Coordinator method is safe to
// call from any goroutine.
func (c *Coordinator) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case fn := <-c.tasks:
			fn()
		case <-ticker.C:
			c.writeState()
		}
	}
}

// Stop halts Run and the background clock-pair expiry sweep.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.clockTracker.Stop()
}

// ReceiverMlat forwards a multilateration candidate message. Safe to call
// directly: mlattrack.MlatTracker.ReceiverMlat only touches its own
// mutex-protected pending-group cache; only eventual resolution mutates
// shared state, and that runs via enqueue.
func (c *Coordinator) ReceiverMlat(r *Receiver, timestamp float64, rawMsg []byte, utc time.Time) {
	c.mlatTracker.ReceiverMlat(r, timestamp, rawMsg, utc)
}

// ReceiverSync forwards a clock-synchronization candidate message pair.
// Safe to call directly for the same reason as ReceiverMlat: ClockTracker
// guards its own state with a mutex.
func (c *Coordinator) ReceiverSync(r *Receiver, evenTime, oddTime float64, evenMsg, oddMsg []byte) {
	c.clockTracker.ReceiverSync(r, evenTime, oddTime, evenMsg, oddMsg)
}

// NewReceiver registers a newly connected receiver. It returns an error if
// the uuid is already connected, or if authenticator rejects it.
func (c *Coordinator) NewReceiver(uuid, user string, conn Connection, clockType string,
	positionLLH geodesy.LLH, privacy bool, connectionInfo string, auth interface{}) (*Receiver, error) {

	clock, err := clocksync.NewClock(clockType)
	if err != nil {
		return nil, err
	}

	var result *Receiver
	var resultErr error
	c.Do(func() {
		if _, exists := c.receivers[uuid]; exists {
			resultErr = fmt.Errorf("coordinator: user %s/%s is already connected", uuid, user)
			return
		}

		r := &Receiver{
			id:             uuid,
			user:           user,
			conn:           conn,
			clock:          clock,
			positionLLH:    positionLLH,
			position:       geodesy.LLHToECEF(positionLLH),
			privacy:        privacy,
			connectionInfo: connectionInfo,
			tracking:       map[*tracker.TrackedAircraft]struct{}{},
			syncInterest:   map[*tracker.TrackedAircraft]struct{}{},
			mlatInterest:   map[*tracker.TrackedAircraft]struct{}{},
			requested:      map[*tracker.TrackedAircraft]struct{}{},
			distance:       map[*Receiver]float64{},
		}

		if c.authenticator != nil {
			if err := c.authenticator(r, auth); err != nil {
				resultErr = err
				return
			}
		}

		c.computeInterstationDistances(r)
		c.receivers[uuid] = r
		result = r
	})
	return result, resultErr
}

func (c *Coordinator) computeInterstationDistances(r *Receiver) {
	for _, other := range c.receivers {
		var d float64
		if other != r {
			d = geodesy.ECEFDistance(r.position, other.position)
		}
		r.distance[other] = d
		other.distance[r] = d
	}
}

// ReceiverLocationUpdate records that a receiver has moved and recomputes
// interstation distances.
func (c *Coordinator) ReceiverLocationUpdate(r *Receiver, positionLLH geodesy.LLH) {
	c.Do(func() {
		r.positionLLH = positionLLH
		r.position = geodesy.LLHToECEF(positionLLH)
		c.computeInterstationDistances(r)
	})
}

// ReceiverDisconnect tears down all state associated with r.
func (c *Coordinator) ReceiverDisconnect(r *Receiver) {
	c.Do(func() {
		r.dead.Store(true)
		if r.refreshTimer != nil {
			r.refreshTimer.Stop()
		}
		c.tracker.RemoveAll(r)
		c.clockTracker.ReceiverDisconnect(r)
		delete(c.receivers, r.id)
		for _, other := range c.receivers {
			delete(other.distance, r)
		}
	})
}

// ReceiverTrackingAdd records that r is now tracking the given ICAO
// addresses, and recomputes its interest sets if it isn't receiving rate
// reports.
func (c *Coordinator) ReceiverTrackingAdd(r *Receiver, icaoSet map[uint32]struct{}) {
	c.Do(func() {
		c.tracker.Add(r, icaoSet)
		for icao := range icaoSet {
			if ac, ok := c.tracker.Aircraft[icao]; ok {
				r.tracking[ac] = struct{}{}
			}
		}
		if !r.hasRateReport {
			c.tracker.UpdateInterest(r)
			c.scheduleTrafficRefresh(r)
		}
	})
}

// ReceiverTrackingRemove records that r is no longer tracking the given
// ICAO addresses.
func (c *Coordinator) ReceiverTrackingRemove(r *Receiver, icaoSet map[uint32]struct{}) {
	c.Do(func() {
		for icao := range icaoSet {
			if ac, ok := c.tracker.Aircraft[icao]; ok {
				delete(r.tracking, ac)
			}
		}
		c.tracker.Remove(r, icaoSet)
		if !r.hasRateReport {
			c.tracker.UpdateInterest(r)
			c.scheduleTrafficRefresh(r)
		}
	})
}

// ReceiverClockReset resets clock synchronization for r, e.g. after it
// reports a clock discontinuity.
func (c *Coordinator) ReceiverClockReset(r *Receiver) {
	c.clockTracker.ReceiverClockReset(r)
}

// ReceiverRateReport processes a per-ICAO ADS-B position rate report used
// to weight sync/mlat interest allocation.
func (c *Coordinator) ReceiverRateReport(r *Receiver, report map[uint32]float64) {
	c.Do(func() {
		r.lastRateReport = report
		r.hasRateReport = true
		c.tracker.UpdateInterest(r)
		c.scheduleTrafficRefresh(r)
	})
}

// scheduleTrafficRefresh debounces the traffic-request push to r:
// refreshTrafficRequests runs trafficRefreshDelay after the first interest
// change, not immediately. Must be called on the owning goroutine. A change
// arriving while a refresh is already pending does not reset the timer, so
// there is at most one scheduled refresh per receiver at a time.
func (c *Coordinator) scheduleTrafficRefresh(r *Receiver) {
	if r.refreshPending {
		return
	}
	r.refreshPending = true
	r.refreshTimer = time.AfterFunc(trafficRefreshDelay, func() {
		c.enqueue(func() {
			r.refreshPending = false
			if r.dead.Load() {
				return
			}
			r.refreshTrafficRequests()
		})
	})
}

// forwardResults is registered as the MlatTracker's primary output handler.
// It runs on the owning goroutine already (resolve always runs via
// enqueue), so it must not call Do itself. Each receiver's
// ReportMLATPosition call recovers its own panic, so a panicking connection
// does not stop the result reaching the other receivers. The calls run one
// after another on this goroutine, so a slow connection delays the rest.
func (c *Coordinator) forwardResults(clusterUTC time.Time, address uint32, ecef geodesy.ECEF, ecefCov *mat.SymDense,
	receivers []mlattrack.Receiver, distinct, dof int, kalmanState *kalman.State) {

	var broadcast []*Receiver
	if ac, ok := c.tracker.Aircraft[address]; ok {
		for _, rcv := range receivers {
			if rr, ok := rcv.(*Receiver); ok {
				ac.SuccessfulMlat[rr] = struct{}{}
			}
		}
		for rh := range ac.SuccessfulMlat {
			if rr, ok := rh.(*Receiver); ok {
				broadcast = append(broadcast, rr)
			}
		}
	} else {
		for _, rcv := range receivers {
			if rr, ok := rcv.(*Receiver); ok {
				broadcast = append(broadcast, rr)
			}
		}
	}

	receiveTimestamp := float64(clusterUTC.UnixNano()) / 1e9
	for _, r := range broadcast {
		c.forwardOne(r, receiveTimestamp, address, ecef, ecefCov, broadcast, distinct, dof, kalmanState)
	}
}

func (c *Coordinator) forwardOne(r *Receiver, receiveTimestamp float64, address uint32, ecef geodesy.ECEF,
	ecefCov *mat.SymDense, broadcast []*Receiver, distinct, dof int, kalmanState *kalman.State) {
	defer func() {
		if rec := recover(); rec != nil {
			clogger.Errorf("panic forwarding result to %s: %v", r.ID(), rec)
		}
	}()
	r.conn.ReportMLATPosition(r, receiveTimestamp, address, ecef, ecefCov, broadcast, distinct, dof, kalmanState)
}

// snapshotSync, snapshotLocation and snapshotAircraft are the JSON shapes
// dumped into sync.json / locations.json / aircraft.json for external
// monitoring tools.
type snapshotSync struct {
	// Peers maps peer uuid to [sync_count, error_us, drift_ppm, offset_s],
	// the array shape external monitoring tools already parse.
	Peers map[string][]float64 `json:"peers"`
}

type snapshotLocation struct {
	User       string  `json:"user"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Alt        float64 `json:"alt"`
	Privacy    bool    `json:"privacy"`
	Connection string  `json:"connection"`
}

type snapshotAircraft struct {
	Interesting      int     `json:"interesting"`
	AllowMlat        int     `json:"allow_mlat"`
	Tracking         int     `json:"tracking"`
	SyncInterest     int     `json:"sync_interest"`
	MlatInterest     int     `json:"mlat_interest"`
	MlatMessageCount int     `json:"mlat_message_count"`
	MlatResultCount  int     `json:"mlat_result_count"`
	MlatKalmanCount  int     `json:"mlat_kalman_count"`
	LastResult       float64 `json:"last_result,omitempty"`
	Lat              float64 `json:"lat,omitempty"`
	Lon              float64 `json:"lon,omitempty"`
	Alt              float64 `json:"alt,omitempty"`
	Heading          float64 `json:"heading,omitempty"`
	Speed            float64 `json:"speed,omitempty"`
}

// writeState runs on the owning goroutine every 30s and writes the three
// monitoring snapshot files.
func (c *Coordinator) writeState() {
	defer func() {
		if rec := recover(); rec != nil {
			clogger.Errorf("panic writing state files: %v", rec)
		}
	}()

	now := time.Now()
	aircraftState := map[string]snapshotAircraft{}
	var mlatCount, syncCount int

	for _, ac := range c.tracker.Aircraft {
		s := snapshotAircraft{
			Interesting:      boolToInt(ac.Interesting()),
			AllowMlat:        boolToInt(ac.AllowMlat),
			Tracking:         len(ac.Tracking),
			SyncInterest:     len(ac.SyncInterest),
			MlatInterest:     len(ac.MlatInterest),
			MlatMessageCount: ac.MlatMessageCount,
			MlatResultCount:  ac.MlatResultCount,
			MlatKalmanCount:  ac.MlatKalmanCount,
		}
		if !ac.LastResultTime.IsZero() && ac.Kalman.Valid {
			s.LastResult = round1(now.Sub(ac.LastResultTime).Seconds())
			s.Lat = round3(ac.Kalman.PositionLLH[0])
			s.Lon = round3(ac.Kalman.PositionLLH[1])
			s.Alt = round0(ac.Kalman.PositionLLH[2] * geodesy.MTOF)
			s.Heading = round0(ac.Kalman.Heading)
			s.Speed = round0(ac.Kalman.GroundSpeed)
		}
		aircraftState[fmt.Sprintf("%06X", ac.ICAO)] = s

		if ac.Interesting() {
			if len(ac.SyncInterest) > 0 {
				syncCount++
			}
			if len(ac.MlatInterest) > 0 {
				mlatCount++
			}
		}
	}

	if c.partitionCount > 1 {
		setProcTitle(fmt.Sprintf("%s %d/%d (%d clients) (%d mlat %d sync %d tracked)",
			c.tag, c.partitionIndex, c.partitionCount, len(c.receivers), mlatCount, syncCount, len(c.tracker.Aircraft)))
	} else {
		setProcTitle(fmt.Sprintf("%s (%d clients) (%d mlat %d sync %d tracked)",
			c.tag, len(c.receivers), mlatCount, syncCount, len(c.tracker.Aircraft)))
	}

	sync := map[string]snapshotSync{}
	locations := map[string]snapshotLocation{}
	for uuid, r := range c.receivers {
		peers := map[string][]float64{}
		for _, st := range c.clockTracker.DumpReceiverState(r) {
			peers[st.PeerID] = []float64{float64(st.N), st.ErrorUS, st.DriftPPM, st.OffsetSec}
		}
		sync[uuid] = snapshotSync{Peers: peers}
		locations[uuid] = snapshotLocation{
			User:       r.user,
			Lat:        r.positionLLH[0],
			Lon:        r.positionLLH[1],
			Alt:        r.positionLLH[2],
			Privacy:    r.privacy,
			Connection: r.connectionInfo,
		}
	}

	writeJSON(c.workDir+"/sync.json", sync)
	writeJSON(c.workDir+"/locations.json", locations)
	writeJSON(c.workDir+"/aircraft.json", aircraftState)

	if c.metrics != nil {
		c.metrics.Apply(metrics.Snapshot{
			Receivers:       len(c.receivers),
			TrackedAircraft: len(c.tracker.Aircraft),
			SyncInteresting: syncCount,
			MlatInteresting: mlatCount,
			ClockPairs:      c.clockTracker.PairCount(),
		})
	}
}

// writeJSON writes v to path via a temporary file and rename, so readers
// polling the snapshot never observe a half-written file.
func writeJSON(path string, v interface{}) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		clogger.WithError(err).Errorf("failed to open %s", tmp)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		clogger.WithError(err).Errorf("failed to write %s", tmp)
		return
	}
	if err := f.Close(); err != nil {
		clogger.WithError(err).Errorf("failed to close %s", tmp)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		clogger.WithError(err).Errorf("failed to rename %s into place", tmp)
	}
}

// setProcTitle is a best-effort process-title update. Go has no portable
// setproctitle; this logs the would-be title instead of silently doing
// nothing.
func setProcTitle(title string) {
	clogger.Debug(title)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func round1(v float64) float64 { return roundN(v, 1) }
func round3(v float64) float64 { return roundN(v, 3) }
func round0(v float64) float64 { return roundN(v, 0) }

func roundN(v float64, n int) float64 {
	scale := 1.0
	for i := 0; i < n; i++ {
		scale *= 10
	}
	return float64(int64(v*scale+sign(v)*0.5)) / scale
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
