// Package output provides pluggable sinks for accepted multilateration
// results: a rotation-friendly CSV file, an AMQP fanout publisher, and a
// pseudorange diagnostic dumper. The CSV and AMQP sinks are registered with
// internal/coordinator.Coordinator.AddOutputHandler; the pseudorange dumper
// is passed to internal/coordinator.New. Each sink is independent of the
// others.
package output

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/kalman"
	"github.com/mlat-network/mlat-server/internal/mlattrack"
)

var ologger = log.WithField("component", "output")

const (
	mtof    = geodesy.MTOF
	msToKts = 1.9438444924406
	msToFpm = 196.8503937
)

// CSVWriter writes multilateration results to a local CSV file in
// Basestation-ish form, reopening the file on SIGHUP so it can be rotated
// out from under the process.
type CSVWriter struct {
	filename string

	mu sync.Mutex
	f  *os.File
}

// NewCSVWriter opens filename for appending. It registers nothing itself:
// call AddOutputHandler/AddSighupHandler on the Coordinator with
// Write/Reopen respectively.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("output: open %s: %w", filename, err)
	}
	return &CSVWriter{filename: filename, f: f}, nil
}

// Close closes the underlying file.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Reopen closes and reopens the CSV file, picking up a rename done by an
// external log rotator. Register with Coordinator.AddSighupHandler.
func (w *CSVWriter) Reopen() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Close(); err != nil {
		ologger.WithError(err).Warn("failed to close csv file before reopen")
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		ologger.WithError(err).Errorf("failed to reopen %s", w.filename)
		return
	}
	w.f = f
	ologger.Infof("reopened %s", w.filename)
}

// Write is an mlattrack.OutputFunc: register with
// Coordinator.AddOutputHandler. A failure to format or write a row is
// logged and swallowed so it never affects the caller.
func (w *CSVWriter) Write(clusterUTC time.Time, address uint32, ecef geodesy.ECEF, ecefCov *mat.SymDense,
	receivers []mlattrack.Receiver, distinct, dof int, kalmanState *kalman.State) {

	line := w.format(clusterUTC, address, ecef, ecefCov, receivers, distinct, dof, kalmanState)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteString(line); err != nil {
		ologger.WithError(err).Error("failed to write csv result")
	}
}

func (w *CSVWriter) format(clusterUTC time.Time, address uint32, ecef geodesy.ECEF, ecefCov *mat.SymDense,
	receivers []mlattrack.Receiver, distinct, dof int, kalmanState *kalman.State) string {

	llh := geodesy.ECEFToLLH(ecef)

	errEst := -1.0
	if ecefCov != nil {
		varEst := mat.Trace(ecefCov)
		if varEst >= 0 {
			errEst = math.Sqrt(varEst)
		}
	}

	ids := make([]string, len(receivers))
	for i, r := range receivers {
		ids[i] = r.ID()
	}
	recv := csvQuote(strings.Join(ids, ","))

	t := float64(clusterUTC.UnixNano()) / 1e9

	if kalmanState != nil && kalmanState.Valid && kalmanState.LastUpdate >= t {
		return fmt.Sprintf("%.3f,%06X,%.4f,%.4f,%.0f,%.0f,%d,%d,%s,%d,%.4f,%.4f,%.0f,%.0f,%.0f,%.0f,%.0f\n",
			t, address, llh[0], llh[1], llh[2]*mtof, errEst, len(receivers), distinct, recv, dof,
			kalmanState.PositionLLH[0], kalmanState.PositionLLH[1], kalmanState.PositionLLH[2]*mtof,
			kalmanState.Heading, kalmanState.GroundSpeed*msToKts, kalmanState.VerticalSpeed*msToFpm,
			kalmanState.PositionError)
	}

	return fmt.Sprintf("%.3f,%06X,%.4f,%.4f,%.0f,%.0f,%d,%d,%s,%d\n",
		t, address, llh[0], llh[1], llh[2]*mtof, errEst, len(receivers), distinct, recv, dof)
}

func csvQuote(s string) string {
	if !strings.ContainsAny(s, "\n\",") {
		return s
	}
	return strconv.Quote(s)
}
