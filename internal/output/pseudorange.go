package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mlat-network/mlat-server/internal/mlattrack"
)

// pseudorangeRecord is the newline-delimited JSON shape written by
// PseudorangeDumper, one line per accepted multilateration solution.
type pseudorangeRecord struct {
	Address       string                    `json:"address"`
	Time          float64                   `json:"time"`
	ECEF          [3]float64                `json:"ecef"`
	ECEFCov       [][]float64               `json:"ecef_cov,omitempty"`
	Distinct      int                       `json:"distinct"`
	DOF           int                       `json:"dof"`
	Altitude      *float64                  `json:"altitude,omitempty"`
	AltitudeError *float64                  `json:"altitude_error,omitempty"`
	Cluster       []pseudorangeClusterEntry `json:"cluster"`
}

type pseudorangeClusterEntry struct {
	Position [3]float64 `json:"position"`
	OffsetUS float64    `json:"offset_us"`
	Variance float64    `json:"variance"`
}

// PseudorangeDumper appends one JSON record per accepted multilateration
// solution to a file, for offline analysis of the solver's raw inputs.
// Enabled by the --dump-pseudorange flag.
type PseudorangeDumper struct {
	mu sync.Mutex
	f  *os.File
}

// NewPseudorangeDumper opens filename for appending.
func NewPseudorangeDumper(filename string) (*PseudorangeDumper, error) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("output: open %s: %w", filename, err)
	}
	return &PseudorangeDumper{f: f}, nil
}

// Close closes the underlying file.
func (d *PseudorangeDumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// Dump implements mlattrack.PseudorangeDumper.
func (d *PseudorangeDumper) Dump(state mlattrack.PseudorangeState) error {
	rec := pseudorangeRecord{
		Address:       fmt.Sprintf("%06x", state.Address),
		Time:          float64(state.Time.UnixNano()) / 1e9,
		ECEF:          [3]float64{state.ECEF[0], state.ECEF[1], state.ECEF[2]},
		Distinct:      state.Distinct,
		DOF:           state.DOF,
		Altitude:      state.Altitude,
		AltitudeError: state.AltitudeError,
	}
	if state.ECEFCov != nil {
		rows := make([][]float64, 3)
		for i := range rows {
			rows[i] = []float64{state.ECEFCov.At(i, 0), state.ECEFCov.At(i, 1), state.ECEFCov.At(i, 2)}
		}
		rec.ECEFCov = rows
	}
	rec.Cluster = make([]pseudorangeClusterEntry, len(state.Cluster))
	for i, c := range state.Cluster {
		rec.Cluster[i] = pseudorangeClusterEntry{
			Position: [3]float64{c.Position[0], c.Position[1], c.Position[2]},
			OffsetUS: c.OffsetUS,
			Variance: c.Variance,
		}
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("output: marshal pseudorange record: %w", err)
	}
	body = append(body, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.f.Write(body)
	return err
}
