package output

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mlat-network/mlat-server/internal/clocksync"
	"github.com/mlat-network/mlat-server/internal/geodesy"
	"github.com/mlat-network/mlat-server/internal/mlattrack"
)

type fakeOutputReceiver struct {
	id  string
	pos geodesy.ECEF
}

func (f *fakeOutputReceiver) ID() string                { return f.id }
func (f *fakeOutputReceiver) User() string              { return f.id }
func (f *fakeOutputReceiver) Position() geodesy.ECEF    { return f.pos }
func (f *fakeOutputReceiver) ClockInfo() clocksync.Clock {
	clk, _ := clocksync.NewClock("beast")
	return clk
}
func (f *fakeOutputReceiver) DistanceTo(other mlattrack.Receiver) float64 {
	return geodesy.ECEFDistance(f.pos, other.Position())
}

func TestCSVWriterWritesOneRowPerResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	w, err := NewCSVWriter(path)
	require.NoError(t, err)
	defer w.Close()

	ecef := geodesy.LLHToECEF(geodesy.LLH{51.5, -0.1, 10000})
	receivers := []mlattrack.Receiver{
		&fakeOutputReceiver{id: "aaaa", pos: geodesy.ECEF{1, 0, 0}},
		&fakeOutputReceiver{id: "bbbb", pos: geodesy.ECEF{0, 1, 0}},
	}

	w.Write(time.Unix(1700000000, 0), 0x4840D6, ecef, nil, receivers, 4, 1, nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	fields := strings.Split(line, ",")
	require.GreaterOrEqual(t, len(fields), 10)
	assert.Equal(t, "4840D6", fields[1])
	assert.Equal(t, "51.5000", fields[2])
	assert.Contains(t, line, "aaaa")
	assert.Contains(t, line, "bbbb")
}

func TestCSVWriterReopenSurvivesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.csv")
	w, err := NewCSVWriter(path)
	require.NoError(t, err)
	defer w.Close()

	ecef := geodesy.LLHToECEF(geodesy.LLH{51.5, -0.1, 10000})
	recv := []mlattrack.Receiver{&fakeOutputReceiver{id: "aaaa", pos: geodesy.ECEF{1, 0, 0}}}

	w.Write(time.Unix(1700000000, 0), 0x4840D6, ecef, nil, recv, 3, 0, nil)

	// Simulate an external rotator: move the file away, then SIGHUP.
	require.NoError(t, os.Rename(path, filepath.Join(dir, "results.csv.1")))
	w.Reopen()

	w.Write(time.Unix(1700000001, 0), 0x4840D6, ecef, nil, recv, 3, 0, nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "post-rotation row must land in the fresh file")
}

func TestPseudorangeDumperAppendsNewlineDelimitedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pseudoranges.json")
	d, err := NewPseudorangeDumper(path)
	require.NoError(t, err)
	defer d.Close()

	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		cov.SetSym(i, i, 100.0)
	}

	state := mlattrack.PseudorangeState{
		Address:  0x4840D6,
		Time:     time.Unix(1700000000, 0),
		ECEF:     geodesy.ECEF{1, 2, 3},
		ECEFCov:  cov,
		Distinct: 4,
		DOF:      1,
		Cluster: []mlattrack.ClusterEntry{
			{Position: geodesy.ECEF{10, 20, 30}, OffsetUS: 0, Variance: 2500},
			{Position: geodesy.ECEF{40, 50, 60}, OffsetUS: 12.5, Variance: 2500},
		},
	}

	require.NoError(t, d.Dump(state))
	require.NoError(t, d.Dump(state))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec), "each line must be a standalone JSON object")
		assert.Equal(t, "4840d6", rec["address"])
		assert.Equal(t, float64(4), rec["distinct"])
	}
	assert.Equal(t, 2, lines)
}
