// Package clocknorm converts the per-receiver arrival timestamps of a
// single transmission, each expressed in that receiver's own free-running
// clock, into the units of one common reference clock. It does this by
// building a minimum-spanning tree of the clock synchronization graph and
// walking it from a central node, so that the total timing error
// accumulated in converting any one receiver's timestamp is minimized.
package clocknorm

import (
	"math"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/mlat-network/mlat-server/internal/clocksync"
)

// Station is the subset of receiver identity/clock information clocknorm
// needs. Identity ordering (ID) must agree with the ordering used when
// clock pairs were created (internal/clocktrack), since pairings are keyed
// base<peer.
type Station interface {
	ID() string
	ClockInfo() clocksync.Clock
}

// Sample is one observation to be normalized: a raw timestamp in the
// station's own clock units, tagged with the wall-clock time it nominally
// corresponds to (carried through unchanged; only Timestamp is converted).
type Sample struct {
	Timestamp float64
	UTC       time.Time
}

// Result is the normalized output for one station within one connected
// component: the accumulated variance of the conversion chain used to
// reach it, and its converted samples.
type Result struct {
	Variance float64
	Samples  []Sample
}

// PairSource looks up an established clock pairing between two stations,
// keyed by their IDs in base<peer order. internal/clocktrack.ClockTracker
// satisfies this via its exported Pairing method.
type PairSource interface {
	Pairing(baseID, peerID string) (*clocksync.ClockPair, bool)
}

type predictor struct {
	predict  func(float64) float64
	variance float64
}

type edgeKey struct{ from, to int64 }

func identityPredictor(variance float64) predictor {
	return predictor{predict: func(x float64) float64 { return x }, variance: variance}
}

func makePredictors(pairs PairSource, s0, s1 Station) (p01, p10 predictor, ok bool) {
	if s0.ID() == s1.ID() {
		return predictor{}, predictor{}, false
	}

	c0, c1 := s0.ClockInfo(), s1.ClockInfo()
	if c0.Epoch != "" && c0.Epoch == c1.Epoch {
		v := c0.Jitter*c0.Jitter + c1.Jitter*c1.Jitter
		p := identityPredictor(v)
		return p, p, true
	}

	if s0.ID() < s1.ID() {
		pairing, found := pairs.Pairing(s0.ID(), s1.ID())
		if !found || !pairing.Valid() {
			return predictor{}, predictor{}, false
		}
		return predictor{predict: pairing.PredictPeer, variance: pairing.Variance()},
			predictor{predict: pairing.PredictBase, variance: pairing.Variance()}, true
	}

	pairing, found := pairs.Pairing(s1.ID(), s0.ID())
	if !found || !pairing.Valid() {
		return predictor{}, predictor{}, false
	}
	return predictor{predict: pairing.PredictBase, variance: pairing.Variance()},
		predictor{predict: pairing.PredictPeer, variance: pairing.Variance()}, true
}

// Normalize takes {station: [(timestamp, utc), ...]} and returns one
// {station: Result} map per connected component of the clock-synchronization
// graph, with timestamps rewritten into a common (arbitrary, per-component)
// timescale.
func Normalize(pairs PairSource, timestampMap map[Station][]Sample) []map[Station]Result {
	stations := make([]Station, 0, len(timestampMap))
	for s := range timestampMap {
		stations = append(stations, s)
	}

	idOf := map[string]int64{}
	stationOf := map[int64]Station{}
	for i, s := range stations {
		idOf[s.ID()] = int64(i)
		stationOf[int64(i)] = s
	}

	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, s := range stations {
		g.AddNode(simple.Node(idOf[s.ID()]))
	}

	predictorMap := map[edgeKey]predictor{}

	for _, si := range stations {
		for _, sj := range stations {
			if si.ID() >= sj.ID() {
				continue
			}
			p01, p10, ok := makePredictors(pairs, si, sj)
			if !ok {
				continue
			}
			fromID, toID := idOf[si.ID()], idOf[sj.ID()]
			predictorMap[edgeKey{fromID, toID}] = p01
			predictorMap[edgeKey{toID, fromID}] = p10
			g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(fromID), simple.Node(toID), p01.variance))
		}
	}

	treeGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	path.Kruskal(treeGraph, g)

	components := topo.ConnectedComponents(treeGraph)

	var out []map[Station]Result
	for _, component := range components {
		if len(component) == 0 {
			continue
		}
		root := component[0].ID()

		heights := map[int64]float64{}
		labelHeights(treeGraph, root, heights)

		tall1ID, tall1H := tallestBranch(treeGraph, root, heights, -1)
		_, tall2H := tallestBranch(treeGraph, root, heights, tall1ID)

		target := (tall1H + tall2H) / 2
		central := root
		step := tall1ID
		for step != -1 && math.Abs(heights[central]-target) > math.Abs(heights[step]-target) {
			central = step
			step, _ = tallestBranch(treeGraph, central, heights, central)
		}

		centralStation := stationOf[central]
		centralJitter := centralStation.ClockInfo().Jitter
		centralFreq := centralStation.ClockInfo().Freq

		results := map[Station]Result{}
		chain := []predictor{{predict: func(x float64) float64 { return x / centralFreq }, variance: centralJitter * centralJitter}}
		convertTimestamps(treeGraph, timestampMap, predictorMap, stationOf, central, results, chain, centralJitter*centralJitter)

		out = append(out, results)
	}

	return out
}

func labelHeights(g *simple.WeightedUndirectedGraph, node int64, heights map[int64]float64) {
	heights[node] = 0
	to := g.From(node)
	for to.Next() {
		each := to.Node().ID()
		if _, visited := heights[each]; visited {
			continue
		}
		labelHeights(g, each, heights)
		w, _ := g.Weight(node, each)
		mn := heights[each] + w
		if mn > heights[node] {
			heights[node] = mn
		}
	}
}

// tallestBranch finds the neighbour of node (other than ignore) that leads
// the tallest branch of the tree, returning (-1, 0) if there is none.
func tallestBranch(g *simple.WeightedUndirectedGraph, node int64, heights map[int64]float64, ignore int64) (int64, float64) {
	best := int64(-1)
	bestHeight := 0.0

	to := g.From(node)
	for to.Next() {
		each := to.Node().ID()
		if each == ignore {
			continue
		}
		w, _ := g.Weight(node, each)
		eh := heights[each] + w
		if eh > bestHeight {
			bestHeight = eh
			best = each
		}
	}
	return best, bestHeight
}

func convertTimestamps(
	g *simple.WeightedUndirectedGraph,
	timestampMap map[Station][]Sample,
	predictorMap map[edgeKey]predictor,
	stationOf map[int64]Station,
	node int64,
	results map[Station]Result,
	chain []predictor,
	variance float64,
) {
	station := stationOf[node]
	samples := timestampMap[station]
	converted := make([]Sample, len(samples))
	for i, s := range samples {
		ts := s.Timestamp
		for _, p := range chain {
			ts = p.predict(ts)
		}
		converted[i] = Sample{Timestamp: ts, UTC: s.UTC}
	}
	results[station] = Result{Variance: variance, Samples: converted}

	to := g.From(node)
	var neighbors []int64
	for to.Next() {
		neighbors = append(neighbors, to.Node().ID())
	}

	for _, neighbor := range neighbors {
		if _, done := results[stationOf[neighbor]]; done {
			continue
		}
		p := predictorMap[edgeKey{neighbor, node}]
		newChain := append([]predictor{p}, chain...)
		convertTimestamps(g, timestampMap, predictorMap, stationOf, neighbor, results, newChain, variance+p.variance)
	}
}

var _ graph.WeightedUndirected = (*simple.WeightedUndirectedGraph)(nil)
