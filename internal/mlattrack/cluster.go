package mlattrack

import (
	"sort"
	"time"

	"github.com/mlat-network/mlat-server/internal/clocknorm"
)

const clusterGapTolerance = 2 * time.Millisecond

type clusterEntry struct {
	r         Receiver
	timestamp float64
	variance  float64
	utc       time.Time
}

// cluster is a set of receiver observations believed to be copies of the
// same transmission, normalized onto a common clock.
type cluster struct {
	distinct int
	utc      time.Time
	entries  []clusterEntry
}

// clusterTimestamps groups a clock-normalized component into clusters of
// observations that are plausibly copies of the same transmission, given the
// inter-receiver distances available via Receiver.DistanceTo.
func clusterTimestamps(component map[clocknorm.Station]clocknorm.Result, minReceivers int) []cluster {
	var flat []clusterEntry
	for station, result := range component {
		r := station.(Receiver)
		for _, s := range result.Samples {
			flat = append(flat, clusterEntry{r: r, timestamp: s.Timestamp, variance: result.Variance, utc: s.UTC})
		}
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].timestamp < flat[j].timestamp })

	if len(flat) == 0 {
		return nil
	}

	var groups [][]clusterEntry
	group := []clusterEntry{flat[0]}
	for _, e := range flat[1:] {
		if e.timestamp-group[len(group)-1].timestamp > clusterGapTolerance.Seconds() {
			groups = append(groups, group)
			group = []clusterEntry{e}
		} else {
			group = append(group, e)
		}
	}
	groups = append(groups, group)

	var clusters []cluster
	for _, g := range groups {
		clusters = append(clusters, buildClustersFromGroup(g, minReceivers)...)
	}
	return clusters
}

func buildClustersFromGroup(group []clusterEntry, minReceivers int) []cluster {
	var clusters []cluster

	for len(group) >= minReceivers {
		head := group[len(group)-1]
		group = group[:len(group)-1]

		members := []clusterEntry{head}
		lastTimestamp := head.timestamp
		distinct := 1
		firstSeen := head.utc

		for i := len(group) - 1; i >= 0; i-- {
			cand := group[i]
			if lastTimestamp-cand.timestamp > clusterGapTolerance.Seconds() {
				break
			}

			isDistinct := true
			canCluster := true
			for _, other := range members {
				if other.r.ID() == cand.r.ID() {
					canCluster = false
					break
				}
				d := cand.r.DistanceTo(other.r)
				maxDelta := (d*1.05 + 1e3) / (299792458.0 / 1.0003)
				if absFloat(other.timestamp-cand.timestamp) > maxDelta {
					canCluster = false
					break
				}
				if d < 1e3 {
					isDistinct = false
				}
			}

			if canCluster {
				members = append(members, cand)
				if cand.utc.Before(firstSeen) {
					firstSeen = cand.utc
				}
				group = append(group[:i], group[i+1:]...)
				if isDistinct {
					distinct++
				}
			}
		}

		if distinct >= minReceivers {
			reverseEntries(members)
			clusters = append(clusters, cluster{distinct: distinct, utc: firstSeen, entries: members})
		}
	}

	return clusters
}

func reverseEntries(s []clusterEntry) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
