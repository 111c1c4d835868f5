// Package config loads the mlat-server launcher's configuration from CLI
// flags and environment variables, in that order of precedence, using
// viper. No config file is read. The core engine (internal/coordinator and
// friends) knows nothing about this package; cmd/mlatserver is the only
// consumer.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the bundled launcher's resolved configuration.
type Config struct {
	// ClientListen is one or more "host:tcpport[:udpport]" listen
	// specifications for the (out-of-scope) client wire protocol.
	ClientListen []string

	// WorkDir is where blacklist.txt is read from and sync.json /
	// locations.json / aircraft.json are written. The pseudorange dump goes
	// to DumpPseudorange instead.
	WorkDir string

	// PartitionIndex and PartitionCount shard aircraft by ICAO hash across
	// independent server processes. 1-based, PartitionIndex in
	// [1, PartitionCount].
	PartitionIndex int
	PartitionCount int

	Tag string

	BasestationConnect         string
	BasestationListen          string
	FilteredBasestationConnect string
	FilteredBasestationListen  string
	WriteCSV                   string

	AMQPConnect  string
	AMQPExchange string

	DumpPseudorange string
	CheckLeaks      bool
	MOTD            string

	MetricsListen string
}

// Load builds a Config from already-bound viper settings. Flags take part
// only if the caller has bound them first (cmd/mlatserver does so with
// viper's BindPFlags).
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ClientListen:               v.GetStringSlice("client-listen"),
		WorkDir:                    v.GetString("work-dir"),
		Tag:                        v.GetString("tag"),
		BasestationConnect:         v.GetString("basestation-connect"),
		BasestationListen:          v.GetString("basestation-listen"),
		FilteredBasestationConnect: v.GetString("filtered-basestation-connect"),
		FilteredBasestationListen:  v.GetString("filtered-basestation-listen"),
		WriteCSV:                   v.GetString("write-csv"),
		AMQPConnect:                v.GetString("amqp-connect"),
		AMQPExchange:               v.GetString("amqp-exchange"),
		DumpPseudorange:            v.GetString("dump-pseudorange"),
		CheckLeaks:                 v.GetBool("check-leaks"),
		MOTD:                       v.GetString("motd"),
		MetricsListen:              v.GetString("metrics-listen"),
	}

	partition := v.GetString("partition")
	idx, cnt, err := parsePartition(partition)
	if err != nil {
		return nil, err
	}
	cfg.PartitionIndex, cfg.PartitionCount = idx, cnt

	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("config: --work-dir is required")
	}

	return cfg, nil
}

// parsePartition parses a "--partition I/N" spec into its 1-based index and
// total count, defaulting to the single-partition case ("1/1") when empty.
func parsePartition(spec string) (index, count int, err error) {
	if spec == "" {
		return 1, 1, nil
	}
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config: --partition must be I/N, got %q", spec)
	}
	if _, err := fmt.Sscanf(spec, "%d/%d", &index, &count); err != nil {
		return 0, 0, fmt.Errorf("config: --partition must be I/N, got %q: %w", spec, err)
	}
	if count < 1 || index < 1 || index > count {
		return 0, 0, fmt.Errorf("config: --partition %q out of range (need 1<=I<=N)", spec)
	}
	return index, count, nil
}
