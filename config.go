// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmmeta

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
)

// Config is the file form of Options, as read by LoadConfig. Zero values
// fall back to the defaults of Options.EnsureDefaults.
type Config struct {
	// Addr is the address the rpc server listens on.
	Addr string `yaml:"addr"`

	ObjectIDOffset      uint64            `yaml:"object-id-offset"`
	InitialTables       map[uint32]uint64 `yaml:"initial-tables"`
	ReportedTaskHistory int               `yaml:"reported-task-history"`
	Compaction          CompactionConfig  `yaml:"compaction"`
	Scheduler           SchedulerConfig   `yaml:"scheduler"`
	ZooKeeper           ZooKeeperConfig   `yaml:"zookeeper"`
}

// CompactionConfig is the file form of CompactionOptions.
type CompactionConfig struct {
	L0CompactionThreshold   int     `yaml:"l0-compaction-threshold"`
	BaseLevelMaxBytes       uint64  `yaml:"base-level-max-bytes"`
	LevelMultiplier         int     `yaml:"level-multiplier"`
	MaxInputBytes           uint64  `yaml:"max-input-bytes"`
	TargetFileSize          uint64  `yaml:"target-file-size"`
	TombstoneRatioThreshold float64 `yaml:"tombstone-ratio-threshold"`
	MaxBuildRetries         int     `yaml:"max-build-retries"`
}

// SchedulerConfig is the file form of SchedulerOptions. ParkTimeout is a
// duration string such as "500ms".
type SchedulerConfig struct {
	ParkTimeout               string  `yaml:"park-timeout"`
	DispatchRate              float64 `yaml:"dispatch-rate"`
	DispatchBurst             int     `yaml:"dispatch-burst"`
	MaxInFlightTasksPerWorker int     `yaml:"max-in-flight-tasks-per-worker"`
	EventBufferSize           int     `yaml:"event-buffer-size"`
}

// ZooKeeperConfig locates the znode holding the object id watermark. If
// Servers is empty the watermark is kept in memory.
type ZooKeeperConfig struct {
	Servers        []string `yaml:"servers"`
	Path           string   `yaml:"path"`
	SessionTimeout string   `yaml:"session-timeout"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// ParseConfig parses a YAML config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if _, err := cfg.Options(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Options converts the config to Options. Stores and the logger are left
// unset.
func (c *Config) Options() (*Options, error) {
	o := &Options{
		ObjectIDOffset:      c.ObjectIDOffset,
		ReportedTaskHistory: c.ReportedTaskHistory,
		Compaction: CompactionOptions{
			L0CompactionThreshold:   c.Compaction.L0CompactionThreshold,
			BaseLevelMaxBytes:       c.Compaction.BaseLevelMaxBytes,
			LevelMultiplier:         c.Compaction.LevelMultiplier,
			MaxInputBytes:           c.Compaction.MaxInputBytes,
			TargetFileSize:          c.Compaction.TargetFileSize,
			TombstoneRatioThreshold: c.Compaction.TombstoneRatioThreshold,
			MaxBuildRetries:         c.Compaction.MaxBuildRetries,
		},
		Scheduler: SchedulerOptions{
			DispatchRate:              c.Scheduler.DispatchRate,
			DispatchBurst:             c.Scheduler.DispatchBurst,
			MaxInFlightTasksPerWorker: c.Scheduler.MaxInFlightTasksPerWorker,
			EventBufferSize:           c.Scheduler.EventBufferSize,
		},
	}
	if c.Scheduler.ParkTimeout != "" {
		d, err := time.ParseDuration(c.Scheduler.ParkTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "scheduler.park-timeout")
		}
		o.Scheduler.ParkTimeout = d
	}
	if len(c.InitialTables) > 0 {
		o.InitialTables = make(map[TableID]GroupID, len(c.InitialTables))
		for t, g := range c.InitialTables {
			o.InitialTables[TableID(t)] = GroupID(g)
		}
	}
	// Validate against the defaults the unset fields will take.
	check := *o
	if err := check.EnsureDefaults().Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// ZooKeeperSessionTimeout returns the configured session timeout, or def if
// none is set.
func (c *ZooKeeperConfig) ZooKeeperSessionTimeout(def time.Duration) (time.Duration, error) {
	if c.SessionTimeout == "" {
		return def, nil
	}
	d, err := time.ParseDuration(c.SessionTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "zookeeper.session-timeout")
	}
	return d, nil
}
