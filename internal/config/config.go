/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config splits server options the way ptp4u's server config
// does: a StaticConfig that needs a restart to change, and a
// DynamicConfig that can be loaded from a YAML file on disk. The server
// reads the DynamicConfig once at startup; nothing reloads it while the
// process runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// StaticConfig is fixed for the life of the process.
type StaticConfig struct {
	ListenPort     int
	RootDir        string
	PidFile        string
	LogLevel       string
	MonitoringPort int
	RecvWorkers    int
	QueueSize      int
}

// DynamicConfig holds the per-session and server-wide limits that
// ReadDynamicConfig loads from YAML.
type DynamicConfig struct {
	// RetryBudget is the number of consecutive timeouts on one block at
	// which a session gives up (the last of them is not retransmitted).
	RetryBudget int
	// BlockTimeout is how long a session waits for the next ACK/DATA
	// before retransmitting.
	BlockTimeout time.Duration
	// MinBlksize/MaxBlksize bound the RFC 2348 blksize option.
	MinBlksize int
	MaxBlksize int
	// ConcurrencyCap is the maximum number of sessions the dispatcher
	// runs at once; requests beyond it get Error code 0 ("server busy").
	ConcurrencyCap int
	// WallTimeCap is the hard ceiling on a single session's lifetime.
	WallTimeCap time.Duration
}

// Config is the full, merged configuration.
type Config struct {
	StaticConfig
	DynamicConfig
}

// Default returns the spec's documented defaults: 1s block timeout, 5
// retries, blksize [8, 65464], concurrency cap 256, wall-time cap 10m.
func Default() DynamicConfig {
	return DynamicConfig{
		RetryBudget:    5,
		BlockTimeout:   time.Second,
		MinBlksize:     8,
		MaxBlksize:     65464,
		ConcurrencyCap: 256,
		WallTimeCap:    10 * time.Minute,
	}
}

// ReadDynamicConfig loads a DynamicConfig from a YAML file on disk.
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dc := Default()
	if err := yaml.Unmarshal(data, &dc); err != nil {
		return nil, err
	}
	if err := dc.Sanity(); err != nil {
		return nil, err
	}
	return &dc, nil
}

// Sanity rejects a DynamicConfig whose knobs cannot produce a working
// server, so a bad config file is refused rather than silently crippling
// transfers.
func (dc *DynamicConfig) Sanity() error {
	if dc.MinBlksize < 8 || dc.MaxBlksize > 65464 || dc.MinBlksize > dc.MaxBlksize {
		return fmt.Errorf("config: blksize bounds [%d, %d] outside RFC 2348 range", dc.MinBlksize, dc.MaxBlksize)
	}
	if dc.RetryBudget < 1 {
		return fmt.Errorf("config: retry budget must be at least 1")
	}
	if dc.ConcurrencyCap < 1 {
		return fmt.Errorf("config: concurrency cap must be at least 1")
	}
	if dc.BlockTimeout <= 0 || dc.WallTimeCap <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

// Write serializes a DynamicConfig back to disk, for an operator tool
// that edits and saves the dynamic config file.
func (dc *DynamicConfig) Write(path string) error {
	d, err := yaml.Marshal(dc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0o644)
}

// CreatePidFile records the current process id at c.PidFile.
func (c *Config) CreatePidFile() error {
	return os.WriteFile(c.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// DeletePidFile removes the pid file written by CreatePidFile.
func (c *Config) DeletePidFile() error {
	return os.Remove(c.PidFile)
}

// ReadPidFile reads back a pid file written by CreatePidFile.
func ReadPidFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}
