// Copyright 2025 The gapscan Authors
// This file is part of gapscan.
//
// gapscan is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// gapscan is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with gapscan. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
)

// Config holds the gapscand daemon configuration.
type Config struct {
	NodeRPCEndpoint string // node JSON-RPC for head, balances and getCode
	ExplorerBaseURL string // etherscan-style txlist API
	ExplorerAPIKey  string
	PostgresDSN     string // durable store
	DataDir         string // LevelDB home for the KV cache and the job queue

	QueryRPCEnabled    bool
	QueryRPCListenAddr string

	// Cache TTLs
	BalanceCacheTTL     time.Duration
	TxQueryCacheTTL     time.Duration
	TxCountCacheTTL     time.Duration
	AddressInfoCacheTTL time.Duration

	// Upstream deadlines and the process-wide explorer limiter
	RPCTimeout             time.Duration
	ExplorerTimeout        time.Duration
	RateLimitTokensPerSec  float64
	RateLimitMaxConcurrent int64

	// Gap-fill scheduler
	WorkerConcurrency int
	JobRetryAttempts  int
	JobRetryBackoff   time.Duration
	JobStaggerDelay   time.Duration
	CompletedJobTail  int
	FailedJobTail     int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		NodeRPCEndpoint:        "http://localhost:8545",
		DataDir:                "./gapscand-data",
		QueryRPCEnabled:        true,
		QueryRPCListenAddr:     "localhost:8570",
		BalanceCacheTTL:        30 * time.Second,
		TxQueryCacheTTL:        300 * time.Second,
		TxCountCacheTTL:        300 * time.Second,
		AddressInfoCacheTTL:    604800 * time.Second, // one week
		RPCTimeout:             10 * time.Second,
		ExplorerTimeout:        5 * time.Second,
		RateLimitTokensPerSec:  5,
		RateLimitMaxConcurrent: 1,
		WorkerConcurrency:      2,
		JobRetryAttempts:       3,
		JobRetryBackoff:        2 * time.Second,
		JobStaggerDelay:        time.Second,
		CompletedJobTail:       100,
		FailedJobTail:          500,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.NodeRPCEndpoint == "" {
		return fmt.Errorf("node-rpc-endpoint is required")
	}
	if c.ExplorerBaseURL == "" {
		return fmt.Errorf("explorer-url is required")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("datadir is required")
	}
	if c.RateLimitTokensPerSec <= 0 {
		return fmt.Errorf("rate-limit-tokens must be > 0")
	}
	if c.RateLimitMaxConcurrent < 1 {
		return fmt.Errorf("rate-limit-concurrent must be >= 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.JobRetryAttempts < 1 {
		return fmt.Errorf("job-retry-attempts must be >= 1")
	}
	for name, ttl := range map[string]time.Duration{
		"balance-cache-ttl":      c.BalanceCacheTTL,
		"tx-query-cache-ttl":     c.TxQueryCacheTTL,
		"txcount-cache-ttl":      c.TxCountCacheTTL,
		"address-info-cache-ttl": c.AddressInfoCacheTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	return nil
}

// tomlSettings tolerates unknown keys so config files can be shared across
// versions; field names map kebab-case keys onto the struct.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		fmt.Fprintf(os.Stderr, "config: ignoring unknown field %q\n", field)
		return nil
	},
}

// loadConfigFile overlays cfg with the TOML file at path.
func loadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
