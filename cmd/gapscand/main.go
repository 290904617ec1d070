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

// gapscand is the transaction index daemon: a read-through, gap-filling
// index of external transactions per address, backed by a durable store,
// a KV cache and an upstream explorer.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file (flags override file values)",
	}
	nodeRPCEndpointFlag = &cli.StringFlag{
		Name:  "node-rpc-endpoint",
		Usage: "Node JSON-RPC endpoint for head, balance and getCode reads",
		Value: "http://localhost:8545",
	}
	explorerURLFlag = &cli.StringFlag{
		Name:  "explorer-url",
		Usage: "Base URL of the etherscan-style explorer API",
	}
	explorerAPIKeyFlag = &cli.StringFlag{
		Name:  "explorer-api-key",
		Usage: "API key for the explorer (optional)",
	}
	postgresDSNFlag = &cli.StringFlag{
		Name:  "postgres-dsn",
		Usage: "PostgreSQL DSN for the durable transaction store",
	}
	dataDirectoryFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the KV cache and the job queue",
		Value: "./gapscand-data",
	}
	queryRPCEnabledFlag = &cli.BoolFlag{
		Name:  "query-rpc-enabled",
		Usage: "Enable the operator query RPC server",
		Value: true,
	}
	queryRPCListenAddrFlag = &cli.StringFlag{
		Name:  "query-rpc-listen-addr",
		Usage: "Listen address for the operator query RPC server",
		Value: "localhost:8570",
	}
	balanceCacheTTLFlag = &cli.DurationFlag{
		Name:  "balance-cache-ttl",
		Usage: "TTL of cached balance snapshots",
		Value: 30 * time.Second,
	}
	txQueryCacheTTLFlag = &cli.DurationFlag{
		Name:  "tx-query-cache-ttl",
		Usage: "TTL of cached paginated query responses",
		Value: 300 * time.Second,
	}
	txCountCacheTTLFlag = &cli.DurationFlag{
		Name:  "txcount-cache-ttl",
		Usage: "TTL of cached stored-transaction counts",
		Value: 300 * time.Second,
	}
	addressInfoCacheTTLFlag = &cli.DurationFlag{
		Name:  "address-info-cache-ttl",
		Usage: "TTL of cached address classifications (contract/EOA)",
		Value: 604800 * time.Second,
	}
	rpcTimeoutFlag = &cli.DurationFlag{
		Name:  "rpc-timeout",
		Usage: "Per-call deadline for node RPC reads",
		Value: 10 * time.Second,
	}
	explorerTimeoutFlag = &cli.DurationFlag{
		Name:  "explorer-timeout",
		Usage: "Per-call deadline for explorer reads",
		Value: 5 * time.Second,
	}
	rateLimitTokensFlag = &cli.Float64Flag{
		Name:  "rate-limit-tokens",
		Usage: "Explorer request tokens per second (process-wide)",
		Value: 5,
	}
	rateLimitConcurrentFlag = &cli.Int64Flag{
		Name:  "rate-limit-concurrent",
		Usage: "Maximum concurrent in-flight explorer requests",
		Value: 1,
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Gap-fill worker pool size",
		Value: 2,
	}
	jobRetryAttemptsFlag = &cli.IntFlag{
		Name:  "job-retry-attempts",
		Usage: "Attempts before a gap job is parked as failed",
		Value: 3,
	}
	jobRetryBackoffFlag = &cli.DurationFlag{
		Name:  "job-retry-backoff",
		Usage: "First retry delay for failed gap jobs, doubled per attempt",
		Value: 2 * time.Second,
	}
	jobStaggerDelayFlag = &cli.DurationFlag{
		Name:  "job-stagger-delay",
		Usage: "Per-position start delay within a job series",
		Value: time.Second,
	}
	completedJobTailFlag = &cli.IntFlag{
		Name:  "completed-job-tail",
		Usage: "Completed job records kept for inspection",
		Value: 100,
	}
	failedJobTailFlag = &cli.IntFlag{
		Name:  "failed-job-tail",
		Usage: "Failed job records kept for inspection",
		Value: 500,
	}
)

var app = &cli.App{
	Name:   "gapscand",
	Usage:  "transaction index daemon",
	Action: runDaemon,
	Flags: []cli.Flag{
		configFileFlag,
		nodeRPCEndpointFlag,
		explorerURLFlag,
		explorerAPIKeyFlag,
		postgresDSNFlag,
		dataDirectoryFlag,
		queryRPCEnabledFlag,
		queryRPCListenAddrFlag,
		balanceCacheTTLFlag,
		txQueryCacheTTLFlag,
		txCountCacheTTLFlag,
		addressInfoCacheTTLFlag,
		rpcTimeoutFlag,
		explorerTimeoutFlag,
		rateLimitTokensFlag,
		rateLimitConcurrentFlag,
		workersFlag,
		jobRetryAttemptsFlag,
		jobRetryBackoffFlag,
		jobStaggerDelayFlag,
		completedJobTailFlag,
		failedJobTailFlag,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(ctx *cli.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	log.Info("Transaction index daemon started",
		"node", cfg.NodeRPCEndpoint, "explorer", cfg.ExplorerBaseURL, "datadir", cfg.DataDir)

	sig := <-sigCh
	log.Info("Received signal, shutting down", "signal", sig)
	// Further signals during the drain are ignored; the drain is bounded by
	// in-flight job completion.
	signal.Stop(sigCh)

	return runner.Stop()
}

// buildConfig layers defaults, the optional TOML file, and set flags.
func buildConfig(ctx *cli.Context) (*Config, error) {
	cfg := DefaultConfig()
	if path := ctx.String(configFileFlag.Name); path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyFlags(ctx, cfg)
	return cfg, nil
}

// applyFlags overrides cfg with every flag present on the command line.
// Defaults only apply when the config file did not set the value either.
func applyFlags(ctx *cli.Context, cfg *Config) {
	setString := func(flag *cli.StringFlag, dst *string) {
		if ctx.IsSet(flag.Name) || *dst == "" {
			*dst = ctx.String(flag.Name)
		}
	}
	setDuration := func(flag *cli.DurationFlag, dst *time.Duration) {
		if ctx.IsSet(flag.Name) || *dst == 0 {
			*dst = ctx.Duration(flag.Name)
		}
	}
	setInt := func(flag *cli.IntFlag, dst *int) {
		if ctx.IsSet(flag.Name) || *dst == 0 {
			*dst = ctx.Int(flag.Name)
		}
	}

	setString(nodeRPCEndpointFlag, &cfg.NodeRPCEndpoint)
	setString(explorerURLFlag, &cfg.ExplorerBaseURL)
	setString(explorerAPIKeyFlag, &cfg.ExplorerAPIKey)
	setString(postgresDSNFlag, &cfg.PostgresDSN)
	setString(dataDirectoryFlag, &cfg.DataDir)
	setString(queryRPCListenAddrFlag, &cfg.QueryRPCListenAddr)
	if ctx.IsSet(queryRPCEnabledFlag.Name) {
		cfg.QueryRPCEnabled = ctx.Bool(queryRPCEnabledFlag.Name)
	}
	setDuration(balanceCacheTTLFlag, &cfg.BalanceCacheTTL)
	setDuration(txQueryCacheTTLFlag, &cfg.TxQueryCacheTTL)
	setDuration(txCountCacheTTLFlag, &cfg.TxCountCacheTTL)
	setDuration(addressInfoCacheTTLFlag, &cfg.AddressInfoCacheTTL)
	setDuration(rpcTimeoutFlag, &cfg.RPCTimeout)
	setDuration(explorerTimeoutFlag, &cfg.ExplorerTimeout)
	setDuration(jobRetryBackoffFlag, &cfg.JobRetryBackoff)
	setDuration(jobStaggerDelayFlag, &cfg.JobStaggerDelay)
	if ctx.IsSet(rateLimitTokensFlag.Name) || cfg.RateLimitTokensPerSec == 0 {
		cfg.RateLimitTokensPerSec = ctx.Float64(rateLimitTokensFlag.Name)
	}
	if ctx.IsSet(rateLimitConcurrentFlag.Name) || cfg.RateLimitMaxConcurrent == 0 {
		cfg.RateLimitMaxConcurrent = ctx.Int64(rateLimitConcurrentFlag.Name)
	}
	setInt(workersFlag, &cfg.WorkerConcurrency)
	setInt(jobRetryAttemptsFlag, &cfg.JobRetryAttempts)
	setInt(completedJobTailFlag, &cfg.CompletedJobTail)
	setInt(failedJobTailFlag, &cfg.FailedJobTail)
}
