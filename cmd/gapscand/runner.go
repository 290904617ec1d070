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
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"

	"github.com/gapscan/gapscan/txindex/kvcache"
	"github.com/gapscan/gapscan/txindex/resolver"
	"github.com/gapscan/gapscan/txindex/scheduler"
	"github.com/gapscan/gapscan/txindex/service"
	"github.com/gapscan/gapscan/txindex/store"
	"github.com/gapscan/gapscan/txindex/upstream"
)

// Runner owns the daemon components and their lifecycle. Shutdown order
// reverses startup: query server first, then the scheduler drain, then the
// databases.
type Runner struct {
	cfg *Config

	store    *store.Store
	cache    *kvcache.Cache
	queueDB  *leveldb.Database
	node     *upstream.NodeClient
	explorer *upstream.Explorer
	sched    *scheduler.Scheduler
	svc      *service.Service

	queryServer *QueryServer

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunner opens every component. Pending gap jobs from a previous run are
// recovered by the scheduler and resume once Start is called.
func NewRunner(cfg *Config) (*Runner, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
	defer cancel()

	st, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}
	cache, err := kvcache.New(filepath.Join(cfg.DataDir, "cache"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open KV cache: %w", err)
	}
	queueDB, err := leveldb.New(filepath.Join(cfg.DataDir, "queue"), 16, 16, "gapscan/queue", false)
	if err != nil {
		cache.Close()
		st.Close()
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}
	node, err := upstream.DialNode(ctx, cfg.NodeRPCEndpoint, cfg.RPCTimeout)
	if err != nil {
		queueDB.Close()
		cache.Close()
		st.Close()
		return nil, fmt.Errorf("failed to dial node RPC: %w", err)
	}

	limiter := upstream.NewLimiter(cfg.RateLimitTokensPerSec, cfg.RateLimitMaxConcurrent)
	explorer := upstream.NewExplorer(upstream.ExplorerConfig{
		BaseURL: cfg.ExplorerBaseURL,
		APIKey:  cfg.ExplorerAPIKey,
		Timeout: cfg.ExplorerTimeout,
	}, limiter)

	res := resolver.New(node, st, cache, cfg.AddressInfoCacheTTL)
	worker := scheduler.NewGapWorker(explorer, st)
	sched, err := scheduler.New(queueDB, worker.Process, scheduler.Config{
		Workers:          cfg.WorkerConcurrency,
		RetryAttempts:    cfg.JobRetryAttempts,
		RetryBackoffBase: cfg.JobRetryBackoff,
		StaggerDelay:     cfg.JobStaggerDelay,
		CompletedTail:    cfg.CompletedJobTail,
		FailedTail:       cfg.FailedJobTail,
	})
	if err != nil {
		node.Close()
		queueDB.Close()
		cache.Close()
		st.Close()
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	svc := service.New(service.Config{
		TxQueryTTL: cfg.TxQueryCacheTTL,
		TxCountTTL: cfg.TxCountCacheTTL,
		BalanceTTL: cfg.BalanceCacheTTL,
	}, st, cache, explorer, node, res, sched)

	return &Runner{
		cfg:      cfg,
		store:    st,
		cache:    cache,
		queueDB:  queueDB,
		node:     node,
		explorer: explorer,
		sched:    sched,
		svc:      svc,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start starts the scheduler, the query server and the status loop.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("already running")
	}
	r.running = true

	r.sched.Start()

	if r.cfg.QueryRPCEnabled {
		qs, err := NewQueryServer(r.cfg.QueryRPCListenAddr, r.svc, r.sched)
		if err != nil {
			return fmt.Errorf("failed to start query server: %w", err)
		}
		r.queryServer = qs
	}

	r.wg.Add(1)
	go r.statusLoop()

	return nil
}

// Stop drains and closes everything. In-flight gap jobs run to completion;
// pending jobs stay durable for the next run.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	close(r.stopCh)
	r.wg.Wait()
	r.running = false

	if r.queryServer != nil {
		if err := r.queryServer.Close(); err != nil {
			log.Error("Failed to close query server", "err", err)
		}
	}
	r.sched.Stop()
	r.node.Close()
	if err := r.cache.Close(); err != nil {
		log.Error("Failed to close KV cache", "err", err)
	}
	if err := r.queueDB.Close(); err != nil {
		log.Error("Failed to close job queue", "err", err)
	}
	return r.store.Close()
}

// statusLoop periodically reports queue depth.
func (r *Runner) statusLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			st := r.sched.Status()
			log.Info("Gap queue status", "pending", st.Pending, "inflight", st.Inflight,
				"completed", st.Completed, "failed", st.Failed)
		}
	}
}
