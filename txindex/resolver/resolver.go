// Copyright 2025 The gapscan Authors
// This file is part of the gapscan library.
//
// The gapscan library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gapscan library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gapscan library. If not, see <http://www.gnu.org/licenses/>.

// Package resolver classifies addresses as contracts or externally-owned
// accounts and discovers contract creation blocks by binary search over
// getCode snapshots.
package resolver

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/singleflight"

	"github.com/gapscan/gapscan/txindex"
)

var (
	resolveTimer       = metrics.NewRegisteredTimer("gapscan/resolver/resolve", nil)
	discoveryMeter     = metrics.NewRegisteredMeter("gapscan/resolver/discoveries", nil)
	getCodeCallsMeter  = metrics.NewRegisteredMeter("gapscan/resolver/getcode/calls", nil)
	resolveErrorsMeter = metrics.NewRegisteredMeter("gapscan/resolver/errors", nil)
)

// NodeReader is the node RPC surface the resolver needs.
type NodeReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address, block *big.Int) ([]byte, error)
}

// InfoStore is the durable address_info surface.
type InfoStore interface {
	AddressInfo(ctx context.Context, addr common.Address) (txindex.AddressInfo, error)
	PutAddressInfo(ctx context.Context, info txindex.AddressInfo) error
}

// InfoCache is the KV tier for resolver results.
type InfoCache interface {
	GetAddressInfo(addr common.Address) (txindex.AddressInfo, bool)
	SetAddressInfo(info txindex.AddressInfo, ttl time.Duration) error
}

// Resolver answers isContract/creationBlock queries through three tiers:
// KV cache, durable store, and node discovery.
type Resolver struct {
	node  NodeReader
	store InfoStore
	cache InfoCache
	ttl   time.Duration
	now   func() time.Time

	// Collapses concurrent discovery of the same address into one flight.
	group singleflight.Group
}

// New builds a resolver. cacheTTL bounds how long KV entries live.
func New(node NodeReader, store InfoStore, cache InfoCache, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		node:  node,
		store: store,
		cache: cache,
		ttl:   cacheTTL,
		now:   time.Now,
	}
}

// Resolve returns the address classification, consulting KV, then the
// durable store (warming KV on hit), then node discovery.
func (r *Resolver) Resolve(ctx context.Context, addr common.Address) (txindex.AddressInfo, error) {
	start := time.Now()
	defer resolveTimer.UpdateSince(start)

	if info, ok := r.cache.GetAddressInfo(addr); ok {
		return info, nil
	}
	if info, err := r.store.AddressInfo(ctx, addr); err == nil {
		if cerr := r.cache.SetAddressInfo(info, r.ttl); cerr != nil {
			log.Debug("Failed to warm address info cache", "address", txindex.NormalizeAddress(addr), "err", cerr)
		}
		return info, nil
	} else if !txindex.IsKind(err, txindex.KindNotFound) {
		// A storage fault should not block discovery; log and fall through.
		log.Warn("Address info lookup failed, falling back to discovery",
			"address", txindex.NormalizeAddress(addr), "err", err)
	}

	key := txindex.NormalizeAddress(addr)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.discover(ctx, addr)
	})
	if err != nil {
		resolveErrorsMeter.Mark(1)
		return txindex.AddressInfo{}, err
	}
	return v.(txindex.AddressInfo), nil
}

// StartingBlockFor returns the creation block when addr is a contract with a
// known creation block, else 0. Resolution failures degrade to 0: scans
// simply start from genesis.
func (r *Resolver) StartingBlockFor(ctx context.Context, addr common.Address) uint64 {
	info, err := r.Resolve(ctx, addr)
	if err != nil {
		log.Debug("Address resolution failed, scanning from genesis",
			"address", txindex.NormalizeAddress(addr), "err", err)
		return 0
	}
	if info.IsContract && info.CreationBlock != nil {
		return *info.CreationBlock
	}
	return 0
}

// discover classifies addr from the node and persists the result.
func (r *Resolver) discover(ctx context.Context, addr common.Address) (txindex.AddressInfo, error) {
	code, err := r.node.CodeAt(ctx, addr, nil)
	getCodeCallsMeter.Mark(1)
	if err != nil {
		return txindex.AddressInfo{}, err
	}
	info := txindex.AddressInfo{Address: addr, UpdatedAt: r.now().UTC()}
	if len(code) == 0 {
		r.persist(ctx, info)
		return info, nil
	}

	info.IsContract = true
	creation, err := r.findCreationBlock(ctx, addr)
	if err != nil {
		return txindex.AddressInfo{}, err
	}
	info.CreationBlock = &creation
	discoveryMeter.Mark(1)
	log.Info("Discovered contract creation block",
		"address", txindex.NormalizeAddress(addr), "creationBlock", creation)
	r.persist(ctx, info)
	return info, nil
}

// findCreationBlock binary-searches for the smallest block at which the
// contract has code. Transient errors at the probe point bias the search
// upward instead of failing the whole discovery; the result may then be a
// later block, which only shrinks the scan range and never loses data.
func (r *Resolver) findCreationBlock(ctx context.Context, addr common.Address) (uint64, error) {
	latest, err := r.node.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	lo, hi := uint64(0), latest
	for lo < hi {
		mid := lo + (hi-lo)/2
		code, err := r.node.CodeAt(ctx, addr, new(big.Int).SetUint64(mid))
		getCodeCallsMeter.Mark(1)
		if err != nil {
			if txindex.IsKind(err, txindex.KindUpstreamTimeout) || txindex.IsKind(err, txindex.KindUpstreamTransient) {
				log.Debug("getCode probe failed, biasing search upward",
					"address", txindex.NormalizeAddress(addr), "block", mid, "err", err)
				lo = mid + 1
				continue
			}
			return 0, err
		}
		if len(code) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

// persist writes the result to the durable store and the KV cache
// concurrently. A failure on either side must not mask success of the other;
// both are logged and swallowed.
func (r *Resolver) persist(ctx context.Context, info txindex.AddressInfo) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.store.PutAddressInfo(ctx, info); err != nil {
			log.Warn("Failed to persist address info",
				"address", txindex.NormalizeAddress(info.Address), "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := r.cache.SetAddressInfo(info, r.ttl); err != nil {
			log.Debug("Failed to cache address info",
				"address", txindex.NormalizeAddress(info.Address), "err", err)
		}
	}()
	wg.Wait()
}
