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

package resolver

import (
	"context"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gapscan/gapscan/txindex"
)

var testAddr = common.HexToAddress("0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae")

// fakeNode serves getCode snapshots: code exists from creationBlock on.
type fakeNode struct {
	mu            sync.Mutex
	latest        uint64
	creationBlock uint64
	isContract    bool
	codeCalls     int
	failAt        map[uint64]int // block -> remaining transient failures
}

func (n *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	return n.latest, nil
}

func (n *fakeNode) CodeAt(ctx context.Context, addr common.Address, block *big.Int) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codeCalls++
	b := n.latest
	if block != nil {
		b = block.Uint64()
	}
	if remaining := n.failAt[b]; remaining > 0 {
		n.failAt[b] = remaining - 1
		return nil, txindex.Errorf(txindex.KindUpstreamTransient, "node.CodeAt", "flaky probe")
	}
	if n.isContract && b >= n.creationBlock {
		return []byte{0x60, 0x60}, nil
	}
	return nil, nil
}

type fakeInfoStore struct {
	mu   sync.Mutex
	rows map[common.Address]txindex.AddressInfo
	puts int
}

func (s *fakeInfoStore) AddressInfo(ctx context.Context, addr common.Address) (txindex.AddressInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.rows[addr]; ok {
		return info, nil
	}
	return txindex.AddressInfo{}, txindex.Errorf(txindex.KindNotFound, "store.AddressInfo", "no row")
}

func (s *fakeInfoStore) PutAddressInfo(ctx context.Context, info txindex.AddressInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[common.Address]txindex.AddressInfo)
	}
	s.rows[info.Address] = info
	s.puts++
	return nil
}

type fakeInfoCache struct {
	mu      sync.Mutex
	entries map[common.Address]txindex.AddressInfo
	sets    int
}

func (c *fakeInfoCache) GetAddressInfo(addr common.Address) (txindex.AddressInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[addr]
	return info, ok
}

func (c *fakeInfoCache) SetAddressInfo(info txindex.AddressInfo, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[common.Address]txindex.AddressInfo)
	}
	c.entries[info.Address] = info
	c.sets++
	return nil
}

func newTestResolver(node *fakeNode) (*Resolver, *fakeInfoStore, *fakeInfoCache) {
	store := &fakeInfoStore{}
	cache := &fakeInfoCache{}
	return New(node, store, cache, time.Hour), store, cache
}

func TestResolveEOA(t *testing.T) {
	node := &fakeNode{latest: 1000}
	r, store, cache := newTestResolver(node)

	info, err := r.Resolve(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info.IsContract || info.CreationBlock != nil {
		t.Fatalf("EOA misclassified: %+v", info)
	}
	if store.puts != 1 || cache.sets != 1 {
		t.Fatalf("EOA result not persisted to both tiers: store=%d cache=%d", store.puts, cache.sets)
	}
}

func TestResolveContractFindsCreationBlock(t *testing.T) {
	const creation = 123_456
	node := &fakeNode{latest: 2_000_000, isContract: true, creationBlock: creation}
	r, store, cache := newTestResolver(node)

	info, err := r.Resolve(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !info.IsContract || info.CreationBlock == nil || *info.CreationBlock != creation {
		t.Fatalf("wrong classification: %+v", info)
	}
	// One classifying call plus a logarithmic number of probes.
	maxCalls := 1 + int(math.Ceil(math.Log2(float64(node.latest)))) + 2
	if node.codeCalls > maxCalls {
		t.Fatalf("binary search used %d getCode calls, want <= %d", node.codeCalls, maxCalls)
	}
	if _, ok := cache.entries[testAddr]; !ok {
		t.Fatal("KV not populated")
	}
	if _, ok := store.rows[testAddr]; !ok {
		t.Fatal("durable store not populated")
	}
}

func TestResolveSecondCallHitsCache(t *testing.T) {
	node := &fakeNode{latest: 1_000_000, isContract: true, creationBlock: 7777}
	r, _, _ := newTestResolver(node)

	if _, err := r.Resolve(context.Background(), testAddr); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	calls := node.codeCalls
	if _, err := r.Resolve(context.Background(), testAddr); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if node.codeCalls != calls {
		t.Fatalf("second call performed %d upstream calls", node.codeCalls-calls)
	}
}

func TestResolveStoreHitWarmsCache(t *testing.T) {
	node := &fakeNode{latest: 1000}
	r, store, cache := newTestResolver(node)
	creation := uint64(55)
	store.rows = map[common.Address]txindex.AddressInfo{
		testAddr: {Address: testAddr, IsContract: true, CreationBlock: &creation},
	}

	info, err := r.Resolve(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !info.IsContract || *info.CreationBlock != 55 {
		t.Fatalf("store row not returned: %+v", info)
	}
	if node.codeCalls != 0 {
		t.Fatal("store hit should not touch the node")
	}
	if cache.sets != 1 {
		t.Fatal("store hit should warm KV")
	}
}

// Transient probe failures bias the search upward rather than failing.
func TestFindCreationBlockBiasesUpwardOnTransientErrors(t *testing.T) {
	const creation = 5000
	node := &fakeNode{
		latest:        100_000,
		isContract:    true,
		creationBlock: creation,
		failAt:        map[uint64]int{},
	}
	// Fail the first midpoint probe once.
	node.failAt[50_000] = 1

	r, _, _ := newTestResolver(node)
	info, err := r.Resolve(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info.CreationBlock == nil {
		t.Fatal("no creation block")
	}
	// The failed probe at 50000 pushed lo past the true creation block, so
	// the result may be later than the true block but never earlier.
	if *info.CreationBlock < creation {
		t.Fatalf("creation block %d earlier than true %d", *info.CreationBlock, creation)
	}
}

func TestStartingBlockFor(t *testing.T) {
	node := &fakeNode{latest: 1_000_000, isContract: true, creationBlock: 4242}
	r, _, _ := newTestResolver(node)
	if got := r.StartingBlockFor(context.Background(), testAddr); got != 4242 {
		t.Fatalf("StartingBlockFor = %d, want 4242", got)
	}

	eoaNode := &fakeNode{latest: 1000}
	r2, _, _ := newTestResolver(eoaNode)
	if got := r2.StartingBlockFor(context.Background(), testAddr); got != 0 {
		t.Fatalf("EOA StartingBlockFor = %d, want 0", got)
	}
}
