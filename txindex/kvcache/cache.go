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

// Package kvcache is the typed, short-TTL cache tier. Values are stored in a
// local LevelDB instance under content-derived keys with an expiry envelope.
// Every read failure downgrades to a miss; the cache never surfaces errors
// to the serving path.
package kvcache

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/gapscan/gapscan/txindex"
)

var (
	cacheHitMeter   = metrics.NewRegisteredMeter("gapscan/kvcache/hit", nil)
	cacheMissMeter  = metrics.NewRegisteredMeter("gapscan/kvcache/miss", nil)
	cacheWriteMeter = metrics.NewRegisteredMeter("gapscan/kvcache/write", nil)
	cacheErrorMeter = metrics.NewRegisteredMeter("gapscan/kvcache/error", nil)
)

// envelope wraps every cached payload with its absolute expiry. Expired
// entries read as misses and are lazily deleted.
type envelope struct {
	ExpiresAt int64           `json:"expiresAt"` // unix seconds
	CachedAt  int64           `json:"cachedAt"`
	Payload   json.RawMessage `json:"payload"`
}

// BalanceEntry is the cached form of a balance snapshot.
type BalanceEntry struct {
	Balance     string    `json:"balance"` // wei decimal string
	BlockNumber uint64    `json:"blockNumber"`
	CachedAt    time.Time `json:"cachedAt"`
}

// Cache is a typed facade over a LevelDB key-value store.
type Cache struct {
	db  ethdb.KeyValueStore
	now func() time.Time
}

// New opens (or creates) the cache database at path.
func New(path string) (*Cache, error) {
	db, err := leveldb.New(path, 16, 16, "gapscan/kvcache", false)
	if err != nil {
		return nil, txindex.E(txindex.KindCache, "kvcache.New", err)
	}
	log.Info("Opened KV cache", "path", path)
	return &Cache{db: db, now: time.Now}, nil
}

// NewWithDB wraps an existing key-value store; used by tests with memorydb.
func NewWithDB(db ethdb.KeyValueStore) *Cache {
	return &Cache{db: db, now: time.Now}
}

// Close releases the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// get reads and unwraps an envelope. Any failure, including expiry and
// corrupt payloads, is a miss.
func (c *Cache) get(key []byte, out any) bool {
	data, err := c.db.Get(key)
	if err != nil || len(data) == 0 {
		cacheMissMeter.Mark(1)
		return false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		cacheErrorMeter.Mark(1)
		log.Debug("Dropping corrupt cache entry", "key", string(key), "err", err)
		_ = c.db.Delete(key)
		return false
	}
	if c.now().Unix() >= env.ExpiresAt {
		cacheMissMeter.Mark(1)
		_ = c.db.Delete(key)
		return false
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		cacheErrorMeter.Mark(1)
		log.Debug("Dropping undecodable cache payload", "key", string(key), "err", err)
		_ = c.db.Delete(key)
		return false
	}
	cacheHitMeter.Mark(1)
	return true
}

// set marshals and stores a value under key with the given TTL. The returned
// error is informational; callers log it and continue.
func (c *Cache) set(key []byte, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		cacheErrorMeter.Mark(1)
		return txindex.E(txindex.KindCache, "kvcache.set", err)
	}
	now := c.now()
	env := envelope{
		ExpiresAt: now.Add(ttl).Unix(),
		CachedAt:  now.Unix(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		cacheErrorMeter.Mark(1)
		return txindex.E(txindex.KindCache, "kvcache.set", err)
	}
	if err := c.db.Put(key, data); err != nil {
		cacheErrorMeter.Mark(1)
		return txindex.E(txindex.KindCache, "kvcache.set", err)
	}
	cacheWriteMeter.Mark(1)
	return nil
}

// GetBalance returns the cached balance snapshot for addr, if fresh.
func (c *Cache) GetBalance(addr common.Address) (BalanceEntry, bool) {
	var entry BalanceEntry
	ok := c.get(balanceKey(addr), &entry)
	return entry, ok
}

// SetBalance caches a balance snapshot.
func (c *Cache) SetBalance(addr common.Address, entry BalanceEntry, ttl time.Duration) error {
	return c.set(balanceKey(addr), entry, ttl)
}

// GetTxCount returns the cached stored-transaction count for addr.
func (c *Cache) GetTxCount(addr common.Address) (uint64, bool) {
	var count uint64
	ok := c.get(txCountKey(addr), &count)
	return count, ok
}

// SetTxCount caches the stored-transaction count.
func (c *Cache) SetTxCount(addr common.Address, count uint64, ttl time.Duration) error {
	return c.set(txCountKey(addr), count, ttl)
}

// GetAddressInfo returns the cached resolver result for addr.
func (c *Cache) GetAddressInfo(addr common.Address) (txindex.AddressInfo, bool) {
	var info txindex.AddressInfo
	ok := c.get(addressInfoKey(addr), &info)
	return info, ok
}

// SetAddressInfo caches a resolver result.
func (c *Cache) SetAddressInfo(info txindex.AddressInfo, ttl time.Duration) error {
	return c.set(addressInfoKey(info.Address), info, ttl)
}

// GetTxQuery returns the cached serialized response of a paginated
// transaction query.
func (c *Cache) GetTxQuery(addr common.Address, from, to uint64, page, limit int, order txindex.SortOrder) (json.RawMessage, bool) {
	var payload json.RawMessage
	ok := c.get(txQueryKey(addr, from, to, page, limit, order), &payload)
	return payload, ok
}

// SetTxQuery caches the serialized response of a paginated transaction query.
// Callers stamp fromCache=true on the payload before writing it back.
func (c *Cache) SetTxQuery(addr common.Address, from, to uint64, page, limit int, order txindex.SortOrder, payload json.RawMessage, ttl time.Duration) error {
	return c.set(txQueryKey(addr, from, to, page, limit, order), payload, ttl)
}
