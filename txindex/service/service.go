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

// Package service implements the read path of the index: it answers
// transaction, balance and count queries through the cache, the durable
// store and the upstream pair, and hands detected coverage gaps to the
// background scheduler.
package service

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/gapscan/gapscan/txindex"
	"github.com/gapscan/gapscan/txindex/coverage"
	"github.com/gapscan/gapscan/txindex/kvcache"
)

const maxQueryLimit = 1000

// TxStore is the durable read surface the service needs.
type TxStore interface {
	Transactions(ctx context.Context, addr common.Address, from, to uint64, page, limit int, order txindex.SortOrder) ([]txindex.Transaction, error)
	CoverageFor(ctx context.Context, addr common.Address, from, to uint64) ([]txindex.BlockRange, error)
	CountTransactions(ctx context.Context, addr common.Address) (uint64, error)
	Balance(ctx context.Context, addr common.Address) (txindex.Balance, error)
	PutBalance(ctx context.Context, bal txindex.Balance) error
}

// QueryCache is the KV tier for query results.
type QueryCache interface {
	GetTxQuery(addr common.Address, from, to uint64, page, limit int, order txindex.SortOrder) (json.RawMessage, bool)
	SetTxQuery(addr common.Address, from, to uint64, page, limit int, order txindex.SortOrder, payload json.RawMessage, ttl time.Duration) error
	GetBalance(addr common.Address) (kvcache.BalanceEntry, bool)
	SetBalance(addr common.Address, entry kvcache.BalanceEntry, ttl time.Duration) error
	GetTxCount(addr common.Address) (uint64, bool)
	SetTxCount(addr common.Address, count uint64, ttl time.Duration) error
}

// Explorer is the live transaction-list upstream.
type Explorer interface {
	TxList(ctx context.Context, addr common.Address, startBlock, endBlock uint64, page, offset int, sort txindex.SortOrder) ([]txindex.Transaction, error)
}

// Node is the node RPC surface the service needs.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Ranger resolves the default scan start for an address.
type Ranger interface {
	StartingBlockFor(ctx context.Context, addr common.Address) uint64
}

// GapQueue schedules background fills for uncovered ranges.
type GapQueue interface {
	EnqueueGaps(addr common.Address, gaps []txindex.BlockRange) (int, error)
}

// Config carries the cache TTLs of the read path.
type Config struct {
	TxQueryTTL time.Duration // paginated query responses
	TxCountTTL time.Duration // stored-count responses
	BalanceTTL time.Duration // balance snapshots
}

func (c Config) withDefaults() Config {
	if c.TxQueryTTL <= 0 {
		c.TxQueryTTL = 300 * time.Second
	}
	if c.TxCountTTL <= 0 {
		c.TxCountTTL = 300 * time.Second
	}
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = 30 * time.Second
	}
	return c
}

// Service answers index queries. Reads never block on gap filling: missing
// ranges are answered live from the explorer while the scheduler backfills
// them.
type Service struct {
	cfg      Config
	store    TxStore
	cache    QueryCache
	explorer Explorer
	node     Node
	ranger   Ranger
	queue    GapQueue
	now      func() time.Time
}

// New wires the read path together.
func New(cfg Config, store TxStore, cache QueryCache, explorer Explorer, node Node, ranger Ranger, queue GapQueue) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		cache:    cache,
		explorer: explorer,
		node:     node,
		ranger:   ranger,
		queue:    queue,
		now:      time.Now,
	}
}

// TxQuery is a paginated transaction query. FromBlock and ToBlock are
// optional; absent bounds default to the address's creation block and the
// current chain head.
type TxQuery struct {
	Address   common.Address
	FromBlock *uint64
	ToBlock   *uint64
	Page      int
	Limit     int
	Order     txindex.SortOrder
}

func (q *TxQuery) normalize() error {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = maxQueryLimit
	}
	if q.Page < 1 {
		return txindex.Errorf(txindex.KindInvalidInput, "service.GetTransactions", "page %d below 1", q.Page)
	}
	if q.Limit < 1 || q.Limit > maxQueryLimit {
		return txindex.Errorf(txindex.KindInvalidInput, "service.GetTransactions", "limit %d outside [1, %d]", q.Limit, maxQueryLimit)
	}
	if q.Order == "" {
		q.Order = txindex.SortAsc
	}
	if q.Order != txindex.SortAsc && q.Order != txindex.SortDesc {
		return txindex.Errorf(txindex.KindInvalidInput, "service.GetTransactions", "order %q not in {asc, desc}", q.Order)
	}
	return txindex.ValidateBlockRange(q.FromBlock, q.ToBlock)
}

// GetTransactions answers a paginated transaction query. Fully covered
// ranges are served from the database; ranges with coverage gaps are served
// live from the explorer while the gaps are scheduled for backfill. When the
// explorer is unavailable the database rows are returned marked incomplete.
func (s *Service) GetTransactions(ctx context.Context, q TxQuery) (*TxResponse, error) {
	start := time.Now()
	defer txQueryTimer.UpdateSince(start)

	if err := q.normalize(); err != nil {
		return nil, err
	}

	effFrom, effTo, err := s.effectiveRange(ctx, q)
	if err != nil {
		return nil, err
	}

	if payload, ok := s.cache.GetTxQuery(q.Address, effFrom, effTo, q.Page, q.Limit, q.Order); ok {
		var resp TxResponse
		if err := json.Unmarshal(payload, &resp); err == nil {
			txQueryCacheHits.Mark(1)
			return &resp, nil
		}
	}

	covered, err := s.store.CoverageFor(ctx, q.Address, effFrom, effTo)
	if err != nil {
		return nil, err
	}
	gaps := coverage.FindGaps(covered, effFrom, effTo)

	if len(gaps) == 0 {
		resp, err := s.serveFromStore(ctx, q, effFrom, effTo, false)
		if err != nil {
			return nil, err
		}
		s.cacheResponse(q, effFrom, effTo, resp)
		return resp, nil
	}

	gapsDetectedMeter.Mark(int64(len(gaps)))
	log.Debug("Coverage gaps detected", "address", txindex.NormalizeAddress(q.Address),
		"fromBlock", effFrom, "toBlock", effTo, "gaps", len(gaps))

	resp, err := s.serveFromExplorer(ctx, q, effFrom, effTo)
	if err != nil {
		if !isUpstreamFailure(err) {
			return nil, err
		}
		// Degraded answer: whatever the database has, marked incomplete.
		log.Warn("Explorer unavailable, serving partial database rows",
			"address", txindex.NormalizeAddress(q.Address), "err", err)
		degradedMeter.Mark(1)
		resp, err = s.serveFromStore(ctx, q, effFrom, effTo, true)
		if err != nil {
			return nil, err
		}
	}
	resp.Metadata.BackgroundProcessing = true
	s.scheduleGaps(q.Address, gaps)
	if resp.Metadata.Source == SourceExplorer {
		s.cacheResponse(q, effFrom, effTo, resp)
	}
	return resp, nil
}

// effectiveRange resolves the optional query bounds: the address's creation
// block below, the current chain head above.
func (s *Service) effectiveRange(ctx context.Context, q TxQuery) (uint64, uint64, error) {
	var effFrom, effTo uint64
	if q.FromBlock != nil {
		effFrom = *q.FromBlock
	} else {
		effFrom = s.ranger.StartingBlockFor(ctx, q.Address)
	}
	if q.ToBlock != nil {
		effTo = *q.ToBlock
	} else {
		head, err := s.node.BlockNumber(ctx)
		if err != nil {
			return 0, 0, err
		}
		effTo = head
	}
	if effFrom > effTo {
		return 0, 0, txindex.Errorf(txindex.KindInvalidInput, "service.GetTransactions",
			"effective fromBlock %d exceeds toBlock %d", effFrom, effTo)
	}
	return effFrom, effTo, nil
}

func (s *Service) serveFromStore(ctx context.Context, q TxQuery, effFrom, effTo uint64, incomplete bool) (*TxResponse, error) {
	rows, err := s.store.Transactions(ctx, q.Address, effFrom, effTo, q.Page, q.Limit, q.Order)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []txindex.Transaction{}
	}
	return &TxResponse{
		Transactions: rows,
		Pagination:   Pagination{Page: q.Page, Limit: q.Limit, HasMore: len(rows) == q.Limit},
		Metadata: Metadata{
			Address:    txindex.NormalizeAddress(q.Address),
			FromBlock:  effFrom,
			ToBlock:    effTo,
			Source:     SourceDatabase,
			Incomplete: incomplete,
		},
	}, nil
}

// serveFromExplorer answers the page live. On a query timeout the range is
// halved once, keeping the side the requested ordering reads first, so the
// caller still gets the most relevant page of a too-dense range.
func (s *Service) serveFromExplorer(ctx context.Context, q TxQuery, effFrom, effTo uint64) (*TxResponse, error) {
	rows, err := s.explorer.TxList(ctx, q.Address, effFrom, effTo, q.Page, q.Limit, q.Order)
	if txindex.IsKind(err, txindex.KindUpstreamTimeout) {
		mid := effFrom + (effTo-effFrom)/2
		if q.Order == txindex.SortDesc {
			effFrom = mid + 1
		} else {
			effTo = mid
		}
		halfRangeRetries.Mark(1)
		log.Debug("Explorer query timed out, retrying half range",
			"address", txindex.NormalizeAddress(q.Address), "fromBlock", effFrom, "toBlock", effTo)
		rows, err = s.explorer.TxList(ctx, q.Address, effFrom, effTo, q.Page, q.Limit, q.Order)
	}
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []txindex.Transaction{}
	}
	return &TxResponse{
		Transactions: rows,
		Pagination:   Pagination{Page: q.Page, Limit: q.Limit, HasMore: len(rows) == q.Limit},
		Metadata: Metadata{
			Address:   txindex.NormalizeAddress(q.Address),
			FromBlock: effFrom,
			ToBlock:   effTo,
			Source:    SourceExplorer,
		},
	}, nil
}

// cacheResponse stores the finished response under the query key. The cached
// copy is pre-marked as a cache answer so hits can be returned verbatim.
func (s *Service) cacheResponse(q TxQuery, effFrom, effTo uint64, resp *TxResponse) {
	cached := *resp
	cached.FromCache = true
	cached.Metadata.Source = SourceCache
	payload, err := json.Marshal(&cached)
	if err != nil {
		return
	}
	if err := s.cache.SetTxQuery(q.Address, effFrom, effTo, q.Page, q.Limit, q.Order, payload, s.cfg.TxQueryTTL); err != nil {
		log.Debug("Failed to cache query response", "address", txindex.NormalizeAddress(q.Address), "err", err)
	}
}

// scheduleGaps hands the gaps to the queue without blocking the response.
func (s *Service) scheduleGaps(addr common.Address, gaps []txindex.BlockRange) {
	go func() {
		if n, err := s.queue.EnqueueGaps(addr, gaps); err != nil {
			log.Error("Failed to schedule gap fill", "address", txindex.NormalizeAddress(addr), "err", err)
		} else if n > 0 {
			log.Info("Scheduled gap fill", "address", txindex.NormalizeAddress(addr), "jobs", n)
		}
	}()
}

func isUpstreamFailure(err error) bool {
	switch txindex.KindOf(err) {
	case txindex.KindUpstreamTimeout, txindex.KindUpstreamTransient, txindex.KindUpstreamInvalid:
		return true
	}
	return false
}

// GetBalance returns the address balance: cached snapshot if fresh, live
// node read otherwise, last persisted snapshot when the node is down.
func (s *Service) GetBalance(ctx context.Context, addr common.Address) (*BalanceResponse, error) {
	start := time.Now()
	defer balanceTimer.UpdateSince(start)

	if entry, ok := s.cache.GetBalance(addr); ok {
		balanceCacheHits.Mark(1)
		return &BalanceResponse{
			Address:     txindex.NormalizeAddress(addr),
			Balance:     weiToEth(entry.Balance),
			BalanceWei:  entry.Balance,
			BlockNumber: entry.BlockNumber,
			LastUpdated: entry.CachedAt.UTC().Format(time.RFC3339),
			FromCache:   true,
			CacheAge:    int64(s.now().Sub(entry.CachedAt).Seconds()),
			Source:      SourceCache,
		}, nil
	}

	wei, nerr := s.node.Balance(ctx, addr)
	if nerr == nil {
		head, herr := s.node.BlockNumber(ctx)
		if herr != nil {
			head = 0
		}
		now := s.now().UTC()
		snapshot := txindex.Balance{Address: addr, Balance: wei.String(), BlockNumber: head, UpdatedAt: now}
		if err := s.store.PutBalance(ctx, snapshot); err != nil {
			log.Warn("Failed to persist balance snapshot", "address", txindex.NormalizeAddress(addr), "err", err)
		}
		entry := kvcache.BalanceEntry{Balance: snapshot.Balance, BlockNumber: head, CachedAt: now}
		if err := s.cache.SetBalance(addr, entry, s.cfg.BalanceTTL); err != nil {
			log.Debug("Failed to cache balance snapshot", "address", txindex.NormalizeAddress(addr), "err", err)
		}
		return &BalanceResponse{
			Address:     txindex.NormalizeAddress(addr),
			Balance:     weiToEth(snapshot.Balance),
			BalanceWei:  snapshot.Balance,
			BlockNumber: head,
			LastUpdated: now.Format(time.RFC3339),
			Source:      SourceProvider,
		}, nil
	}
	if !isUpstreamFailure(nerr) {
		return nil, nerr
	}

	// Node down: serve the last persisted snapshot, stale but honest.
	snapshot, serr := s.store.Balance(ctx, addr)
	if serr != nil {
		return nil, nerr
	}
	degradedMeter.Mark(1)
	log.Warn("Node unavailable, serving stored balance snapshot",
		"address", txindex.NormalizeAddress(addr), "err", nerr)
	return &BalanceResponse{
		Address:     txindex.NormalizeAddress(addr),
		Balance:     weiToEth(snapshot.Balance),
		BalanceWei:  snapshot.Balance,
		BlockNumber: snapshot.BlockNumber,
		LastUpdated: snapshot.UpdatedAt.UTC().Format(time.RFC3339),
		Source:      SourceDatabase,
	}, nil
}

// GetStoredCount returns how many transactions the index holds for addr.
// The count reflects stored rows only, not unfilled gaps.
func (s *Service) GetStoredCount(ctx context.Context, addr common.Address) (*CountResponse, error) {
	if count, ok := s.cache.GetTxCount(addr); ok {
		countCacheHits.Mark(1)
		return &CountResponse{Address: txindex.NormalizeAddress(addr), Count: count, FromCache: true, Source: SourceCache}, nil
	}
	count, err := s.store.CountTransactions(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetTxCount(addr, count, s.cfg.TxCountTTL); err != nil {
		log.Debug("Failed to cache stored count", "address", txindex.NormalizeAddress(addr), "err", err)
	}
	return &CountResponse{Address: txindex.NormalizeAddress(addr), Count: count, Source: SourceDatabase}, nil
}
