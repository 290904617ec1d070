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

package scheduler

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/gapscan/gapscan/txindex"
)

const (
	// maxTxPerBatch is the page size requested from the explorer. A full
	// page means the range was not exhausted and the boundary block may be
	// truncated mid-block.
	maxTxPerBatch = 5000

	// maxBatchIterations bounds explorer calls per job against pathological
	// address activity.
	maxBatchIterations = 100

	// timeoutChunkBlocks is the re-enqueue chunk width after an explorer
	// query timeout: the range was too dense to scan in one query.
	timeoutChunkBlocks = 1000
)

// Fetcher pulls owned transactions from the upstream explorer.
type Fetcher interface {
	TxList(ctx context.Context, addr common.Address, startBlock, endBlock uint64, page, offset int, sort txindex.SortOrder) ([]txindex.Transaction, error)
}

// Sink persists fetched rows together with the coverage claim in one
// durable transaction.
type Sink interface {
	InsertTransactionsWithCoverage(ctx context.Context, txs []txindex.Transaction, cov txindex.Coverage) error
}

// GapWorker executes gap jobs: it walks a block range through the explorer
// in ascending batches and persists rows plus coverage atomically. Its
// Process method satisfies ProcessFunc.
type GapWorker struct {
	fetcher Fetcher
	sink    Sink
	now     func() time.Time
}

// NewGapWorker builds a worker over the given explorer and store.
func NewGapWorker(fetcher Fetcher, sink Sink) *GapWorker {
	return &GapWorker{fetcher: fetcher, sink: sink, now: time.Now}
}

// Process fills the job's range. The coverage claim spans from the job's
// FromBlock to the last block known to be fully fetched, which may stop
// short of ToBlock when batches keep filling up; the remainder is returned
// for re-scheduling. An explorer query timeout means the range is too dense
// for a single scan: the whole range is split into fixed-width chunks and
// the job completes without writing anything.
func (w *GapWorker) Process(ctx context.Context, job Job) ([]txindex.BlockRange, error) {
	var (
		rows         []txindex.Transaction
		seen         = make(map[common.Hash]struct{})
		currentStart = job.FromBlock
		actualEnd    uint64
		covered      bool
	)
	for iters := 0; currentStart <= job.ToBlock && iters < maxBatchIterations; iters++ {
		batch, err := w.fetcher.TxList(ctx, job.Address, currentStart, job.ToBlock, 1, maxTxPerBatch, txindex.SortAsc)
		batchCallsMeter.Mark(1)
		if err != nil {
			if txindex.IsKind(err, txindex.KindUpstreamTimeout) {
				chunkSplitMeter.Mark(1)
				log.Warn("Explorer query timed out, splitting range into chunks",
					"job", job.Key(), "chunkBlocks", timeoutChunkBlocks)
				return chunkRanges(job.FromBlock, job.ToBlock, timeoutChunkBlocks), nil
			}
			return nil, err
		}
		batchRowsMeter.Mark(int64(len(batch)))
		for _, tx := range batch {
			if tx.BlockNumber < currentStart || tx.BlockNumber > job.ToBlock {
				continue
			}
			if _, dup := seen[tx.Hash]; dup {
				continue
			}
			seen[tx.Hash] = struct{}{}
			rows = append(rows, tx)
		}
		if len(batch) < maxTxPerBatch {
			// The range is exhausted.
			actualEnd, covered = job.ToBlock, true
			break
		}

		// Full page: the last block may have been cut off mid-block, so
		// only blocks strictly below it are known complete. The next scan
		// restarts one block early to re-read the boundary; duplicates are
		// dropped on write.
		last := batch[len(batch)-1].BlockNumber
		if last == 0 {
			break
		}
		boundary := last - 1
		if !covered || boundary > actualEnd {
			actualEnd, covered = boundary, true
		}
		currentStart = boundary
		log.Debug("Gap fill progress", "phase", "fetching", "job", job.Key(),
			"page", iters+1, "currentBlock", currentStart, "targetBlock", job.ToBlock)
	}

	if !covered || actualEnd < job.FromBlock {
		return nil, txindex.Errorf(txindex.KindUpstreamInvalid, "scheduler.Process",
			"no completable prefix in [%d, %d] after %d batches", job.FromBlock, job.ToBlock, maxBatchIterations)
	}

	kept := rows[:0]
	for _, tx := range rows {
		if tx.BlockNumber <= actualEnd {
			kept = append(kept, tx)
		}
	}
	cov := txindex.Coverage{
		Address:   job.Address,
		FromBlock: job.FromBlock,
		ToBlock:   actualEnd,
		CreatedAt: w.now().UTC(),
	}
	if err := w.sink.InsertTransactionsWithCoverage(ctx, kept, cov); err != nil {
		return nil, err
	}
	log.Debug("Gap fill progress", "phase", "storing", "job", job.Key(),
		"transactions", len(kept), "blocksProcessed", actualEnd-job.FromBlock+1, "totalBlocks", job.Blocks())

	if actualEnd < job.ToBlock {
		return []txindex.BlockRange{{From: actualEnd + 1, To: job.ToBlock}}, nil
	}
	return nil, nil
}

// chunkRanges splits [from, to] into consecutive ranges of at most size
// blocks.
func chunkRanges(from, to, size uint64) []txindex.BlockRange {
	var out []txindex.BlockRange
	for start := from; ; {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		out = append(out, txindex.BlockRange{From: start, To: end})
		if end == to {
			return out
		}
		start = end + 1
	}
}
