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
	"encoding/binary"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gapscan/gapscan/txindex"
)

var workerAddr = common.HexToAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")

var hashCounter uint64

func nextHash() common.Hash {
	hashCounter++
	var h common.Hash
	binary.BigEndian.PutUint64(h[24:], hashCounter)
	return h
}

func rowAt(block uint64) txindex.Transaction {
	return txindex.Transaction{
		Hash:          nextHash(),
		Address:       workerAddr,
		BlockNumber:   block,
		From:          workerAddr,
		Value:         "0",
		GasPrice:      "1",
		ReceiptStatus: "1",
		Timestamp:     time.Unix(1700000000, 0).UTC(),
	}
}

// fullBatch builds exactly maxTxPerBatch rows whose last row sits at
// lastBlock.
func fullBatch(startBlock, lastBlock uint64) []txindex.Transaction {
	rows := make([]txindex.Transaction, 0, maxTxPerBatch)
	for i := 0; i < maxTxPerBatch-1; i++ {
		rows = append(rows, rowAt(startBlock))
	}
	rows = append(rows, rowAt(lastBlock))
	return rows
}

// scriptedFetcher replays responses per call index.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []func(start, end uint64) ([]txindex.Transaction, error)
	calls     []txindex.BlockRange
}

func (f *scriptedFetcher) TxList(ctx context.Context, addr common.Address, start, end uint64, page, offset int, sort txindex.SortOrder) ([]txindex.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, txindex.BlockRange{From: start, To: end})
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		return nil, nil
	}
	return f.responses[idx](start, end)
}

type recordingSink struct {
	mu      sync.Mutex
	inserts []struct {
		Txs []txindex.Transaction
		Cov txindex.Coverage
	}
	err error
}

func (s *recordingSink) InsertTransactionsWithCoverage(ctx context.Context, txs []txindex.Transaction, cov txindex.Coverage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.inserts = append(s.inserts, struct {
		Txs []txindex.Transaction
		Cov txindex.Coverage
	}{append([]txindex.Transaction{}, txs...), cov})
	return nil
}

func testJob(from, to uint64) Job {
	return Job{Address: workerAddr, FromBlock: from, ToBlock: to, TotalJobs: 1, CurrentJob: 1}
}

func TestProcessSingleBatch(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []func(uint64, uint64) ([]txindex.Transaction, error){
		func(start, end uint64) ([]txindex.Transaction, error) {
			return []txindex.Transaction{rowAt(105), rowAt(140), rowAt(199)}, nil
		},
	}}
	sink := &recordingSink{}
	w := NewGapWorker(fetcher, sink)

	followUps, err := w.Process(context.Background(), testJob(100, 200))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if followUps != nil {
		t.Fatalf("unexpected follow-ups: %v", followUps)
	}
	if len(sink.inserts) != 1 {
		t.Fatalf("want 1 insert, got %d", len(sink.inserts))
	}
	ins := sink.inserts[0]
	if len(ins.Txs) != 3 {
		t.Fatalf("want 3 rows, got %d", len(ins.Txs))
	}
	if ins.Cov.FromBlock != 100 || ins.Cov.ToBlock != 200 {
		t.Fatalf("coverage [%d, %d], want [100, 200]", ins.Cov.FromBlock, ins.Cov.ToBlock)
	}
}

func TestProcessEmptyRangeStillClaimsCoverage(t *testing.T) {
	fetcher := &scriptedFetcher{}
	sink := &recordingSink{}
	w := NewGapWorker(fetcher, sink)

	followUps, err := w.Process(context.Background(), testJob(0, 999))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if followUps != nil {
		t.Fatalf("unexpected follow-ups: %v", followUps)
	}
	if len(sink.inserts) != 1 || len(sink.inserts[0].Txs) != 0 {
		t.Fatalf("want one empty insert, got %+v", sink.inserts)
	}
	if cov := sink.inserts[0].Cov; cov.FromBlock != 0 || cov.ToBlock != 999 {
		t.Fatalf("coverage [%d, %d], want [0, 999]", cov.FromBlock, cov.ToBlock)
	}
}

// A full page leaves the boundary block suspect; the next scan restarts one
// block early and duplicate rows are dropped.
func TestProcessFullBatchRescansBoundary(t *testing.T) {
	boundary := rowAt(7321)
	first := fullBatch(0, 0)
	first[len(first)-1] = boundary
	fetcher := &scriptedFetcher{responses: []func(uint64, uint64) ([]txindex.Transaction, error){
		func(start, end uint64) ([]txindex.Transaction, error) { return first, nil },
		func(start, end uint64) ([]txindex.Transaction, error) {
			return []txindex.Transaction{boundary, rowAt(9000)}, nil
		},
	}}
	sink := &recordingSink{}
	w := NewGapWorker(fetcher, sink)

	followUps, err := w.Process(context.Background(), testJob(0, 10_000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if followUps != nil {
		t.Fatalf("unexpected follow-ups: %v", followUps)
	}
	if got := fetcher.calls[1].From; got != 7320 {
		t.Fatalf("second scan started at %d, want boundary rescan at 7320", got)
	}
	ins := sink.inserts[0]
	if cov := ins.Cov; cov.FromBlock != 0 || cov.ToBlock != 10_000 {
		t.Fatalf("coverage [%d, %d], want [0, 10000]", cov.FromBlock, cov.ToBlock)
	}
	// 5000 rows from the first page, one new row from the second; the
	// boundary row must not be double counted.
	if len(ins.Txs) != maxTxPerBatch+1 {
		t.Fatalf("want %d deduplicated rows, got %d", maxTxPerBatch+1, len(ins.Txs))
	}
}

// When every page fills up, the job commits the prefix it proved complete
// and hands the remainder back for re-scheduling.
func TestProcessIterationCapCommitsPrefix(t *testing.T) {
	fetcher := &scriptedFetcher{}
	for i := 0; i < maxBatchIterations; i++ {
		fetcher.responses = append(fetcher.responses, func(start, end uint64) ([]txindex.Transaction, error) {
			return fullBatch(start, start+50), nil
		})
	}
	sink := &recordingSink{}
	w := NewGapWorker(fetcher, sink)

	followUps, err := w.Process(context.Background(), testJob(0, 1_000_000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fetcher.calls) != maxBatchIterations {
		t.Fatalf("want %d explorer calls, got %d", maxBatchIterations, len(fetcher.calls))
	}
	if len(followUps) != 1 {
		t.Fatalf("want one follow-up range, got %v", followUps)
	}
	ins := sink.inserts[0]
	if ins.Cov.ToBlock >= 1_000_000 {
		t.Fatalf("coverage claims full range despite truncation: %+v", ins.Cov)
	}
	if followUps[0].From != ins.Cov.ToBlock+1 || followUps[0].To != 1_000_000 {
		t.Fatalf("follow-up %v does not continue coverage ending at %d", followUps[0], ins.Cov.ToBlock)
	}
	for _, tx := range ins.Txs {
		if tx.BlockNumber > ins.Cov.ToBlock {
			t.Fatalf("row at block %d outside claimed coverage [%d, %d]",
				tx.BlockNumber, ins.Cov.FromBlock, ins.Cov.ToBlock)
		}
	}
}

func TestProcessTimeoutSplitsIntoChunks(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []func(uint64, uint64) ([]txindex.Transaction, error){
		func(start, end uint64) ([]txindex.Transaction, error) {
			return nil, txindex.Errorf(txindex.KindUpstreamTimeout, "explorer.TxList", "query timeout")
		},
	}}
	sink := &recordingSink{}
	w := NewGapWorker(fetcher, sink)

	followUps, err := w.Process(context.Background(), testJob(0, 2499))
	if err != nil {
		t.Fatalf("timeout must complete the job, got %v", err)
	}
	want := []txindex.BlockRange{{From: 0, To: 999}, {From: 1000, To: 1999}, {From: 2000, To: 2499}}
	if !reflect.DeepEqual(followUps, want) {
		t.Fatalf("chunks %v, want %v", followUps, want)
	}
	if len(sink.inserts) != 0 {
		t.Fatal("timeout path must not write")
	}
}

func TestProcessUpstreamErrorPropagates(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []func(uint64, uint64) ([]txindex.Transaction, error){
		func(start, end uint64) ([]txindex.Transaction, error) {
			return nil, txindex.Errorf(txindex.KindUpstreamTransient, "explorer.TxList", "rate limited")
		},
	}}
	w := NewGapWorker(fetcher, &recordingSink{})

	if _, err := w.Process(context.Background(), testJob(0, 100)); !txindex.IsKind(err, txindex.KindUpstreamTransient) {
		t.Fatalf("want transient error back, got %v", err)
	}
}

func TestProcessSinkErrorPropagates(t *testing.T) {
	fetcher := &scriptedFetcher{}
	sink := &recordingSink{err: txindex.Errorf(txindex.KindStorage, "store.Insert", "connection reset")}
	w := NewGapWorker(fetcher, sink)

	if _, err := w.Process(context.Background(), testJob(0, 100)); !txindex.IsKind(err, txindex.KindStorage) {
		t.Fatalf("want storage error back, got %v", err)
	}
}

func TestChunkRanges(t *testing.T) {
	tests := []struct {
		from, to, size uint64
		want           []txindex.BlockRange
	}{
		{0, 999, 1000, []txindex.BlockRange{{From: 0, To: 999}}},
		{0, 1000, 1000, []txindex.BlockRange{{From: 0, To: 999}, {From: 1000, To: 1000}}},
		{5, 5, 1000, []txindex.BlockRange{{From: 5, To: 5}}},
		{10, 35, 10, []txindex.BlockRange{{From: 10, To: 19}, {From: 20, To: 29}, {From: 30, To: 35}}},
	}
	for _, tt := range tests {
		if got := chunkRanges(tt.from, tt.to, tt.size); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("chunkRanges(%d, %d, %d) = %v, want %v", tt.from, tt.to, tt.size, got, tt.want)
		}
	}
}
