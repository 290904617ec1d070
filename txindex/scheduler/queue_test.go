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
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"

	"github.com/gapscan/gapscan/txindex"
)

var queueAddr = common.HexToAddress("0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae")

func fastConfig() Config {
	return Config{
		Workers:          2,
		RetryAttempts:    3,
		RetryBackoffBase: time.Millisecond,
		StaggerDelay:     0,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlanJobsSplitsAndPrioritizes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	gaps := []txindex.BlockRange{
		{From: 0, To: 11_999}, // 12000 blocks -> 3 jobs
		{From: 20_000, To: 20_049},
	}
	jobs := planJobs(queueAddr, gaps, now, time.Second)
	if len(jobs) != 4 {
		t.Fatalf("want 4 jobs, got %d", len(jobs))
	}
	for i, j := range jobs {
		if j.TotalJobs != 4 || j.CurrentJob != i+1 {
			t.Fatalf("job %d has series %d/%d, want %d/4", i, j.CurrentJob, j.TotalJobs, i+1)
		}
		if want := now.Add(time.Duration(i+1) * time.Second); !j.NotBefore.Equal(want) {
			t.Fatalf("job %d NotBefore %v, want %v", i, j.NotBefore, want)
		}
	}
	if jobs[0].FromBlock != 0 || jobs[0].ToBlock != 4999 {
		t.Fatalf("first slice [%d, %d], want [0, 4999]", jobs[0].FromBlock, jobs[0].ToBlock)
	}
	if jobs[2].FromBlock != 10_000 || jobs[2].ToBlock != 11_999 {
		t.Fatalf("third slice [%d, %d], want [10000, 11999]", jobs[2].FromBlock, jobs[2].ToBlock)
	}
	if jobs[0].Priority != priorityLarge || jobs[2].Priority != priorityLarge {
		t.Fatalf("wide slices must use low priority, got %d/%d", jobs[0].Priority, jobs[2].Priority)
	}
	if jobs[3].Priority != prioritySmall {
		t.Fatalf("50-block gap priority %d, want %d", jobs[3].Priority, prioritySmall)
	}
	if planJobs(queueAddr, []txindex.BlockRange{{From: 9, To: 3}}, now, 0) != nil {
		t.Fatal("invalid gap must plan nothing")
	}
	mid := planJobs(queueAddr, []txindex.BlockRange{{From: 0, To: 500}}, now, 0)
	if len(mid) != 1 || mid[0].Priority != priorityMedium {
		t.Fatalf("501-block gap: %+v", mid)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	db := memorydb.New()
	s, err := New(db, func(ctx context.Context, job Job) ([]txindex.BlockRange, error) {
		return nil, nil
	}, fastConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	gaps := []txindex.BlockRange{{From: 0, To: 99}, {From: 500, To: 599}}
	n, err := s.EnqueueGaps(queueAddr, gaps)
	if err != nil || n != 2 {
		t.Fatalf("first enqueue = (%d, %v), want (2, nil)", n, err)
	}
	n, err = s.EnqueueGaps(queueAddr, gaps)
	if err != nil || n != 0 {
		t.Fatalf("duplicate enqueue = (%d, %v), want (0, nil)", n, err)
	}
	if st := s.Status(); st.Pending != 2 {
		t.Fatalf("pending = %d, want 2", st.Pending)
	}
}

func TestSchedulerProcessesAndSettles(t *testing.T) {
	db := memorydb.New()
	var mu sync.Mutex
	var processed []Job
	s, err := New(db, func(ctx context.Context, job Job) ([]txindex.BlockRange, error) {
		mu.Lock()
		processed = append(processed, job)
		mu.Unlock()
		return nil, nil
	}, fastConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	defer s.Stop()

	if _, err := s.EnqueueGaps(queueAddr, []txindex.BlockRange{{From: 100, To: 150}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "job completion", func() bool { return s.Status().Completed == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 1 || processed[0].FromBlock != 100 || processed[0].ToBlock != 150 {
		t.Fatalf("processed %+v", processed)
	}
	if st := s.Status(); st.Pending != 0 || st.Inflight != 0 {
		t.Fatalf("queue not drained: %+v", st)
	}
	if ok, _ := db.Has(pendingKey(processed[0].Key())); ok {
		t.Fatal("completed job still durable")
	}
	tail := s.CompletedTail()
	if len(tail) != 1 || tail[0].Job.Key() != processed[0].Key() {
		t.Fatalf("completed tail %+v", tail)
	}
}

func TestSchedulerSchedulesFollowUps(t *testing.T) {
	db := memorydb.New()
	var mu sync.Mutex
	calls := 0
	s, err := New(db, func(ctx context.Context, job Job) ([]txindex.BlockRange, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return []txindex.BlockRange{{From: job.ToBlock + 1, To: job.ToBlock + 100}}, nil
		}
		return nil, nil
	}, fastConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	defer s.Stop()

	if _, err := s.EnqueueGaps(queueAddr, []txindex.BlockRange{{From: 0, To: 99}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "follow-up completion", func() bool { return s.Status().Completed == 2 })
}

func TestSchedulerRetriesThenParksFailed(t *testing.T) {
	db := memorydb.New()
	var mu sync.Mutex
	attempts := 0
	s, err := New(db, func(ctx context.Context, job Job) ([]txindex.BlockRange, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, txindex.Errorf(txindex.KindStorage, "store.Insert", "db down")
	}, fastConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	defer s.Stop()

	if _, err := s.EnqueueGaps(queueAddr, []txindex.BlockRange{{From: 0, To: 9}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "job failure", func() bool { return s.Status().Failed == 1 })

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	tail := s.FailedTail()
	if len(tail) != 1 || tail[0].Error == "" {
		t.Fatalf("failed tail %+v", tail)
	}
	if st := s.Status(); st.Pending != 0 || st.Inflight != 0 {
		t.Fatalf("queue not drained: %+v", st)
	}
}

func TestSchedulerFailsFastOnPermanentError(t *testing.T) {
	db := memorydb.New()
	var mu sync.Mutex
	attempts := 0
	s, err := New(db, func(ctx context.Context, job Job) ([]txindex.BlockRange, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, txindex.Errorf(txindex.KindUpstreamInvalid, "explorer.TxList", "bad payload")
	}, fastConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	defer s.Stop()

	if _, err := s.EnqueueGaps(queueAddr, []txindex.BlockRange{{From: 0, To: 9}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "permanent failure", func() bool { return s.Status().Failed == 1 })

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("permanent error retried %d times", attempts)
	}
}

func TestSchedulerRecoversPendingJobs(t *testing.T) {
	db := memorydb.New()
	noop := func(ctx context.Context, job Job) ([]txindex.BlockRange, error) { return nil, nil }

	first, err := New(db, noop, fastConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Never started: the jobs stay durable, as after a crash.
	if _, err := first.EnqueueGaps(queueAddr, []txindex.BlockRange{{From: 0, To: 4999}, {From: 6000, To: 6010}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	second, err := New(db, noop, fastConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if st := second.Status(); st.Pending != 2 {
		t.Fatalf("recovered pending = %d, want 2", st.Pending)
	}
	second.Start()
	defer second.Stop()
	waitFor(t, "recovered jobs", func() bool { return second.Status().Completed == 2 })
}

func TestCompletedTailTrims(t *testing.T) {
	db := memorydb.New()
	cfg := fastConfig()
	cfg.CompletedTail = 2
	s, err := New(db, func(ctx context.Context, job Job) ([]txindex.BlockRange, error) {
		return nil, nil
	}, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	defer s.Stop()

	var gaps []txindex.BlockRange
	for i := uint64(0); i < 5; i++ {
		gaps = append(gaps, txindex.BlockRange{From: i * 100, To: i*100 + 9})
	}
	if _, err := s.EnqueueGaps(queueAddr, gaps); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "all jobs", func() bool { return s.Status().Completed == 5 })

	if tail := s.CompletedTail(); len(tail) != 2 {
		t.Fatalf("tail length %d, want 2", len(tail))
	}
	if st := s.Status(); st.Completed != 5 {
		t.Fatalf("lifetime counter %d, want 5", st.Completed)
	}
}
