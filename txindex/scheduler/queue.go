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
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"

	"github.com/gapscan/gapscan/txindex"
)

// ProcessFunc executes one job. It returns follow-up ranges that should be
// scheduled for the same address: the uncovered remainder of a partially
// processed job, or smaller chunks after an upstream timeout. A nil error
// completes the job even when follow-ups are returned.
type ProcessFunc func(ctx context.Context, job Job) ([]txindex.BlockRange, error)

// Config tunes the scheduler. Zero values take the defaults below.
type Config struct {
	Workers          int           // worker pool size (default 2)
	RetryAttempts    int           // attempts before a job is parked as failed (default 3)
	RetryBackoffBase time.Duration // first retry delay, doubled per attempt (default 2s)
	StaggerDelay     time.Duration // per-position start delay within a series (default 1s)
	CompletedTail    int           // completed records kept for inspection (default 100)
	FailedTail       int           // failed records kept for inspection (default 500)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 2 * time.Second
	}
	if c.StaggerDelay < 0 {
		c.StaggerDelay = 0
	}
	if c.CompletedTail <= 0 {
		c.CompletedTail = 100
	}
	if c.FailedTail <= 0 {
		c.FailedTail = 500
	}
	return c
}

// TailRecord is a finished job kept in the completed or failed tail.
type TailRecord struct {
	Job        Job       `json:"job"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Pending   int    `json:"pending"`
	Inflight  int    `json:"inflight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Scheduler owns the durable job queue and the worker pool. Jobs survive a
// restart: pending entries are reloaded from the database on construction and
// deleted only after they complete or are parked as failed, which makes
// delivery at-least-once. Writes are idempotent, so replays are harmless.
type Scheduler struct {
	cfg     Config
	db      ethdb.KeyValueStore
	process ProcessFunc
	now     func() time.Time

	mu       sync.Mutex
	pending  map[string]*Job
	inflight map[string]struct{}

	// Tail windows: [head, next) sequence ranges currently on disk.
	completedHead, completedNext uint64
	failedHead, failedNext       uint64
	completedTotal, failedTotal  uint64

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	stop   sync.Once
}

// New builds a scheduler over db and recovers any jobs a previous run left
// pending. Start must be called before jobs are processed.
func New(db ethdb.KeyValueStore, process ProcessFunc, cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		db:       db,
		process:  process,
		now:      time.Now,
		pending:  make(map[string]*Job),
		inflight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover reloads pending jobs and tail windows from the database.
func (s *Scheduler) recover() error {
	it := s.db.NewIterator(pendingPrefix, nil)
	defer it.Release()
	for it.Next() {
		var job Job
		if err := json.Unmarshal(it.Value(), &job); err != nil {
			log.Warn("Dropping undecodable queued job", "key", string(it.Key()), "err", err)
			_ = s.db.Delete(append([]byte{}, it.Key()...))
			continue
		}
		j := job
		s.pending[j.Key()] = &j
	}
	if err := it.Error(); err != nil {
		return txindex.E(txindex.KindStorage, "scheduler.recover", err)
	}
	s.completedHead, s.completedNext = s.tailWindow(completedPrefix)
	s.failedHead, s.failedNext = s.tailWindow(failedPrefix)
	s.completedTotal = s.completedNext - s.completedHead
	s.failedTotal = s.failedNext - s.failedHead
	if len(s.pending) > 0 {
		log.Info("Recovered queued gap jobs", "pending", len(s.pending))
	}
	pendingGauge.Update(int64(len(s.pending)))
	return nil
}

func (s *Scheduler) tailWindow(prefix []byte) (head, next uint64) {
	it := s.db.NewIterator(prefix, nil)
	defer it.Release()
	first := true
	for it.Next() {
		seq, ok := parseTailSeq(prefix, it.Key())
		if !ok {
			continue
		}
		if first {
			head, first = seq, false
		}
		next = seq + 1
	}
	if first {
		return 0, 0
	}
	return head, next
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	log.Info("Gap scheduler started", "workers", s.cfg.Workers)
}

// Stop drains the pool: in-flight jobs run to completion, no new job is
// picked up afterwards. Pending jobs stay durable for the next run.
func (s *Scheduler) Stop() {
	s.stop.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Info("Gap scheduler stopped")
}

// EnqueueGaps plans jobs for the gaps of addr and queues the ones not already
// pending or running. It returns the number of newly scheduled jobs.
func (s *Scheduler) EnqueueGaps(addr common.Address, gaps []txindex.BlockRange) (int, error) {
	jobs := planJobs(addr, gaps, s.now(), s.cfg.StaggerDelay)
	if len(jobs) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	scheduled := make([]*Job, 0, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		key := j.Key()
		if _, ok := s.pending[key]; ok {
			continue
		}
		if _, ok := s.inflight[key]; ok {
			continue
		}
		data, err := json.Marshal(j)
		if err != nil {
			return 0, txindex.E(txindex.KindInternal, "scheduler.EnqueueGaps", err)
		}
		if err := batch.Put(pendingKey(key), data); err != nil {
			return 0, txindex.E(txindex.KindStorage, "scheduler.EnqueueGaps", err)
		}
		scheduled = append(scheduled, j)
	}
	if len(scheduled) == 0 {
		return 0, nil
	}
	if err := batch.Write(); err != nil {
		return 0, txindex.E(txindex.KindStorage, "scheduler.EnqueueGaps", err)
	}
	for _, j := range scheduled {
		s.pending[j.Key()] = j
	}
	pendingGauge.Update(int64(len(s.pending)))
	enqueuedMeter.Mark(int64(len(scheduled)))
	log.Debug("Scheduled gap jobs", "address", txindex.NormalizeAddress(addr),
		"jobs", len(scheduled), "deduplicated", len(jobs)-len(scheduled))
	s.signal()
	return len(scheduled), nil
}

// Status reports queue depth and lifetime completion counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Pending:   len(s.pending),
		Inflight:  len(s.inflight),
		Completed: s.completedTotal,
		Failed:    s.failedTotal,
	}
}

// CompletedTail returns the retained completed records, oldest first.
func (s *Scheduler) CompletedTail() []TailRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTail(completedPrefix, s.completedHead, s.completedNext)
}

// FailedTail returns the retained failed records, oldest first.
func (s *Scheduler) FailedTail() []TailRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTail(failedPrefix, s.failedHead, s.failedNext)
}

func (s *Scheduler) readTail(prefix []byte, head, next uint64) []TailRecord {
	records := make([]TailRecord, 0, next-head)
	for seq := head; seq < next; seq++ {
		data, err := s.db.Get(tailKey(prefix, seq))
		if err != nil {
			continue
		}
		var rec TailRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		job := s.next()
		if job == nil {
			return
		}
		s.run(id, job)
	}
}

// next blocks until a ready job is available or the scheduler stops.
// Ready jobs are picked by priority, ties broken by enqueue time.
func (s *Scheduler) next() *Job {
	for {
		s.mu.Lock()
		now := s.now()
		var best *Job
		var earliest time.Time
		for _, j := range s.pending {
			if j.NotBefore.After(now) {
				if earliest.IsZero() || j.NotBefore.Before(earliest) {
					earliest = j.NotBefore
				}
				continue
			}
			if best == nil || j.Priority > best.Priority ||
				(j.Priority == best.Priority && j.EnqueuedAt.Before(best.EnqueuedAt)) {
				best = j
			}
		}
		if best != nil {
			delete(s.pending, best.Key())
			s.inflight[best.Key()] = struct{}{}
			pendingGauge.Update(int64(len(s.pending)))
			inflightGauge.Update(int64(len(s.inflight)))
			s.mu.Unlock()
			return best
		}
		s.mu.Unlock()

		wait := time.Minute
		if !earliest.IsZero() {
			if d := earliest.Sub(now); d < wait {
				wait = d
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// run executes one job attempt and settles the outcome.
func (s *Scheduler) run(id int, job *Job) {
	start := time.Now()
	log.Debug("Gap job started", "worker", id, "job", job.Key(),
		"series", job.CurrentJob, "of", job.TotalJobs, "attempt", job.Attempts+1)

	followUps, err := s.process(context.Background(), *job)
	jobTimer.UpdateSince(start)
	if err == nil {
		s.settleCompleted(job)
		if len(followUps) > 0 {
			if _, qerr := s.EnqueueGaps(job.Address, followUps); qerr != nil {
				log.Error("Failed to schedule follow-up ranges", "job", job.Key(), "err", qerr)
			}
		}
		log.Info("Gap job completed", "worker", id, "job", job.Key(),
			"elapsed", time.Since(start), "followUps", len(followUps))
		return
	}

	job.Attempts++
	permanent := txindex.IsKind(err, txindex.KindInvalidInput) || txindex.IsKind(err, txindex.KindUpstreamInvalid)
	if permanent || job.Attempts >= s.cfg.RetryAttempts {
		s.settleFailed(job, err)
		log.Warn("Gap job failed permanently", "worker", id, "job", job.Key(),
			"attempts", job.Attempts, "err", err)
		return
	}

	backoff := s.cfg.RetryBackoffBase << (job.Attempts - 1)
	job.NotBefore = s.now().Add(backoff)
	s.requeue(job)
	retriesMeter.Mark(1)
	log.Warn("Gap job failed, retrying", "worker", id, "job", job.Key(),
		"attempt", job.Attempts, "backoff", backoff, "err", err)
}

func (s *Scheduler) settleCompleted(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, job.Key())
	inflightGauge.Update(int64(len(s.inflight)))
	if err := s.db.Delete(pendingKey(job.Key())); err != nil {
		log.Warn("Failed to clear completed job record", "job", job.Key(), "err", err)
	}
	s.completedTotal++
	completedMeter.Mark(1)
	s.appendTail(completedPrefix, &s.completedHead, &s.completedNext, s.cfg.CompletedTail,
		TailRecord{Job: *job, FinishedAt: s.now()})
}

func (s *Scheduler) settleFailed(job *Job, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, job.Key())
	inflightGauge.Update(int64(len(s.inflight)))
	if err := s.db.Delete(pendingKey(job.Key())); err != nil {
		log.Warn("Failed to clear failed job record", "job", job.Key(), "err", err)
	}
	s.failedTotal++
	failedMeter.Mark(1)
	s.appendTail(failedPrefix, &s.failedHead, &s.failedNext, s.cfg.FailedTail,
		TailRecord{Job: *job, FinishedAt: s.now(), Error: cause.Error()})
}

func (s *Scheduler) requeue(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, job.Key())
	inflightGauge.Update(int64(len(s.inflight)))
	data, err := json.Marshal(job)
	if err == nil {
		err = s.db.Put(pendingKey(job.Key()), data)
	}
	if err != nil {
		// The in-memory copy still retries; only restart durability is lost.
		log.Warn("Failed to persist retry state", "job", job.Key(), "err", err)
	}
	s.pending[job.Key()] = job
	pendingGauge.Update(int64(len(s.pending)))
	s.signal()
}

// appendTail writes a finished-job record and trims the window to limit.
// Callers hold s.mu.
func (s *Scheduler) appendTail(prefix []byte, head, next *uint64, limit int, rec TailRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.db.Put(tailKey(prefix, *next), data); err != nil {
		log.Warn("Failed to append queue tail record", "err", err)
		return
	}
	*next++
	for *next-*head > uint64(limit) {
		_ = s.db.Delete(tailKey(prefix, *head))
		*head++
	}
}
