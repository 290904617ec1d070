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

// Package scheduler runs the background gap-fill system: a durable,
// deduplicating job queue backed by LevelDB and a small worker pool that
// fetches missing block ranges from the explorer and persists them.
package scheduler

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gapscan/gapscan/txindex"
)

const (
	// maxBlocksPerJob caps the span a single job may cover; wider gaps are
	// split into a numbered series.
	maxBlocksPerJob = 5000

	// Priority tiers by gap width. Smaller gaps finish faster and unblock
	// reads sooner, so they run first.
	prioritySmall  = 10 // <= 100 blocks
	priorityMedium = 5  // <= 1000 blocks
	priorityLarge  = 1
)

// Job is one unit of gap-fill work: fetch and persist all transactions of
// Address in [FromBlock, ToBlock].
type Job struct {
	Address    common.Address `json:"address"`
	FromBlock  uint64         `json:"fromBlock"`
	ToBlock    uint64         `json:"toBlock"`
	TotalJobs  int            `json:"totalJobs"`  // size of the series this job belongs to
	CurrentJob int            `json:"currentJob"` // 1-based position in the series
	Priority   int            `json:"priority"`
	Attempts   int            `json:"attempts"`
	NotBefore  time.Time      `json:"notBefore"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

// Key returns the deduplication identity of the job.
func (j *Job) Key() string {
	return JobKey(j.Address, j.FromBlock, j.ToBlock)
}

// Blocks returns the job's block span.
func (j *Job) Blocks() uint64 {
	return j.ToBlock - j.FromBlock + 1
}

func priorityFor(blocks uint64) int {
	switch {
	case blocks <= 100:
		return prioritySmall
	case blocks <= 1000:
		return priorityMedium
	default:
		return priorityLarge
	}
}

// planJobs splits the gaps for addr into jobs of at most maxBlocksPerJob
// blocks. The series size is computed over all gaps before any job is built,
// and start times are staggered by one delay step per position so a large
// backfill does not burst against the upstream rate limit.
func planJobs(addr common.Address, gaps []txindex.BlockRange, now time.Time, stagger time.Duration) []Job {
	total := 0
	for _, g := range gaps {
		if !g.Valid() {
			continue
		}
		total += int((g.Blocks() + maxBlocksPerJob - 1) / maxBlocksPerJob)
	}
	if total == 0 {
		return nil
	}

	jobs := make([]Job, 0, total)
	seq := 0
	for _, g := range gaps {
		if !g.Valid() {
			continue
		}
		for from := g.From; ; {
			to := g.To
			if span := to - from; span >= maxBlocksPerJob {
				to = from + maxBlocksPerJob - 1
			}
			seq++
			jobs = append(jobs, Job{
				Address:    addr,
				FromBlock:  from,
				ToBlock:    to,
				TotalJobs:  total,
				CurrentJob: seq,
				Priority:   priorityFor(to - from + 1),
				NotBefore:  now.Add(time.Duration(seq) * stagger),
				EnqueuedAt: now,
			})
			if to == g.To {
				break
			}
			from = to + 1
		}
	}
	return jobs
}
