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

// Package coverage computes missing sub-ranges over append-only interval
// sets. It is the single source of truth for "what is missing" and performs
// no I/O.
package coverage

import (
	"sort"

	"github.com/gapscan/gapscan/txindex"
)

// FindGaps returns the ordered list of maximal sub-intervals of [lo, hi] not
// contained in the union of ranges. Input ranges may be unsorted, overlapping
// or extend outside [lo, hi]. An empty input yields [[lo, hi]]; full coverage
// yields nil.
func FindGaps(ranges []txindex.BlockRange, lo, hi uint64) []txindex.BlockRange {
	if lo > hi {
		return nil
	}
	sorted := make([]txindex.BlockRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Valid() {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	var gaps []txindex.BlockRange
	cursor := lo
	for _, r := range sorted {
		if r.To < cursor {
			continue
		}
		if r.From > cursor {
			end := hi
			if r.From-1 < end {
				end = r.From - 1
			}
			gaps = append(gaps, txindex.BlockRange{From: cursor, To: end})
		}
		if r.To >= hi {
			return gaps
		}
		cursor = r.To + 1
	}
	if cursor <= hi {
		gaps = append(gaps, txindex.BlockRange{From: cursor, To: hi})
	}
	return gaps
}

// Merge returns the minimal sorted set of disjoint ranges whose union equals
// the union of the input. The input rows are never mutated; merging is a
// logical query-time operation, not a destructive compaction.
func Merge(ranges []txindex.BlockRange) []txindex.BlockRange {
	valid := make([]txindex.BlockRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Valid() {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].From < valid[j].From })

	merged := []txindex.BlockRange{valid[0]}
	for _, r := range valid[1:] {
		last := &merged[len(merged)-1]
		// Touching ranges ([a,b], [b+1,c]) coalesce as well as overlapping ones.
		if r.From <= last.To || (last.To != ^uint64(0) && r.From == last.To+1) {
			if r.To > last.To {
				last.To = r.To
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Covered reports whether [lo, hi] is fully contained in the union of ranges.
func Covered(ranges []txindex.BlockRange, lo, hi uint64) bool {
	return len(FindGaps(ranges, lo, hi)) == 0
}
