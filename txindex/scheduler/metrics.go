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

import "github.com/ethereum/go-ethereum/metrics"

var (
	pendingGauge   = metrics.NewRegisteredGauge("gapscan/scheduler/pending", nil)
	inflightGauge  = metrics.NewRegisteredGauge("gapscan/scheduler/inflight", nil)
	enqueuedMeter  = metrics.NewRegisteredMeter("gapscan/scheduler/enqueued", nil)
	completedMeter = metrics.NewRegisteredMeter("gapscan/scheduler/completed", nil)
	failedMeter    = metrics.NewRegisteredMeter("gapscan/scheduler/failed", nil)
	retriesMeter   = metrics.NewRegisteredMeter("gapscan/scheduler/retries", nil)
	jobTimer       = metrics.NewRegisteredTimer("gapscan/scheduler/job", nil)

	batchRowsMeter  = metrics.NewRegisteredMeter("gapscan/scheduler/fetch/rows", nil)
	batchCallsMeter = metrics.NewRegisteredMeter("gapscan/scheduler/fetch/calls", nil)
	chunkSplitMeter = metrics.NewRegisteredMeter("gapscan/scheduler/fetch/timeoutsplits", nil)
)
