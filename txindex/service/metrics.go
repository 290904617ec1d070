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

package service

import "github.com/ethereum/go-ethereum/metrics"

var (
	txQueryTimer      = metrics.NewRegisteredTimer("gapscan/service/txquery", nil)
	balanceTimer      = metrics.NewRegisteredTimer("gapscan/service/balance", nil)
	txQueryCacheHits  = metrics.NewRegisteredMeter("gapscan/service/txquery/cachehits", nil)
	balanceCacheHits  = metrics.NewRegisteredMeter("gapscan/service/balance/cachehits", nil)
	countCacheHits    = metrics.NewRegisteredMeter("gapscan/service/count/cachehits", nil)
	gapsDetectedMeter = metrics.NewRegisteredMeter("gapscan/service/gapsdetected", nil)
	halfRangeRetries  = metrics.NewRegisteredMeter("gapscan/service/halfrangeretries", nil)
	degradedMeter     = metrics.NewRegisteredMeter("gapscan/service/degraded", nil)
)
