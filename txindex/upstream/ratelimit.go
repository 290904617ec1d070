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

package upstream

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter is the process-wide explorer rate limiter: at most R tokens per
// second and at most C calls in flight. Both gates queue waiters in FIFO
// order. It is shared between the serving path and the gap workers.
type Limiter struct {
	tokens *rate.Limiter
	slots  *semaphore.Weighted
}

// NewLimiter builds a limiter admitting tokensPerSec calls per second with at
// most maxConcurrent in flight.
func NewLimiter(tokensPerSec float64, maxConcurrent int64) *Limiter {
	if tokensPerSec <= 0 {
		tokensPerSec = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		tokens: rate.NewLimiter(rate.Limit(tokensPerSec), 1),
		slots:  semaphore.NewWeighted(maxConcurrent),
	}
}

// Acquire blocks until a concurrency slot and a rate token are available, or
// the context is done. A successful acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.tokens.Wait(ctx); err != nil {
		l.slots.Release(1)
		return err
	}
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (l *Limiter) Release() {
	l.slots.Release(1)
}
