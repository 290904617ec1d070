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
	"errors"
	"net"
	"strings"

	"github.com/gapscan/gapscan/txindex"
)

// classifyTransportErr maps transport-level failures into the taxonomy.
// Deadlines become UpstreamTimeout, everything else UpstreamTransient. This
// is the only place where raw I/O errors are interpreted; downstream code
// dispatches on kinds.
func classifyTransportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return txindex.E(txindex.KindUpstreamTimeout, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return txindex.E(txindex.KindUpstreamTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return txindex.E(txindex.KindUpstreamTransient, op, err)
	}
	return txindex.E(txindex.KindUpstreamTransient, op, err)
}

// classifyExplorerMessage maps an explorer "NOTOK" response body into the
// taxonomy. The explorer reports an over-large range as a query timeout; that
// condition must stay distinguishable so callers can halve or chunk the range.
func classifyExplorerMessage(op, message, detail string) error {
	lowered := strings.ToLower(message + " " + detail)
	switch {
	case strings.Contains(lowered, "timeout") || strings.Contains(lowered, "time out"):
		return txindex.Errorf(txindex.KindUpstreamTimeout, op, "explorer query timeout: %s %s", message, detail)
	case strings.Contains(lowered, "rate limit"):
		return txindex.Errorf(txindex.KindUpstreamTransient, op, "explorer rate limited: %s %s", message, detail)
	default:
		return txindex.Errorf(txindex.KindUpstreamInvalid, op, "explorer error: %s %s", message, detail)
	}
}
