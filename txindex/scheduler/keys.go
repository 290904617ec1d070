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
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gapscan/gapscan/txindex"
)

// Durable queue key schema.
//
//	gq-p-{jobKey}   pending job (JSON)
//	gq-c-{seq}      completed tail record (JSON)
//	gq-f-{seq}      failed tail record (JSON)
var (
	pendingPrefix   = []byte("gq-p-")
	completedPrefix = []byte("gq-c-")
	failedPrefix    = []byte("gq-f-")
)

// JobKey is the deterministic identity of a gap job: duplicate submissions
// of the same (address, range) collapse onto one queue entry.
func JobKey(addr common.Address, from, to uint64) string {
	return fmt.Sprintf("%s-%d-%d", txindex.NormalizeAddress(addr), from, to)
}

func pendingKey(jobKey string) []byte {
	return append(append([]byte{}, pendingPrefix...), jobKey...)
}

func tailKey(prefix []byte, seq uint64) []byte {
	key := append([]byte{}, prefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// parseTailSeq extracts the sequence number from a tail key.
func parseTailSeq(prefix, key []byte) (uint64, bool) {
	if len(key) != len(prefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), true
}
