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

package kvcache

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gapscan/gapscan/txindex"
)

// Cache key schema. All keys embed the normalized (lowercase) address form.
//
//	blockchain:balance:{addr}                                    balance snapshot
//	blockchain:txcount:{addr}                                    stored tx count
//	blockchain:address_info:{addr}                               resolver result
//	blockchain:tx:paginated:{addr}:{from}:{to}:{page}:{limit}:{order}  query response
func balanceKey(addr common.Address) []byte {
	return []byte("blockchain:balance:" + txindex.NormalizeAddress(addr))
}

func txCountKey(addr common.Address) []byte {
	return []byte("blockchain:txcount:" + txindex.NormalizeAddress(addr))
}

func addressInfoKey(addr common.Address) []byte {
	return []byte("blockchain:address_info:" + txindex.NormalizeAddress(addr))
}

func txQueryKey(addr common.Address, from, to uint64, page, limit int, order txindex.SortOrder) []byte {
	return []byte(fmt.Sprintf("blockchain:tx:paginated:%s:%d:%d:%d:%d:%s",
		txindex.NormalizeAddress(addr), from, to, page, limit, order))
}
