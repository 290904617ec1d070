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

// Package txindex defines the domain model of the gapscan transaction index:
// account addresses, block ranges, owned transactions, coverage records and
// the error taxonomy shared by every layer.
package txindex

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlockRange is an inclusive block interval [From, To].
type BlockRange struct {
	From uint64 `json:"fromBlock"`
	To   uint64 `json:"toBlock"`
}

// Valid reports whether the range is well formed.
func (r BlockRange) Valid() bool { return r.From <= r.To }

// Blocks returns the number of blocks spanned by the range.
func (r BlockRange) Blocks() uint64 { return r.To - r.From + 1 }

// Contains reports whether block n lies inside the range.
func (r BlockRange) Contains(n uint64) bool { return n >= r.From && n <= r.To }

// ValidateBlockRange checks an optional user-supplied [from, to] pair.
// Either bound may be nil; when both are present from must not exceed to.
func ValidateBlockRange(from, to *uint64) error {
	if from != nil && to != nil && *from > *to {
		return Errorf(KindInvalidInput, "txindex.ValidateBlockRange", "fromBlock %d exceeds toBlock %d", *from, *to)
	}
	return nil
}

// Transaction is one external transaction owned by an indexed address.
// Rows are immutable once written; uniqueness is (Address, Hash).
type Transaction struct {
	Hash            common.Hash     `json:"hash"`
	Address         common.Address  `json:"-"` // owner index, not part of the wire form
	BlockNumber     uint64          `json:"blockNumber"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to"`
	Value           string          `json:"value"`    // u256 decimal string
	GasPrice        string          `json:"gasPrice"` // u256 decimal string
	GasUsed         *uint64         `json:"gasUsed"`
	Gas             *uint64         `json:"gas"`
	FunctionName    *string         `json:"functionName"`
	ReceiptStatus   string          `json:"receiptStatus"` // "1" success, "0" failure
	ContractAddress *common.Address `json:"contractAddress"`
	Timestamp       time.Time       `json:"timestamp"` // UTC
}

// Coverage records that every transaction for Address with a block number in
// [FromBlock, ToBlock] has been durably persisted. Rows are append-only and
// may overlap; semantics are defined on their union.
type Coverage struct {
	Address   common.Address
	FromBlock uint64
	ToBlock   uint64
	CreatedAt time.Time
}

// AddressInfo classifies an address as contract or externally-owned account.
// CreationBlock is set iff IsContract.
type AddressInfo struct {
	Address       common.Address `json:"address"`
	IsContract    bool           `json:"isContract"`
	CreationBlock *uint64        `json:"creationBlock,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Balance is a point-in-time balance snapshot. It is overwritten by each
// refresh and never used for arithmetic.
type Balance struct {
	Address     common.Address
	Balance     string // u256 decimal wei string
	BlockNumber uint64
	UpdatedAt   time.Time
}

// SortOrder is the block-number ordering of a transaction query.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ParseSortOrder validates a sort order string, defaulting empty to asc.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(s) {
	case "":
		return SortAsc, nil
	case SortAsc, SortDesc:
		return SortOrder(s), nil
	default:
		return "", Errorf(KindInvalidInput, "txindex.ParseSortOrder", "order %q not in {asc, desc}", s)
	}
}
