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

import (
	"math/big"
	"strings"

	"github.com/gapscan/gapscan/txindex"
)

// Data sources a response can be served from.
const (
	SourceDatabase = "database"
	SourceExplorer = "explorer"
	SourceProvider = "provider"
	SourceCache    = "cache"
)

// Pagination describes the served page. HasMore is a hint derived from a
// full page; it may be true even when the next page is empty.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

// Metadata describes how a transaction query was answered.
type Metadata struct {
	Address              string `json:"address"`
	FromBlock            uint64 `json:"fromBlock"`
	ToBlock              uint64 `json:"toBlock"`
	Source               string `json:"source"`
	BackgroundProcessing bool   `json:"backgroundProcessing"`
	// Incomplete marks a degraded answer: the upstream was unavailable and
	// the local database could not prove full coverage of the range.
	Incomplete bool `json:"incomplete,omitempty"`
}

// TxResponse is the answer to a paginated transaction query.
type TxResponse struct {
	Transactions []txindex.Transaction `json:"transactions"`
	FromCache    bool                  `json:"fromCache"`
	Pagination   Pagination            `json:"pagination"`
	Metadata     Metadata              `json:"metadata"`
}

// BalanceResponse is the answer to a balance query. Balance is a decimal
// ether string derived from BalanceWei for display only.
type BalanceResponse struct {
	Address     string `json:"address"`
	Balance     string `json:"balance"`
	BalanceWei  string `json:"balanceWei"`
	BlockNumber uint64 `json:"blockNumber"`
	LastUpdated string `json:"lastUpdated"` // RFC 3339 UTC
	FromCache   bool   `json:"fromCache"`
	CacheAge    int64  `json:"cacheAge"` // seconds, 0 unless FromCache
	Source      string `json:"source"`
}

// CountResponse is the answer to a stored-transaction count query.
type CountResponse struct {
	Address   string `json:"address"`
	Count     uint64 `json:"count"`
	FromCache bool   `json:"fromCache"`
	Source    string `json:"source"`
}

var weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// weiToEth renders a decimal wei string as an ether string with trailing
// zeros trimmed. Unparseable input renders as "0".
func weiToEth(wei string) string {
	n, ok := new(big.Int).SetString(wei, 10)
	if !ok {
		return "0"
	}
	s := new(big.Rat).SetFrac(n, weiPerEth).FloatString(18)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
