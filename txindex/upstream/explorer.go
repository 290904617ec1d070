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

// Package upstream holds the adapters for the two chain data providers: the
// account explorer (paginated txlist) and the node RPC (height, balance,
// code). Records are parsed strictly at this boundary; downstream code never
// consumes unparsed shapes.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/gapscan/gapscan/txindex"
)

var (
	explorerCallTimer    = metrics.NewRegisteredTimer("gapscan/upstream/explorer/call", nil)
	explorerErrorMeter   = metrics.NewRegisteredMeter("gapscan/upstream/explorer/errors", nil)
	explorerTimeoutMeter = metrics.NewRegisteredMeter("gapscan/upstream/explorer/timeouts", nil)
	explorerTxMeter      = metrics.NewRegisteredMeter("gapscan/upstream/explorer/txs", nil)
)

// ExplorerConfig configures the explorer adapter.
type ExplorerConfig struct {
	BaseURL string        // e.g. https://api.etherscan.io/api
	APIKey  string        // optional
	Timeout time.Duration // per-call deadline
}

// Explorer fetches external transactions by address from an etherscan-style
// HTTP API. All calls funnel through the shared process-wide limiter.
type Explorer struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *Limiter
	timeout time.Duration
}

// NewExplorer builds the explorer adapter around a shared limiter.
func NewExplorer(cfg ExplorerConfig, limiter *Limiter) *Explorer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Explorer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
		limiter: limiter,
		timeout: timeout,
	}
}

// explorerEnvelope is the outer response shape of the explorer API.
type explorerEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// explorerTx is the fixed record type for one txlist row. The explorer
// returns every field as a decimal or hex string.
type explorerTx struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Gas             string `json:"gas"`
	GasPrice        string `json:"gasPrice"`
	GasUsed         string `json:"gasUsed"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
	Input           string `json:"input"`
	ContractAddress string `json:"contractAddress"`
	FunctionName    string `json:"functionName"`
}

// TxList fetches up to offset transactions for addr within [startBlock,
// endBlock], ordered by block then position. An over-large range surfaces as
// a KindUpstreamTimeout error so callers can halve or chunk it.
func (e *Explorer) TxList(ctx context.Context, addr common.Address, startBlock, endBlock uint64, page, offset int, sort txindex.SortOrder) ([]txindex.Transaction, error) {
	const op = "explorer.TxList"

	if err := e.limiter.Acquire(ctx); err != nil {
		return nil, classifyTransportErr(op, err)
	}
	defer e.limiter.Release()

	start := time.Now()
	defer explorerCallTimer.UpdateSince(start)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "txlist")
	params.Set("address", txindex.NormalizeAddress(addr))
	params.Set("startblock", strconv.FormatUint(startBlock, 10))
	params.Set("endblock", strconv.FormatUint(endBlock, 10))
	params.Set("page", strconv.Itoa(page))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("sort", string(sort))
	if e.apiKey != "" {
		params.Set("apikey", e.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, txindex.E(txindex.KindInternal, op, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		explorerErrorMeter.Mark(1)
		cerr := classifyTransportErr(op, err)
		if txindex.IsKind(cerr, txindex.KindUpstreamTimeout) {
			explorerTimeoutMeter.Mark(1)
		}
		return nil, cerr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		explorerErrorMeter.Mark(1)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, txindex.Errorf(txindex.KindUpstreamTransient, op, "explorer HTTP %d", resp.StatusCode)
		}
		return nil, txindex.Errorf(txindex.KindUpstreamInvalid, op, "explorer HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		explorerErrorMeter.Mark(1)
		return nil, classifyTransportErr(op, err)
	}
	var env explorerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		explorerErrorMeter.Mark(1)
		return nil, txindex.E(txindex.KindUpstreamInvalid, op, err)
	}
	if env.Status != "1" {
		// "No transactions found" is a successful empty result, not an error.
		if strings.Contains(strings.ToLower(env.Message), "no transactions found") {
			return nil, nil
		}
		var detail string
		_ = json.Unmarshal(env.Result, &detail)
		explorerErrorMeter.Mark(1)
		cerr := classifyExplorerMessage(op, env.Message, detail)
		if txindex.IsKind(cerr, txindex.KindUpstreamTimeout) {
			explorerTimeoutMeter.Mark(1)
		}
		return nil, cerr
	}

	var rows []explorerTx
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		explorerErrorMeter.Mark(1)
		return nil, txindex.E(txindex.KindUpstreamInvalid, op, err)
	}
	txs := make([]txindex.Transaction, 0, len(rows))
	for i := range rows {
		tx, err := rows[i].toTransaction(addr)
		if err != nil {
			explorerErrorMeter.Mark(1)
			return nil, err
		}
		txs = append(txs, tx)
	}
	explorerTxMeter.Mark(int64(len(txs)))
	log.Debug("Explorer txlist fetched", "address", txindex.NormalizeAddress(addr),
		"start", startBlock, "end", endBlock, "page", page, "offset", offset, "returned", len(txs))
	return txs, nil
}

// toTransaction parses one explorer row into the domain type. Parsing is
// strict: a malformed field fails the whole call with KindUpstreamInvalid.
func (r *explorerTx) toTransaction(owner common.Address) (txindex.Transaction, error) {
	const op = "explorer.parseRow"

	blockNumber, err := strconv.ParseUint(r.BlockNumber, 10, 64)
	if err != nil {
		return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad blockNumber %q: %v", r.BlockNumber, err)
	}
	// The explorer's timeStamp is authoritative UTC seconds.
	tsec, err := strconv.ParseInt(r.TimeStamp, 10, 64)
	if err != nil {
		return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad timeStamp %q: %v", r.TimeStamp, err)
	}
	hash, err := parseHash(r.Hash)
	if err != nil {
		return txindex.Transaction{}, err
	}
	from, err := txindex.ParseAddress(r.From)
	if err != nil {
		return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad from address %q", r.From)
	}
	tx := txindex.Transaction{
		Hash:        hash,
		Address:     owner,
		BlockNumber: blockNumber,
		From:        from,
		Value:       r.Value,
		GasPrice:    r.GasPrice,
		Timestamp:   time.Unix(tsec, 0).UTC(),
	}
	if _, ok := new(big.Int).SetString(r.Value, 10); !ok {
		return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad value %q", r.Value)
	}
	if r.GasPrice != "" {
		if _, ok := new(big.Int).SetString(r.GasPrice, 10); !ok {
			return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad gasPrice %q", r.GasPrice)
		}
	}
	if r.To != "" {
		to, err := txindex.ParseAddress(r.To)
		if err != nil {
			return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad to address %q", r.To)
		}
		tx.To = &to
	}
	if r.ContractAddress != "" {
		ca, err := txindex.ParseAddress(r.ContractAddress)
		if err != nil {
			return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad contractAddress %q", r.ContractAddress)
		}
		tx.ContractAddress = &ca
	}
	if r.Gas != "" {
		gas, err := strconv.ParseUint(r.Gas, 10, 64)
		if err != nil {
			return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad gas %q", r.Gas)
		}
		tx.Gas = &gas
	}
	if r.GasUsed != "" {
		gasUsed, err := strconv.ParseUint(r.GasUsed, 10, 64)
		if err != nil {
			return txindex.Transaction{}, txindex.Errorf(txindex.KindUpstreamInvalid, op, "bad gasUsed %q", r.GasUsed)
		}
		tx.GasUsed = &gasUsed
	}
	tx.ReceiptStatus = receiptStatus(r.TxReceiptStatus, r.IsError)
	if name := functionName(r.FunctionName, r.Input); name != "" {
		tx.FunctionName = &name
	}
	return tx, nil
}

func parseHash(s string) (common.Hash, error) {
	if !strings.HasPrefix(s, "0x") || len(s) != 2+2*common.HashLength {
		return common.Hash{}, txindex.Errorf(txindex.KindUpstreamInvalid, "explorer.parseRow", "bad hash %q", s)
	}
	for _, c := range s[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return common.Hash{}, txindex.Errorf(txindex.KindUpstreamInvalid, "explorer.parseRow", "bad hash %q", s)
		}
	}
	return common.HexToHash(s), nil
}

// receiptStatus derives the stored "1"/"0" status. The explicit receipt
// status wins when present; otherwise a missing or zero isError means
// success. Both upstream signals are preserved in the decision.
func receiptStatus(txReceiptStatus, isError string) string {
	if txReceiptStatus == "1" || txReceiptStatus == "0" {
		return txReceiptStatus
	}
	if isError == "" || isError == "0" {
		return "1"
	}
	return "0"
}

// functionName prefers the explorer's explicit name and otherwise takes the
// 4-byte selector from the input data.
func functionName(explicit, input string) string {
	if explicit != "" {
		return explicit
	}
	if input == "" || input == "0x" || len(input) < 10 {
		return ""
	}
	return input[:10]
}

// String implements fmt.Stringer for log output.
func (e *Explorer) String() string {
	return fmt.Sprintf("explorer(%s)", e.baseURL)
}
