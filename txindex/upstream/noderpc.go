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
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	nodeCallTimer   = metrics.NewRegisteredTimer("gapscan/upstream/node/call", nil)
	nodeErrorMeter  = metrics.NewRegisteredMeter("gapscan/upstream/node/errors", nil)
)

// NodeClient is the node RPC adapter: block height, account balance and
// account code reads. Every call runs under the configured deadline.
type NodeClient struct {
	ec      *ethclient.Client
	timeout time.Duration
}

// DialNode connects to the node RPC endpoint.
func DialNode(ctx context.Context, endpoint string, timeout time.Duration) (*NodeClient, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ec, err := ethclient.DialContext(dialCtx, endpoint)
	if err != nil {
		return nil, classifyTransportErr("node.Dial", err)
	}
	log.Info("Connected to node RPC", "endpoint", endpoint)
	return &NodeClient{ec: ec, timeout: timeout}, nil
}

// Close tears down the RPC connection.
func (n *NodeClient) Close() { n.ec.Close() }

// BlockNumber returns the current chain head number.
func (n *NodeClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	start := time.Now()
	defer nodeCallTimer.UpdateSince(start)

	head, err := n.ec.BlockNumber(ctx)
	if err != nil {
		nodeErrorMeter.Mark(1)
		return 0, classifyTransportErr("node.BlockNumber", err)
	}
	return head, nil
}

// Balance returns the wei balance of addr at the latest block.
func (n *NodeClient) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	start := time.Now()
	defer nodeCallTimer.UpdateSince(start)

	bal, err := n.ec.BalanceAt(ctx, addr, nil)
	if err != nil {
		nodeErrorMeter.Mark(1)
		return nil, classifyTransportErr("node.Balance", err)
	}
	return bal, nil
}

// CodeAt returns the code of addr at the given block; a nil block means the
// latest state.
func (n *NodeClient) CodeAt(ctx context.Context, addr common.Address, block *big.Int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	start := time.Now()
	defer nodeCallTimer.UpdateSince(start)

	code, err := n.ec.CodeAt(ctx, addr, block)
	if err != nil {
		nodeErrorMeter.Mark(1)
		return nil, classifyTransportErr("node.CodeAt", err)
	}
	return code, nil
}
