// Copyright 2025 The gapscan Authors
// This file is part of gapscan.
//
// gapscan is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// gapscan is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with gapscan. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/gapscan/gapscan/txindex"
	"github.com/gapscan/gapscan/txindex/scheduler"
	"github.com/gapscan/gapscan/txindex/service"
)

// QueryAPI exposes the index read path and queue introspection over
// JSON-RPC for operators. It is not the product-facing API.
type QueryAPI struct {
	svc   *service.Service
	sched *scheduler.Scheduler
}

// NewQueryAPI creates a new QueryAPI instance.
func NewQueryAPI(svc *service.Service, sched *scheduler.Scheduler) *QueryAPI {
	return &QueryAPI{svc: svc, sched: sched}
}

// TransactionQueryArgs are the arguments of gap_getTransactions.
type TransactionQueryArgs struct {
	Address   string  `json:"address"`
	FromBlock *uint64 `json:"fromBlock"`
	ToBlock   *uint64 `json:"toBlock"`
	Page      int     `json:"page"`
	Limit     int     `json:"limit"`
	Order     string  `json:"order"`
}

// GetTransactions answers a paginated transaction query.
func (api *QueryAPI) GetTransactions(ctx context.Context, args TransactionQueryArgs) (*service.TxResponse, error) {
	addr, err := txindex.ParseAddress(args.Address)
	if err != nil {
		return nil, err
	}
	order, err := txindex.ParseSortOrder(args.Order)
	if err != nil {
		return nil, err
	}
	return api.svc.GetTransactions(ctx, service.TxQuery{
		Address:   addr,
		FromBlock: args.FromBlock,
		ToBlock:   args.ToBlock,
		Page:      args.Page,
		Limit:     args.Limit,
		Order:     order,
	})
}

// GetBalance answers a balance query.
func (api *QueryAPI) GetBalance(ctx context.Context, address string) (*service.BalanceResponse, error) {
	addr, err := txindex.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return api.svc.GetBalance(ctx, addr)
}

// GetStoredCount answers a stored-transaction count query.
func (api *QueryAPI) GetStoredCount(ctx context.Context, address string) (*service.CountResponse, error) {
	addr, err := txindex.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return api.svc.GetStoredCount(ctx, addr)
}

// DaemonStatus is the answer of gap_status.
type DaemonStatus struct {
	Queue         scheduler.Status       `json:"queue"`
	CompletedTail []scheduler.TailRecord `json:"completedTail"`
	FailedTail    []scheduler.TailRecord `json:"failedTail"`
}

// Status reports queue depth and the retained finished-job tails.
func (api *QueryAPI) Status() DaemonStatus {
	return DaemonStatus{
		Queue:         api.sched.Status(),
		CompletedTail: api.sched.CompletedTail(),
		FailedTail:    api.sched.FailedTail(),
	}
}

// QueryServer wraps an RPC server for index queries.
type QueryServer struct {
	server   *rpc.Server
	listener net.Listener
	httpSrv  *http.Server
}

// NewQueryServer creates and starts a query RPC server.
func NewQueryServer(listenAddr string, svc *service.Service, sched *scheduler.Scheduler) (*QueryServer, error) {
	server := rpc.NewServer()
	api := NewQueryAPI(svc, sched)
	if err := server.RegisterName("gap", api); err != nil {
		return nil, fmt.Errorf("failed to register gap query API: %w", err)
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	httpSrv := &http.Server{Handler: server}

	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Query server error", "err", err)
		}
	}()

	log.Info("Query server started", "addr", listener.Addr())

	return &QueryServer{
		server:   server,
		listener: listener,
		httpSrv:  httpSrv,
	}, nil
}

// Close stops the query server.
func (s *QueryServer) Close() error {
	return s.httpSrv.Close()
}
