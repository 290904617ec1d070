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

// Package store is the durable Postgres data access layer for transactions,
// coverage, address info and balance snapshots.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/lib/pq"

	"github.com/gapscan/gapscan/txindex"
)

var (
	insertTimer      = metrics.NewRegisteredTimer("gapscan/store/insert", nil)
	queryTimer       = metrics.NewRegisteredTimer("gapscan/store/query", nil)
	insertedTxMeter  = metrics.NewRegisteredMeter("gapscan/store/txs/inserted", nil)
	coverageRowGauge = metrics.NewRegisteredCounter("gapscan/store/coverage/rows", nil)
	storeErrorMeter  = metrics.NewRegisteredMeter("gapscan/store/errors", nil)
)

// Store wraps the Postgres connection pool. It is constructed once at
// startup and shared by immutable handle.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, txindex.E(txindex.KindStorage, "store.Open", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, txindex.E(txindex.KindStorage, "store.Open", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("Opened durable store")
	return s, nil
}

// NewWithDB wraps an existing pool; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return txindex.E(txindex.KindStorage, "store.ensureSchema", err)
		}
	}
	return nil
}

// classify maps database/sql and pq failures into the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	storeErrorMeter.Mark(1)
	if errors.Is(err, sql.ErrNoRows) {
		return txindex.E(txindex.KindNotFound, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return txindex.E(txindex.KindConflict, op, err)
	}
	return txindex.E(txindex.KindStorage, op, err)
}

// InsertTransactionsWithCoverage persists a batch of transactions and one
// coverage row in a single database transaction; the two commit or fail
// atomically. Duplicate transactions (same address+hash) and duplicate
// coverage rows are silently ignored, which makes gap jobs idempotent.
func (s *Store) InsertTransactionsWithCoverage(ctx context.Context, txs []txindex.Transaction, cov txindex.Coverage) error {
	const op = "store.InsertTransactionsWithCoverage"
	start := time.Now()
	defer insertTimer.UpdateSince(start)

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer dbtx.Rollback()

	stmt, err := dbtx.PrepareContext(ctx, `
		INSERT INTO transactions (
			address, hash, block_number, from_addr, to_addr, value, gas_price,
			gas_used, gas, function_name, receipt_status, contract_address, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (address, hash) DO NOTHING`)
	if err != nil {
		return classify(op, err)
	}
	defer stmt.Close()

	inserted := int64(0)
	for i := range txs {
		tx := &txs[i]
		res, err := stmt.ExecContext(ctx,
			txindex.NormalizeAddress(tx.Address),
			tx.Hash.Hex(),
			int64(tx.BlockNumber),
			txindex.NormalizeAddress(tx.From),
			nullableAddr(tx.To),
			tx.Value,
			tx.GasPrice,
			nullableUint(tx.GasUsed),
			nullableUint(tx.Gas),
			nullableString(tx.FunctionName),
			tx.ReceiptStatus,
			nullableAddr(tx.ContractAddress),
			tx.Timestamp.UTC(),
		)
		if err != nil {
			return classify(op, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if _, err := dbtx.ExecContext(ctx, `
		INSERT INTO coverage (address, from_block, to_block, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address, from_block, to_block) DO NOTHING`,
		txindex.NormalizeAddress(cov.Address),
		int64(cov.FromBlock),
		int64(cov.ToBlock),
		cov.CreatedAt.UTC(),
	); err != nil {
		return classify(op, err)
	}
	if err := dbtx.Commit(); err != nil {
		return classify(op, err)
	}
	insertedTxMeter.Mark(inserted)
	coverageRowGauge.Inc(1)
	log.Debug("Persisted gap batch", "address", txindex.NormalizeAddress(cov.Address),
		"from", cov.FromBlock, "to", cov.ToBlock, "txs", len(txs), "inserted", inserted)
	return nil
}

// CoverageFor returns every coverage row of addr overlapping [from, to].
func (s *Store) CoverageFor(ctx context.Context, addr common.Address, from, to uint64) ([]txindex.BlockRange, error) {
	const op = "store.CoverageFor"
	start := time.Now()
	defer queryTimer.UpdateSince(start)

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_block, to_block FROM coverage
		WHERE address = $1 AND from_block <= $2 AND to_block >= $3`,
		txindex.NormalizeAddress(addr), int64(to), int64(from))
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var ranges []txindex.BlockRange
	for rows.Next() {
		var f, t int64
		if err := rows.Scan(&f, &t); err != nil {
			return nil, classify(op, err)
		}
		ranges = append(ranges, txindex.BlockRange{From: uint64(f), To: uint64(t)})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return ranges, nil
}

// Transactions returns one page of transactions for addr within [from, to],
// ordered by block number.
func (s *Store) Transactions(ctx context.Context, addr common.Address, from, to uint64, page, limit int, order txindex.SortOrder) ([]txindex.Transaction, error) {
	const op = "store.Transactions"
	start := time.Now()
	defer queryTimer.UpdateSince(start)

	dir := "ASC"
	if order == txindex.SortDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT hash, block_number, from_addr, to_addr, value, gas_price,
		       gas_used, gas, function_name, receipt_status, contract_address, timestamp
		FROM transactions
		WHERE address = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number %s
		LIMIT $4 OFFSET $5`, dir)

	rows, err := s.db.QueryContext(ctx, query,
		txindex.NormalizeAddress(addr), int64(from), int64(to), limit, (page-1)*limit)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var txs []txindex.Transaction
	for rows.Next() {
		var (
			tx       txindex.Transaction
			hash     string
			blockNum int64
			fromAddr string
			toAddr   sql.NullString
			gasUsed  sql.NullInt64
			gas      sql.NullInt64
			funcName sql.NullString
			contract sql.NullString
			ts       time.Time
		)
		if err := rows.Scan(&hash, &blockNum, &fromAddr, &toAddr, &tx.Value, &tx.GasPrice,
			&gasUsed, &gas, &funcName, &tx.ReceiptStatus, &contract, &ts); err != nil {
			return nil, classify(op, err)
		}
		tx.Hash = common.HexToHash(hash)
		tx.Address = addr
		tx.BlockNumber = uint64(blockNum)
		tx.From = common.HexToAddress(fromAddr)
		tx.Timestamp = ts.UTC()
		if toAddr.Valid {
			a := common.HexToAddress(toAddr.String)
			tx.To = &a
		}
		if contract.Valid {
			a := common.HexToAddress(contract.String)
			tx.ContractAddress = &a
		}
		if gasUsed.Valid {
			v := uint64(gasUsed.Int64)
			tx.GasUsed = &v
		}
		if gas.Valid {
			v := uint64(gas.Int64)
			tx.Gas = &v
		}
		if funcName.Valid {
			v := funcName.String
			tx.FunctionName = &v
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return txs, nil
}

// CountTransactions returns the number of persisted transactions for addr.
func (s *Store) CountTransactions(ctx context.Context, addr common.Address) (uint64, error) {
	const op = "store.CountTransactions"
	start := time.Now()
	defer queryTimer.UpdateSince(start)

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE address = $1`,
		txindex.NormalizeAddress(addr)).Scan(&count)
	if err != nil {
		return 0, classify(op, err)
	}
	return uint64(count), nil
}

// AddressInfo returns the persisted resolver result for addr, or KindNotFound.
func (s *Store) AddressInfo(ctx context.Context, addr common.Address) (txindex.AddressInfo, error) {
	const op = "store.AddressInfo"

	var (
		info     txindex.AddressInfo
		creation sql.NullInt64
	)
	info.Address = addr
	err := s.db.QueryRowContext(ctx,
		`SELECT is_contract, creation_block, updated_at FROM address_info WHERE address = $1`,
		txindex.NormalizeAddress(addr)).Scan(&info.IsContract, &creation, &info.UpdatedAt)
	if err != nil {
		return txindex.AddressInfo{}, classify(op, err)
	}
	if creation.Valid {
		v := uint64(creation.Int64)
		info.CreationBlock = &v
	}
	info.UpdatedAt = info.UpdatedAt.UTC()
	return info, nil
}

// PutAddressInfo writes the resolver result, replacing any previous row.
func (s *Store) PutAddressInfo(ctx context.Context, info txindex.AddressInfo) error {
	const op = "store.PutAddressInfo"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO address_info (address, is_contract, creation_block, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			is_contract = EXCLUDED.is_contract,
			creation_block = EXCLUDED.creation_block,
			updated_at = EXCLUDED.updated_at`,
		txindex.NormalizeAddress(info.Address),
		info.IsContract,
		nullableUint(info.CreationBlock),
		info.UpdatedAt.UTC())
	return classify(op, err)
}

// Balance returns the last persisted balance snapshot, or KindNotFound.
func (s *Store) Balance(ctx context.Context, addr common.Address) (txindex.Balance, error) {
	const op = "store.Balance"

	bal := txindex.Balance{Address: addr}
	var blockNum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, block_number, updated_at FROM balance WHERE address = $1`,
		txindex.NormalizeAddress(addr)).Scan(&bal.Balance, &blockNum, &bal.UpdatedAt)
	if err != nil {
		return txindex.Balance{}, classify(op, err)
	}
	bal.BlockNumber = uint64(blockNum)
	bal.UpdatedAt = bal.UpdatedAt.UTC()
	return bal, nil
}

// PutBalance overwrites the balance snapshot for the address.
func (s *Store) PutBalance(ctx context.Context, bal txindex.Balance) error {
	const op = "store.PutBalance"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance (address, balance, block_number, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET
			balance = EXCLUDED.balance,
			block_number = EXCLUDED.block_number,
			updated_at = EXCLUDED.updated_at`,
		txindex.NormalizeAddress(bal.Address),
		bal.Balance,
		int64(bal.BlockNumber),
		bal.UpdatedAt.UTC())
	return classify(op, err)
}

func nullableAddr(addr *common.Address) any {
	if addr == nil {
		return nil
	}
	return txindex.NormalizeAddress(*addr)
}

func nullableUint(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
