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

package store

// The durable schema. Addresses are stored in normalized lowercase form;
// transaction rows are immutable and unique on (address, hash); coverage rows
// are append-only and unique on (address, from_block, to_block).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		address          TEXT        NOT NULL,
		hash             TEXT        NOT NULL,
		block_number     BIGINT      NOT NULL,
		from_addr        TEXT        NOT NULL,
		to_addr          TEXT,
		value            TEXT        NOT NULL,
		gas_price        TEXT        NOT NULL,
		gas_used         BIGINT,
		gas              BIGINT,
		function_name    TEXT,
		receipt_status   TEXT        NOT NULL,
		contract_address TEXT,
		timestamp        TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (address, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_address_block
		ON transactions (address, block_number)`,

	`CREATE TABLE IF NOT EXISTS coverage (
		address    TEXT        NOT NULL,
		from_block BIGINT      NOT NULL,
		to_block   BIGINT      NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (address, from_block, to_block)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_coverage_address_to
		ON coverage (address, to_block)`,
	`CREATE INDEX IF NOT EXISTS idx_coverage_address_from
		ON coverage (address, from_block)`,

	`CREATE TABLE IF NOT EXISTS address_info (
		address        TEXT        PRIMARY KEY,
		is_contract    BOOLEAN     NOT NULL,
		creation_block BIGINT,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS balance (
		address      TEXT        PRIMARY KEY,
		balance      TEXT        NOT NULL,
		block_number BIGINT      NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
}
