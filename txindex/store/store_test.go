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

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/gapscan/gapscan/txindex"
)

func TestClassify(t *testing.T) {
	require.NoError(t, classify("op", nil))

	err := classify("op", sql.ErrNoRows)
	require.True(t, txindex.IsKind(err, txindex.KindNotFound), "ErrNoRows: %v", err)

	dup := &pq.Error{Code: "23505", Message: "duplicate key value"}
	err = classify("op", fmt.Errorf("insert: %w", dup))
	require.True(t, txindex.IsKind(err, txindex.KindConflict), "unique violation: %v", err)

	err = classify("op", errors.New("connection reset by peer"))
	require.True(t, txindex.IsKind(err, txindex.KindStorage), "generic: %v", err)

	// The wrapped cause stays reachable.
	var pqErr *pq.Error
	require.True(t, errors.As(classify("op", dup), &pqErr))
}

func TestNullableHelpers(t *testing.T) {
	require.Nil(t, nullableAddr(nil))
	require.Nil(t, nullableUint(nil))
	require.Nil(t, nullableString(nil))

	addr := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	require.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", nullableAddr(&addr))

	v := uint64(42)
	require.Equal(t, int64(42), nullableUint(&v))

	s := "transfer(address,uint256)"
	require.Equal(t, s, nullableString(&s))
}
