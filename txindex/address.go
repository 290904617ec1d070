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

package txindex

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress validates and parses a 20-byte account address. The input must
// be exactly 40 hex digits after a mandatory 0x prefix; any casing is
// accepted. Empty, whitespace-padded or non-hex inputs fail with
// KindInvalidInput.
func ParseAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, Errorf(KindInvalidInput, "txindex.ParseAddress", "empty address")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, Errorf(KindInvalidInput, "txindex.ParseAddress", "address %q missing 0x prefix", s)
	}
	hex := s[2:]
	if len(hex) != 2*common.AddressLength {
		return common.Address{}, Errorf(KindInvalidInput, "txindex.ParseAddress", "address %q has %d hex digits, want %d", s, len(hex), 2*common.AddressLength)
	}
	for _, c := range hex {
		if !isHexDigit(c) {
			return common.Address{}, Errorf(KindInvalidInput, "txindex.ParseAddress", "address %q contains non-hex character %q", s, c)
		}
	}
	return common.HexToAddress(s), nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// NormalizeAddress returns the canonical lowercase hex form used for all
// storage keys and index lookups.
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// ChecksumAddress returns the EIP-55 checksummed form retained for display.
func ChecksumAddress(addr common.Address) string {
	return addr.Hex()
}
