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
	"errors"
	"fmt"
)

// Kind classifies an error into the gapscan taxonomy. Callers dispatch on
// kinds, never on error strings.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindConflict
	KindUpstreamTimeout
	KindUpstreamTransient
	KindUpstreamInvalid
	KindStorage
	KindCache
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindUpstreamTimeout:
		return "upstream timeout"
	case KindUpstreamTransient:
		return "upstream transient"
	case KindUpstreamInvalid:
		return "upstream invalid"
	case KindStorage:
		return "storage"
	case KindCache:
		return "cache"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified error value. Op names the operation that failed,
// e.g. "store.InsertTransactions" or "explorer.TxList".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. A nil err yields an Error
// carrying only the classification.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
