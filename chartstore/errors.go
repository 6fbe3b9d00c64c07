// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartstore

import "errors"

var (
	// ErrNotFound is returned when a record addressed by (type, id) has no
	// current state in the store.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when inserting a record over a live
	// (type, id) pair.
	ErrDuplicate = errors.New("record already exists")

	// ErrUnregisteredType is returned for record types the store was not
	// configured with.
	ErrUnregisteredType = errors.New("unregistered record type")

	// ErrTransactionAborted wraps storage failures that rolled back a whole
	// logical operation. The store and ledger remain consistent; the caller
	// decides whether to retry the operation.
	ErrTransactionAborted = errors.New("transaction aborted")
)
