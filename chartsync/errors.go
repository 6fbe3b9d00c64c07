// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import "errors"

var (
	// ErrCyclicDependency is returned when a sync batch contains a true
	// reference cycle but the configured transport only supports
	// one-resource-per-request semantics. No request is emitted for any
	// patch in the batch.
	ErrCyclicDependency = errors.New("cyclic dependency unsupported by transport")

	// ErrInvalidConfiguration is returned for unsupported verb combinations
	// before any patch is generated.
	ErrInvalidConfiguration = errors.New("invalid request configuration")
)
