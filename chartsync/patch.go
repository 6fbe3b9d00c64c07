// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

// Package chartsync turns the chartstore change ledger into a minimal,
// dependency-ordered set of transport-level requests: it squashes each
// record's pending entries into one patch, groups patches by reference
// cycles, and maps every patch to a wire request.
package chartsync

import (
	"encoding/json"
	"fmt"

	"github.com/chartstack/chartsync/chartstore"
)

// Patch is one network-ready unit derived from a record's full pending
// change history. An INSERT patch carries the full current payload, an
// UPDATE patch a differential payload (plus the full payload for
// full-replace verbs), a DELETE patch only the identifier. Token maps the
// patch back to the exact ledger entries it summarizes.
type Patch struct {
	InternalID int64
	RecordType string
	RecordID   string
	Kind       string

	// Payload is the patch body: full payload for INSERT, merge diff for
	// UPDATE, nil for DELETE.
	Payload json.RawMessage

	// Current is the full current payload (INSERT and UPDATE only), kept so
	// full-replace update verbs can be generated from the same patch.
	Current json.RawMessage

	// References lists the "Type/id" strings embedded in the current
	// payload; edges of the dependency graph are computed from them.
	References []string

	Token chartstore.Token
}

// Ref returns the patch's own "Type/id" reference string.
func (p *Patch) Ref() string {
	return chartstore.RefKey(p.RecordType, p.RecordID)
}

// GenerateResult is the outcome of squashing one snapshot: the patches to
// upload plus the tokens of change histories that collapsed to nothing and
// must be discarded locally without any network request.
type GenerateResult struct {
	Patches      []Patch
	LocalDiscard []chartstore.Token
}

// GeneratePatches squashes each record's pending entries into at most one
// patch. Squash rules:
//
//   - earliest entry INSERT, no DELETE: INSERT with the record's current
//     payload (later updates are folded in, stale intermediate states are
//     never uploaded)
//   - earliest entry INSERT and a DELETE also pending: no patch at all; the
//     record never existed from the server's point of view
//   - latest entry DELETE otherwise: DELETE
//   - otherwise UPDATE, diffing the oldest entry's before-snapshot against
//     the current payload; an empty diff collapses to no patch
func GeneratePatches(codec Codec, records []chartstore.RecordChanges) (*GenerateResult, error) {
	result := &GenerateResult{}

	for _, rc := range records {
		if len(rc.Entries) == 0 {
			continue
		}
		earliest := rc.Entries[0]
		latest := rc.Entries[len(rc.Entries)-1]
		deleted := latest.Kind == chartstore.OpDelete

		switch {
		case earliest.Kind == chartstore.OpInsert && deleted:
			result.LocalDiscard = append(result.LocalDiscard, rc.Token)

		case earliest.Kind == chartstore.OpInsert:
			if rc.Current == nil {
				return nil, fmt.Errorf("missing current payload for pending insert %s", chartstore.RefKey(rc.RecordType, rc.RecordID))
			}
			result.Patches = append(result.Patches, Patch{
				InternalID: rc.InternalID,
				RecordType: rc.RecordType,
				RecordID:   rc.RecordID,
				Kind:       chartstore.OpInsert,
				Payload:    rc.Current,
				Current:    rc.Current,
				References: rc.Refs,
				Token:      rc.Token,
			})

		case deleted:
			result.Patches = append(result.Patches, Patch{
				InternalID: rc.InternalID,
				RecordType: rc.RecordType,
				RecordID:   rc.RecordID,
				Kind:       chartstore.OpDelete,
				Token:      rc.Token,
			})

		default:
			if rc.Current == nil {
				return nil, fmt.Errorf("missing current payload for pending update %s", chartstore.RefKey(rc.RecordType, rc.RecordID))
			}
			base := earliest.Before
			if base == nil {
				return nil, fmt.Errorf("missing before snapshot for pending update %s", chartstore.RefKey(rc.RecordType, rc.RecordID))
			}
			diff, err := codec.Diff(base, rc.Current)
			if err != nil {
				return nil, fmt.Errorf("failed to diff %s: %w", chartstore.RefKey(rc.RecordType, rc.RecordID), err)
			}
			if diff == nil {
				// The edits cancelled out; nothing to tell the server.
				result.LocalDiscard = append(result.LocalDiscard, rc.Token)
				continue
			}
			result.Patches = append(result.Patches, Patch{
				InternalID: rc.InternalID,
				RecordType: rc.RecordType,
				RecordID:   rc.RecordID,
				Kind:       chartstore.OpUpdate,
				Payload:    diff,
				Current:    rc.Current,
				References: rc.Refs,
				Token:      rc.Token,
			})
		}
	}

	return result, nil
}
