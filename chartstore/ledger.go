// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ChangeEntry is one row of the append-only change ledger. Entries are never
// mutated in place, with a single intentional exception: the reference
// rewriter may correct an embedded "Type/id" string when a record identifier
// is reassigned (an identifier correction, not a content edit).
type ChangeEntry struct {
	Seq        int64           `json:"seq"`
	InternalID int64           `json:"internal_id"`
	RecordType string          `json:"record_type"`
	RecordID   string          `json:"record_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	Timestamp  time.Time       `json:"ts"`
}

// Token captures exactly the set of ledger entries included in one outbound
// unit, keyed by internal id. It is an opaque value to callers; discarding
// it removes precisely those entries and nothing newer.
type Token struct {
	Entries map[int64][]int64 `json:"entries"`
}

// IsEmpty reports whether the token covers no ledger entries.
func (t Token) IsEmpty() bool {
	for _, seqs := range t.Entries {
		if len(seqs) > 0 {
			return false
		}
	}
	return true
}

// Merge returns a token covering both t and other.
func (t Token) Merge(other Token) Token {
	merged := Token{Entries: make(map[int64][]int64, len(t.Entries)+len(other.Entries))}
	for id, seqs := range t.Entries {
		merged.Entries[id] = append(merged.Entries[id], seqs...)
	}
	for id, seqs := range other.Entries {
		merged.Entries[id] = append(merged.Entries[id], seqs...)
	}
	return merged
}

// RecordChanges is a consistent snapshot of one record's pending ledger
// entries, taken at sync start. Current is nil when the record's current
// state was deleted locally. Refs lists the reference strings embedded in
// the current payload (from the incremental reverse index).
type RecordChanges struct {
	InternalID int64
	RecordType string
	RecordID   string
	Current    json.RawMessage
	Refs       []string
	Entries    []ChangeEntry
	Token      Token
}

// appendChangeTx appends one ledger entry inside the caller's transaction
// and maintains the change reference index for its payload.
func (s *Store) appendChangeTx(ctx context.Context, tx *sql.Tx, internalID int64, recordType, recordID, kind string, payload, before json.RawMessage) (int64, error) {
	var payloadArg, beforeArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	if before != nil {
		beforeArg = string(before)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chart_changes (internal_id, record_type, record_id, kind, payload, before)
		VALUES (?, ?, ?, ?, ?, ?)
	`, internalID, recordType, recordID, kind, payloadArg, beforeArg)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve ledger sequence: %w", err)
	}

	if payload != nil {
		if err := s.indexChangeRefsTx(ctx, tx, seq, internalID, payload); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// EntriesFor returns the record's pending ledger entries ordered by sequence
// number, oldest first.
func (s *Store) EntriesFor(ctx context.Context, internalID int64) ([]ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, internal_id, record_type, record_id, kind, payload, before, ts
		FROM chart_changes WHERE internal_id = ? ORDER BY seq
	`, internalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PendingCount returns the number of pending ledger entries across all records.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chart_changes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return count, nil
}

// EarliestPendingRecord identifies the record whose oldest pending entry has
// the lowest sequence number, so bounded-batch scheduling can sync the
// oldest-changed record first. ok is false when the ledger is empty.
func (s *Store) EarliestPendingRecord(ctx context.Context) (internalID int64, recordType, recordID string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT internal_id, record_type, record_id FROM chart_changes
		ORDER BY seq LIMIT 1
	`).Scan(&internalID, &recordType, &recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", "", false, nil
	}
	if err != nil {
		return 0, "", "", false, fmt.Errorf("failed to query earliest pending record: %w", err)
	}
	return internalID, recordType, recordID, true, nil
}

// SnapshotPending takes a consistent snapshot of pending entries grouped per
// record, oldest-changed record first, covering at most limit records
// (non-positive limit falls back to the configured snapshot limit). Entries
// appended after the snapshot is taken are not included; they stay in the
// ledger for the next cycle.
func (s *Store) SnapshotPending(ctx context.Context, limit int) ([]RecordChanges, error) {
	if limit <= 0 {
		limit = s.config.SnapshotLimit
	}

	var result []RecordChanges
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT internal_id, MIN(seq) AS first_seq
			FROM chart_changes
			GROUP BY internal_id
			ORDER BY first_seq
			LIMIT ?
		`, limit)
		if err != nil {
			return fmt.Errorf("failed to query pending records: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id, firstSeq int64
			if err := rows.Scan(&id, &firstSeq); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan pending record: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate pending records: %w", err)
		}

		for _, id := range ids {
			rc, err := s.snapshotRecordTx(ctx, tx, id)
			if err != nil {
				return err
			}
			result = append(result, *rc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) snapshotRecordTx(ctx context.Context, tx *sql.Tx, internalID int64) (*RecordChanges, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, internal_id, record_type, record_id, kind, payload, before, ts
		FROM chart_changes WHERE internal_id = ? ORDER BY seq
	`, internalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no pending entries for internal id %d", internalID)
	}

	rc := &RecordChanges{
		InternalID: internalID,
		RecordType: entries[len(entries)-1].RecordType,
		RecordID:   entries[len(entries)-1].RecordID,
		Entries:    entries,
		Token:      Token{Entries: map[int64][]int64{}},
	}
	for _, e := range entries {
		rc.Token.Entries[internalID] = append(rc.Token.Entries[internalID], e.Seq)
	}

	// Current payload, if the record still exists locally.
	var payload string
	err = tx.QueryRowContext(ctx, `
		SELECT payload FROM chart_records WHERE internal_id = ?
	`, internalID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Deleted locally; the snapshot carries no current state.
	case err != nil:
		return nil, fmt.Errorf("failed to query current payload: %w", err)
	default:
		rc.Current = json.RawMessage(payload)
	}

	refRows, err := tx.QueryContext(ctx, `
		SELECT ref FROM chart_record_refs WHERE internal_id = ?
	`, internalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query record refs: %w", err)
	}
	defer refRows.Close()
	for refRows.Next() {
		var ref string
		if err := refRows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan record ref: %w", err)
		}
		rc.Refs = append(rc.Refs, ref)
	}
	if err := refRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record refs: %w", err)
	}
	sort.Strings(rc.Refs)
	return rc, nil
}

// Discard removes exactly the ledger entries the token was issued for,
// together with their reference-index rows. Discarding an already-discarded
// (or unknown) token is a no-op, so retried confirmations are safe.
func (s *Store) Discard(ctx context.Context, token Token) error {
	if token.IsEmpty() {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for internalID, seqs := range token.Entries {
			if len(seqs) == 0 {
				continue
			}
			placeholders := strings.Repeat("?,", len(seqs))
			placeholders = placeholders[:len(placeholders)-1]

			args := make([]any, 0, len(seqs)+1)
			args = append(args, internalID)
			for _, seq := range seqs {
				args = append(args, seq)
			}

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM chart_changes WHERE internal_id = ? AND seq IN (`+placeholders+`)`,
				args...); err != nil {
				return fmt.Errorf("failed to discard ledger entries: %w", err)
			}

			refArgs := make([]any, 0, len(seqs))
			for _, seq := range seqs {
				refArgs = append(refArgs, seq)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM chart_change_refs WHERE seq IN (`+placeholders+`)`,
				refArgs...); err != nil {
				return fmt.Errorf("failed to discard change refs: %w", err)
			}
		}
		return nil
	})
}

func scanEntries(rows *sql.Rows) ([]ChangeEntry, error) {
	var entries []ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		var payload, before sql.NullString
		var ts string
		if err := rows.Scan(&e.Seq, &e.InternalID, &e.RecordType, &e.RecordID, &e.Kind, &payload, &before, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}
