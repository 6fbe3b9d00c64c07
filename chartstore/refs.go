// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// walkStrings visits every string value in doc, reporting its gjson path.
func walkStrings(doc gjson.Result, prefix string, fn func(path string, value string)) {
	if doc.Type == gjson.String {
		fn(prefix, doc.String())
		return
	}
	if !doc.IsObject() && !doc.IsArray() {
		return
	}
	idx := 0
	doc.ForEach(func(key, value gjson.Result) bool {
		var path string
		if doc.IsArray() {
			path = fmt.Sprintf("%d", idx)
			idx++
		} else {
			path = escapePathKey(key.String())
		}
		if prefix != "" {
			path = prefix + "." + path
		}
		walkStrings(value, path, fn)
		return true
	})
}

// escapePathKey escapes gjson/sjson path metacharacters in an object key.
func escapePathKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// collectRefs returns the distinct reference strings embedded in payload
// whose type prefix is registered with the store.
func (s *Store) collectRefs(payload json.RawMessage) []string {
	seen := map[string]struct{}{}
	var refs []string
	walkStrings(gjson.ParseBytes(payload), "", func(_ string, value string) {
		recordType, _, ok := SplitRefKey(value)
		if !ok || !s.registered(recordType) {
			return
		}
		if _, dup := seen[value]; dup {
			return
		}
		seen[value] = struct{}{}
		refs = append(refs, value)
	})
	return refs
}

// refPaths returns the gjson paths of every string value in payload equal to
// target.
func refPaths(payload json.RawMessage, target string) []string {
	var paths []string
	walkStrings(gjson.ParseBytes(payload), "", func(path string, value string) {
		if value == target {
			paths = append(paths, path)
		}
	})
	return paths
}

// RewriteRefs replaces every occurrence of the oldRef reference string with
// newRef in payload. The returned count is the number of values rewritten.
func RewriteRefs(payload json.RawMessage, oldRef, newRef string) (json.RawMessage, int, error) {
	paths := refPaths(payload, oldRef)
	out := []byte(payload)
	for _, path := range paths {
		var err error
		out, err = sjson.SetBytes(out, path, newRef)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to rewrite reference at %s: %w", path, err)
		}
	}
	return out, len(paths), nil
}

func (s *Store) indexRecordRefsTx(ctx context.Context, tx *sql.Tx, internalID int64, payload json.RawMessage) error {
	for _, ref := range s.collectRefs(payload) {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO chart_record_refs (ref, internal_id) VALUES (?, ?)
		`, ref, internalID); err != nil {
			return fmt.Errorf("failed to index record ref: %w", err)
		}
	}
	return nil
}

func (s *Store) reindexRecordRefsTx(ctx context.Context, tx *sql.Tx, internalID int64, payload json.RawMessage) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chart_record_refs WHERE internal_id = ?`, internalID); err != nil {
		return fmt.Errorf("failed to clear record refs: %w", err)
	}
	return s.indexRecordRefsTx(ctx, tx, internalID, payload)
}

func (s *Store) indexChangeRefsTx(ctx context.Context, tx *sql.Tx, seq, internalID int64, payload json.RawMessage) error {
	for _, ref := range s.collectRefs(payload) {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO chart_change_refs (ref, seq, internal_id) VALUES (?, ?, ?)
		`, ref, seq, internalID); err != nil {
			return fmt.Errorf("failed to index change ref: %w", err)
		}
	}
	return nil
}

// ReassignID replaces a record's identifier with a server-assigned one and
// propagates the change everywhere the old "Type/oldID" reference string is
// embedded: in pending ledger entries (found via the chart_change_refs
// reverse index) and in current record payloads (via chart_record_refs).
// The whole rewrite runs in one transaction; any failure leaves the prior
// identifier and every reference intact.
func (s *Store) ReassignID(ctx context.Context, recordType, oldID, newID string) error {
	if !s.registered(recordType) {
		return fmt.Errorf("%w: %s", ErrUnregisteredType, recordType)
	}
	if newID == "" || newID == oldID {
		return fmt.Errorf("invalid reassignment for %s: %q -> %q", recordType, oldID, newID)
	}

	oldRef := RefKey(recordType, oldID)
	newRef := RefKey(recordType, newID)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, recordType, oldID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chart_records
			SET record_id = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE internal_id = ?
		`, newID, rec.InternalID); err != nil {
			return fmt.Errorf("failed to reassign record id %s: %w", oldRef, err)
		}

		// Entries appended after the upload snapshot still address the
		// record; keep their identifiers current too.
		if _, err := tx.ExecContext(ctx, `
			UPDATE chart_changes SET record_id = ? WHERE internal_id = ?
		`, newID, rec.InternalID); err != nil {
			return fmt.Errorf("failed to reassign ledger entries for %s: %w", oldRef, err)
		}

		if err := s.rewriteChangeRefsTx(ctx, tx, oldRef, newRef); err != nil {
			return err
		}
		return s.rewriteRecordRefsTx(ctx, tx, oldRef, newRef)
	})
}

func (s *Store) rewriteChangeRefsTx(ctx context.Context, tx *sql.Tx, oldRef, newRef string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, internal_id FROM chart_change_refs WHERE ref = ?
	`, oldRef)
	if err != nil {
		return fmt.Errorf("failed to query change refs: %w", err)
	}
	type refRow struct{ seq, internalID int64 }
	var referrers []refRow
	for rows.Next() {
		var r refRow
		if err := rows.Scan(&r.seq, &r.internalID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan change ref: %w", err)
		}
		referrers = append(referrers, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate change refs: %w", err)
	}

	for _, r := range referrers {
		var payload sql.NullString
		var before sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT payload, before FROM chart_changes WHERE seq = ?
		`, r.seq).Scan(&payload, &before); err != nil {
			return fmt.Errorf("failed to load ledger entry %d: %w", r.seq, err)
		}

		if payload.Valid {
			rewritten, n, err := RewriteRefs(json.RawMessage(payload.String), oldRef, newRef)
			if err != nil {
				return err
			}
			if n > 0 {
				if _, err := tx.ExecContext(ctx, `
					UPDATE chart_changes SET payload = ? WHERE seq = ?
				`, string(rewritten), r.seq); err != nil {
					return fmt.Errorf("failed to rewrite ledger payload %d: %w", r.seq, err)
				}
			}
		}
		if before.Valid {
			rewritten, n, err := RewriteRefs(json.RawMessage(before.String), oldRef, newRef)
			if err != nil {
				return err
			}
			if n > 0 {
				if _, err := tx.ExecContext(ctx, `
					UPDATE chart_changes SET before = ? WHERE seq = ?
				`, string(rewritten), r.seq); err != nil {
					return fmt.Errorf("failed to rewrite ledger snapshot %d: %w", r.seq, err)
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chart_change_refs WHERE ref = ?`, oldRef); err != nil {
		return fmt.Errorf("failed to drop stale change refs: %w", err)
	}
	for _, r := range referrers {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO chart_change_refs (ref, seq, internal_id) VALUES (?, ?, ?)
		`, newRef, r.seq, r.internalID); err != nil {
			return fmt.Errorf("failed to reindex change ref: %w", err)
		}
	}
	return nil
}

func (s *Store) rewriteRecordRefsTx(ctx context.Context, tx *sql.Tx, oldRef, newRef string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT internal_id FROM chart_record_refs WHERE ref = ?
	`, oldRef)
	if err != nil {
		return fmt.Errorf("failed to query record refs: %w", err)
	}
	var referrers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan record ref: %w", err)
		}
		referrers = append(referrers, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate record refs: %w", err)
	}

	for _, internalID := range referrers {
		var payload string
		if err := tx.QueryRowContext(ctx, `
			SELECT payload FROM chart_records WHERE internal_id = ?
		`, internalID).Scan(&payload); err != nil {
			return fmt.Errorf("failed to load record %d: %w", internalID, err)
		}

		rewritten, n, err := RewriteRefs(json.RawMessage(payload), oldRef, newRef)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chart_records
			SET payload = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE internal_id = ?
		`, string(rewritten), internalID); err != nil {
			return fmt.Errorf("failed to rewrite record %d: %w", internalID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chart_record_refs WHERE ref = ?`, oldRef); err != nil {
		return fmt.Errorf("failed to drop stale record refs: %w", err)
	}
	for _, internalID := range referrers {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO chart_record_refs (ref, internal_id) VALUES (?, ?)
		`, newRef, internalID); err != nil {
			return fmt.Errorf("failed to reindex record ref: %w", err)
		}
	}
	return nil
}
