// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is the current state of one locally stored resource. The payload is
// an opaque structured document; the store never interprets it beyond
// locating reference strings of the form "Type/id".
type Record struct {
	InternalID int64           `json:"internal_id"`
	Type       string          `json:"record_type"`
	ID         string          `json:"record_id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// withTx runs fn inside a single transaction. A failure at any point rolls
// the whole logical operation back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrTransactionAborted, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTransactionAborted, err)
	}
	return nil
}

// Insert stores a new record and appends an INSERT ledger entry in the same
// transaction. When recordID is empty a local UUID identifier is assigned;
// it may later be superseded once by a server-assigned identifier (see
// ReassignID). Returns the record identifier in effect.
func (s *Store) Insert(ctx context.Context, recordType, recordID string, payload json.RawMessage) (string, error) {
	if !s.registered(recordType) {
		return "", fmt.Errorf("%w: %s", ErrUnregisteredType, recordType)
	}
	if recordID == "" {
		recordID = uuid.New().String()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `
			SELECT internal_id FROM chart_records WHERE record_type = ? AND record_id = ?
		`, recordType, recordID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicate, RefKey(recordType, recordID))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check existing record: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO chart_records (record_type, record_id, payload) VALUES (?, ?, ?)
		`, recordType, recordID, string(payload))
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		internalID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to resolve internal id: %w", err)
		}

		if err := s.indexRecordRefsTx(ctx, tx, internalID, payload); err != nil {
			return err
		}

		_, err = s.appendChangeTx(ctx, tx, internalID, recordType, recordID, OpInsert, payload, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	return recordID, nil
}

// Update replaces the record's current payload and appends an UPDATE ledger
// entry carrying the prior payload as its before-snapshot, atomically.
func (s *Store) Update(ctx context.Context, recordType, recordID string, payload json.RawMessage) error {
	if !s.registered(recordType) {
		return fmt.Errorf("%w: %s", ErrUnregisteredType, recordType)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, recordType, recordID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE chart_records
			SET payload = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE internal_id = ?
		`, string(payload), rec.InternalID)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}

		if err := s.reindexRecordRefsTx(ctx, tx, rec.InternalID, payload); err != nil {
			return err
		}

		_, err = s.appendChangeTx(ctx, tx, rec.InternalID, recordType, recordID, OpUpdate, payload, rec.Payload)
		return err
	})
}

// Delete removes the record's current state and appends a DELETE ledger
// entry, atomically. Pending ledger entries for the record stay in place
// until the deletion is confirmed (or collapses locally with an unsynced
// insert during patch generation).
func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	if !s.registered(recordType) {
		return fmt.Errorf("%w: %s", ErrUnregisteredType, recordType)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecordTx(ctx, tx, recordType, recordID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chart_records WHERE internal_id = ?`, rec.InternalID); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chart_record_refs WHERE internal_id = ?`, rec.InternalID); err != nil {
			return fmt.Errorf("failed to drop record refs: %w", err)
		}

		_, err = s.appendChangeTx(ctx, tx, rec.InternalID, recordType, recordID, OpDelete, nil, rec.Payload)
		return err
	})
}

// Get returns the current state of a record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, recordType, recordID string) (*Record, error) {
	if !s.registered(recordType) {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, recordType)
	}

	var rec Record
	var payload string
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT internal_id, record_type, record_id, payload, updated_at
		FROM chart_records WHERE record_type = ? AND record_id = ?
	`, recordType, recordID).Scan(&rec.InternalID, &rec.Type, &rec.ID, &payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, RefKey(recordType, recordID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

func getRecordTx(ctx context.Context, tx *sql.Tx, recordType, recordID string) (*Record, error) {
	var rec Record
	var payload string
	err := tx.QueryRowContext(ctx, `
		SELECT internal_id, record_type, record_id, payload
		FROM chart_records WHERE record_type = ? AND record_id = ?
	`, recordType, recordID).Scan(&rec.InternalID, &rec.Type, &rec.ID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, RefKey(recordType, recordID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}
