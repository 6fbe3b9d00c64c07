// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

// Package chartstore provides the durable local storage layer for the
// chartsync upload pipeline: the current-state resource store, the
// append-only change ledger, and the reference rewriter that reconciles
// locally-assigned record identifiers with server-assigned ones.
//
// All cross-entity writes (record + ledger entry, or a reference rewrite
// spanning many rows) run inside a single SQLite transaction; the database
// is the sole synchronization point.
package chartstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for ledger entries and patches.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Config holds configuration for the local store.
type Config struct {
	// RecordTypes lists the record types this store manages. Reference
	// strings of the form "Type/id" are only recognized (and indexed) when
	// Type is registered here.
	RecordTypes []string

	// SnapshotLimit bounds how many records one pending snapshot may cover.
	SnapshotLimit int
}

// DefaultConfig returns a default configuration for the specified record types.
func DefaultConfig(recordTypes []string) *Config {
	return &Config{
		RecordTypes:   recordTypes,
		SnapshotLimit: 200,
	}
}

// Store manages the SQLite database holding current record state, the change
// ledger, and the reference indexes.
type Store struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
	types  map[string]struct{}
}

// NewStore initializes the store schema on db and returns a ready Store.
func NewStore(db *sql.DB, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(config.RecordTypes) == 0 {
		return nil, fmt.Errorf("config.RecordTypes must not be empty")
	}

	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	types := make(map[string]struct{}, len(config.RecordTypes))
	for _, t := range config.RecordTypes {
		types[t] = struct{}{}
	}

	return &Store{
		db:     db,
		config: config,
		logger: slog.Default(),
		types:  types,
	}, nil
}

// Open opens (or creates) the SQLite database at path and initializes the store.
func Open(path string, config *Config) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := NewStore(db, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database, primarily for callers that need to run
// their own read queries against current record state.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetLogger replaces the store logger (slog.Default() if never called).
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// RecordTypes returns the registered record types.
func (s *Store) RecordTypes() []string {
	return s.config.RecordTypes
}

func (s *Store) registered(recordType string) bool {
	_, ok := s.types[recordType]
	return ok
}

// initializeSchema creates the store tables and enables WAL mode plus
// foreign keys.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Current record state, one live row per (record_type, record_id).
		// internal_id is the durable join key; record_id may be rewritten
		// once when the server assigns a permanent identifier.
		`CREATE TABLE IF NOT EXISTS chart_records (
			internal_id  INTEGER PRIMARY KEY AUTOINCREMENT,
			record_type  TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE (record_type, record_id)
		)`,

		// Append-only change ledger. Rows are deleted only through an
		// explicit consumption token after the server confirms an upload.
		// record_type/record_id are duplicated here because DELETE entries
		// outlive their chart_records row.
		`CREATE TABLE IF NOT EXISTS chart_changes (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			internal_id  INTEGER NOT NULL,
			record_type  TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			kind         TEXT NOT NULL CHECK (kind IN ('INSERT','UPDATE','DELETE')),
			payload      TEXT,
			before       TEXT,
			ts           TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chart_changes_internal
			ON chart_changes(internal_id, seq)`,

		// Reverse index: reference value -> pending ledger entries whose
		// payload embeds it. Maintained incrementally on append so the
		// rewriter never scans every pending payload.
		`CREATE TABLE IF NOT EXISTS chart_change_refs (
			ref          TEXT NOT NULL,
			seq          INTEGER NOT NULL,
			internal_id  INTEGER NOT NULL,
			PRIMARY KEY (ref, seq)
		)`,

		// Reverse index over current record payloads.
		`CREATE TABLE IF NOT EXISTS chart_record_refs (
			ref          TEXT NOT NULL,
			internal_id  INTEGER NOT NULL,
			PRIMARY KEY (ref, internal_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create store table: %w", err)
		}
	}

	return nil
}

// RefKey builds the reference string for a record, e.g. "Patient/p-1".
func RefKey(recordType, recordID string) string {
	return recordType + "/" + recordID
}

// SplitRefKey splits a "Type/id" reference string. ok is false when the
// value does not have the two-part shape.
func SplitRefKey(ref string) (recordType, recordID string, ok bool) {
	i := strings.IndexByte(ref, '/')
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}
