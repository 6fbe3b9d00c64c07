// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

// chartctl inspects a local chartsync database and runs sync cycles against
// a remote server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chartstack/chartsync/chartstore"
	"github.com/chartstack/chartsync/chartsync"
)

var (
	dbPath      string
	recordTypes string
	baseURL     string
	bearerToken string
	atomicBatch bool
)

func main() {
	root := &cobra.Command{
		Use:           "chartctl",
		Short:         "Inspect and sync a local chartsync record store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "chartsync.db", "path to the local database")
	root.PersistentFlags().StringVar(&recordTypes, "types", "", "comma-separated registered record types")

	pending := &cobra.Command{
		Use:   "pending",
		Short: "Show pending ledger statistics",
		RunE:  runPending,
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the server",
		RunE:  runSync,
	}
	syncCmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "server base URL")
	syncCmd.Flags().StringVar(&bearerToken, "token", "", "bearer token for the server")
	syncCmd.Flags().BoolVar(&atomicBatch, "atomic-batch", false, "server applies bundles atomically")

	root.AddCommand(pending, syncCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*chartstore.Store, error) {
	types := strings.Split(recordTypes, ",")
	var cleaned []string
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("--types must list at least one record type")
	}
	return chartstore.Open(dbPath, chartstore.DefaultConfig(cleaned))
}

func runPending(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	count, err := store.PendingCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending entries: %d\n", count)

	internalID, recordType, recordID, ok, err := store.EarliestPendingRecord(ctx)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("oldest change:   %s (internal id %d)\n", chartstore.RefKey(recordType, recordID), internalID)
	}
	return nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store.SetLogger(logger)

	requests, err := chartsync.NewRequestGenerator(chartsync.CreateWithClientID, chartsync.UpdateDifferential)
	if err != nil {
		return err
	}
	transport := chartsync.NewHTTPTransport(baseURL, chartsync.StaticTokenSource(bearerToken), atomicBatch)

	uploader, err := chartsync.NewUploader(store, nil, transport, requests, nil)
	if err != nil {
		return err
	}
	uploader.SetLogger(logger)

	result, err := uploader.SyncOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("uploaded: %d, collapsed: %d, reassigned: %d\n",
		result.Uploaded, result.Collapsed, result.Reassigned)
	return nil
}
