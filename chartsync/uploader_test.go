// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chartstack/chartsync/chartstore"
)

// fakeTransport records performed requests and replies from a scripted
// result map keyed by request path.
type fakeTransport struct {
	batch    bool
	requests []Request
	results  map[string]*Result
	failOn   string // path that triggers a transport failure
}

func (f *fakeTransport) AtomicBatch() bool { return f.batch }

func (f *fakeTransport) Perform(ctx context.Context, req *Request) (*Result, error) {
	if f.failOn != "" && req.Path == f.failOn {
		return nil, fmt.Errorf("connection reset")
	}
	f.requests = append(f.requests, *req)
	if res, ok := f.results[req.Path]; ok {
		return res, nil
	}
	return &Result{}, nil
}

func newUploader(t *testing.T, store *chartstore.Store, transport Transport, create CreateMode) *Uploader {
	t.Helper()
	gen, err := NewRequestGenerator(create, UpdateDifferential)
	require.NoError(t, err)
	up, err := NewUploader(store, nil, transport, gen, nil)
	require.NoError(t, err)
	return up
}

func TestSyncOnceUploadsAndConfirms(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	transport := &fakeTransport{}
	up := newUploader(t, store, transport, CreateWithClientID)

	_, err := store.Insert(ctx, "Patient", "p-1", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	result, err := up.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Uploaded)
	require.Zero(t, result.Reassigned)

	require.Len(t, transport.requests, 1)
	require.Equal(t, "PUT", transport.requests[0].Method)
	require.Equal(t, "/Patient/p-1", transport.requests[0].Path)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestSyncOnceServerAssignedID(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	transport := &fakeTransport{results: map[string]*Result{
		"/Patient": {AssignedID: "srv-42"},
	}}
	up := newUploader(t, store, transport, CreateWithServerID)

	_, err := store.Insert(ctx, "Patient", "tmp-1", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "Observation", "o-1", json.RawMessage(`{"subject":"Patient/tmp-1"}`))
	require.NoError(t, err)

	result, err := up.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Uploaded)
	require.Equal(t, 1, result.Reassigned)

	// The local record now lives under the server identifier.
	_, err = store.Get(ctx, "Patient", "tmp-1")
	require.ErrorIs(t, err, chartstore.ErrNotFound)
	_, err = store.Get(ctx, "Patient", "srv-42")
	require.NoError(t, err)

	// The referring record was rewritten in the same cycle.
	obs, err := store.Get(ctx, "Observation", "o-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"subject":"Patient/srv-42"}`, string(obs.Payload))

	// The observation's own upload, performed after the reassignment, went
	// out with the server identifier rather than the provisional one.
	require.Len(t, transport.requests, 2)
	require.Equal(t, "/Observation", transport.requests[1].Path)
	require.JSONEq(t, `{"subject":"Patient/srv-42"}`, string(transport.requests[1].Body))

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestSyncOnceDependencyOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	transport := &fakeTransport{}
	up := newUploader(t, store, transport, CreateWithClientID)

	// Insert the referencing record first; upload order must still put the
	// referenced record ahead of it.
	_, err := store.Insert(ctx, "Observation", "o-1", json.RawMessage(`{"subject":"Patient/p-1"}`))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "Patient", "p-1", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	_, err = up.SyncOnce(ctx)
	require.NoError(t, err)

	require.Len(t, transport.requests, 2)
	require.Equal(t, "/Patient/p-1", transport.requests[0].Path)
	require.Equal(t, "/Observation/o-1", transport.requests[1].Path)
}

func TestSyncOnceCycleWithoutBatchFailsBeforeAnyRequest(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	transport := &fakeTransport{batch: false}
	up := newUploader(t, store, transport, CreateWithClientID)

	_, err := store.Insert(ctx, "Patient", "a", json.RawMessage(`{"other":"Patient/b"}`))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "Patient", "b", json.RawMessage(`{"other":"Patient/a"}`))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "Observation", "c", json.RawMessage(`{"note":"independent"}`))
	require.NoError(t, err)

	_, err = up.SyncOnce(ctx)
	require.ErrorIs(t, err, ErrCyclicDependency)

	// No partial upload: nothing went out, the whole ledger is intact.
	require.Empty(t, transport.requests)
	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestSyncOnceCycleWithBatchBundles(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	transport := &fakeTransport{batch: true}
	up := newUploader(t, store, transport, CreateWithClientID)

	_, err := store.Insert(ctx, "Patient", "a", json.RawMessage(`{"other":"Patient/b"}`))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "Patient", "b", json.RawMessage(`{"other":"Patient/a"}`))
	require.NoError(t, err)

	result, err := up.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Uploaded)

	require.Len(t, transport.requests, 1)
	require.Equal(t, "POST", transport.requests[0].Method)
	require.Equal(t, "/", transport.requests[0].Path)
	require.Len(t, transport.requests[0].Bundle, 2)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestSyncOnceTransportFailureKeepsLedger(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	transport := &fakeTransport{failOn: "/Patient/p-1"}
	up := newUploader(t, store, transport, CreateWithClientID)

	_, err := store.Insert(ctx, "Patient", "p-1", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	_, err = up.SyncOnce(ctx)
	require.Error(t, err)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// Next cycle regenerates the patch and succeeds.
	transport.failOn = ""
	result, err := up.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Uploaded)

	count, err = store.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestSyncOnceCollapsedHistoryNeverUploads(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	transport := &fakeTransport{}
	up := newUploader(t, store, transport, CreateWithClientID)

	_, err := store.Insert(ctx, "Patient", "p-1", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "Patient", "p-1"))

	result, err := up.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Uploaded)
	require.Equal(t, 1, result.Collapsed)

	require.Empty(t, transport.requests)
	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestSyncOncePaused(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	transport := &fakeTransport{}
	up := newUploader(t, store, transport, CreateWithClientID)

	_, err := store.Insert(ctx, "Patient", "p-1", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	up.Pause()
	result, err := up.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Uploaded)
	require.Empty(t, transport.requests)

	up.Resume()
	result, err = up.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Uploaded)
}

func TestNewUploaderValidation(t *testing.T) {
	store := newStore(t)
	gen, err := NewRequestGenerator(CreateWithClientID, UpdateDifferential)
	require.NoError(t, err)

	_, err = NewUploader(nil, nil, &fakeTransport{}, gen, nil)
	require.Error(t, err)
	_, err = NewUploader(store, nil, nil, gen, nil)
	require.Error(t, err)
	_, err = NewUploader(store, nil, &fakeTransport{}, nil, nil)
	require.Error(t, err)
}
