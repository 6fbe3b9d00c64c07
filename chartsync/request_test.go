// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/chartstack/chartsync/chartstore"
)

func TestNewRequestGeneratorValidation(t *testing.T) {
	_, err := NewRequestGenerator("bogus", UpdateDifferential)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewRequestGenerator(CreateWithClientID, "bogus")
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	// A full replace against a server-assigned identifier is unsupported.
	_, err = NewRequestGenerator(CreateWithServerID, UpdateFullReplace)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewRequestGenerator(CreateWithClientID, UpdateFullReplace)
	require.NoError(t, err)
	_, err = NewRequestGenerator(CreateWithServerID, UpdateDifferential)
	require.NoError(t, err)
}

func TestGenerateCreateVerbs(t *testing.T) {
	patch := Patch{
		RecordType: "Patient",
		RecordID:   "p-1",
		Kind:       chartstore.OpInsert,
		Payload:    json.RawMessage(`{"name":"Ada"}`),
		Current:    json.RawMessage(`{"name":"Ada"}`),
	}

	clientID, err := NewRequestGenerator(CreateWithClientID, UpdateDifferential)
	require.NoError(t, err)
	req, err := clientID.Generate(&patch)
	require.NoError(t, err)
	require.Equal(t, "PUT", req.Method)
	require.Equal(t, "/Patient/p-1", req.Path)
	require.Equal(t, ContentTypeJSON, req.ContentType)

	serverID, err := NewRequestGenerator(CreateWithServerID, UpdateDifferential)
	require.NoError(t, err)
	req, err = serverID.Generate(&patch)
	require.NoError(t, err)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "/Patient", req.Path)
}

func TestGenerateUpdateVerbs(t *testing.T) {
	patch := Patch{
		RecordType: "Patient",
		RecordID:   "p-1",
		Kind:       chartstore.OpUpdate,
		Payload:    json.RawMessage(`{"name":"Grace"}`),
		Current:    json.RawMessage(`{"name":"Grace","status":"active"}`),
	}

	differential, err := NewRequestGenerator(CreateWithClientID, UpdateDifferential)
	require.NoError(t, err)
	req, err := differential.Generate(&patch)
	require.NoError(t, err)
	require.Equal(t, "PATCH", req.Method)
	require.Equal(t, ContentTypeMergePatch, req.ContentType)
	require.JSONEq(t, `{"name":"Grace"}`, string(req.Body))

	replace, err := NewRequestGenerator(CreateWithClientID, UpdateFullReplace)
	require.NoError(t, err)
	req, err = replace.Generate(&patch)
	require.NoError(t, err)
	require.Equal(t, "PUT", req.Method)
	require.Equal(t, ContentTypeJSON, req.ContentType)
	require.JSONEq(t, `{"name":"Grace","status":"active"}`, string(req.Body))
}

func TestGenerateDeleteIgnoresConfiguration(t *testing.T) {
	patch := Patch{RecordType: "Patient", RecordID: "p-1", Kind: chartstore.OpDelete}

	for _, modes := range [][2]any{
		{CreateWithClientID, UpdateDifferential},
		{CreateWithClientID, UpdateFullReplace},
		{CreateWithServerID, UpdateDifferential},
	} {
		gen, err := NewRequestGenerator(modes[0].(CreateMode), modes[1].(UpdateMode))
		require.NoError(t, err)
		req, err := gen.Generate(&patch)
		require.NoError(t, err)
		require.Equal(t, "DELETE", req.Method)
		require.Equal(t, "/Patient/p-1", req.Path)
		require.Empty(t, req.Body)
	}
}

func TestGenerateRequestsGolden(t *testing.T) {
	gen, err := NewRequestGenerator(CreateWithClientID, UpdateDifferential)
	require.NoError(t, err)

	patches := []Patch{
		{
			RecordType: "Patient", RecordID: "p-1", Kind: chartstore.OpInsert,
			Payload: json.RawMessage(`{"name":"Ada"}`),
			Current: json.RawMessage(`{"name":"Ada"}`),
		},
		{
			RecordType: "Observation", RecordID: "o-1", Kind: chartstore.OpUpdate,
			Payload: json.RawMessage(`{"status":"final"}`),
			Current: json.RawMessage(`{"status":"final","subject":"Patient/p-1"}`),
		},
		{RecordType: "Patient", RecordID: "p-9", Kind: chartstore.OpDelete},
	}

	var requests []Request
	for i := range patches {
		req, err := gen.Generate(&patches[i])
		require.NoError(t, err)
		requests = append(requests, *req)
	}

	data, err := json.Marshal(requests)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "requests_client_differential", data)
}

func TestGenerateBundleGolden(t *testing.T) {
	gen, err := NewRequestGenerator(CreateWithClientID, UpdateDifferential)
	require.NoError(t, err)

	group := PatchGroup{Patches: []Patch{
		{
			RecordType: "Patient", RecordID: "a", Kind: chartstore.OpInsert,
			Payload: json.RawMessage(`{"other":"Patient/b"}`),
			Current: json.RawMessage(`{"other":"Patient/b"}`),
		},
		{
			RecordType: "Patient", RecordID: "b", Kind: chartstore.OpInsert,
			Payload: json.RawMessage(`{"other":"Patient/a"}`),
			Current: json.RawMessage(`{"other":"Patient/a"}`),
		},
	}}

	bundle, err := gen.GenerateBundle(&group)
	require.NoError(t, err)
	require.Len(t, bundle.Bundle, 2)

	data, err := json.Marshal(bundle)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "request_bundle_cycle", data)
}
