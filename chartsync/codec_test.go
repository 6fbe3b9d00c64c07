// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chartstack/chartsync/chartstore"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := JSONCodec{}

	rec := &chartstore.Record{
		Type:    "Patient",
		ID:      "p-1",
		Payload: json.RawMessage(`{"name":"Ada","active":true}`),
	}

	data, err := codec.Encode(rec)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, rec.Type, decoded.Type)
	require.Equal(t, rec.ID, decoded.ID)
	require.JSONEq(t, string(rec.Payload), string(decoded.Payload))
}

func TestJSONCodecDecodeMalformed(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte(`{"record_type":`))
	require.Error(t, err)
}

func TestJSONCodecDiff(t *testing.T) {
	codec := JSONCodec{}

	tests := []struct {
		name string
		old  string
		new  string
		want string
	}{
		{
			name: "changed field",
			old:  `{"name":"v1","status":"active"}`,
			new:  `{"name":"v2","status":"active"}`,
			want: `{"name":"v2"}`,
		},
		{
			name: "added field",
			old:  `{"name":"v1"}`,
			new:  `{"name":"v1","status":"active"}`,
			want: `{"status":"active"}`,
		},
		{
			name: "removed field is nulled",
			old:  `{"name":"v1","status":"active"}`,
			new:  `{"name":"v1"}`,
			want: `{"status":null}`,
		},
		{
			name: "nested object replaced wholesale",
			old:  `{"address":{"city":"Oslo","zip":"0150"}}`,
			new:  `{"address":{"city":"Bergen","zip":"0150"}}`,
			want: `{"address":{"city":"Bergen","zip":"0150"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff, err := codec.Diff(json.RawMessage(tt.old), json.RawMessage(tt.new))
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(diff))
		})
	}
}

func TestJSONCodecDiffNoChange(t *testing.T) {
	diff, err := JSONCodec{}.Diff(
		json.RawMessage(`{"name":"v1","tags":["a","b"]}`),
		json.RawMessage(`{"name":"v1","tags":["a","b"]}`),
	)
	require.NoError(t, err)
	require.Nil(t, diff)
}

func TestJSONCodecDiffRequiresObjects(t *testing.T) {
	_, err := JSONCodec{}.Diff(json.RawMessage(`[1,2]`), json.RawMessage(`{"a":1}`))
	require.Error(t, err)

	_, err = JSONCodec{}.Diff(json.RawMessage(`{"a":1}`), json.RawMessage(`"scalar"`))
	require.Error(t, err)
}

func TestJSONCodecDiffDottedKeys(t *testing.T) {
	diff, err := JSONCodec{}.Diff(
		json.RawMessage(`{"meta.version":"1"}`),
		json.RawMessage(`{"meta.version":"2"}`),
	)
	require.NoError(t, err)
	require.JSONEq(t, `{"meta.version":"2"}`, string(diff))
}
