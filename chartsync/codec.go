// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/chartstack/chartsync/chartstore"
)

// Codec is the serializer collaborator: it encodes and decodes whole records
// and computes the differential payload between two payload snapshots. The
// pipeline never interprets record internals beyond reference strings.
type Codec interface {
	Encode(rec *chartstore.Record) ([]byte, error)
	Decode(data []byte) (*chartstore.Record, error)

	// Diff returns a merge-style differential document describing how to
	// turn old into new: changed and added fields carry their new value,
	// removed fields carry null. An empty (nil) result means no difference.
	Diff(old, new json.RawMessage) (json.RawMessage, error)
}

// JSONCodec is the default Codec for JSON record payloads.
type JSONCodec struct{}

type recordEnvelope struct {
	Type    string          `json:"record_type"`
	ID      string          `json:"record_id"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a record to its wire envelope.
func (JSONCodec) Encode(rec *chartstore.Record) ([]byte, error) {
	data, err := json.Marshal(recordEnvelope{Type: rec.Type, ID: rec.ID, Payload: rec.Payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// Decode parses a record from its wire envelope.
func (JSONCodec) Decode(data []byte) (*chartstore.Record, error) {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &chartstore.Record{Type: env.Type, ID: env.ID, Payload: env.Payload}, nil
}

// Diff computes a top-level merge diff between two JSON objects.
func (JSONCodec) Diff(old, new json.RawMessage) (json.RawMessage, error) {
	oldDoc := gjson.ParseBytes(old)
	newDoc := gjson.ParseBytes(new)
	if !oldDoc.IsObject() || !newDoc.IsObject() {
		return nil, fmt.Errorf("diff requires JSON objects")
	}

	diff := []byte(`{}`)
	changed := false
	var diffErr error

	newDoc.ForEach(func(key, value gjson.Result) bool {
		path := escapeDiffKey(key.String())
		oldValue := oldDoc.Get(path)
		if oldValue.Exists() && oldValue.Raw == value.Raw {
			return true
		}
		diff, diffErr = sjson.SetRawBytes(diff, path, []byte(value.Raw))
		if diffErr != nil {
			return false
		}
		changed = true
		return true
	})
	if diffErr != nil {
		return nil, fmt.Errorf("failed to build diff: %w", diffErr)
	}

	oldDoc.ForEach(func(key, value gjson.Result) bool {
		path := escapeDiffKey(key.String())
		if newDoc.Get(path).Exists() {
			return true
		}
		diff, diffErr = sjson.SetRawBytes(diff, path, []byte("null"))
		if diffErr != nil {
			return false
		}
		changed = true
		return true
	})
	if diffErr != nil {
		return nil, fmt.Errorf("failed to build diff: %w", diffErr)
	}

	if !changed {
		return nil, nil
	}
	return diff, nil
}

func escapeDiffKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
