// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import (
	"encoding/json"
	"fmt"

	"github.com/chartstack/chartsync/chartstore"
)

// CreateMode selects the verb used for resource creation.
type CreateMode string

// UpdateMode selects the verb used for resource updates.
type UpdateMode string

const (
	// CreateWithClientID creates resources under the client-assigned
	// identifier (PUT /Type/id).
	CreateWithClientID CreateMode = "client-assigned-id"
	// CreateWithServerID lets the server assign the identifier
	// (POST /Type); the response reports the assigned id.
	CreateWithServerID CreateMode = "server-assigned-id"

	// UpdateFullReplace replaces the whole resource (PUT /Type/id).
	UpdateFullReplace UpdateMode = "full-replace"
	// UpdateDifferential sends only the changed fields
	// (PATCH /Type/id with a merge-patch body).
	UpdateDifferential UpdateMode = "differential-patch"
)

// Content type markers; differential updates are distinguishable from full
// replaces by content type alone.
const (
	ContentTypeJSON       = "application/json"
	ContentTypeMergePatch = "application/merge-patch+json"
)

// Request is one transport-level operation. Bundle is set instead of the
// scalar fields when a reference cycle must be applied as a single atomic
// transactional unit.
type Request struct {
	Method      string          `json:"method"`
	Path        string          `json:"path"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	RecordType  string          `json:"record_type,omitempty"`
	RecordID    string          `json:"record_id,omitempty"`
	Bundle      []Request       `json:"bundle,omitempty"`
}

// RequestGenerator deterministically maps patches to requests. It performs
// no I/O.
type RequestGenerator struct {
	create CreateMode
	update UpdateMode
}

// NewRequestGenerator validates the verb configuration and fails fast with
// ErrInvalidConfiguration before any patch is generated. Creation with
// server-assigned ids combined with full-replace updates is rejected: a full
// replace against an identifier the client never chose can overwrite server
// state the client has not observed.
func NewRequestGenerator(create CreateMode, update UpdateMode) (*RequestGenerator, error) {
	switch create {
	case CreateWithClientID, CreateWithServerID:
	default:
		return nil, fmt.Errorf("%w: unknown create mode %q", ErrInvalidConfiguration, create)
	}
	switch update {
	case UpdateFullReplace, UpdateDifferential:
	default:
		return nil, fmt.Errorf("%w: unknown update mode %q", ErrInvalidConfiguration, update)
	}
	if create == CreateWithServerID && update == UpdateFullReplace {
		return nil, fmt.Errorf("%w: %s cannot be combined with %s", ErrInvalidConfiguration, create, update)
	}
	return &RequestGenerator{create: create, update: update}, nil
}

// CreateMode returns the configured creation verb choice.
func (g *RequestGenerator) CreateMode() CreateMode { return g.create }

// Generate maps one patch to one request. DELETE patches always map to a
// delete-by-identifier request regardless of configuration.
func (g *RequestGenerator) Generate(p *Patch) (*Request, error) {
	switch p.Kind {
	case chartstore.OpInsert:
		if g.create == CreateWithServerID {
			return &Request{
				Method:      "POST",
				Path:        "/" + p.RecordType,
				ContentType: ContentTypeJSON,
				Body:        p.Current,
				RecordType:  p.RecordType,
				RecordID:    p.RecordID,
			}, nil
		}
		return &Request{
			Method:      "PUT",
			Path:        "/" + p.Ref(),
			ContentType: ContentTypeJSON,
			Body:        p.Current,
			RecordType:  p.RecordType,
			RecordID:    p.RecordID,
		}, nil

	case chartstore.OpUpdate:
		if g.update == UpdateDifferential {
			return &Request{
				Method:      "PATCH",
				Path:        "/" + p.Ref(),
				ContentType: ContentTypeMergePatch,
				Body:        p.Payload,
				RecordType:  p.RecordType,
				RecordID:    p.RecordID,
			}, nil
		}
		return &Request{
			Method:      "PUT",
			Path:        "/" + p.Ref(),
			ContentType: ContentTypeJSON,
			Body:        p.Current,
			RecordType:  p.RecordType,
			RecordID:    p.RecordID,
		}, nil

	case chartstore.OpDelete:
		return &Request{
			Method:     "DELETE",
			Path:       "/" + p.Ref(),
			RecordType: p.RecordType,
			RecordID:   p.RecordID,
		}, nil

	default:
		return nil, fmt.Errorf("unknown patch kind %q", p.Kind)
	}
}

// GenerateBundle wraps one request per patch into a single atomic bundle
// request for a cyclic group.
func (g *RequestGenerator) GenerateBundle(group *PatchGroup) (*Request, error) {
	bundle := &Request{
		Method:      "POST",
		Path:        "/",
		ContentType: ContentTypeJSON,
	}
	for i := range group.Patches {
		req, err := g.Generate(&group.Patches[i])
		if err != nil {
			return nil, err
		}
		bundle.Bundle = append(bundle.Bundle, *req)
	}
	return bundle, nil
}
