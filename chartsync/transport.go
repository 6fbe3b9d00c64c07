// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result reports the outcome of one performed request. AssignedID is set
// when the server assigned (or reassigned) the record identifier during a
// creation request.
type Result struct {
	AssignedID string `json:"assigned_id,omitempty"`
}

// Transport executes generated requests against the remote server. The
// pipeline itself never blocks on network I/O beyond handing requests to the
// transport; failures leave the ledger intact so the next cycle retries.
type Transport interface {
	Perform(ctx context.Context, req *Request) (*Result, error)

	// AtomicBatch reports whether bundle requests are applied as one
	// transactional unit server-side. Transports without this capability
	// cause reference cycles to fail with ErrCyclicDependency.
	AtomicBatch() bool
}

// TokenSource supplies the bearer token attached to outgoing requests.
type TokenSource func(ctx context.Context) (string, error)

// HTTPTransport is the default Transport over plain HTTP.
type HTTPTransport struct {
	BaseURL string
	Token   TokenSource
	HTTP    *http.Client

	// Batch declares that the server applies bundle requests atomically
	// with deferred referential-integrity checks.
	Batch bool
}

// NewHTTPTransport returns an HTTPTransport with a default client timeout.
func NewHTTPTransport(baseURL string, token TokenSource, batch bool) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
		Batch:   batch,
	}
}

// AtomicBatch reports the configured bundle capability.
func (t *HTTPTransport) AtomicBatch() bool { return t.Batch }

// Perform executes one request and decodes the server's result envelope.
func (t *HTTPTransport) Perform(ctx context.Context, req *Request) (*Result, error) {
	var body io.Reader
	if req.Bundle != nil {
		data, err := json.Marshal(req.Bundle)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bundle: %w", err)
		}
		body = bytes.NewReader(data)
	} else if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.BaseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data))
	}

	result := &Result{}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return result, nil
}
