// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chartstack/chartsync/chartstore"
)

// Config holds configuration for the uploader.
type Config struct {
	UploadLimit int           // max records per sync cycle, e.g. 200
	BackoffMin  time.Duration // 1s
	BackoffMax  time.Duration // 60s
}

// DefaultConfig returns a default uploader configuration.
func DefaultConfig() *Config {
	return &Config{
		UploadLimit: 200,
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Uploader drives one or more sync cycles: snapshot the ledger, squash to
// patches, order by dependency, emit requests, confirm tokens, and propagate
// server-assigned identifiers.
type Uploader struct {
	store     *chartstore.Store
	codec     Codec
	transport Transport
	requests  *RequestGenerator
	config    *Config
	logger    *slog.Logger

	mu     sync.Mutex // serialize sync cycles
	paused int32
}

// NewUploader wires the pipeline together. codec may be nil (JSONCodec) and
// config may be nil (DefaultConfig).
func NewUploader(store *chartstore.Store, codec Codec, transport Transport, requests *RequestGenerator, config *Config) (*Uploader, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if requests == nil {
		return nil, fmt.Errorf("request generator cannot be nil")
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Uploader{
		store:     store,
		codec:     codec,
		transport: transport,
		requests:  requests,
		config:    config,
		logger:    slog.Default(),
	}, nil
}

// SetLogger replaces the uploader logger.
func (u *Uploader) SetLogger(logger *slog.Logger) {
	if logger != nil {
		u.logger = logger
	}
}

// Pause suspends sync cycles deterministically.
func (u *Uploader) Pause() { atomic.StoreInt32(&u.paused, 1) }

// Resume resumes sync cycles.
func (u *Uploader) Resume() { atomic.StoreInt32(&u.paused, 0) }

// SyncResult summarizes one sync cycle.
type SyncResult struct {
	Uploaded   int // patches confirmed by the server
	Collapsed  int // change histories that collapsed to no patch
	Reassigned int // records whose identifier the server replaced
}

// SyncOnce performs a single sync cycle over a consistent ledger snapshot.
//
// Cyclic groups are validated up front: if the batch contains a reference
// cycle the transport cannot apply atomically, the cycle fails with
// ErrCyclicDependency before any request is emitted. A transport failure
// mid-cycle leaves the remaining ledger entries intact; patches are
// regenerated fresh on the next cycle, never cached.
func (u *Uploader) SyncOnce(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}
	if atomic.LoadInt32(&u.paused) == 1 {
		return result, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	snapshot, err := u.store.SnapshotPending(ctx, u.config.UploadLimit)
	if err != nil {
		return result, fmt.Errorf("failed to snapshot pending changes: %w", err)
	}
	if len(snapshot) == 0 {
		return result, nil
	}

	generated, err := GeneratePatches(u.codec, snapshot)
	if err != nil {
		return result, err
	}

	for _, token := range generated.LocalDiscard {
		if err := u.store.Discard(ctx, token); err != nil {
			return result, fmt.Errorf("failed to discard collapsed entries: %w", err)
		}
		result.Collapsed++
	}

	groups := GroupPatches(generated.Patches)

	if !u.transport.AtomicBatch() {
		for i := range groups {
			if groups[i].Cyclic() {
				return result, fmt.Errorf("%w: %s", ErrCyclicDependency, describeGroup(&groups[i]))
			}
		}
	}

	for i := range groups {
		group := &groups[i]
		if group.Cyclic() {
			if err := u.uploadBundle(ctx, group); err != nil {
				return result, err
			}
			result.Uploaded += len(group.Patches)
			continue
		}

		patch := &group.Patches[0]
		assignedID, err := u.uploadPatch(ctx, patch)
		if err != nil {
			return result, err
		}
		result.Uploaded++
		if assignedID != "" {
			result.Reassigned++
			// Patches generated earlier in this cycle still carry the old
			// reference string; rewrite them before they go out.
			oldRef := chartstore.RefKey(patch.RecordType, patch.RecordID)
			newRef := chartstore.RefKey(patch.RecordType, assignedID)
			if err := rewritePatchRefs(groups[i+1:], oldRef, newRef); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

func (u *Uploader) uploadPatch(ctx context.Context, p *Patch) (assignedID string, err error) {
	req, err := u.requests.Generate(p)
	if err != nil {
		return "", err
	}

	res, err := u.transport.Perform(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload failed for %s: %w", p.Ref(), err)
	}

	if err := u.store.Discard(ctx, p.Token); err != nil {
		return "", fmt.Errorf("failed to confirm %s: %w", p.Ref(), err)
	}

	if p.Kind == chartstore.OpInsert && res != nil && res.AssignedID != "" && res.AssignedID != p.RecordID {
		if err := u.store.ReassignID(ctx, p.RecordType, p.RecordID, res.AssignedID); err != nil {
			return "", fmt.Errorf("failed to reassign %s: %w", p.Ref(), err)
		}
		u.logger.Info("record identifier reassigned by server",
			"type", p.RecordType, "old", p.RecordID, "new", res.AssignedID)
		return res.AssignedID, nil
	}
	return "", nil
}

// rewritePatchRefs propagates a server identifier reassignment into patches
// not yet uploaded in the current cycle.
func rewritePatchRefs(groups []PatchGroup, oldRef, newRef string) error {
	for gi := range groups {
		for pi := range groups[gi].Patches {
			p := &groups[gi].Patches[pi]
			for ri, ref := range p.References {
				if ref == oldRef {
					p.References[ri] = newRef
				}
			}
			if p.Payload != nil {
				rewritten, n, err := chartstore.RewriteRefs(p.Payload, oldRef, newRef)
				if err != nil {
					return err
				}
				if n > 0 {
					p.Payload = rewritten
				}
			}
			if p.Current != nil {
				rewritten, n, err := chartstore.RewriteRefs(p.Current, oldRef, newRef)
				if err != nil {
					return err
				}
				if n > 0 {
					p.Current = rewritten
				}
			}
		}
	}
	return nil
}

func (u *Uploader) uploadBundle(ctx context.Context, group *PatchGroup) error {
	req, err := u.requests.GenerateBundle(group)
	if err != nil {
		return err
	}

	if _, err := u.transport.Perform(ctx, req); err != nil {
		return fmt.Errorf("bundle upload failed for %s: %w", describeGroup(group), err)
	}

	token := chartstore.Token{Entries: map[int64][]int64{}}
	for i := range group.Patches {
		token = token.Merge(group.Patches[i].Token)
	}
	if err := u.store.Discard(ctx, token); err != nil {
		return fmt.Errorf("failed to confirm bundle %s: %w", describeGroup(group), err)
	}
	return nil
}

// Run drives sync cycles in a loop with exponential backoff on errors until
// the context is cancelled.
func (u *Uploader) Run(ctx context.Context) {
	backoff := u.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := u.SyncOnce(ctx); err != nil {
			u.logger.Warn("sync cycle failed", "error", err)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > u.config.BackoffMax {
				backoff = u.config.BackoffMax
			}
			continue
		}

		backoff = u.config.BackoffMin
		time.Sleep(backoff)
	}
}

func describeGroup(group *PatchGroup) string {
	refs := make([]string, 0, len(group.Patches))
	for i := range group.Patches {
		refs = append(refs, group.Patches[i].Ref())
	}
	return strings.Join(refs, " <-> ")
}
