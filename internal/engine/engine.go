// Package engine orchestrates single push/pull operations between two
// registered platform adapters and keeps the sync state store current.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"

	"github.com/cardforge/cardfed/internal/adapter"
	"github.com/cardforge/cardfed/internal/platform"
	"github.com/cardforge/cardfed/internal/store"
)

// ErrUnknownPlatform means no adapter is registered for a platform id.
var ErrUnknownPlatform = errors.New("no adapter registered for platform")

// SyncResult is the transient outcome of one push or pull.
type SyncResult struct {
	Success   bool        `json:"success"`
	Platform  platform.ID `json:"platform"`
	LocalID   string      `json:"localId,omitempty"`
	RemoteID  string      `json:"remoteId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	// Skipped marks a push short-circuited by an unchanged version hash.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SyncSummary aggregates a bulk pass.
type SyncSummary struct {
	Synced  int
	Skipped int
	Failed  int
}

// Engine performs push/pull operations against an in-memory registry
// of platform adapters. It holds no platform-specific knowledge.
type Engine struct {
	actorID   string
	originURL string
	store     store.Store

	mu       sync.RWMutex
	adapters map[platform.ID]adapter.Adapter

	ignorePatterns []string
}

// New creates an engine bound to this instance's origin identity.
func New(originURL string, st store.Store, ignorePatterns []string) *Engine {
	return &Engine{
		actorID:        originURL + "/user",
		originURL:      originURL,
		store:          st,
		adapters:       make(map[platform.ID]adapter.Adapter),
		ignorePatterns: ignorePatterns,
	}
}

// ActorID returns the federation identity of this instance.
func (e *Engine) ActorID() string {
	return e.actorID
}

// FederatedID mints the stable identifier for a local card.
func (e *Engine) FederatedID(localID string) string {
	return e.originURL + "/cards/" + localID
}

// RegisterPlatform adds or replaces an adapter.
func (e *Engine) RegisterPlatform(a adapter.Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[a.PlatformID()] = a
	slog.Info("platform registered", "platform", a.PlatformID())
}

// UnregisterPlatform removes an adapter. Historical sync state for the
// platform is retained.
func (e *Engine) UnregisterPlatform(id platform.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.adapters[id]; ok {
		delete(e.adapters, id)
		slog.Info("platform unregistered", "platform", id)
	}
}

// Platforms returns the currently registered platform ids.
func (e *Engine) Platforms() []platform.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]platform.ID, 0, len(e.adapters))
	for id := range e.adapters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Adapter returns the registered adapter for a platform.
func (e *Engine) Adapter(id platform.ID) (adapter.Adapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[id]
	return a, ok
}

// PushCard reads a card from the source platform and pushes it to the
// target, then records the target link in the sync state. An unchanged
// version hash with an existing target link skips the remote call and
// reports the push as already synced.
func (e *Engine) PushCard(ctx context.Context, source platform.ID, localID string, target platform.ID) (*SyncResult, error) {
	src, ok := e.Adapter(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, source)
	}
	tgt, ok := e.Adapter(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, target)
	}

	card, err := src.PullCard(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to read card from %s: %w", source, err)
	}

	hash, err := HashCard(*card)
	if err != nil {
		return nil, fmt.Errorf("failed to hash card: %w", err)
	}

	federatedID := e.FederatedID(localID)
	rec, err := e.store.Get(ctx, federatedID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	// Content unchanged since the last successful push to this
	// platform: skip the remote call.
	if rec != nil && rec.VersionHash == hash && rec.PlatformIDs[target] != "" {
		slog.Debug("card unchanged, skipping push", "card", localID, "platform", target)
		return &SyncResult{
			Success:   true,
			Skipped:   true,
			Platform:  target,
			LocalID:   localID,
			RemoteID:  rec.PlatformIDs[target],
			Timestamp: rec.LastSync[target],
		}, nil
	}

	remoteID, err := tgt.PushCard(ctx, *card)
	if err != nil {
		return &SyncResult{
			Success:   false,
			Platform:  target,
			LocalID:   localID,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}, err
	}

	now := time.Now()
	if rec == nil {
		rec = store.NewCardSyncState(localID, federatedID)
	}
	rec.SetPlatform(target, remoteID, now)
	rec.VersionHash = hash
	rec.Status = store.StatusSynced

	if err := e.store.Set(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save sync state: %w", err)
	}

	slog.Info("card pushed", "card", localID, "platform", target, "remote_id", remoteID)
	return &SyncResult{
		Success:   true,
		Platform:  target,
		LocalID:   localID,
		RemoteID:  remoteID,
		Timestamp: now,
	}, nil
}

// PullCard fetches a card from the source platform, materializes it on
// the target (typically the editor) and records the source link keyed
// by the resulting local id.
func (e *Engine) PullCard(ctx context.Context, source platform.ID, remoteID string, target platform.ID) (*SyncResult, error) {
	src, ok := e.Adapter(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, source)
	}
	tgt, ok := e.Adapter(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, target)
	}

	card, err := src.PullCard(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to pull card from %s: %w", source, err)
	}

	localID, err := tgt.PushCard(ctx, *card)
	if err != nil {
		return &SyncResult{
			Success:   false,
			Platform:  source,
			RemoteID:  remoteID,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}, err
	}

	hash, err := HashCard(*card)
	if err != nil {
		return nil, fmt.Errorf("failed to hash card: %w", err)
	}

	federatedID := e.FederatedID(localID)
	rec, err := e.store.Get(ctx, federatedID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	now := time.Now()
	if rec == nil {
		rec = store.NewCardSyncState(localID, federatedID)
	}
	rec.SetPlatform(source, remoteID, now)
	rec.VersionHash = hash
	rec.Status = store.StatusSynced

	if err := e.store.Set(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save sync state: %w", err)
	}

	slog.Info("card pulled", "card", localID, "platform", source, "remote_id", remoteID)
	return &SyncResult{
		Success:   true,
		Platform:  source,
		LocalID:   localID,
		RemoteID:  remoteID,
		Timestamp: now,
	}, nil
}

// SyncAll pushes every non-ignored local card to one platform,
// collecting per-card failures without aborting the pass.
func (e *Engine) SyncAll(ctx context.Context, target platform.ID) (*SyncSummary, error) {
	editor, ok := e.Adapter(platform.Editor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform.Editor)
	}

	locals, err := editor.ListCards(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local cards: %w", err)
	}

	bar := progressbar.NewOptions(len(locals),
		progressbar.OptionSetDescription(fmt.Sprintf("Syncing to %s", target)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)

	summary := &SyncSummary{}
	for _, local := range locals {
		bar.Add(1)

		if e.Ignored(local.Name) {
			continue
		}

		res, err := e.PushCard(ctx, platform.Editor, local.ID, target)
		if err != nil {
			slog.Error("failed to sync card", "card", local.ID, "platform", target, "error", err)
			summary.Failed++
			continue
		}
		if res.Skipped {
			summary.Skipped++
		} else {
			summary.Synced++
		}
	}
	bar.Finish()

	slog.Info("bulk sync completed",
		"platform", target,
		"synced", summary.Synced,
		"skipped", summary.Skipped,
		"failed", summary.Failed)

	return summary, nil
}

// Ignored reports whether a card name matches an ignore pattern and
// must never be federated.
func (e *Engine) Ignored(name string) bool {
	for _, pattern := range e.ignorePatterns {
		matched, err := doublestar.Match(pattern, name)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
