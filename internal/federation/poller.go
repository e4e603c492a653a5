package federation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cardforge/cardfed/internal/catalog"
	"github.com/cardforge/cardfed/internal/engine"
	"github.com/cardforge/cardfed/internal/platform"
	"github.com/cardforge/cardfed/internal/store"
)

// Poller reconciles local sync state against a platform's outbox
// listing. It is read-only toward the platform: drift is repaired in
// the sync state store, never by pushing.
//
// Platforms here offer no event stream; "list what you currently hold"
// is the only signal, and a case-insensitive name match is the only
// economical join between local and remote cards. That match is a
// heuristic, not an identity guarantee.
type Poller struct {
	engine  *engine.Engine
	catalog catalog.Catalog
	store   store.Store

	mu       sync.Mutex
	inflight map[platform.ID]*pollCall
}

type pollCall struct {
	done chan struct{}
	err  error
}

// NewPoller creates a poller over the given engine registry, local
// catalog and sync state store.
func NewPoller(eng *engine.Engine, cat catalog.Catalog, st store.Store) *Poller {
	return &Poller{
		engine:   eng,
		catalog:  cat,
		store:    st,
		inflight: make(map[platform.ID]*pollCall),
	}
}

// Poll runs one reconciliation pass for a platform. At most one pass
// per platform is in flight; a re-entrant call joins the running pass
// and shares its outcome instead of racing it over the same records.
func (p *Poller) Poll(ctx context.Context, id platform.ID) error {
	p.mu.Lock()
	if call, ok := p.inflight[id]; ok {
		p.mu.Unlock()
		slog.Debug("poll already in flight, coalescing", "platform", id)
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &pollCall{done: make(chan struct{})}
	p.inflight[id] = call
	p.mu.Unlock()

	call.err = p.pollOnce(ctx, id)

	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
	close(call.done)

	return call.err
}

// PollAll reconciles every registered remote platform as independent
// tasks with independent failure domains: one platform's error is
// logged and never delays or fails another's pass.
func (p *Poller) PollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range p.engine.Platforms() {
		if id == platform.Editor {
			continue
		}
		wg.Add(1)
		go func(id platform.ID) {
			defer wg.Done()
			if err := p.Poll(ctx, id); err != nil {
				slog.Error("reconciliation failed", "platform", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func (p *Poller) pollOnce(ctx context.Context, id platform.ID) error {
	if id == platform.Editor {
		return fmt.Errorf("cannot reconcile the editor against itself")
	}

	a, ok := p.engine.Adapter(id)
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrUnknownPlatform, id)
	}

	start := time.Now()

	remote, err := a.ListCards(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch outbox: %w", err)
	}

	// Case-insensitive name index over the remote listing. Entries
	// without a name cannot be matched and are left out.
	index := make(map[string]string, len(remote))
	for _, rc := range remote {
		if rc.Name == "" {
			continue
		}
		index[strings.ToLower(rc.Name)] = rc.ID
	}

	locals, err := p.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local cards: %w", err)
	}

	records, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	byFederatedID := make(map[string]*store.CardSyncState, len(records))
	for _, rec := range records {
		byFederatedID[rec.FederatedID] = rec
	}

	now := time.Now()
	matchedBy := make(map[string][]string) // remote id -> local card names
	var linked, unlinked, deleted int

	for _, local := range locals {
		if p.engine.Ignored(local.Name) {
			continue
		}

		federatedID := p.engine.FederatedID(local.ID)
		rec := byFederatedID[federatedID]
		remoteID, matched := index[strings.ToLower(local.Name)]

		switch {
		case matched:
			if rec == nil {
				rec = store.NewCardSyncState(local.ID, federatedID)
			}
			rec.SetPlatform(id, remoteID, now)
			rec.Status = store.StatusSynced
			if err := p.store.Set(ctx, rec); err != nil {
				return fmt.Errorf("failed to save sync state: %w", err)
			}
			matchedBy[remoteID] = append(matchedBy[remoteID], local.Name)
			linked++

		case rec != nil:
			if _, had := rec.PlatformIDs[id]; !had {
				continue
			}
			// The remote counterpart is gone; drop just this
			// platform's link. A record with no links left is
			// meaningless and is deleted whole.
			rec.RemovePlatform(id)
			if len(rec.PlatformIDs) == 0 {
				if err := p.store.Delete(ctx, federatedID); err != nil {
					return fmt.Errorf("failed to delete sync state: %w", err)
				}
				deleted++
			} else {
				if err := p.store.Set(ctx, rec); err != nil {
					return fmt.Errorf("failed to save sync state: %w", err)
				}
				unlinked++
			}
		}
	}

	// Name collisions cannot be disambiguated without a shared
	// identity scheme; surface them instead of guessing.
	for remoteID, names := range matchedBy {
		if len(names) > 1 {
			slog.Warn("multiple local cards matched one remote card by name",
				"platform", id,
				"remote_id", remoteID,
				"cards", strings.Join(names, ", "))
		}
	}

	slog.Info("reconciliation completed",
		"platform", id,
		"remote", len(remote),
		"linked", linked,
		"unlinked", unlinked,
		"deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}
