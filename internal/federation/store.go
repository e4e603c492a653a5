// Package federation owns the synchronization of the local card
// catalog onto independent third-party platforms: settings, adapter
// registration, push/pull orchestration and outbox reconciliation.
package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cardforge/cardfed/internal/adapter"
	"github.com/cardforge/cardfed/internal/catalog"
	"github.com/cardforge/cardfed/internal/config"
	"github.com/cardforge/cardfed/internal/engine"
	"github.com/cardforge/cardfed/internal/platform"
	"github.com/cardforge/cardfed/internal/store"
)

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateReady
)

// Store is the federation orchestrator. It is an explicit service
// object: the composition root constructs exactly one and passes it by
// reference to every consumer.
type Store struct {
	cfg     *config.Config
	catalog catalog.Catalog
	writer  catalog.Writer

	mu        sync.Mutex
	state     initState
	settings  *Settings
	syncStore store.Store
	engine    *engine.Engine
	poller    *Poller
	cache     map[string]*store.CardSyncState
	isSyncing bool
	lastError string

	// Injection points for tests.
	newAdapter   func(adapter.Config) (adapter.Adapter, error)
	newSyncStore func(ctx context.Context) (store.Store, error)
}

// New creates an uninitialized federation store. writer may be nil for
// read-only deployments.
func New(cfg *config.Config, cat catalog.Catalog, writer catalog.Writer) *Store {
	s := &Store{
		cfg:        cfg,
		catalog:    cat,
		writer:     writer,
		cache:      make(map[string]*store.CardSyncState),
		newAdapter: adapter.New,
	}
	s.newSyncStore = func(ctx context.Context) (store.Store, error) {
		if cfg.Store.Backend == "postgres" {
			return store.NewPostgresStore(ctx, &cfg.Store.Database)
		}
		return store.NewFileStore(cfg.SyncStatePath())
	}
	return s
}

// Initialize loads settings, constructs the sync state store and
// engine, and registers an adapter for every enabled platform. It is
// re-entrant: calling it while ready is a no-op. A platform whose
// adapter cannot be constructed is skipped without failing the rest.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUninitialized {
		return nil
	}
	s.state = stateInitializing

	settings, err := LoadSettings(s.cfg.SettingsPath(), s.cfg.OriginURL)
	if err != nil {
		s.state = stateUninitialized
		return fmt.Errorf("failed to load federation settings: %w", err)
	}

	syncStore, err := s.newSyncStore(ctx)
	if err != nil {
		s.state = stateUninitialized
		return fmt.Errorf("failed to open sync state store: %w", err)
	}

	eng := engine.New(s.cfg.OriginURL, syncStore, s.cfg.IgnorePatterns)

	// The editor is always a federation participant.
	eng.RegisterPlatform(adapter.NewEditor(s.catalog, s.writer))

	for id, pc := range settings.Platforms {
		if id == platform.Editor || !pc.Enabled || pc.BaseURL == "" {
			continue
		}
		a, err := s.newAdapter(s.adapterConfig(pc))
		if err != nil {
			slog.Warn("skipping platform, adapter construction failed",
				"platform", id, "error", err)
			continue
		}
		eng.RegisterPlatform(a)
	}

	s.settings = settings
	s.syncStore = syncStore
	s.engine = eng
	s.poller = NewPoller(eng, s.catalog, syncStore)
	s.state = stateReady

	s.refreshCacheLocked(ctx)

	slog.Info("federation store initialized",
		"actor", eng.ActorID(),
		"platforms", len(eng.Platforms()))
	return nil
}

// Reinitialize tears the current engine down and runs Initialize
// again, picking up settings changes.
func (s *Store) Reinitialize(ctx context.Context) error {
	s.mu.Lock()
	if s.syncStore != nil {
		s.syncStore.Close()
		s.syncStore = nil
	}
	s.state = stateUninitialized
	s.mu.Unlock()

	return s.Initialize(ctx)
}

// Close releases the sync state backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = stateUninitialized
	if s.syncStore == nil {
		return nil
	}
	err := s.syncStore.Close()
	s.syncStore = nil
	return err
}

func (s *Store) adapterConfig(pc PlatformConfig) adapter.Config {
	return adapter.Config{
		ID:            pc.ID,
		BaseURL:       pc.BaseURL,
		APIKey:        pc.APIKey,
		TimeoutMs:     s.cfg.Sync.RequestTimeoutMs,
		RetryAttempts: s.cfg.Sync.RetryAttempts,
		RetryDelayMs:  s.cfg.Sync.RetryDelayMs,
	}
}

func (s *Store) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady {
		return fmt.Errorf("federation store is not initialized")
	}
	return nil
}

// Engine exposes the sync engine for direct push/pull use.
func (s *Store) Engine() *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Settings returns a copy of the current settings snapshot.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings == nil {
		return Settings{}
	}
	out := Settings{
		AutoSync:            s.settings.AutoSync,
		SyncIntervalMinutes: s.settings.SyncIntervalMinutes,
		Platforms:           make(map[platform.ID]PlatformConfig, len(s.settings.Platforms)),
	}
	for id, pc := range s.settings.Platforms {
		out.Platforms[id] = pc
	}
	return out
}

// SyncStates returns the cached sync state records.
func (s *Store) SyncStates() []*store.CardSyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.CardSyncState, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, rec.Clone())
	}
	return out
}

// IsSyncing reports whether a user-triggered sync is in progress.
func (s *Store) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSyncing
}

// LastError returns the store-level error string, if any.
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// UpdatePlatformConfig merges a partial update into one platform slot
// and persists the snapshot immediately. Other slots are untouched.
func (s *Store) UpdatePlatformConfig(id platform.ID, patch PlatformPatch) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.settings.Platforms[id]
	if !ok {
		pc = PlatformConfig{ID: id, Name: string(id)}
	}
	patch.Apply(&pc)
	s.settings.Platforms[id] = pc

	if err := SaveSettings(s.cfg.SettingsPath(), s.settings); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}

// TestConnection probes one platform and writes {connected,
// lastChecked} back into its slot regardless of outcome. It never
// fails; an unreachable or unconfigured platform just reports false.
func (s *Store) TestConnection(ctx context.Context, id platform.ID) bool {
	if err := s.ready(); err != nil {
		return false
	}

	s.mu.Lock()
	pc, ok := s.settings.Platforms[id]
	s.mu.Unlock()

	connected := false
	switch {
	case !ok || pc.BaseURL == "":
		// Nothing to probe; abort before any network call.
	case id == platform.Editor:
		connected = true
	default:
		// Probe on a freshly constructed adapter so a stale registry
		// entry cannot mask a config change.
		a, err := s.newAdapter(s.adapterConfig(pc))
		if err == nil {
			connected = a.IsAvailable(ctx)
		}
	}

	now := time.Now()
	if err := s.UpdatePlatformConfig(id, PlatformPatch{
		Connected:   &connected,
		LastChecked: &now,
	}); err != nil {
		slog.Warn("failed to persist connection result", "platform", id, "error", err)
	}

	slog.Info("connection tested", "platform", id, "connected", connected)
	return connected
}

// ConnectPlatform enables a platform, re-initializes so its adapter is
// registered, and probes it. A failed probe records a store-level
// error but leaves the platform enabled.
func (s *Store) ConnectPlatform(ctx context.Context, id platform.ID) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}

	enabled := true
	if err := s.UpdatePlatformConfig(id, PlatformPatch{Enabled: &enabled}); err != nil {
		return false, err
	}

	if err := s.Reinitialize(ctx); err != nil {
		return false, err
	}

	ok := s.TestConnection(ctx, id)
	if !ok {
		s.mu.Lock()
		s.lastError = fmt.Sprintf("failed to connect to %s", id)
		s.mu.Unlock()
	}
	return ok, nil
}

// DisconnectPlatform disables a platform and unregisters its adapter.
// Existing sync state history is retained.
func (s *Store) DisconnectPlatform(id platform.ID) error {
	if err := s.ready(); err != nil {
		return err
	}

	disabled := false
	if err := s.UpdatePlatformConfig(id, PlatformPatch{
		Enabled:   &disabled,
		Connected: &disabled,
	}); err != nil {
		return err
	}

	s.Engine().UnregisterPlatform(id)
	return nil
}

// SyncCard pushes one local card to a target platform.
func (s *Store) SyncCard(ctx context.Context, localID string, target platform.ID) (*engine.SyncResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.isSyncing = true
	s.mu.Unlock()

	res, err := s.Engine().PushCard(ctx, platform.Editor, localID, target)

	s.mu.Lock()
	s.isSyncing = false
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	s.refreshCache(ctx)
	return res, err
}

// PullCard fetches a card from a remote platform into the editor.
func (s *Store) PullCard(ctx context.Context, source platform.ID, remoteID string) (*engine.SyncResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	res, err := s.Engine().PullCard(ctx, source, remoteID, platform.Editor)
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
	}

	s.refreshCache(ctx)
	return res, err
}

// RecordManualSync books a sync performed outside the engine, through
// some bespoke channel. Idempotent: identical calls converge on one
// record. An absent remote id defaults to the local id.
func (s *Store) RecordManualSync(ctx context.Context, localID string, id platform.ID, remoteID string) error {
	if err := s.ready(); err != nil {
		return err
	}

	if remoteID == "" {
		remoteID = localID
	}

	federatedID := s.Engine().FederatedID(localID)

	s.mu.Lock()
	syncStore := s.syncStore
	s.mu.Unlock()

	rec, err := syncStore.Get(ctx, federatedID)
	if err != nil {
		return fmt.Errorf("failed to read sync state: %w", err)
	}
	if rec == nil {
		rec = store.NewCardSyncState(localID, federatedID)
	}
	rec.SetPlatform(id, remoteID, time.Now())
	rec.Status = store.StatusSynced

	if err := syncStore.Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}

	s.refreshCache(ctx)
	return nil
}

// PollPlatform runs one reconciliation pass for a platform. Failures
// are recorded and logged, never raised: reconciliation must not block
// anything else.
func (s *Store) PollPlatform(ctx context.Context, id platform.ID) {
	if err := s.ready(); err != nil {
		return
	}

	s.mu.Lock()
	poller := s.poller
	s.mu.Unlock()

	if err := poller.Poll(ctx, id); err != nil {
		slog.Error("reconciliation failed", "platform", id, "error", err)
		s.mu.Lock()
		s.lastError = fmt.Sprintf("reconciliation of %s failed: %v", id, err)
		s.mu.Unlock()
	}

	s.refreshCache(ctx)
}

// PollAllPlatforms reconciles every registered remote platform.
func (s *Store) PollAllPlatforms(ctx context.Context) {
	if err := s.ready(); err != nil {
		return
	}

	s.mu.Lock()
	poller := s.poller
	s.mu.Unlock()

	poller.PollAll(ctx)
	s.refreshCache(ctx)
}

func (s *Store) refreshCache(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCacheLocked(ctx)
}

func (s *Store) refreshCacheLocked(ctx context.Context) {
	if s.syncStore == nil {
		return
	}
	records, err := s.syncStore.List(ctx)
	if err != nil {
		slog.Warn("failed to refresh sync state cache", "error", err)
		return
	}
	cache := make(map[string]*store.CardSyncState, len(records))
	for _, rec := range records {
		cache[rec.FederatedID] = rec
	}
	s.cache = cache
}
