package federation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cardforge/cardfed/internal/adapter"
	"github.com/cardforge/cardfed/internal/catalog"
	"github.com/cardforge/cardfed/internal/config"
	"github.com/cardforge/cardfed/internal/platform"
)

type storeFixture struct {
	store *Store
	cfg   *config.Config
	cat   *catalog.Memory
	hub   *fakeAdapter

	mu            sync.Mutex
	constructions int
}

// newStoreFixture builds a federation store over temp state, a memory
// catalog and a fake hub adapter. mutate edits the settings snapshot
// persisted before Initialize.
func newStoreFixture(t *testing.T, mutate func(*Settings), cards ...catalog.Card) *storeFixture {
	t.Helper()

	cfg := &config.Config{
		OriginURL:  testOrigin,
		CatalogDir: t.TempDir(),
		StateDir:   t.TempDir(),
		Store:      config.StoreConfig{Backend: "file"},
		Sync:       config.SyncConfig{RequestTimeoutMs: 1000, RetryAttempts: 1, RetryDelayMs: 1},
	}

	settings := DefaultSettings(cfg.OriginURL)
	if mutate != nil {
		mutate(settings)
	}
	if err := SaveSettings(cfg.SettingsPath(), settings); err != nil {
		t.Fatalf("failed to seed settings: %v", err)
	}

	cat := catalog.NewMemory(cards...)
	fx := &storeFixture{
		cfg: cfg,
		cat: cat,
		hub: newFake(platform.Hub),
	}
	fx.store = New(cfg, cat, cat)
	fx.store.newAdapter = func(ac adapter.Config) (adapter.Adapter, error) {
		fx.mu.Lock()
		fx.constructions++
		fx.mu.Unlock()
		if ac.ID == platform.Hub {
			return fx.hub, nil
		}
		return nil, errors.New("adapter construction refused")
	}
	t.Cleanup(func() { fx.store.Close() })
	return fx
}

func enableHub(s *Settings) {
	hub := s.Platforms[platform.Hub]
	hub.Enabled = true
	hub.BaseURL = "http://hub.test"
	s.Platforms[platform.Hub] = hub
}

func hasPlatform(ids []platform.ID, want platform.ID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestStore_InitializeRegistersEnabledPlatforms(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, func(s *Settings) {
		enableHub(s)
		// Enabled but its adapter cannot be constructed; Initialize
		// must skip it, not fail.
		arch := s.Platforms[platform.Archive]
		arch.Enabled = true
		arch.BaseURL = "http://archive.test"
		s.Platforms[platform.Archive] = arch
		// Enabled without a base URL is not registrable
		risu := s.Platforms[platform.Risu]
		risu.Enabled = true
		s.Platforms[platform.Risu] = risu
	})

	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ids := fx.store.Engine().Platforms()
	if !hasPlatform(ids, platform.Editor) {
		t.Error("editor must always be registered")
	}
	if !hasPlatform(ids, platform.Hub) {
		t.Error("enabled hub not registered")
	}
	if hasPlatform(ids, platform.Archive) {
		t.Error("platform with failed adapter construction registered anyway")
	}
	if hasPlatform(ids, platform.Risu) {
		t.Error("platform without base url registered anyway")
	}
}

func TestStore_InitializeIsReentrant(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, enableHub)

	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}

	fx.mu.Lock()
	constructions := fx.constructions
	fx.mu.Unlock()
	if constructions != 1 {
		t.Errorf("re-entrant Initialize rebuilt adapters: %d constructions", constructions)
	}
}

func TestStore_OperationsRequireInitialize(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, nil)

	if _, err := fx.store.SyncCard(ctx, "c1", platform.Hub); err == nil {
		t.Error("SyncCard before Initialize should fail")
	}
	if err := fx.store.RecordManualSync(ctx, "c1", platform.Hub, ""); err == nil {
		t.Error("RecordManualSync before Initialize should fail")
	}
	if fx.store.TestConnection(ctx, platform.Hub) {
		t.Error("TestConnection before Initialize should report false")
	}
	// Must not panic
	fx.store.PollPlatform(ctx, platform.Hub)
}

func TestStore_UpdatePlatformConfigPersists(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, nil)
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	url := "http://hub.test"
	key := "secret"
	if err := fx.store.UpdatePlatformConfig(platform.Hub, PlatformPatch{
		BaseURL: &url,
		APIKey:  &key,
	}); err != nil {
		t.Fatalf("UpdatePlatformConfig failed: %v", err)
	}

	got := fx.store.Settings().Platforms[platform.Hub]
	if got.BaseURL != url || got.APIKey != key {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.Enabled {
		t.Error("unpatched field changed")
	}

	// Other slots untouched
	if fx.store.Settings().Platforms[platform.Archive].BaseURL != "" {
		t.Error("patch leaked into another slot")
	}

	// Persisted immediately
	onDisk, err := LoadSettings(fx.cfg.SettingsPath(), fx.cfg.OriginURL)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if onDisk.Platforms[platform.Hub].BaseURL != url {
		t.Error("patch not persisted to disk")
	}
}

func TestStore_TestConnection(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, enableHub)
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !fx.store.TestConnection(ctx, platform.Editor) {
		t.Error("editor probe should always succeed")
	}

	if !fx.store.TestConnection(ctx, platform.Hub) {
		t.Error("reachable hub reported unconnected")
	}
	slot := fx.store.Settings().Platforms[platform.Hub]
	if !slot.Connected || slot.LastChecked == nil {
		t.Errorf("probe result not written back: %+v", slot)
	}

	fx.hub.available = false
	if fx.store.TestConnection(ctx, platform.Hub) {
		t.Error("unreachable hub reported connected")
	}
	slot = fx.store.Settings().Platforms[platform.Hub]
	if slot.Connected {
		t.Errorf("failed probe not written back: %+v", slot)
	}

	// No base URL: reports false without constructing an adapter
	fx.mu.Lock()
	before := fx.constructions
	fx.mu.Unlock()
	if fx.store.TestConnection(ctx, platform.Risu) {
		t.Error("unconfigured platform reported connected")
	}
	fx.mu.Lock()
	after := fx.constructions
	fx.mu.Unlock()
	if after != before {
		t.Error("probe of unconfigured platform constructed an adapter")
	}
}

func TestStore_ConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, func(s *Settings) {
		// Configured but not enabled yet
		hub := s.Platforms[platform.Hub]
		hub.BaseURL = "http://hub.test"
		s.Platforms[platform.Hub] = hub
	})
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if hasPlatform(fx.store.Engine().Platforms(), platform.Hub) {
		t.Fatal("disabled hub registered at startup")
	}

	ok, err := fx.store.ConnectPlatform(ctx, platform.Hub)
	if err != nil {
		t.Fatalf("ConnectPlatform failed: %v", err)
	}
	if !ok {
		t.Error("connect probe failed against available hub")
	}
	if !hasPlatform(fx.store.Engine().Platforms(), platform.Hub) {
		t.Error("hub not registered after connect")
	}
	slot := fx.store.Settings().Platforms[platform.Hub]
	if !slot.Enabled || !slot.Connected {
		t.Errorf("connect not reflected in settings: %+v", slot)
	}

	// Record some history, then disconnect: the adapter goes away but
	// the sync state stays.
	if err := fx.store.RecordManualSync(ctx, "c1", platform.Hub, "hub-1"); err != nil {
		t.Fatalf("RecordManualSync failed: %v", err)
	}

	if err := fx.store.DisconnectPlatform(platform.Hub); err != nil {
		t.Fatalf("DisconnectPlatform failed: %v", err)
	}
	if hasPlatform(fx.store.Engine().Platforms(), platform.Hub) {
		t.Error("hub still registered after disconnect")
	}
	slot = fx.store.Settings().Platforms[platform.Hub]
	if slot.Enabled || slot.Connected {
		t.Errorf("disconnect not reflected in settings: %+v", slot)
	}

	states := fx.store.SyncStates()
	if len(states) != 1 || states[0].PlatformIDs[platform.Hub] != "hub-1" {
		t.Errorf("disconnect must retain sync history: %+v", states)
	}
}

func TestStore_ConnectFailureRecordsError(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, func(s *Settings) {
		hub := s.Platforms[platform.Hub]
		hub.BaseURL = "http://hub.test"
		s.Platforms[platform.Hub] = hub
	})
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	fx.hub.available = false

	ok, err := fx.store.ConnectPlatform(ctx, platform.Hub)
	if err != nil {
		t.Fatalf("ConnectPlatform failed: %v", err)
	}
	if ok {
		t.Error("connect should report the failed probe")
	}
	if fx.store.LastError() == "" {
		t.Error("failed connect should record a store-level error")
	}
	// The platform stays enabled so a later retry can succeed
	if !fx.store.Settings().Platforms[platform.Hub].Enabled {
		t.Error("failed probe must not disable the platform")
	}
}

func TestStore_SyncCard(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, enableHub, catalog.Card{ID: "c1", Name: "Aria"})
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	res, err := fx.store.SyncCard(ctx, "c1", platform.Hub)
	if err != nil {
		t.Fatalf("SyncCard failed: %v", err)
	}
	if !res.Success || res.RemoteID == "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if fx.store.IsSyncing() {
		t.Error("sync flag stuck after completion")
	}

	states := fx.store.SyncStates()
	if len(states) != 1 || states[0].PlatformIDs[platform.Hub] != res.RemoteID {
		t.Errorf("cache not refreshed after sync: %+v", states)
	}
}

func TestStore_PullCard(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, enableHub)
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	fx.hub.remote = append(fx.hub.remote, adapter.RemoteCard{ID: "hub-42", Name: "Echo"})

	res, err := fx.store.PullCard(ctx, platform.Hub, "hub-42")
	if err != nil {
		t.Fatalf("PullCard failed: %v", err)
	}
	if !res.Success || res.LocalID == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	// The card landed in the local catalog
	if _, err := fx.cat.Get(ctx, res.LocalID); err != nil {
		t.Errorf("pulled card missing from catalog: %v", err)
	}
}

func TestStore_RecordManualSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, enableHub)
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Absent remote id defaults to the local id
	if err := fx.store.RecordManualSync(ctx, "c1", platform.Hub, ""); err != nil {
		t.Fatalf("RecordManualSync failed: %v", err)
	}
	if err := fx.store.RecordManualSync(ctx, "c1", platform.Hub, ""); err != nil {
		t.Fatalf("second RecordManualSync failed: %v", err)
	}

	states := fx.store.SyncStates()
	if len(states) != 1 {
		t.Fatalf("expected one record, got %d", len(states))
	}
	if states[0].PlatformIDs[platform.Hub] != "c1" {
		t.Errorf("remote id should default to local id: %+v", states[0])
	}
}

func TestStore_PollPlatformUpdatesCache(t *testing.T) {
	ctx := context.Background()
	fx := newStoreFixture(t, enableHub, catalog.Card{ID: "c1", Name: "Aria"})
	if err := fx.store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	fx.hub.remote = []adapter.RemoteCard{{ID: "hub-1", Name: "Aria"}}

	fx.store.PollPlatform(ctx, platform.Hub)

	states := fx.store.SyncStates()
	if len(states) != 1 || states[0].PlatformIDs[platform.Hub] != "hub-1" {
		t.Errorf("poll result not in cache: %+v", states)
	}

	// A failing poll records the error but does not raise
	fx.hub.listErr = errors.New("outbox down")
	fx.store.PollPlatform(ctx, platform.Hub)
	if fx.store.LastError() == "" {
		t.Error("failed poll should record a store-level error")
	}
}
