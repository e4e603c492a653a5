package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cardforge/cardfed/internal/adapter"
	"github.com/cardforge/cardfed/internal/catalog"
	"github.com/cardforge/cardfed/internal/platform"
	"github.com/cardforge/cardfed/internal/store"
)

const testOrigin = "http://origin.test"

// fakeAdapter is an in-memory platform.
type fakeAdapter struct {
	id        platform.ID
	cards     map[string]catalog.Card // remote id -> card
	pushCalls int
	pushErr   error
	nextID    int
}

func newFakeAdapter(id platform.ID) *fakeAdapter {
	return &fakeAdapter{id: id, cards: make(map[string]catalog.Card)}
}

func (f *fakeAdapter) PlatformID() platform.ID { return f.id }

func (f *fakeAdapter) IsAvailable(ctx context.Context) bool { return true }

func (f *fakeAdapter) PushCard(ctx context.Context, card catalog.Card) (string, error) {
	f.pushCalls++
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.nextID++
	remoteID := fmt.Sprintf("%s-%d", f.id, f.nextID)
	f.cards[remoteID] = card
	return remoteID, nil
}

func (f *fakeAdapter) PullCard(ctx context.Context, remoteID string) (*catalog.Card, error) {
	card, ok := f.cards[remoteID]
	if !ok {
		return nil, fmt.Errorf("card %s not found", remoteID)
	}
	return &card, nil
}

func (f *fakeAdapter) ListCards(ctx context.Context) ([]adapter.RemoteCard, error) {
	var out []adapter.RemoteCard
	for id, c := range f.cards {
		out = append(out, adapter.RemoteCard{ID: id, Name: c.Name})
	}
	return out, nil
}

func newTestEngine(t *testing.T, cards ...catalog.Card) (*Engine, *fakeAdapter) {
	t.Helper()

	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	cat := catalog.NewMemory(cards...)
	eng := New(testOrigin, st, nil)
	eng.RegisterPlatform(adapter.NewEditor(cat, cat))

	hub := newFakeAdapter(platform.Hub)
	eng.RegisterPlatform(hub)

	return eng, hub
}

func TestEngine_ActorIdentity(t *testing.T) {
	eng, _ := newTestEngine(t)

	if got := eng.ActorID(); got != testOrigin+"/user" {
		t.Errorf("ActorID = %q, want %q", got, testOrigin+"/user")
	}
	if got := eng.FederatedID("c1"); got != testOrigin+"/cards/c1" {
		t.Errorf("FederatedID = %q, want %q", got, testOrigin+"/cards/c1")
	}
}

func TestEngine_PushCard(t *testing.T) {
	ctx := context.Background()
	eng, hub := newTestEngine(t, catalog.Card{ID: "c1", Name: "Aria"})

	res, err := eng.PushCard(ctx, platform.Editor, "c1", platform.Hub)
	if err != nil {
		t.Fatalf("PushCard failed: %v", err)
	}
	if !res.Success || res.Skipped {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Platform != platform.Hub || res.RemoteID == "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if hub.pushCalls != 1 {
		t.Errorf("expected 1 push call, got %d", hub.pushCalls)
	}

	rec, err := eng.store.Get(ctx, eng.FederatedID("c1"))
	if err != nil {
		t.Fatalf("store read failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected sync state record")
	}
	if rec.PlatformIDs[platform.Hub] != res.RemoteID {
		t.Errorf("platform link = %q, want %q", rec.PlatformIDs[platform.Hub], res.RemoteID)
	}
	if rec.Status != store.StatusSynced {
		t.Errorf("status = %q, want synced", rec.Status)
	}
	if rec.VersionHash == "" {
		t.Error("version hash not recorded")
	}
}

func TestEngine_PushCard_SkipsUnchangedContent(t *testing.T) {
	ctx := context.Background()
	eng, hub := newTestEngine(t, catalog.Card{ID: "c1", Name: "Aria"})

	first, err := eng.PushCard(ctx, platform.Editor, "c1", platform.Hub)
	if err != nil {
		t.Fatalf("first push failed: %v", err)
	}

	second, err := eng.PushCard(ctx, platform.Editor, "c1", platform.Hub)
	if err != nil {
		t.Fatalf("second push failed: %v", err)
	}

	// Content unchanged: the remote call happens only once
	if hub.pushCalls != 1 {
		t.Errorf("expected 1 remote push, got %d", hub.pushCalls)
	}
	if !second.Skipped || !second.Success {
		t.Errorf("second push should report already synced: %+v", second)
	}
	if second.RemoteID != first.RemoteID {
		t.Errorf("skipped push remote id = %q, want %q", second.RemoteID, first.RemoteID)
	}
}

func TestEngine_PushCard_RepushesChangedContent(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemory(catalog.Card{ID: "c1", Name: "Aria"})

	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	eng := New(testOrigin, st, nil)
	eng.RegisterPlatform(adapter.NewEditor(cat, cat))
	hub := newFakeAdapter(platform.Hub)
	eng.RegisterPlatform(hub)

	if _, err := eng.PushCard(ctx, platform.Editor, "c1", platform.Hub); err != nil {
		t.Fatalf("first push failed: %v", err)
	}

	cat.Put(ctx, catalog.Card{ID: "c1", Name: "Aria", Description: "updated"})

	res, err := eng.PushCard(ctx, platform.Editor, "c1", platform.Hub)
	if err != nil {
		t.Fatalf("second push failed: %v", err)
	}
	if res.Skipped {
		t.Error("changed content must not be skipped")
	}
	if hub.pushCalls != 2 {
		t.Errorf("expected 2 remote pushes, got %d", hub.pushCalls)
	}
}

func TestEngine_PushCard_AdapterErrorLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	eng, hub := newTestEngine(t, catalog.Card{ID: "c1", Name: "Aria"})

	hub.pushErr = errors.New("remote exploded")

	res, err := eng.PushCard(ctx, platform.Editor, "c1", platform.Hub)
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if res == nil || res.Success {
		t.Errorf("expected failed result, got %+v", res)
	}
	if res.Error == "" {
		t.Error("result should carry the error detail")
	}

	rec, _ := eng.store.Get(ctx, eng.FederatedID("c1"))
	if rec != nil {
		t.Errorf("failed push must not create sync state, got %+v", rec)
	}
}

func TestEngine_PushCard_UnknownPlatform(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, catalog.Card{ID: "c1", Name: "Aria"})

	_, err := eng.PushCard(ctx, platform.Editor, "c1", platform.Archive)
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestEngine_PullCard(t *testing.T) {
	ctx := context.Background()
	eng, hub := newTestEngine(t)

	hub.cards["hub-42"] = catalog.Card{Name: "Echo", Description: "pulled"}

	res, err := eng.PullCard(ctx, platform.Hub, "hub-42", platform.Editor)
	if err != nil {
		t.Fatalf("PullCard failed: %v", err)
	}
	if !res.Success || res.LocalID == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	// The record is keyed by the materialized local id and holds the
	// source platform link.
	rec, _ := eng.store.Get(ctx, eng.FederatedID(res.LocalID))
	if rec == nil {
		t.Fatal("expected sync state record")
	}
	if rec.PlatformIDs[platform.Hub] != "hub-42" {
		t.Errorf("source link = %q, want hub-42", rec.PlatformIDs[platform.Hub])
	}
}

func TestEngine_UnregisterKeepsHistory(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, catalog.Card{ID: "c1", Name: "Aria"})

	if _, err := eng.PushCard(ctx, platform.Editor, "c1", platform.Hub); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	eng.UnregisterPlatform(platform.Hub)

	for _, id := range eng.Platforms() {
		if id == platform.Hub {
			t.Error("hub still registered after unregister")
		}
	}

	rec, _ := eng.store.Get(ctx, eng.FederatedID("c1"))
	if rec == nil || rec.PlatformIDs[platform.Hub] == "" {
		t.Error("unregistering must not delete historical sync state")
	}
}

func TestEngine_SyncAll(t *testing.T) {
	ctx := context.Background()

	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	cat := catalog.NewMemory(
		catalog.Card{ID: "c1", Name: "Aria"},
		catalog.Card{ID: "c2", Name: "Echo"},
		catalog.Card{ID: "c3", Name: "draft-wip"},
	)
	eng := New(testOrigin, st, []string{"draft-*"})
	eng.RegisterPlatform(adapter.NewEditor(cat, cat))
	hub := newFakeAdapter(platform.Hub)
	eng.RegisterPlatform(hub)

	summary, err := eng.SyncAll(ctx, platform.Hub)
	if err != nil {
		t.Fatalf("SyncAll failed: %v", err)
	}
	if summary.Synced != 2 || summary.Failed != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	// The ignored card never reached the platform
	if hub.pushCalls != 2 {
		t.Errorf("expected 2 pushes, got %d", hub.pushCalls)
	}

	// Second pass: everything unchanged, all skipped
	summary, err = eng.SyncAll(ctx, platform.Hub)
	if err != nil {
		t.Fatalf("second SyncAll failed: %v", err)
	}
	if summary.Skipped != 2 || summary.Synced != 0 {
		t.Errorf("unexpected second summary: %+v", summary)
	}
}

func TestEngine_Ignored(t *testing.T) {
	eng := New(testOrigin, nil, []string{"draft-*", "*.bak"})

	tests := []struct {
		name    string
		ignored bool
	}{
		{"Aria", false},
		{"draft-aria", true},
		{"old.bak", true},
		{"Draft-aria", false}, // patterns are case-sensitive
	}

	for _, tt := range tests {
		if got := eng.Ignored(tt.name); got != tt.ignored {
			t.Errorf("Ignored(%q) = %v, want %v", tt.name, got, tt.ignored)
		}
	}
}
