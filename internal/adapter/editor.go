package adapter

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cardforge/cardfed/internal/catalog"
	"github.com/cardforge/cardfed/internal/platform"
)

// editorAdapter represents this instance as a federation participant.
// It is always registered; its "remote" ids are plain local card ids.
type editorAdapter struct {
	catalog catalog.Catalog
	writer  catalog.Writer
}

// NewEditor wraps the local catalog as the editor platform adapter.
// writer may be nil for read-only deployments; pulls into the editor
// then fail with an explicit error instead of mutating the catalog.
func NewEditor(cat catalog.Catalog, writer catalog.Writer) Adapter {
	return &editorAdapter{catalog: cat, writer: writer}
}

func (e *editorAdapter) PlatformID() platform.ID {
	return platform.Editor
}

// IsAvailable always holds: the editor is this process.
func (e *editorAdapter) IsAvailable(ctx context.Context) bool {
	return true
}

// PushCard materializes a card in the local store and returns its
// local id, minting one when the card arrives without.
func (e *editorAdapter) PushCard(ctx context.Context, card catalog.Card) (string, error) {
	if e.writer == nil {
		return "", fmt.Errorf("local card store is read-only")
	}
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	id, err := e.writer.Put(ctx, card)
	if err != nil {
		return "", fmt.Errorf("failed to store card locally: %w", err)
	}
	return id, nil
}

// PullCard reads a card from the local catalog.
func (e *editorAdapter) PullCard(ctx context.Context, remoteID string) (*catalog.Card, error) {
	card, err := e.catalog.Get(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to read local card %s: %w", remoteID, err)
	}
	return card, nil
}

// ListCards enumerates the local catalog.
func (e *editorAdapter) ListCards(ctx context.Context) ([]RemoteCard, error) {
	cards, err := e.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteCard, 0, len(cards))
	for _, c := range cards {
		out = append(out, RemoteCard{ID: c.ID, Name: c.Name})
	}
	return out, nil
}
