package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Card is the normalized character card representation exchanged with
// platform adapters. The binary card formats themselves are handled
// upstream; by the time a card reaches this subsystem it is plain data.
type Card struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ErrNotFound is returned when a card id is not present in the catalog.
var ErrNotFound = errors.New("card not found")

// Catalog is the read-only view of the local card store. The federation
// subsystem never mutates the catalog through this interface.
type Catalog interface {
	// List returns every card in the catalog.
	List(ctx context.Context) ([]Card, error)

	// Get returns one card by local id.
	Get(ctx context.Context, id string) (*Card, error)
}

// Writer is the write side of a card destination. It is implemented by
// whatever owns the card store; the editor adapter uses it to
// materialize pulled cards.
type Writer interface {
	// Put creates or updates a card and returns its local id.
	Put(ctx context.Context, card Card) (string, error)
}

// Memory is an in-memory catalog, used in tests and as a scratch
// destination for pulled cards.
type Memory struct {
	mu    sync.RWMutex
	cards map[string]Card
}

// NewMemory creates an in-memory catalog seeded with the given cards.
func NewMemory(cards ...Card) *Memory {
	m := &Memory{cards: make(map[string]Card, len(cards))}
	for _, c := range cards {
		m.cards[c.ID] = c
	}
	return m
}

// List returns all cards sorted by id.
func (m *Memory) List(ctx context.Context) ([]Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Card, 0, len(m.cards))
	for _, c := range m.cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one card by id.
func (m *Memory) Get(ctx context.Context, id string) (*Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// Put creates or updates a card.
func (m *Memory) Put(ctx context.Context, card Card) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cards[card.ID] = card
	return card.ID, nil
}
