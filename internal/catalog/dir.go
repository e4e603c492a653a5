package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir is a catalog backed by a directory of JSON card files, one card
// per file, named {id}.json. This is the shape the editor exports cards
// in; the federation subsystem reads it as-is.
type Dir struct {
	root string
}

// NewDir creates a directory-backed catalog rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// List reads every card file in the directory.
func (d *Dir) List(ctx context.Context) ([]Card, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog dir: %w", err)
	}

	var cards []Card
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		card, err := d.readCard(filepath.Join(d.root, e.Name()))
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}

	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	return cards, nil
}

// Get returns one card by local id.
func (d *Dir) Get(ctx context.Context, id string) (*Card, error) {
	card, err := d.readCard(filepath.Join(d.root, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return card, nil
}

// Put writes a card file. Used by the editor adapter when a pull
// materializes a card locally.
func (d *Dir) Put(ctx context.Context, card Card) (string, error) {
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal card: %w", err)
	}

	path := filepath.Join(d.root, card.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write card: %w", err)
	}
	return card.ID, nil
}

func (d *Dir) readCard(path string) (*Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	card := &Card{}
	if err := json.Unmarshal(data, card); err != nil {
		return nil, fmt.Errorf("failed to parse card file %s: %w", filepath.Base(path), err)
	}
	if card.ID == "" {
		card.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return card, nil
}
