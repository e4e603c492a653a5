package store

import (
	"context"
	"time"

	"github.com/cardforge/cardfed/internal/platform"
)

// Status is the sync lifecycle state of a card record.
type Status string

const (
	StatusSynced   Status = "synced"
	StatusPending  Status = "pending"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// CardSyncState tracks one local card's known identity and sync history
// on every connected platform. PlatformIDs and LastSync are parallel
// maps; an entry exists in one only when meaningful data exists in
// both. A record whose PlatformIDs map empties is deleted outright.
type CardSyncState struct {
	LocalID     string                    `json:"localId"`
	FederatedID string                    `json:"federatedId"`
	PlatformIDs map[platform.ID]string    `json:"platformIds"`
	LastSync    map[platform.ID]time.Time `json:"lastSync"`
	VersionHash string                    `json:"versionHash"`
	Status      Status                    `json:"status"`
}

// NewCardSyncState creates an empty record for a local card.
func NewCardSyncState(localID, federatedID string) *CardSyncState {
	return &CardSyncState{
		LocalID:     localID,
		FederatedID: federatedID,
		PlatformIDs: make(map[platform.ID]string),
		LastSync:    make(map[platform.ID]time.Time),
		Status:      StatusPending,
	}
}

// SetPlatform records a platform link and its sync timestamp.
func (s *CardSyncState) SetPlatform(id platform.ID, remoteID string, at time.Time) {
	if s.PlatformIDs == nil {
		s.PlatformIDs = make(map[platform.ID]string)
	}
	if s.LastSync == nil {
		s.LastSync = make(map[platform.ID]time.Time)
	}
	s.PlatformIDs[id] = remoteID
	s.LastSync[id] = at
}

// RemovePlatform drops a platform link and its timestamp together.
func (s *CardSyncState) RemovePlatform(id platform.ID) {
	delete(s.PlatformIDs, id)
	delete(s.LastSync, id)
}

// Clone returns a deep copy so cached records can be handed out without
// aliasing the store's maps.
func (s *CardSyncState) Clone() *CardSyncState {
	out := &CardSyncState{
		LocalID:     s.LocalID,
		FederatedID: s.FederatedID,
		VersionHash: s.VersionHash,
		Status:      s.Status,
		PlatformIDs: make(map[platform.ID]string, len(s.PlatformIDs)),
		LastSync:    make(map[platform.ID]time.Time, len(s.LastSync)),
	}
	for k, v := range s.PlatformIDs {
		out.PlatformIDs[k] = v
	}
	for k, v := range s.LastSync {
		out.LastSync[k] = v
	}
	return out
}

// Store persists CardSyncState records keyed by federated id. Writes
// are atomic per key and last-writer-wins; no operation spans keys.
type Store interface {
	// List returns every record.
	List(ctx context.Context) ([]*CardSyncState, error)

	// Get returns the record for a federated id, or nil if absent.
	Get(ctx context.Context, federatedID string) (*CardSyncState, error)

	// Set upserts a record keyed by its federated id.
	Set(ctx context.Context, record *CardSyncState) error

	// Delete removes a record. Deleting an absent key is not an error.
	Delete(ctx context.Context, federatedID string) error

	// FindByPlatformID returns the record holding the given remote id
	// for a platform, or nil if none does.
	FindByPlatformID(ctx context.Context, id platform.ID, remoteID string) (*CardSyncState, error)

	// Close releases backend resources.
	Close() error
}
