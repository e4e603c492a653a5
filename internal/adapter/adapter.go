// Package adapter defines the integration boundary to one federation
// platform. Everything platform-specific (URL layout, auth, probe
// semantics) lives behind the Adapter interface; the orchestration
// layers never branch on a platform name.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/cardforge/cardfed/internal/catalog"
	"github.com/cardforge/cardfed/internal/platform"
)

// ErrNotConfigured means a platform was enabled without a base URL.
// Surfaced before any network call is attempted.
var ErrNotConfigured = errors.New("platform has no base URL configured")

// StatusError is a non-2xx response from a platform API.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform returned %s", e.Status)
}

// Retryable reports whether the failure class is worth retrying:
// server-side errors are, client-side errors are not.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500
}

// RemoteCard is one entry of a platform's outbox listing.
type RemoteCard struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Adapter is the capability set every platform integration exposes.
type Adapter interface {
	// PlatformID names the platform this adapter talks to.
	PlatformID() platform.ID

	// IsAvailable is a cheap liveness probe.
	IsAvailable(ctx context.Context) bool

	// PushCard creates or updates a card on the platform and returns
	// its remote id. Idempotency is the platform's own concern.
	PushCard(ctx context.Context, card catalog.Card) (string, error)

	// PullCard fetches a normalized card by remote id.
	PullCard(ctx context.Context, remoteID string) (*catalog.Card, error)

	// ListCards enumerates the cards the platform currently holds
	// (its outbox), the ground truth used during reconciliation.
	ListCards(ctx context.Context) ([]RemoteCard, error)
}

// Config carries what a concrete adapter needs from platform settings.
type Config struct {
	ID      platform.ID
	BaseURL string
	APIKey  string

	// Call hardening; zero values fall back to adapter defaults.
	TimeoutMs     int
	RetryAttempts int
	RetryDelayMs  int
}

// New constructs the adapter for a remote platform. The editor adapter
// is not built here; it wraps the local catalog and is registered
// unconditionally by the federation store.
func New(cfg Config) (Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, cfg.ID)
	}

	switch cfg.ID {
	case platform.Editor:
		return nil, fmt.Errorf("editor adapter is constructed from the local catalog")
	case platform.SillyTavern:
		return newHTTPAdapter(cfg, STBasePath, STProbePath), nil
	default:
		return newHTTPAdapter(cfg, FederationBasePath, FederationProbePath), nil
	}
}
