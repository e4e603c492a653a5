package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/cardforge/cardfed/internal/catalog"
	"github.com/cardforge/cardfed/internal/platform"
)

// Fixed API path conventions. The chat-client exposes federation
// through its plugin mount; every other platform serves it natively.
const (
	STBasePath         = "/api/plugins/cforge/federation"
	FederationBasePath = "/api/federation"
)

// Probe paths. The chat-client plugin exposes an actor discovery
// endpoint; other platforms are probed against their outbox.
const (
	STProbePath         = "/actor"
	FederationProbePath = "/outbox"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 2
	defaultDelay    = 500 * time.Millisecond
)

// httpAdapter speaks the federation HTTP API of one platform. Each call
// runs under a bounded timeout with a classified retry policy: server
// errors and timeouts are retried with capped backoff, client errors
// fail immediately.
type httpAdapter struct {
	id        platform.ID
	baseURL   string
	basePath  string
	probePath string
	apiKey    string
	client    *http.Client
	timeout   time.Duration
	attempts  uint64
	delay     time.Duration
}

func newHTTPAdapter(cfg Config, basePath, probePath string) *httpAdapter {
	a := &httpAdapter{
		id:        cfg.ID,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		basePath:  basePath,
		probePath: probePath,
		apiKey:    cfg.APIKey,
		client:    &http.Client{},
		timeout:   defaultTimeout,
		attempts:  defaultAttempts,
		delay:     defaultDelay,
	}
	if cfg.TimeoutMs > 0 {
		a.timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if cfg.RetryAttempts > 0 {
		a.attempts = uint64(cfg.RetryAttempts)
	}
	if cfg.RetryDelayMs > 0 {
		a.delay = time.Duration(cfg.RetryDelayMs) * time.Millisecond
	}
	return a
}

func (a *httpAdapter) PlatformID() platform.ID {
	return a.id
}

// IsAvailable probes the platform's discovery endpoint. Any 2xx means
// the platform is reachable and serving the federation API.
func (a *httpAdapter) IsAvailable(ctx context.Context) bool {
	err := a.doJSON(ctx, http.MethodGet, a.endpoint(a.probePath), nil, nil)
	if err != nil {
		slog.Debug("availability probe failed", "platform", a.id, "error", err)
		return false
	}
	return true
}

// PushCard creates or updates a card on the platform.
func (a *httpAdapter) PushCard(ctx context.Context, card catalog.Card) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.endpoint("/cards"), card, &resp); err != nil {
		return "", fmt.Errorf("failed to push card to %s: %w", a.id, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("platform %s returned no card id", a.id)
	}
	return resp.ID, nil
}

// PullCard fetches a card by its remote id.
func (a *httpAdapter) PullCard(ctx context.Context, remoteID string) (*catalog.Card, error) {
	card := &catalog.Card{}
	path := a.endpoint("/cards/" + url.PathEscape(remoteID))
	if err := a.doJSON(ctx, http.MethodGet, path, nil, card); err != nil {
		return nil, fmt.Errorf("failed to pull card %s from %s: %w", remoteID, a.id, err)
	}
	return card, nil
}

// ListCards fetches the platform's outbox listing.
func (a *httpAdapter) ListCards(ctx context.Context) ([]RemoteCard, error) {
	var raw json.RawMessage
	if err := a.doJSON(ctx, http.MethodGet, a.endpoint("/outbox"), nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list cards on %s: %w", a.id, err)
	}
	return normalizeOutbox(raw)
}

// normalizeOutbox flattens the accepted outbox response shapes (a bare
// array, {cards:[...]} or {items:[...]}) into one list.
func normalizeOutbox(raw json.RawMessage) ([]RemoteCard, error) {
	var cards []RemoteCard
	if err := json.Unmarshal(raw, &cards); err == nil {
		return cards, nil
	}

	var wrapped struct {
		Cards []RemoteCard `json:"cards"`
		Items []RemoteCard `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("unrecognized outbox response shape: %w", err)
	}
	if wrapped.Cards != nil {
		return wrapped.Cards, nil
	}
	return wrapped.Items, nil
}

func (a *httpAdapter) endpoint(path string) string {
	return a.baseURL + a.basePath + path
}

// doJSON performs one API call under the retry policy. A nil out skips
// response decoding.
func (a *httpAdapter) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(a.attempts, retry.NewFibonacci(a.delay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if a.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.apiKey)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			// Transport failures and timeouts are worth another attempt.
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, resp.Body)
			statusErr := &StatusError{Code: resp.StatusCode, Status: resp.Status}
			if statusErr.Retryable() {
				return retry.RetryableError(statusErr)
			}
			return statusErr
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}
