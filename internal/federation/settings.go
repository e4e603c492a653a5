package federation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cardforge/cardfed/internal/platform"
)

// PlatformConfig is the persisted configuration of one platform slot.
// Enabled means "attempt to register an adapter"; Connected is the
// cached result of the last successful probe, not a live status.
type PlatformConfig struct {
	ID          platform.ID `json:"id"`
	Name        string      `json:"name"`
	BaseURL     string      `json:"baseUrl"`
	APIKey      string      `json:"apiKey,omitempty"`
	Enabled     bool        `json:"enabled"`
	Connected   bool        `json:"connected"`
	LastChecked *time.Time  `json:"lastChecked,omitempty"`
}

// Settings is the federation configuration snapshot, persisted whole
// under a fixed file and merged over built-in defaults on load.
type Settings struct {
	Platforms           map[platform.ID]PlatformConfig `json:"platforms"`
	AutoSync            bool                           `json:"autoSync"`
	SyncIntervalMinutes int                            `json:"syncIntervalMinutes"`
}

// PlatformPatch is a partial update of one platform slot: only present
// fields overwrite.
type PlatformPatch struct {
	Name        *string
	BaseURL     *string
	APIKey      *string
	Enabled     *bool
	Connected   *bool
	LastChecked *time.Time
}

// Apply merges the patch into a config.
func (p PlatformPatch) Apply(cfg *PlatformConfig) {
	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.BaseURL != nil {
		cfg.BaseURL = *p.BaseURL
	}
	if p.APIKey != nil {
		cfg.APIKey = *p.APIKey
	}
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Connected != nil {
		cfg.Connected = *p.Connected
	}
	if p.LastChecked != nil {
		t := *p.LastChecked
		cfg.LastChecked = &t
	}
}

// DefaultSettings returns the built-in platform slots. Only the editor
// starts enabled; it is this instance and needs no probing.
func DefaultSettings(originURL string) *Settings {
	return &Settings{
		AutoSync:            false,
		SyncIntervalMinutes: 30,
		Platforms: map[platform.ID]PlatformConfig{
			platform.Editor: {
				ID:        platform.Editor,
				Name:      "Local Editor",
				BaseURL:   originURL,
				Enabled:   true,
				Connected: true,
			},
			platform.SillyTavern: {ID: platform.SillyTavern, Name: "SillyTavern"},
			platform.Hub:         {ID: platform.Hub, Name: "Card Hub"},
			platform.Archive:     {ID: platform.Archive, Name: "Card Archive"},
			platform.Risu:        {ID: platform.Risu, Name: "RisuAI"},
			platform.Chub:        {ID: platform.Chub, Name: "Chub"},
			platform.Custom:      {ID: platform.Custom, Name: "Custom Platform"},
		},
	}
}

// LoadSettings reads the snapshot at path merged over defaults, so
// platform slots introduced after the snapshot was written keep their
// default configuration instead of disappearing.
func LoadSettings(path, originURL string) (*Settings, error) {
	settings := DefaultSettings(originURL)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	// Unmarshaling over the pre-filled map replaces persisted slots and
	// leaves the rest at defaults.
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if settings.Platforms == nil {
		settings.Platforms = DefaultSettings(originURL).Platforms
	}
	return settings, nil
}

// SaveSettings writes the snapshot whole, via a temp file rename.
func SaveSettings(path string, settings *Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
