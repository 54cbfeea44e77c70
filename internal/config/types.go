package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"relaybot/internal/health"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Health controls the plugin health-check loop and restart policy.
	Health HealthConfig `json:"health"`

	// Storage enables the sqlite-backed plugin KV store. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// StateFile is where operator enable/disable intent is persisted.
	// Defaults to "plugins.json" next to the config file.
	StateFile string `json:"state_file,omitempty"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HealthConfig mirrors health.Policy with durations as Go duration strings.
// Zero/omitted fields fall back to the policy defaults.
type HealthConfig struct {
	CheckInterval      string `json:"check_interval,omitempty"`
	HeartbeatInterval  string `json:"heartbeat_interval,omitempty"`
	MaxFailures        int    `json:"max_failures,omitempty"`
	MaxRestarts        int    `json:"max_restarts,omitempty"`
	RestartBackoffBase string `json:"restart_backoff_base,omitempty"`
	MaxBackoff         string `json:"max_backoff,omitempty"`
	SuccessThreshold   int    `json:"success_threshold,omitempty"`
}

// Policy converts the section into a health.Policy; invalid duration strings
// are a config error, not a silent default.
func (h HealthConfig) Policy() (health.Policy, error) {
	hb, err := ParseDurationField("health.heartbeat_interval", h.HeartbeatInterval)
	if err != nil {
		return health.Policy{}, err
	}
	base, err := ParseDurationField("health.restart_backoff_base", h.RestartBackoffBase)
	if err != nil {
		return health.Policy{}, err
	}
	maxB, err := ParseDurationField("health.max_backoff", h.MaxBackoff)
	if err != nil {
		return health.Policy{}, err
	}
	return health.Policy{
		MaxFailures:        h.MaxFailures,
		MaxRestarts:        h.MaxRestarts,
		HeartbeatInterval:  hb,
		RestartBackoffBase: base,
		MaxBackoff:         maxB,
		SuccessThreshold:   h.SuccessThreshold,
	}.WithDefaults(), nil
}

// StorageConfig controls the sqlite KV store handed to plugins.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos inside a plugin block are
// caught at reload time instead of being silently ignored.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// Validate rejects configs that cannot possibly run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := c.Health.Policy(); err != nil {
		return err
	}
	if _, err := ParseDurationField("health.check_interval", c.Health.CheckInterval); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
