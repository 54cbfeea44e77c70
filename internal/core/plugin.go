package core

import (
	"context"
	"encoding/json"

	"relaybot/internal/services/scheduler"
	"relaybot/pkg/logx"
	"relaybot/pkg/store"
)

// Plugin is the contract every relaybot plugin implements.
//
// All hooks are called by the lifecycle manager with panic containment: a
// panic or error from any hook marks the plugin FAILED (or counts as a
// failed probe) and never escapes into the host. Plugins without a
// meaningful health check can embed pluginkit.Base for an always-healthy
// default.
type Plugin interface {
	// Metadata describes the plugin; it must be cheap and side-effect free.
	Metadata() Metadata
	// Init prepares the plugin and registers its scheduled tasks through
	// deps.Tasks. It runs once per load, before Start.
	Init(ctx context.Context, deps Deps) error
	// Start begins the plugin's work. ctx is the plugin's run context and
	// is cancelled when the plugin stops.
	Start(ctx context.Context) error
	// Stop ends the plugin's work. Task loops are already stopped when it
	// is called.
	Stop(ctx context.Context) error
	// HealthCheck is the periodic liveness probe. A nil return is healthy.
	HealthCheck(ctx context.Context) error
	// Cleanup releases resources on unload, after Stop.
	Cleanup(ctx context.Context) error
}

// Priority orders plugin startup among unblocked plugins: lower values
// start earlier.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 10
	PriorityNormal   Priority = 50
	PriorityLow      Priority = 90
)

// Dependency names another plugin this one needs. A non-optional dependency
// must be RUNNING before the dependent may start; an optional one only
// influences ordering when present.
type Dependency struct {
	Name     string
	Optional bool
}

// Metadata describes a plugin to the host.
type Metadata struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Priority     Priority
	Dependencies []Dependency
	Enabled      bool
}

// Notifier delivers operator-facing messages; implemented by the transport
// adapter. May be nil when no transport is configured.
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

// Deps is handed to every plugin at Init.
type Deps struct {
	// Logger is pre-scoped with the plugin name.
	Logger logx.Logger
	// Tasks is the plugin's own task scheduler. Tasks registered during
	// Init start when the plugin reaches RUNNING and stop before it
	// leaves RUNNING.
	Tasks *scheduler.Service
	// KV is the plugin's persisted key/value namespace.
	KV *store.Namespace
	// Notify sends messages to the operator chat; may be nil.
	Notify Notifier
	// Config is the opaque per-plugin config block; not interpreted by
	// the host.
	Config json.RawMessage
}

// Factory constructs a fresh plugin instance. The manager instantiates
// plugins from a build-time factory table rather than reflection.
type Factory func() Plugin

// PluginConfig is the host-side per-plugin configuration.
type PluginConfig struct {
	Enabled bool
	Config  json.RawMessage
}
