package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"relaybot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections, safe structured
// attrs for logging (never secrets), and the names of plugins whose enable
// flag or config block changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	// Telegram (never log the token).
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Int("health.max_failures", newCfg.Health.MaxFailures),
			logx.Int("health.max_restarts", newCfg.Health.MaxRestarts),
		)
	}

	// Storage: nil means disabled.
	var oPath, nPath, oBusy, nBusy string
	if oldCfg.Storage != nil {
		oPath, oBusy = strings.TrimSpace(oldCfg.Storage.Path), strings.TrimSpace(oldCfg.Storage.BusyTimeout)
	}
	if newCfg.Storage != nil {
		nPath, nBusy = strings.TrimSpace(newCfg.Storage.Path), strings.TrimSpace(newCfg.Storage.BusyTimeout)
	}
	if oPath != nPath || oBusy != nBusy {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.enabled", nPath != ""))
	}

	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o.Enabled != n.Enabled || canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// canonicalHashJSON hashes raw JSON after a decode/encode round trip so
// formatting-only edits do not count as changes.
func canonicalHashJSON(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}
