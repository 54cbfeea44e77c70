package telegram

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"relaybot/internal/core"
)

func statusIcon(s core.Status) string {
	switch s {
	case core.StatusRunning:
		return "🟢"
	case core.StatusFailed:
		return "🔴"
	case core.StatusDisabled:
		return "⛔"
	case core.StatusStopped, core.StatusLoaded:
		return "⚪"
	default:
		return "🟡"
	}
}

func formatPluginList(all map[string]core.Snapshot) string {
	if len(all) == 0 {
		return "no plugins loaded"
	}
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("*Plugins*\n")
	for _, n := range names {
		snap := all[n]
		fmt.Fprintf(&b, "%s `%s` — %s", statusIcon(snap.Status), n, snap.Status)
		if snap.StartTime != nil {
			fmt.Fprintf(&b, " (up %s)", time.Since(*snap.StartTime).Round(time.Second))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatPluginInfo(snap core.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* %s\n", snap.Name, snap.Meta.Version)
	if snap.Meta.Description != "" {
		b.WriteString(snap.Meta.Description)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "status: %s %s\n", statusIcon(snap.Status), snap.Status)
	if snap.StartTime != nil {
		fmt.Fprintf(&b, "uptime: %s\n", time.Since(*snap.StartTime).Round(time.Second))
	}
	if len(snap.Meta.Dependencies) > 0 {
		deps := make([]string, 0, len(snap.Meta.Dependencies))
		for _, d := range snap.Meta.Dependencies {
			s := d.Name
			if d.Optional {
				s += "?"
			}
			deps = append(deps, s)
		}
		fmt.Fprintf(&b, "deps: %s\n", strings.Join(deps, ", "))
	}
	fmt.Fprintf(&b, "health: failures=%d restarts=%d\n",
		snap.Health.FailureCount, snap.Health.RestartCount)
	if snap.LastError != "" {
		fmt.Fprintf(&b, "last error: %s\n", snap.LastError)
	}
	for _, task := range snap.Tasks {
		fmt.Fprintf(&b, "task `%s`: runs=%d errors=%d\n", task.Name, task.RunCount, task.ErrorCount)
	}
	return b.String()
}

func formatStats(st core.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Plugin stats*: %d total, %d running, %d failed\n",
		st.TotalPlugins, st.RunningPlugins, st.FailedPlugins)

	names := make([]string, 0, len(st.PerPlugin))
	for n := range st.PerPlugin {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ps := st.PerPlugin[n]
		fmt.Fprintf(&b, "`%s` %s", n, ps.Status)
		if ps.Uptime > 0 {
			fmt.Fprintf(&b, " up %s", ps.Uptime.Round(time.Second))
		}
		if ps.TaskRuns > 0 || ps.TaskErrors > 0 {
			fmt.Fprintf(&b, " tasks %d/%d err", ps.TaskRuns, ps.TaskErrors)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
