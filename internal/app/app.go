// Package app wires the bot together: config, logging, storage, the plugin
// manager, the Telegram transport and the background loops.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/core"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/statefile"
	"relaybot/internal/transport/telegram"
	"relaybot/pkg/logx"
	"relaybot/pkg/store"
)

type App struct {
	cfgPath string

	cfgm  *config.Manager
	logs  *logx.Service
	log   logx.Logger
	kv    *store.Store
	state *statefile.File
	mgr   *core.Manager
	bot   *telegram.Bot

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Relay: logx.RelayConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	log = log.With(logx.String("comp", "app"))

	var kv *store.Store
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.Path) != "" {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		kv, err = store.Open(store.Config{
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("path", cfg.Storage.Path))
	}

	statePath := strings.TrimSpace(cfg.StateFile)
	if statePath == "" {
		statePath = filepath.Join(filepath.Dir(cfgPath), "plugins.json")
	}
	state, err := statefile.Load(statePath)
	if err != nil {
		return nil, fmt.Errorf("load state file: %w", err)
	}

	policy, err := cfg.Health.Policy()
	if err != nil {
		return nil, err
	}
	checkInterval, err := config.ParseDurationOrDefault("health.check_interval",
		cfg.Health.CheckInterval, policy.HeartbeatInterval)
	if err != nil {
		return nil, err
	}

	mgr := core.NewManager(core.Options{
		Log:           log.With(logx.String("comp", "plugins")),
		Policy:        policy,
		CheckInterval: checkInterval,
		State:         state,
		KV:            kv,
	})

	bot, err := telegram.New(cfg.Telegram, mgr, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	mgr.SetNotifier(bot)
	logSvc.SetRelay(bot)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		kv:      kv,
		state:   state,
		mgr:     mgr,
		bot:     bot,
	}, nil
}

// Register adds plugin factories; call before Start.
func (a *App) Register(name string, f core.Factory) { a.mgr.Register(name, f) }

func (a *App) Plugins() *core.Manager { return a.mgr }

// Done is closed when the app's run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.mgr.SetConfigs(pluginTable(cfg))
	for _, name := range a.mgr.Discover() {
		pc, ok := cfg.Plugins[name]
		if !ok || !pc.Enabled {
			continue
		}
		if !a.mgr.ShouldAutoStart(name) {
			a.log.Info("plugin disabled by operator; skipping", logx.String("plugin", name))
			continue
		}
		if err := a.mgr.Load(a.sup.Context(), name); err != nil {
			a.log.Error("plugin load failed; continuing", logx.String("plugin", name), logx.Err(err))
		}
	}
	a.mgr.StartAll(a.sup.Context())

	a.sup.Go("telegram", a.bot.Run)
	a.sup.Go("health", a.mgr.RunHealthLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
		return nil
	})

	notifyReady(a.log)
	a.sup.Go("watchdog", runWatchdog)

	a.log.Info("app started", logx.Int("plugins", len(a.mgr.Discover())))
	return nil
}

// reloadLoop applies hot config reloads: logging sinks immediately, plugin
// enable flags and config blocks through the manager.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest version matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
					continue
				default:
				}
				break
			}

			sections, attrs, pluginChanged := config.SummarizeChange(last, newCfg)
			last = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received; no effective changes")
				continue
			}

			for _, s := range sections {
				if s == "storage" || s == "telegram" {
					a.log.Warn("section requires restart to take effect", logx.String("section", s))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
				Relay: logx.RelayConfig{
					Enabled:    newCfg.Logging.Telegram.Enabled,
					MinLevel:   newCfg.Logging.Telegram.MinLevel,
					RatePerSec: newCfg.Logging.Telegram.RatePerSec,
				},
			})

			if len(pluginChanged) > 0 {
				a.log.Info("applying plugin config changes", logx.Any("plugins", pluginChanged))
				a.mgr.Reconcile(ctx, pluginTable(newCfg))
			}

			fields := append([]logx.Field{
				logx.String("changed", strings.Join(sections, ",")),
			}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	notifyStopping(a.log)

	// Cancel the run context first so loops start unwinding, then take the
	// plugins down in dependency order.
	a.sup.Cancel()
	a.mgr.Shutdown(ctx)
	a.bot.Shutdown(ctx)

	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.sup.Wait(wctx); err != nil && err != context.DeadlineExceeded {
		a.log.Warn("supervisor wait", logx.Err(err))
	}

	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.log.Warn("store close", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func pluginTable(cfg *config.Config) map[string]core.PluginConfig {
	out := make(map[string]core.PluginConfig, len(cfg.Plugins))
	for name, pc := range cfg.Plugins {
		out[name] = core.PluginConfig{Enabled: pc.Enabled, Config: pc.Config}
	}
	return out
}
