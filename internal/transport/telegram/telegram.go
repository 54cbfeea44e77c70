// Package telegram is the operator transport: it relays notifications to
// the log group and exposes the plugin lifecycle over bot commands.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/config"
	"relaybot/internal/core"
	"relaybot/pkg/logx"
)

// Bot wraps telebot with the lifecycle commands and the Notifier surface.
// It implements core.Notifier and logx.Sender.
type Bot struct {
	bot *tele.Bot
	mgr *core.Manager
	log logx.Logger

	owners   map[int64]bool
	groupLog int64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg config.TelegramConfig, mgr *core.Manager, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	owners := make(map[int64]bool, len(cfg.OwnerUserIDs))
	for _, id := range cfg.OwnerUserIDs {
		owners[id] = true
	}

	var groupLog int64
	if s := strings.TrimSpace(cfg.GroupLog); s != "" {
		groupLog, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.New("telegram.group_log must be a numeric chat id")
		}
	}

	tb := &Bot{bot: b, mgr: mgr, log: log, owners: owners, groupLog: groupLog}
	tb.registerHandlers()
	return tb, nil
}

// SendText delivers text to the log group. It backs both operator
// notifications and the log relay sink.
func (t *Bot) SendText(ctx context.Context, text string) error {
	if t.groupLog == 0 {
		return errors.New("telegram.group_log not configured")
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.groupLog}, text)
	return err
}

// Run polls Telegram until ctx is cancelled; meant to run under the
// supervisor.
func (t *Bot) Run(ctx context.Context) error {
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return nil
	}
	t.running = true
	rctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.runMu.Unlock()

	go func() {
		<-rctx.Done()
		t.bot.Stop()
	}()

	t.log.Info("telegram polling started")
	t.bot.Start() // blocks until Stop
	close(t.done)
	t.log.Info("telegram polling stopped")
	return nil
}

// Shutdown stops polling; it returns once the poll loop exits or the grace
// window elapses, whichever is first. Long-poll may take a poll timeout to
// notice, so shutdown never waits on it fully.
func (t *Bot) Shutdown(ctx context.Context) {
	t.runMu.Lock()
	cancel := t.cancel
	done := t.done
	wasRunning := t.running
	t.running = false
	t.cancel = nil
	t.runMu.Unlock()

	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}

	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-grace.C:
		t.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
}

func (t *Bot) isOwner(c tele.Context) bool {
	s := c.Sender()
	return s != nil && t.owners[s.ID]
}

func (t *Bot) registerHandlers() {
	t.bot.Handle("/plugins", func(c tele.Context) error {
		if !t.isOwner(c) {
			return nil
		}
		return c.Send(formatPluginList(t.mgr.All()), tele.ModeMarkdown)
	})

	t.bot.Handle("/plugin", func(c tele.Context) error {
		if !t.isOwner(c) {
			return nil
		}
		args := c.Args()
		if len(args) < 2 {
			return c.Send("usage: /plugin <start|stop|restart|enable|disable|info> <name>")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return c.Send(t.execPluginCommand(ctx, args[0], args[1]), tele.ModeMarkdown)
	})

	t.bot.Handle("/stats", func(c tele.Context) error {
		if !t.isOwner(c) {
			return nil
		}
		return c.Send(formatStats(t.mgr.GetStats()), tele.ModeMarkdown)
	})
}

// execPluginCommand runs one lifecycle verb against the manager and renders
// the outcome as a chat reply.
func (t *Bot) execPluginCommand(ctx context.Context, verb, name string) string {
	var err error
	switch strings.ToLower(verb) {
	case "start":
		err = t.mgr.Start(ctx, name)
	case "stop":
		err = t.mgr.Stop(ctx, name)
	case "restart":
		err = t.mgr.Restart(ctx, name)
	case "enable":
		err = t.mgr.Enable(ctx, name)
	case "disable":
		err = t.mgr.Disable(ctx, name)
	case "info":
		snap, ok := t.mgr.Info(name)
		if !ok {
			return "plugin `" + name + "` is not loaded"
		}
		return formatPluginInfo(snap)
	default:
		return "unknown action `" + verb + "`; use start, stop, restart, enable, disable or info"
	}
	if err != nil {
		return "❌ " + verb + " " + name + ": " + err.Error()
	}
	return "✅ " + verb + " " + name + " done"
}
