package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/pkg/logx"
)

// notifyReady tells systemd the service is up. A no-op outside systemd
// (NOTIFY_SOCKET unset).
func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify: ready")
	}
}

func notifyStopping(log logx.Logger) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// runWatchdog pets the systemd watchdog at half the configured interval.
// It returns immediately when no watchdog is configured.
func runWatchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
