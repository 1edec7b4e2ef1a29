package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetbot/pkg/logx"
)

// notifyReady tells systemd (Type=notify units) that startup finished.
// Outside systemd the notification socket is absent and this is a no-op.
func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	}
}

// watchdogLoop pets the systemd watchdog at half the configured interval.
// Returns immediately when WatchdogSec is not set.
func watchdogLoop(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog query failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}

	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Debug("watchdog active", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog notify failed", logx.Err(err))
			}
		}
	}
}
