package app

import (
	"context"
	"fmt"
	"time"

	"matchwatch/internal/poller"
	logx "matchwatch/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotifier talks to the service manager. Outside systemd (no
// NOTIFY_SOCKET) every call is a no-op.
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *sdNotifier) send(state string) {
	if n == nil || n.notify == nil {
		return
	}
	sent, err := n.notify(state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Cycle publishes a one-line summary of the last poll cycle.
func (n *sdNotifier) Cycle(rep poller.CycleReport) {
	n.send(fmt.Sprintf("STATUS=cycle %s: %d accounts, %d emitted, %d failed",
		rep.StartedAt.Format(time.TimeOnly), rep.Accounts, rep.Emitted, rep.Failed))
}

// watchdog pings the service manager at half the configured WatchdogSec.
// It returns immediately when the watchdog is not enabled.
func (n *sdNotifier) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
