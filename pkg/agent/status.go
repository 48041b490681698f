package agent

import (
	"context"
	"time"

	"github.com/cuemby/flownode/pkg/channel"
	"github.com/cuemby/flownode/pkg/types"
)

// requestStatus asks the status loop for an early push. Bursts collapse
// into one push per second.
func (a *Agent) requestStatus() {
	a.statusDirty.Store(true)
	a.statusTrigger.Fire()
}

// statusLoop pushes the node status every heartbeat interval, and early
// whenever requestStatus is called
func (a *Agent) statusLoop(ctx context.Context) {
	interval := a.cfg.Channel.HeartbeatInterval

	for {
		if !a.statusDirty.Swap(false) {
			if err := a.statusTrigger.Sleep(ctx, interval); err != nil {
				return
			}
			a.statusDirty.Store(false)
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		a.pushStatus(ctx, interval)
	}
}

func (a *Agent) pushStatus(ctx context.Context, timeout time.Duration) {
	if !a.channel.IsRegistered() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	accepting, _ := a.acceptingWork()
	status := types.NodeStatus{
		NodeUID:        a.NodeUID(),
		Version:        a.version,
		ActiveRunners:  a.manager.ActiveJobs(),
		ConfigRevision: a.currentRevision(),
		AcceptingWork:  accepting,
		Timestamp:      time.Now().UTC(),
	}

	verdict, err := channel.Invoke[types.StatusVerdict](ctx, a.channel, "UpdateNodeStatus", status)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("Failed to send node status")
		}
		return
	}
	a.applyVerdict(verdict)
}

// applyVerdict adopts the server's answer to a status push
func (a *Agent) applyVerdict(v types.StatusVerdict) {
	if v.Node != nil {
		a.setNode(*v.Node, a.channel.State().ServerVersion)
	} else if v.Enabled != nil {
		a.setEnabled(*v.Enabled)
	}
	if v.ConfigRevision > a.currentRevision() {
		a.requestConfigSync(v.ConfigRevision)
	}
}
