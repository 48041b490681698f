package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cuemby/flownode/pkg/channel"
	"github.com/cuemby/flownode/pkg/events"
	"github.com/cuemby/flownode/pkg/metrics"
	"github.com/cuemby/flownode/pkg/runner"
	"github.com/cuemby/flownode/pkg/storage"
	"github.com/cuemby/flownode/pkg/types"
)

// ConfigFile is the file name of a revision inside its directory
const ConfigFile = "config.json"

// requestConfigSync records that revision exists on the server and wakes
// the config loop
func (a *Agent) requestConfigSync(revision int) {
	a.mu.Lock()
	if revision > a.wantedRevision {
		a.wantedRevision = revision
	}
	a.mu.Unlock()

	a.configDirty.Store(true)
	a.configTrigger.Fire()
}

// configLoop fetches new configuration revisions. A failed fetch is
// retried on the reconnect ladder.
func (a *Agent) configLoop(ctx context.Context) {
	for {
		if !a.configDirty.Swap(false) {
			if err := a.configTrigger.Sleep(ctx, a.cfg.Channel.HeartbeatInterval); err != nil {
				return
			}
		}
		if !a.configPending() {
			continue
		}

		if err := a.syncConfig(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := a.configLadder.NextDelay()
			a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to sync configuration")
			if a.configTrigger.Sleep(ctx, delay) != nil {
				return
			}
			a.configDirty.Store(true)
			continue
		}
		a.configLadder.Reset()
	}
}

func (a *Agent) configPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wantedRevision > a.configRevision
}

// syncConfig fetches the server's current configuration if a newer
// revision is wanted. Concurrent callers are serialized.
func (a *Agent) syncConfig(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	if !a.configPending() {
		return nil
	}

	rev, err := channel.Invoke[types.ConfigurationRevision](ctx, a.channel, "GetConfiguration")
	if err != nil {
		return err
	}
	if rev.Revision <= 0 {
		return fmt.Errorf("server returned invalid configuration revision %d", rev.Revision)
	}

	// The server's current revision is authoritative
	a.mu.Lock()
	if rev.Revision <= a.configRevision {
		a.wantedRevision = a.configRevision
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := writeRevision(a.cfg.Node.ConfigDir, &rev); err != nil {
		return err
	}
	if err := a.store.SaveConfigRevision(&rev); err != nil {
		return fmt.Errorf("failed to store configuration revision: %w", err)
	}
	if _, err := a.store.PruneConfigRevisions(configRetention); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to prune configuration revisions")
	}

	serverVersion := a.channel.State().ServerVersion

	a.mu.Lock()
	a.configRevision = rev.Revision
	a.wantedRevision = rev.Revision
	var node *types.NodeDescriptor
	if a.haveNode {
		n := a.node
		node = &n
	}
	state := &storage.NodeState{
		NodeUID:        a.nodeUID,
		ServerVersion:  serverVersion,
		ConfigRevision: rev.Revision,
		Node:           node,
	}
	a.mu.Unlock()

	if err := a.store.SaveNodeState(state); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to persist configuration revision")
	}

	metrics.ConfigRevision.Set(float64(rev.Revision))
	a.broker.Publish(&events.Event{
		Type:     events.EventConfigUpdated,
		Message:  fmt.Sprintf("configuration revision %d", rev.Revision),
		Metadata: map[string]string{"revision": strconv.Itoa(rev.Revision)},
	})
	a.logger.Info().Int("revision", rev.Revision).Msg("Configuration updated")
	a.requestStatus()
	return nil
}

// writeRevision stores the revision where the worker expects it
func writeRevision(configDir string, rev *types.ConfigurationRevision) error {
	dir := runner.RevisionDir(configDir, rev.Revision)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create revision dir: %w", err)
	}

	path := filepath.Join(dir, ConfigFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, rev.Data, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}
