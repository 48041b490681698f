package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/flownode/pkg/channel"
	"github.com/cuemby/flownode/pkg/events"
	"github.com/cuemby/flownode/pkg/types"
)

func (a *Agent) registerHandlers() {
	a.channel.Handle("ClientProcessFile", a.handleProcessFile)
	a.channel.Handle("AbortFile", a.handleAbortFile)
	a.channel.Handle("AbortAll", a.handleAbortAll)
	a.channel.Handle("NodeUpdated", a.handleNodeUpdated)
	a.channel.Handle("ConfigUpdated", a.handleConfigUpdated)
}

// handleProcessFile is the server's dispatch request. Every refusal is a
// verdict, never an error.
func (a *Agent) handleProcessFile(ctx context.Context, args []json.RawMessage) (any, error) {
	var job types.JobDescriptor
	if err := channel.Arg(args, 0, &job); err != nil {
		a.logger.Warn().Err(err).Msg("Malformed dispatch request")
		return types.VerdictUnknownError, nil
	}
	logger := a.logger.With().Str("job_id", job.UID).Logger()

	if ok, verdict := a.acceptingWork(); !ok {
		logger.Debug().Str("verdict", string(verdict)).Msg("Refusing job")
		return verdict, nil
	}

	node, ok := a.currentNode()
	if !ok {
		logger.Warn().Msg("No node descriptor yet, refusing job")
		return types.VerdictCannotProcess, nil
	}

	if job.ConfigRevision > a.currentRevision() {
		a.requestConfigSync(job.ConfigRevision)
		syncCtx, cancel := context.WithTimeout(ctx, a.cfg.Channel.InvokeTimeout)
		err := a.syncConfig(syncCtx)
		cancel()
		if err == nil && a.currentRevision() < job.ConfigRevision {
			err = fmt.Errorf("server only has revision %d", a.currentRevision())
		}
		if err != nil {
			logger.Warn().
				Err(err).
				Int("required", job.ConfigRevision).
				Msg("Configuration revision unavailable, refusing job")
			return types.VerdictCannotProcess, nil
		}
	}

	if !a.manager.TryStartJob(job, node, a.currentRevision()) {
		return types.VerdictCannotProcess, nil
	}
	return types.VerdictCanProcess, nil
}

func (a *Agent) handleAbortFile(ctx context.Context, args []json.RawMessage) (any, error) {
	var jobUID string
	if err := channel.Arg(args, 0, &jobUID); err != nil {
		return nil, err
	}
	return a.manager.AbortJob(jobUID), nil
}

func (a *Agent) handleAbortAll(ctx context.Context, args []json.RawMessage) (any, error) {
	a.manager.AbortAll()
	return nil, nil
}

func (a *Agent) handleNodeUpdated(ctx context.Context, args []json.RawMessage) (any, error) {
	var node types.NodeDescriptor
	if err := channel.Arg(args, 0, &node); err != nil {
		return nil, err
	}

	a.setNode(node, a.channel.State().ServerVersion)
	a.broker.Publish(&events.Event{
		Type:    events.EventNodeUpdated,
		Message: "node descriptor updated",
		Metadata: map[string]string{
			"node_id": node.UID,
		},
	})
	a.logger.Info().
		Bool("enabled", node.Enabled).
		Int("max_concurrency", node.MaxConcurrency).
		Msg("Node descriptor updated")
	a.requestStatus()
	return nil, nil
}

func (a *Agent) handleConfigUpdated(ctx context.Context, args []json.RawMessage) (any, error) {
	var revision int
	if err := channel.Arg(args, 0, &revision); err != nil {
		return nil, err
	}
	a.requestConfigSync(revision)
	return nil, nil
}
