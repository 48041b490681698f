/*
Package log provides structured logging for flownode using zerolog.

The package owns a single global zerolog.Logger that every component derives a
child logger from. Component loggers carry a "component" field so that the node
agent's output can be filtered per subsystem (channel, runner, process, agent).

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
		File: &log.FileConfig{
			Path:       "/var/log/flownode/node.log",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	})

Console output is human-readable with RFC3339 timestamps. When a file is
configured, a lumberjack rotating writer is attached next to the console writer
and always receives JSON, which is what log shippers on fleet machines expect.

# Child Loggers

	logger := log.WithComponent("runner")
	logger.Info().Str("job_id", id).Msg("Job admitted")

	jobLog := log.ForJob(job.UID, job.LibraryName)
	jobLog.Warn().Err(err).Msg("Failed to delete runner directory")

Retries are logged at debug level with attempt and delay fields. Registration
rejections are logged at warn. A version mismatch is logged at error. Admission
rejections are logged at info with a reason field.
*/
package log
