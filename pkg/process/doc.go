/*
Package process supervises external processes for the node agent.

A Supervisor runs one Command at a time. The command's stdout and stderr are
split into lines by the pipe readers and pushed onto a bounded queue. One
aggregator goroutine drains the queue, strips terminal escape sequences,
collapses a line that repeats the previous line of the same stream, appends
to the captured buffers and calls the registered observers.

# Termination

The run ends in one of three ways:

  - the process exits: Completed is true and ExitCode holds the real code
  - the timeout fires: the process tree is killed, TimedOut is set
  - the context is cancelled or Kill is called: the process tree is killed

On unix the child is started in its own process group and the whole group
receives SIGKILL. On Windows taskkill /T is used. In both cases output pipes
are drained for at most WaitDelay after the kill.

Kill is safe at any time; it is a no-op when no process is running.

# Usage

	s := process.NewSupervisor()
	s.OnStdout(func(line string) { logger.Info().Msg(line) })
	res, err := s.Run(ctx, process.Command{
		Path:    "/usr/bin/flow-worker",
		Args:    []string{payload, key},
		Timeout: time.Hour,
	})
	if err != nil {
		// spawn failure
	}
	if !res.Completed {
		// killed or timed out, res.ExitCode is nil
	}
*/
package process
