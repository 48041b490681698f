/*
Package runner admits jobs onto the node and supervises their worker
processes.

# Admission

Manager.TryStartJob runs the whole admission sequence under one lock:

 1. reject when the active set already holds MaxConcurrency jobs
 2. reject a job whose UID is already active
 3. when the job asks for it and the node has a pre-execute script, run the
    Gate and reject unless it approves
 4. resolve and create the temp root, reject if that fails
 5. add a JobRunner to the active set and start it

Rejections are logged with a reason and counted in
flownode_admission_rejections_total; they are not errors.

The gate's verdict is a closed set: approve, reject, exit, restart, or an
error. A restart is honored only when no job is active and the node runs
under a service manager that restarts it; the manager then exits the process
after a short delay. A gate error is surfaced through OnWarning.

# Job lifecycle

A JobRunner creates TempRoot/Runner-{jobUID}, seals the worker parameters
with package security and starts the worker with exactly two arguments, the
payload and the key. When the worker ends, its exit code is mapped through
MapExitCode:

	0    processed
	10   reprocess by flow (success)
	100  processed, keep working files
	3-7, 11  the job status with the same value
	else processing failed

A worker that was killed or timed out is processing failed. The temp
directory is removed afterwards unless the exit code asked to keep it or
the job failed with KeepFailedFiles set. The completion callback fires once
on every path, including spawn failures and panics, and removes the job
from the active set.
*/
package runner
