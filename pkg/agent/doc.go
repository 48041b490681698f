/*
Package agent implements the flow node: the long-running process that keeps
a node registered with the server, accepts or refuses dispatched jobs and
relays their results.

The agent owns every other component. It holds no job logic of its own;
admission and execution live in pkg/runner, the connection in pkg/channel
and persistence in pkg/storage. What the agent adds is the glue between
them and the node-level policy: whether the node is enabled, whether its
version is compatible and which configuration revision it runs.

# Architecture

	┌──────────────────────────── FLOW NODE ─────────────────────────────┐
	│                                                                    │
	│  ┌──────────────────────────────────────────────────────────┐      │
	│  │                        Agent                             │      │
	│  │  - inbound handlers (ClientProcessFile, AbortFile, ...)  │      │
	│  │  - status loop (heartbeat, coalesced pushes)             │      │
	│  │  - config loop (revision sync, retry ladder)             │      │
	│  │  - event loop (broker subscriber)                        │      │
	│  └────┬──────────────┬───────────────┬──────────────┬───────┘      │
	│       │              │               │              │              │
	│  ┌────▼─────┐  ┌─────▼──────┐  ┌─────▼─────┐  ┌─────▼──────────┐   │
	│  │ Channel  │  │  Runner    │  │  Bolt     │  │ Health servers │   │
	│  │ websocket│  │  Manager   │  │  store    │  │ HTTP + gRPC    │   │
	│  └────┬─────┘  └─────┬──────┘  └───────────┘  └────────────────┘   │
	│       │              │                                             │
	│       │        ┌─────▼──────┐      ┌───────────────┐               │
	│       │        │ JobRunner  ├─────►│ worker binary │               │
	│       │        └────────────┘      └───────────────┘               │
	└───────┼────────────────────────────────────────────────────────────┘
	        │
	  ┌─────▼─────┐
	  │  Server   │
	  └───────────┘

# Lifecycle

Startup (New):

 1. Create the data and configuration directories
 2. Open the bbolt store and restore the node UID, descriptor and the
    latest configuration revision; a first start generates a UID
 3. Build the channel, runner manager, metrics collector and the optional
    health servers
 4. Register the inbound handlers

Run:

 1. Start the event broker, the collector and the channel
 2. Run the status, config and event loops and the health servers under
    one errgroup
 3. On cancellation abort all runners and wait for their cleanup, drain
    pending report deliveries, then stop the channel and close the store

Registration (OnRegistered):

 1. Adopt the UID and descriptor the server returned and persist them
 2. Record a version mismatch; the node then answers every dispatch with
    VersionMismatch but keeps heartbeating
 3. Request a configuration sync when the server has a newer revision
 4. Push a status update

# Dispatch

ClientProcessFile answers in this order:

	malformed descriptor        -> UnknownError
	version mismatch            -> VersionMismatch
	node disabled               -> NodeDisabled
	no descriptor yet           -> CannotProcess
	revision not obtainable     -> CannotProcess
	manager refuses admission   -> CannotProcess
	otherwise                   -> CanProcess

A job that names a newer configuration revision than the node holds
triggers a synchronous sync bounded by the invoke timeout. When the server
cannot provide that revision the job is refused rather than run against
stale configuration.

# Status and Configuration Loops

Both loops share the same shape: a retry.Trigger wakes the loop, a dirty
flag coalesces bursts of requests into one unit of work and the loop
otherwise sleeps for the heartbeat interval. Status pushes are further
limited to one per second with golang.org/x/time/rate.

	requestStatus() ─► dirty=true ─► trigger.Fire()
	                                      │
	statusLoop: ◄─────────────────────────┘
	  dirty.Swap(false) ─► limiter.Wait ─► UpdateNodeStatus ─► applyVerdict

A status verdict may disable or re-enable the node and may carry a newer
configuration revision, which feeds the config loop.

Configuration revisions are written to <config dir>/<revision>/config.json
with a temp file and rename, recorded in the store and pruned to the five
most recent.

# Reports

Job reports are saved to the local history first and then delivered with
SendAsync in a tracked background goroutine. Shutdown waits a few seconds
for pending deliveries before cancelling them, so a report produced by an
aborted job still has a chance to reach the server.

# Usage

	cfg, err := config.Load("/etc/flownode/flownode.yaml")
	if err != nil {
		return err
	}

	a, err := agent.New(cfg, agent.Options{Version: Version})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
*/
package agent
