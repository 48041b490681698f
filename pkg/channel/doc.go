/*
Package channel implements the node's persistent control channel to the
flow server.

The channel owns one transport connection at a time. A background loop
keeps the node connected and registered; every outbound call waits for a
registered connection before it is sent, and inbound invocations from the
server are dispatched to registered handlers.

# Architecture

	┌──────────────────────── FLOW SERVER ────────────────────────┐
	│   RegisterNode  UpdateNodeStatus  GetConfiguration  ...      │
	└────────────────────────────┬─────────────────────────────────┘
	                             │ websocket, JSON frames
	┌────────────────────────────▼──────────── NODE ───────────────┐
	│  ┌────────────────────────────────────────────────┐          │
	│  │                   Channel                       │          │
	│  │  - connect loop (reconnect ladder 5s/10s/30s)   │          │
	│  │  - registration (one at a time, 20s wait)       │          │
	│  │  - read loop: completions and invocations       │          │
	│  └─────────┬──────────────────────────┬───────────┘          │
	│            │ InvokeAsync / SendAsync  │ Handle(target)       │
	│  ┌─────────▼──────────┐     ┌─────────▼──────────┐           │
	│  │ agent status loop  │     │ ClientProcessFile  │           │
	│  │ config sync        │     │ AbortFile ...      │           │
	│  └────────────────────┘     └────────────────────┘           │
	└──────────────────────────────────────────────────────────────┘

# Connection Lifecycle

	Disconnected ──Connect──▶ Connected ──RegisterNode──▶ Registered
	     ▲                                                     │
	     └──────────── read error / close frame / Stop ◀───────┘

When the transport drops, the node is marked unregistered immediately,
every pending call fails with ErrConnectionLost, the reconnect ladder is
reset, and the connect loop is woken so it does not sleep out its idle
recheck.

Registration is serialized by a weight-1 semaphore. A caller that cannot
acquire it within the registration wait gets ErrRegistrationBusy; a caller
that acquires it and finds the node already registered returns without a
network call. A server reporting a different major or minor version is
not disconnected: the mismatch is recorded in State and published as an
event, and the agent decides what to refuse.

# Outbound Calls

InvokeAsync, Invoke and SendAsync share one retry policy:

  - each attempt first waits up to ConnectWait for a registered connection
  - each call waits up to InvokeTimeout for its completion
  - transport failures are retried on a 1s/2s/5s ladder, up to
    InvokeAttempts attempts in total
  - server errors (InvocationError) and argument encoding errors are
    returned at once

# Wire Format

	{"type":1,"invocationId":"<uuid>","target":"RegisterNode","arguments":[...]}
	{"type":3,"invocationId":"<uuid>","result":{...},"error":""}
	{"type":6}
	{"type":7,"error":"<reason>"}

An invocation without an invocationId is fire-and-forget and gets no
completion.

# Usage

	tr, err := channel.NewWebsocketTransport(cfg.Server.URL, cfg.Server.AccessToken)
	if err != nil {
		return err
	}

	ch := channel.New(channel.Config{
		Transport: tr,
		Identity:  buildIdentity,
		Version:   version.Version,
		Broker:    broker,
	})
	ch.Handle("AbortFile", abortFile)
	ch.Start()
	defer ch.Stop()

	verdict, err := channel.Invoke[types.StatusVerdict](ctx, ch, "UpdateNodeStatus", status)
*/
package channel
