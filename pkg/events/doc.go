/*
Package events provides the in-memory event broker the node agent uses to
connect its components without direct calls.

Publishers never block. Events go through a shared queue (buffer: 100) to a
broadcast loop that copies each event into every subscriber channel (buffer:
50 each). An event is dropped when the queue is full, and a subscriber that
falls behind misses events rather than stalling the others. Both kinds of
loss are counted and reported by Dropped.

A subscriber may name the event types it wants; Subscribe with no types
receives everything.

# Event Types

Channel events:
  - channel.connected: transport open and node registered
  - channel.disconnected: transport lost, registration cleared
  - channel.version_mismatch: server major/minor differs from the node's

Runner events:
  - runners.changed: a job was admitted or removed; Metadata["count"]
  - job.completed: a job reached a terminal status; Metadata["status"]

Server push:
  - node.updated: a new node descriptor was applied
  - config.updated: a new configuration revision was stored

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.EventRunnersChanged)
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		switch ev.Type {
		case events.EventRunnersChanged:
			trigger.Fire()
		}
	}

A nil *Broker is valid for publishing and discards every event, which keeps
components usable without one in tests.
*/
package events
