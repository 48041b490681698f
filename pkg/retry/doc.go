// Package retry holds the delay policy used by the control channel's
// reconnect loop and the interruptible sleep shared by the reconnect and
// heartbeat loops.
//
// Ladder walks a fixed list of delays and stays on the last one once it is
// exhausted. Reset is called once per successful connect and register cycle,
// and again when the transport reports a close, so the next reconnect starts
// from the first rung. Ladder also satisfies backoff.BackOff, which lets
// bounded RPC retries reuse it through backoff.Retry.
//
// Trigger is a sleep that can be cut short. Firing it wakes every sleeper and
// swaps in a fresh channel, so a "push status now" request does not wait out
// the heartbeat interval.
package retry
