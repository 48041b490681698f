/*
Package metrics provides Prometheus metrics and health status for the node
agent.

All metrics are package variables registered with the default registry at
init and exposed by Handler. They are updated at the point where the event
happens (admission, job completion, invocation) except the state gauges,
which the Collector samples from the agent every 15 seconds.

# Metrics

Runners:
  - flownode_runners_active, flownode_runners_capacity
  - flownode_admission_rejections_total{reason}
  - flownode_gate_verdicts_total{verdict}

Jobs:
  - flownode_jobs_completed_total{status}
  - flownode_job_duration_seconds

Control channel:
  - flownode_channel_connected, flownode_channel_registered
  - flownode_channel_reconnect_attempts_total
  - flownode_invocations_total{target,result}
  - flownode_invocation_duration_seconds{target}

Node:
  - flownode_node_enabled, flownode_version_mismatch
  - flownode_config_revision

# Health

HealthChecker tracks named components, each at a Level: healthy, degraded or
unhealthy. The overall status is the worst level, and a component that the
collector has not refreshed for three intervals counts as unhealthy. A
degraded node, such as one the server disabled, still answers /health with
200. The node is ready when the store and the channel components are both
healthy, which means the node is registered with the server.
HealthHandler, ReadyHandler and LivenessHandler serve the status as JSON,
including a NodeSummary of runners and configuration revision.

Timer is a small helper for latency histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.InvocationDuration, target)
*/
package metrics
