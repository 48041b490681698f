/*
Package api serves the node's local operator endpoints.

Nothing here talks to the flow server; these endpoints exist for the fleet
operator, the service manager and the jobs command.

# HTTP

	GET /health   component health (503 when a component is unhealthy)
	GET /ready    200 once the store is open and the node is registered
	GET /live     200 while the process runs
	GET /metrics  Prometheus metrics
	GET /jobs     recent job reports, newest first (?limit=N, at most 500)

# gRPC

GRPCServer registers only grpc.health.v1. The status of the flownode.Node
service, and of the server as a whole, is SERVING while the node is
registered with the flow server. The listener has no authentication, so
ReadOnlyInterceptor rejects any method that is not a Check, List, Get or
Watch call.

Both servers are optional and start only when an address is configured:

	health:
	  http_addr: 127.0.0.1:9465
	  grpc_addr: 127.0.0.1:9466
*/
package api
