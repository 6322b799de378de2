// Package gateway wires fleet-gateway's components and serves them over HTTP.
//
// # Overview
//
// New builds the whole control plane from a config: the SQLite store, the
// agent registry and request correlator, the in-memory fleet store, the
// session controller, the command service, and the notifier. Run listens on
// a TCP address or, with tailscale enabled, on a tsnet node, and shuts
// everything down when its context ends.
//
// # Agent Endpoint
//
// Agents connect with a websocket to server.agent_path (default /agent) and
// present a credential as "Authorization: Bearer <token>" or "?token=<token>".
// The credential may be a JWT signed with auth.jwt_secret or an opaque token
// issued by "fleet-gateway register". Frames are JSON text messages;
// heartbeats use websocket ping/pong. A per-address token bucket limits
// handshakes when server.handshake_rate is set.
//
// # HTTP API
//
// No auth:
//
//	GET    /health                           liveness
//	GET    /health/ready                     200 once an agent is connected
//	GET    /metrics                          prometheus, when enabled
//
// Bearer admin_token, when configured:
//
//	GET    /api/sessions                     live agent sessions
//	GET    /api/instances                    fleet records
//	POST   /api/instances/{name}/start?agent=TOKEN
//	POST   /api/instances/{name}/stop
//	DELETE /api/instances/{name}             only when stopped
//	GET    /api/agents                       registered agents
//	GET    /api/agents/{id}/connections      connection log, ?limit=N
//
// Command endpoints block until the agent answers or agents.request_timeout
// passes. Agent refusals map to 502, timeouts to 504, and offline agents to 503.
package gateway
