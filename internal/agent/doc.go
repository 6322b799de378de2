// Package agent manages WebSocket sessions from fleet agents.
//
// # Overview
//
// An agent is a remote machine that hosts game-server instances. It dials
// the gateway, presents a credential, and must send a sync frame listing its
// running instances before anything else is accepted. After that the same
// connection carries RPC responses and lifecycle events.
//
// # Controller
//
// The Controller runs each connection from handshake to teardown:
//
//	ctrl := agent.NewController(agent.ControllerConfig{
//	    Registry:   registry,
//	    Correlator: correlator,
//	    Router:     router,
//	    Fleet:      fleetStore,
//	    Verifier:   verifier,
//	})
//	err := ctrl.Serve(ctx, transport, credential, remoteAddr)
//
// At most one session exists per agent token. A new connection for a token
// evicts the old session immediately; that takeover cancels the token's
// grace timer instead of arming one. Any other disconnect arms a grace timer
// (default 10 minutes). If the agent is still gone when it fires, every
// instance it owns is marked stopped.
//
// # Liveness
//
// Each session has a Monitor that pings on an interval and waits for a pong
// within a deadline. A missed pong or a failed ping tears the session down
// through the normal (grace timer) path.
//
// # Request Correlation
//
// The Correlator sends request frames with a fresh correlation id and returns
// a Future. A request resolves exactly once: on the matching response or
// error from the session that owns it, on its deadline, or when its session
// is torn down. Responses from any other session are ignored.
//
// # Routing
//
// The Router handles one frame at a time from a session's dispatch loop:
//
//   - before sync, anything but sync is a protocol violation (close 1008)
//   - sync runs fleet reconciliation once; later syncs are ignored
//   - frames with a correlationId go to the Correlator
//   - serverEvent frames (failure-detected, restart-result) update the fleet
//     store and notify operators, only for instances the agent owns
//
// Malformed frames are logged and dropped without closing the session.
package agent
