// Package api exposes the orchestrator over HTTP.
//
// Routes live under /api/v1 and return JSON. Error responses carry the
// error kind alongside the message so clients can branch without string
// matching:
//
//	{"error": "task t1 not found", "kind": "not_found"}
//
// Kinds map onto status codes: invalid_input 400, not_found 404,
// conflict_state 409, capacity_exceeded 429, circuit_open 503,
// delivery_failure 502, timeout 504, internal 500.
//
// /health and /ready follow the usual liveness and readiness split, and
// /metrics serves the Prometheus registry. /api/v1/events/ws streams
// orchestrator events over a websocket.
package api
