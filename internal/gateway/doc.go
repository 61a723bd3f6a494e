// Package gateway routes MCP traffic for a single provider instance.
//
// # Endpoints
//
// Two protocol generations share one session space:
//
//	/mcp       - Streamable HTTP (POST requests, DELETE teardown)
//	/sse       - legacy SSE stream (GET)
//	/messages  - legacy request channel (POST, ?sessionId=)
//	/health    - liveness and session count
//
// A session created on one generation's endpoints is rejected on the
// other's with a protocol mismatch error rather than a not-found, so
// misconfigured clients get an actionable message.
//
// # Authentication
//
// Every request carrying an apiKey query parameter is re-validated against
// the resolver; holding an open session grants nothing once the key behind
// it expires or is revoked. In local mode the resolver is bypassed and a
// shared secret from configuration is used for every call.
//
// # Errors
//
// Failures use JSON-RPC 2.0 error envelopes with id null: -32000 for
// session problems, -32001 for authorization, -32603 for internal errors.
package gateway
