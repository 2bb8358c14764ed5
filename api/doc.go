// Package api defines the wire types of the GraphFlow HTTP API.
//
// # API Overview
//
// GraphFlow exposes compiled graphs over HTTP:
//   - GET /v1/graphs lists the registered graphs
//   - POST /v1/graphs/{graph}/threads starts a run on a new or existing thread
//   - POST /v1/graphs/{graph}/threads/{id}/resume answers a pending interrupt
//   - GET /v1/threads/{id} returns the thread checkpoint
//   - GET /v1/threads/{id}/history returns recent runs of the thread
//   - GET /v1/threads/{id}/events streams run events over a websocket
//   - /health, /ready and /version for probes
//
// # Authentication
//
// When API keys are configured every endpoint except the probes requires
// the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// With JWT configured an Authorization: Bearer token is required instead.
//
// # Base URL
//
//	http://localhost:8080
package api
