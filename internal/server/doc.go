// Package server hosts the livesync socket endpoint and its read-only HTTP
// API from a single HTTP server.
//
// Every route shares one middleware chain of request IDs, logging, metrics,
// rate limiting, CORS, and security headers. The websocket route additionally
// passes through a per-client connect limiter before the upgrade.
package server
