// Package api hosts the read-only HTTP handlers that sit next to the realtime
// socket endpoint.
//
// Handler exposes snapshots of the active poll and the recent chat history so
// dashboards and non-socket clients can render current state, plus a health
// probe covering the datastore and the replication bus. All mutations flow
// through the socket hub; these endpoints never write.
//
// Handlers assume the middleware chain from internal/server has already
// applied request IDs, CORS, metrics, and logging.
package api
