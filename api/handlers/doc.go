// Package handlers implements the HTTP API: graph management, run
// execution (sync, async, and WebSocket watch), function introspection,
// and health endpoints.
package handlers
