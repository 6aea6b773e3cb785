// Package server is the HTTP and WebSocket boundary: echo routes, the
// upgrade path with its connection limits, the notification API, and the
// admin surface. Core semantics live in lifecycle and dispatch; handlers
// here only translate between the wire and those components.
package server
