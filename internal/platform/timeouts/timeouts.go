// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// WebSocketWrite caps a single frame write to a peer before the connection
// is considered stuck.
const WebSocketWrite = 5 * time.Second

// StoreQuery caps a single storage round trip issued on behalf of a
// websocket frame or HTTP request.
const StoreQuery = 3 * time.Second
