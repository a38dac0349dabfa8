// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// SocketWrite caps a single frame write to one websocket peer.
const SocketWrite = 2 * time.Second

// Handler caps the time a packet handler may run for one inbound frame.
const Handler = 5 * time.Second

// StorageWrite caps one audit persistence round trip.
const StorageWrite = 3 * time.Second

// KeepAlive is how long a session may stay silent before it is reaped.
const KeepAlive = 30 * time.Second

// Ping is the interval between server-originated keep-alive frames.
const Ping = 10 * time.Second

// Notify caps one audit notifier delivery, including broker round trips.
const Notify = 5 * time.Second
