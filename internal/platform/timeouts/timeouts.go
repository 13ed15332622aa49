// Package timeouts defines shared timeout constants used across the sim service.
package timeouts

import "time"

// Hydration caps a single durable-store read when a session is (re)created.
const Hydration = 3 * time.Second

// PersistWrite caps a single merged document write. A write that exceeds it is
// dropped and reconciled by the next accepted mutation.
const PersistWrite = 2 * time.Second

// ProviderCall caps one external AI provider request before the stub path is used.
const ProviderCall = 20 * time.Second

// ReadHeader limits how long the metrics HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful shutdown.
const Shutdown = 5 * time.Second
