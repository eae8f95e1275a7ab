// Package config provides configuration types and utilities for watchtower.
package config

import "time"

// Shutdown timeouts
const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before forcing termination.
	ShutdownTimeout = 10 * time.Second

	// ComponentStopTimeout is the default per-handler budget during shutdown
	ComponentStopTimeout = 5 * time.Second

	// HTTPDrainTimeout is the time allowed for in-flight HTTP requests to finish
	HTTPDrainTimeout = 5 * time.Second
)

// HTTP server timeouts
const (
	// HTTPReadHeaderTimeout prevents Slowloris attacks
	HTTPReadHeaderTimeout = 10 * time.Second

	// HTTPIdleTimeout is the keep-alive idle timeout
	HTTPIdleTimeout = 90 * time.Second
)

// Event channel buffer sizes
const (
	// EventChannelBufferSize is the buffer for a single-type subscription
	EventChannelBufferSize = 64

	// EventChannelBufferSizeAll is the larger buffer for all-events subscriptions
	EventChannelBufferSizeAll = 256
)

// Collaborator simulation latencies
const (
	// EligibilityCheckLatency models the round trip of a fund eligibility check
	EligibilityCheckLatency = 150 * time.Millisecond
)
