// Package app wires the sim service: durable store, session manager,
// dispatcher, optional NATS bus, gRPC health, Prometheus metrics, and the
// idle-session sweeper.
package app
