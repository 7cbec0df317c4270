// Package mocknet implements the `transport.Messenger` interface entirely in
// memory and is intended ONLY for testing or local development.
//
// A mock network is invaluable when writing unit- or integration-tests because
// it:
//   - removes all external dependencies (no sockets, no certificates),
//   - runs inside a single OS process, and
//   - is orders of magnitude faster than loop-back TCP.
//
// Each party owns one FIFO queue per sender. Sends never block; receives wait
// on a condition variable until a message arrives, the messenger is aborted or
// the caller's context is done.
//
// MPCRunner builds a `network.Network` per party on top of the mock network and
// runs two-party or multi-party protocols, optionally several job sessions per
// party in parallel.
//
// For production deployments use the `mtls` transport or build your own
// Messenger that satisfies the `transport.Messenger` interface.
package mocknet
