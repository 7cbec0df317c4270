// Package transport defines the raw point-to-point layer underneath the MPC
// session multiplexer.
//
// The core interface is `Messenger`:
//
//	MessageSend(ctx, receiver, data)
//	MessageReceive(ctx, sender)
//	MessagesReceive(ctx, senders)
//
// A Messenger delivers opaque byte slices between numbered parties, in order
// and without loss for every directed pair. It carries no session tags and is
// not required to be safe for concurrent calls towards the same peer; the
// `network` package adds both on top of a single Messenger.
//
// Two implementations ship with the module:
//
//   - mocknet – an in-process transport for tests and local runs
//   - mtls    – a TCP transport that uses mutual-TLS for authentication and
//     encryption
package transport
