// Package network multiplexes several concurrently running MPC job sessions
// over one `transport.Messenger`.
//
// A Network is configured with a parallel width K. Every job session sharing
// it is identified by a job session id (jsid) in [0, K). Each of the three
// operations (Send, Receive, ReceiveAll) is organised in rounds: a round
// collects exactly one call from every jsid, then one of the callers performs
// the K physical transport calls in ascending jsid order and hands every caller
// its own result.
//
// The raw transport carries no tags, so the ascending order is what keeps the
// two ends of a link in agreement about which message belongs to which
// session:
//
//	party A (K=2)                       party B (K=2)
//	jsid 0: Send(B, "a0")  ─┐       ┌─  jsid 1: Receive(A)
//	jsid 1: Send(B, "a1")  ─┤       ├─  jsid 0: Receive(A)
//	                        ▼       ▼
//	MessageSend(B, "a0")   ───►   MessageReceive(A) -> jsid 0
//	MessageSend(B, "a1")   ───►   MessageReceive(A) -> jsid 1
//
// Callers must keep all K sessions in lock-step: every jsid in [0, K) has to
// take part in every round, otherwise the round never completes. A blocked
// round can be released with the caller's context or with Network.Abort.
//
// With K = 1 a Network behaves like the underlying Messenger.
package network
