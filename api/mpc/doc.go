// Package mpc binds MPC protocol code to a multiplexed network.
//
// A protocol engine only needs the `Transport` capability set:
//
//	Send(ctx, to, msg)
//	Receive(ctx, from)
//	ReceiveMany(ctx, from)
//
// Job sessions implement it on top of a `network.Network`. A session fixes
// the local party, the names of all parties and a job session id (jsid); every
// call it makes is routed through the network under that jsid, so K sessions
// with jsids 0..K-1 can run the same protocol concurrently over one set of
// links.
//
// Running two instances of a two-party protocol in parallel:
//
//	net, _ := network.NewNetwork(messenger, 2)
//	job0, _ := mpc.NewJobSession2P(net, mpc.RoleP1, "alice", "bob", 0)
//	job1, _ := job0.ParallelJob(1)
//
//	go func() { resp, err := mpc.AgreeRandom(ctx, job0, &mpc.AgreeRandomRequest{BitLen: 128}) }()
//	go func() { resp, err := mpc.AgreeRandom(ctx, job1, &mpc.AgreeRandomRequest{BitLen: 128}) }()
//
// The peer runs the mirror image with RoleP2. Both sides must use the same
// parallel width and start the same set of jsids.
package mpc
