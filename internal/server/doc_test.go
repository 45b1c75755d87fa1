package server

// This file documents the concurrency model decision required by spec §5.
//
// Two models were allowed: a single-threaded multiplex loop, or
// per-connection workers. This package implements per-connection workers:
// Server.acceptConn spawns one goroutine per accepted connection
// (serveConn), and that goroutine is the only one that ever calls
// wire.ReadEnvelope on its connection. The alternative — one loop
// multiplexing readiness across every stream — was rejected because
// spec §5 also requires a bounded-timeout write on a peer's RECV stream
// during PUSH forwarding; under a single-threaded loop that write would
// have to complete (or time out) before the loop could service any other
// client's envelope, serializing all traffic behind the slowest peer.
// Per-connection workers confine that cost to the one goroutine doing the
// forward, at the price of needing an explicit per-connection write mutex
// (connHandle.writeMu) so a handler's own response and an unsolicited
// FORWARD from another goroutine never interleave on the wire.
