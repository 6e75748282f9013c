/*
Package erpc implements a low-latency user-space RPC engine that runs
over an unreliable datagram transport, such as a loopback fabric for
testing or a raw UDP socket.

An endpoint (Rpc) is created per worker thread. Endpoints in a process
meet at a Nexus, which owns the request handler table, a background
worker pool for long handlers, and the session management plane.
Applications allocate hugepage-backed message buffers, connect
sessions to remote endpoints, enqueue requests and responses, and
drive all I/O by calling the event loop; continuations and handlers
fire when messages complete.

A session multiplexes up to SessionReqWindow concurrent exchanges over
a window of SessionCredits packet credits. Messages larger than one
packet are fragmented by the sender and reassembled by the receiver;
the server returns credits explicitly for request fragments, and the
client pulls response fragments one at a time with request-for-response
packets. Packet loss is detected by an epoch scanner and repaired by
retransmission, or surfaces as a session reset.

The datapath is single-threaded and cooperative: the thread that
created an endpoint owns its event loop, transmit and receive
pipelines, and session table. Background workers interact with an
endpoint only through its allocator and transmit queues, each behind a
lock that single-threaded endpoints elide.
*/
package erpc
