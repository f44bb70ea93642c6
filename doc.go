// Package jrpc implements JSON-RPC 2.0 (https://www.jsonrpc.org/specification) for
// bidirectional, long-lived connections, with two extensions on top of the base protocol:
// streamed results delivered as ordered chunks, and topic-based publish/subscribe.
//
// A Server dispatches requests to the handlers of a Registry and serves any number of
// connections accepted by a ServerTransport. A Client issues calls over a single connection
// obtained from a ClientTransport and correlates the responses by id, so calls may be
// outstanding concurrently. Transports are provided for standard IO, TCP, Server-Sent Events
// and WebSocket. Stream-oriented transports frame messages either as newline-delimited JSON or
// with a 4-byte big-endian length prefix.
//
// Every connection writes through a bounded queue drained by a single writer, so frames are
// never interleaved and a slow peer exerts backpressure on its senders instead of growing
// memory without bound.
package jrpc
