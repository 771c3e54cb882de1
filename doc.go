// Package replica synchronizes object state between the peers of a
// multiplayer simulation.
//
// A server host owns a World of replicated instances, described by a
// frozen TypeTable of classes. Client hosts connect over any
// datagram Transport; after a handshake that verifies both sides
// agree on the type table (and optionally authenticates the peer via
// SRP), the server streams instance creations, field deltas and
// tombstones to each connection according to its interest policy.
// Declared calls travel the other way, checked against the caller's
// authority.
//
// All traffic rides a compact bit-level wire format with
// minimum-width fields, framed into packets that fit a configured
// MTU. Each connection multiplexes three delivery channels over the
// same packet stream: reliable-ordered, reliable-unordered and
// unreliable, with acknowledgements piggybacked on every packet
// header.
//
// Hosts are single-goroutine: construct one with NewHost, then call
// Service regularly from one goroutine. None of the engine types are
// safe for concurrent use.
package replica
