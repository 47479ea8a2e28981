// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fabric is a topic-based publish/subscribe and RPC fabric. Method
// calls on a Go interface are encoded into compact binary envelopes, carried
// by a pluggable transport, and dispatched to an implementation of the same
// interface on the other side.
//
// # Contracts
//
// A Contract is the compiled dispatch table of one interface. Its methods are
// sorted by Signature and indexed by position, so both ends agree on the
// wire without exchanging a schema. Methods are fire-and-forget unless
// declared with Synchronous:
//
//	type Orders interface {
//	    Place(ctx context.Context, symbol string, size int64) error
//	    Status(ctx context.Context, id string) (*Order, error)
//	}
//
//	reg, _ := fabric.NewRegistry(nil)
//	c, err := fabric.ContractOf[Orders](reg, fabric.Synchronous("Status"))
//
// Parameters of type int32, int64, byte and string are written directly;
// everything else is written as an object through the registry's CodeBook.
// A leading context.Context is passed to the implementation, never encoded.
//
// # Envelope
//
//	[topic int32][fingerprint uint32][method index uint8][arguments]
//
// All integers are big-endian. The fingerprint hashes every signature and
// synchronous flag; a subscriber rejects envelopes whose fingerprint differs
// from its own. WithoutFingerprint drops it from the header.
//
// A synchronous call is answered with [status uint8] followed by the result
// object (status 0) or the error message (status 1).
//
// # Publishing
//
//	tr, _ := fabric.Open(fabric.Endpoint{Transport: fabric.TransportZAP, Peer: "10.0.0.2:9700"})
//	_ = tr.Start(ctx)
//	pub, err := reg.NewPublisher(c, tr)
//	err = pub.Invoke(ctx, "Place", "LUX", int64(100))
//	order, err := pub.Call(ctx, "Status", "o-1")
//
// Bind fills a struct of func fields with typed publishing functions.
// WithReliable sends fire-and-forget calls through a per-contract ring
// buffer drained by one goroutine, in claim order.
//
// # Subscribing
//
//	sub, err := reg.NewSubscriber(c, &orderDesk{})
//	err = sub.Subscribe(tr)
//
// # Transports
//
// Transports register themselves by name when their package is imported:
//
//	transport/inproc    same process
//	transport/zap       length-prefixed TCP frames
//	transport/grpc      unary gRPC calls carrying raw envelopes
//	transport/jsonrpc   JSON-RPC 2.0 over HTTP
//	transport/datagram  UDP unicast or multicast, fire-and-forget only
//
// Contracts with synchronous methods need a transport whose
// SupportsSendAndWait is true.
package fabric
