// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package jsonrpc

import (
	"net/http"

	"github.com/luxfi/fabric"
)

// ServiceName is the JSON-RPC service the envelopes are posted to.
const ServiceName = "Fabric"

// EnvelopeArgs carries one envelope, base64 encoded on the wire.
type EnvelopeArgs struct {
	Envelope []byte `json:"envelope"`
}

// EnvelopeReply carries the response envelope of SendAndWait.
type EnvelopeReply struct {
	Envelope []byte `json:"envelope,omitempty"`
}

// Service routes posted envelopes to the transport's receivers.
type Service struct {
	receivers *fabric.ReceiverTable
}

// Send delivers a fire-and-forget envelope before answering, so requests
// issued one after another are delivered in order.
func (s *Service) Send(r *http.Request, args *EnvelopeArgs, reply *EnvelopeReply) error {
	return s.receivers.Deliver(r.Context(), args.Envelope)
}

func (s *Service) SendAndWait(r *http.Request, args *EnvelopeArgs, reply *EnvelopeReply) error {
	resp, err := s.receivers.DeliverSync(r.Context(), args.Envelope)
	if err != nil {
		return err
	}
	reply.Envelope = resp
	return nil
}
