// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package telemetry holds the OpenTelemetry counters shared by the publish
// pipeline, subscribers and transports. A nil *Instruments records nothing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of every fabric meter.
const ScopeName = "github.com/luxfi/fabric"

// Counter names.
const (
	Published        = "fabric.envelopes.published"
	Delivered        = "fabric.envelopes.delivered"
	SendFailures     = "fabric.send.failures"
	DispatchFailures = "fabric.dispatch.failures"
	SequenceGaps     = "fabric.sequence.gaps"
	SequenceWraps    = "fabric.sequence.wraps"
)

// TopicKey labels every measurement with the envelope topic.
const TopicKey = attribute.Key("fabric.topic")

type Instruments struct {
	published        metric.Int64Counter
	delivered        metric.Int64Counter
	sendFailures     metric.Int64Counter
	dispatchFailures metric.Int64Counter
	gaps             metric.Int64Counter
	wraps            metric.Int64Counter
}

// New creates the counters on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(ScopeName)

	var (
		in  Instruments
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&in.published, Published, "Envelopes handed to a transport."},
		{&in.delivered, Delivered, "Envelopes dispatched to an implementation."},
		{&in.sendFailures, SendFailures, "Transport sends that failed."},
		{&in.dispatchFailures, DispatchFailures, "Inbound envelopes that could not be dispatched or whose handler failed."},
		{&in.gaps, SequenceGaps, "Sequence numbers observed ahead of the contiguous mark."},
		{&in.wraps, SequenceWraps, "Sequence tracker windows discarded after a wrap."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("{envelope}"),
		)
		if err != nil {
			return nil, err
		}
	}
	return &in, nil
}

func add(ctx context.Context, c metric.Int64Counter, topic int32) {
	c.Add(ctx, 1, metric.WithAttributes(TopicKey.Int64(int64(topic))))
}

func (in *Instruments) Published(ctx context.Context, topic int32) {
	if in != nil {
		add(ctx, in.published, topic)
	}
}

func (in *Instruments) Delivered(ctx context.Context, topic int32) {
	if in != nil {
		add(ctx, in.delivered, topic)
	}
}

func (in *Instruments) SendFailed(ctx context.Context, topic int32) {
	if in != nil {
		add(ctx, in.sendFailures, topic)
	}
}

func (in *Instruments) DispatchFailed(ctx context.Context, topic int32) {
	if in != nil {
		add(ctx, in.dispatchFailures, topic)
	}
}

func (in *Instruments) Gap(ctx context.Context, topic int32) {
	if in != nil {
		add(ctx, in.gaps, topic)
	}
}

func (in *Instruments) Wrap(ctx context.Context, topic int32) {
	if in != nil {
		add(ctx, in.wraps, topic)
	}
}
