// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fabric

import (
	"errors"
	"reflect"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/luxfi/fabric/internal/telemetry"
)

// Registry owns a CodeBook and memoizes what is expensive to build: one
// compiled Contract per interface and one reliable pipeline per contract.
type Registry struct {
	book *CodeBook
	inst *telemetry.Instruments

	mu        sync.Mutex
	contracts map[reflect.Type]*Contract
	pipelines map[*Contract]*pipeline
	compiles  int
	closed    bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider sets where the registry's counters are reported. The
// global OpenTelemetry provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) RegistryOption {
	return func(o *registryOptions) { o.meterProvider = mp }
}

// NewRegistry returns a registry using book, or a fresh codebook when book is nil.
func NewRegistry(book *CodeBook, opts ...RegistryOption) (*Registry, error) {
	o := &registryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if book == nil {
		book = NewCodeBook()
	}
	inst, err := telemetry.New(o.meterProvider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		book:      book,
		inst:      inst,
		contracts: make(map[reflect.Type]*Contract),
		pipelines: make(map[*Contract]*pipeline),
	}, nil
}

func (r *Registry) CodeBook() *CodeBook { return r.book }

// Contract compiles iface, or returns the contract compiled earlier. Asking
// again with options that compile differently is a configuration error.
func (r *Registry) Contract(iface reflect.Type, opts ...ContractOption) (*Contract, error) {
	o := newContractOptions(opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.contracts[iface]; ok {
		if !prev.opts.equal(iface, o) {
			return nil, configErrorf("%s already compiled with different options", iface)
		}
		return prev, nil
	}
	c, err := compile(iface, o)
	if err != nil {
		return nil, err
	}
	r.compiles++
	r.contracts[iface] = c
	return c, nil
}

// ContractOf is Contract for the interface type T.
func ContractOf[T any](r *Registry, opts ...ContractOption) (*Contract, error) {
	return r.Contract(reflect.TypeOf((*T)(nil)).Elem(), opts...)
}

// pipelineFor returns the contract's pipeline, creating it on first use.
func (r *Registry) pipelineFor(c *Contract, tr Transport, capacity int) (*pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if p, ok := r.pipelines[c]; ok {
		if p.transport != tr {
			return nil, configErrorf("%s already has a reliable pipeline on another transport", c.iface)
		}
		if p.capacity() != capacity {
			return nil, configErrorf("%s already has a reliable pipeline of capacity %d", c.iface, p.capacity())
		}
		return p, nil
	}
	p, err := newPipeline(c, tr, r.book, capacity, r.inst)
	if err != nil {
		return nil, err
	}
	r.pipelines[c] = p
	return p, nil
}

// Close drains and stops every reliable pipeline. Publishers that use one
// fail with ErrClosed afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pipelines := make([]*pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		pipelines = append(pipelines, p)
	}
	r.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		if err := p.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
