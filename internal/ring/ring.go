// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ring is a fixed-capacity ring of reusable slots with many
// producers and one consumer. Producers claim a sequence, fill the slot and
// publish it; the consumer sees slots strictly in claim order.
package ring

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidCapacity = errors.New("ring capacity must be a power of two and >= 2")
	ErrClosed          = errors.New("ring closed")
)

type slot[T any] struct {
	// published holds seq+1 once the producer of seq has published.
	published atomic.Uint64
	skipped   atomic.Bool
	value     T
}

// Ring is a multi-producer, single-consumer sequenced ring.
type Ring[T any] struct {
	capacity uint64
	mask     uint64

	_pad0 [48]byte
	// cursor is the next sequence to hand out.
	cursor atomic.Uint64
	_pad1 [48]byte
	// consumed is the next sequence the consumer will process; everything
	// below it is free for reuse.
	consumed atomic.Uint64
	_pad2 [48]byte

	closed    atomic.Bool
	closeOnce sync.Once
	wake      chan struct{}
	done      chan struct{}

	slots []slot[T]
}

// New allocates a ring of capacity slots, each initialised by newValue.
func New[T any](capacity uint64, newValue func() T) (*Ring[T], error) {
	if capacity < 2 || (capacity&(capacity-1)) != 0 {
		return nil, ErrInvalidCapacity
	}
	slots := make([]slot[T], capacity)
	if newValue != nil {
		for i := range slots {
			slots[i].value = newValue()
		}
	}
	return &Ring[T]{
		capacity: capacity,
		mask:     capacity - 1,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		slots:    slots,
	}, nil
}

func (r *Ring[T]) Capacity() uint64 { return r.capacity }

// Claim reserves the next sequence, blocking while the ring is full. The
// caller owns Slot(seq) until it calls Publish or Discard, and must call one
// of them.
func (r *Ring[T]) Claim() (uint64, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	seq := r.cursor.Add(1) - 1
	for spins := 0; seq >= r.consumed.Load()+r.capacity; spins++ {
		backoff(spins)
	}
	if r.closed.Load() {
		// The consumer may be draining up to seq; let it step over.
		r.Discard(seq)
		return 0, ErrClosed
	}
	return seq, nil
}

// Slot returns the value stored for seq.
func (r *Ring[T]) Slot(seq uint64) *T {
	return &r.slots[seq&r.mask].value
}

// Publish hands seq to the consumer.
func (r *Ring[T]) Publish(seq uint64) { r.release(seq, false) }

// Discard releases seq without it being consumed.
func (r *Ring[T]) Discard(seq uint64) { r.release(seq, true) }

func (r *Ring[T]) release(seq uint64, skip bool) {
	s := &r.slots[seq&r.mask]
	s.skipped.Store(skip)
	s.published.Store(seq + 1)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Consume calls fn for every published sequence in order until the ring is
// closed and drained. Only one goroutine may consume a ring.
func (r *Ring[T]) Consume(fn func(seq uint64, v *T)) {
	next := r.consumed.Load()
	for {
		s := &r.slots[next&r.mask]
		if s.published.Load() == next+1 {
			if !s.skipped.Load() {
				fn(next, &s.value)
			}
			next++
			r.consumed.Store(next)
			continue
		}
		if r.closed.Load() {
			if next == r.cursor.Load() {
				return
			}
			// A claimed slot has not been released yet.
			runtime.Gosched()
			continue
		}
		select {
		case <-r.wake:
		case <-r.done:
		}
	}
}

// Pending returns the number of claimed sequences not yet consumed.
func (r *Ring[T]) Pending() uint64 {
	consumed := r.consumed.Load()
	return r.cursor.Load() - consumed
}

// Close stops new claims. Consume returns once every claimed sequence has
// been released and processed.
func (r *Ring[T]) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
}

func backoff(spins int) {
	if spins < 64 {
		runtime.Gosched()
		return
	}
	time.Sleep(20 * time.Microsecond)
}
