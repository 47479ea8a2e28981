// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package seqtrack tracks out-of-order sequence numbers over a bounded
// window and reports the highest contiguous one.
package seqtrack

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrBufferWrap means a sequence arrived further ahead of the contiguous
// mark than the window can hold. The tracker must be replaced.
var ErrBufferWrap = errors.New("seqtrack: sequence beyond window")

// Tracker is owned by a single receiving goroutine.
type Tracker struct {
	window   int64
	mask     int64
	presence []uint64

	highestSeen       int64
	highestContiguous int64
}

// New returns a tracker expecting sequence 0 first.
func New(window int) (*Tracker, error) {
	return NewAt(window, 0)
}

// NewAt returns a tracker whose first expected sequence is first.
func NewAt(window int, first int64) (*Tracker, error) {
	if window < 2 || bits.OnesCount(uint(window)) != 1 {
		return nil, fmt.Errorf("seqtrack: window %d must be a power of two >= 2", window)
	}
	if first < 0 {
		return nil, fmt.Errorf("seqtrack: negative first sequence %d", first)
	}
	return &Tracker{
		window:            int64(window),
		mask:              int64(window - 1),
		presence:          make([]uint64, (window+63)/64),
		highestSeen:       first - 1,
		highestContiguous: first - 1,
	}, nil
}

// Set records seq. Sequences at or below the contiguous mark are duplicates
// and ignored.
func (t *Tracker) Set(seq int64) error {
	if seq > t.highestContiguous+t.window {
		return fmt.Errorf("%w: %d with contiguous %d and window %d", ErrBufferWrap, seq, t.highestContiguous, t.window)
	}
	if seq <= t.highestContiguous {
		return nil
	}
	if seq > t.highestSeen {
		t.highestSeen = seq
	}
	t.mark(seq)

	if seq == t.highestContiguous+1 {
		next := seq
		for next <= t.highestSeen && t.present(next) {
			// The bit is reused by next+window once the mark moves past it.
			t.clear(next)
			t.highestContiguous = next
			next++
		}
	}
	return nil
}

// HighestContiguous returns the highest N such that every sequence from the
// first up to N has been set.
func (t *Tracker) HighestContiguous() int64 { return t.highestContiguous }

func (t *Tracker) HighestSeen() int64 { return t.highestSeen }

func (t *Tracker) Window() int { return int(t.window) }

// Has reports whether seq was set. Sequences beyond the window were not.
func (t *Tracker) Has(seq int64) bool {
	switch {
	case seq <= t.highestContiguous:
		return true
	case seq > t.highestSeen:
		return false
	}
	return t.present(seq)
}

// Missing returns how many sequences below HighestSeen are still absent.
func (t *Tracker) Missing() int64 {
	var n int64
	for s := t.highestContiguous + 1; s < t.highestSeen; s++ {
		if !t.present(s) {
			n++
		}
	}
	return n
}

func (t *Tracker) index(seq int64) int64 { return seq & t.mask }

func (t *Tracker) mark(seq int64) {
	i := t.index(seq)
	t.presence[i/64] |= 1 << uint(i%64)
}

func (t *Tracker) clear(seq int64) {
	i := t.index(seq)
	t.presence[i/64] &^= 1 << uint(i%64)
}

func (t *Tracker) present(seq int64) bool {
	i := t.index(seq)
	return t.presence[i/64]&(1<<uint(i%64)) != 0
}
