// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ring

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type entry struct {
	producer int
	n        int
	seq      uint64
}

func TestInvalidCapacity(t *testing.T) {
	for _, c := range []uint64{0, 1, 3, 6, 100} {
		if _, err := New[int](c, nil); !errors.Is(err, ErrInvalidCapacity) {
			t.Errorf("capacity %d: err = %v, want ErrInvalidCapacity", c, err)
		}
	}
	if _, err := New[int](8, nil); err != nil {
		t.Fatalf("capacity 8: %v", err)
	}
}

func TestClaimPublishConsume(t *testing.T) {
	r, err := New(8, func() entry { return entry{} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		seq, err := r.Claim()
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
		r.Slot(seq).n = i * 10
		r.Publish(seq)
	}
	r.Close()

	var got []int
	r.Consume(func(seq uint64, v *entry) {
		got = append(got, v.n)
	})
	want := []int{0, 10, 20, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if _, err := r.Claim(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Claim after close: %v, want ErrClosed", err)
	}
}

func TestDiscardedSlotsAreSkipped(t *testing.T) {
	r, err := New[int](4, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		seq, _ := r.Claim()
		*r.Slot(seq) = i
		if i == 1 {
			r.Discard(seq)
			continue
		}
		r.Publish(seq)
	}
	r.Close()

	var got []int
	r.Consume(func(_ uint64, v *int) { got = append(got, *v) })
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("got %v, want [0 2]", got)
	}
}

func TestClaimBlocksWhenFull(t *testing.T) {
	r, err := New[int](2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 2; i++ {
		seq, _ := r.Claim()
		r.Publish(seq)
	}

	claimed := make(chan uint64)
	go func() {
		seq, err := r.Claim()
		if err != nil {
			t.Errorf("Claim: %v", err)
		}
		r.Publish(seq)
		claimed <- seq
	}()

	select {
	case seq := <-claimed:
		t.Fatalf("claimed %d on a full ring", seq)
	case <-time.After(50 * time.Millisecond):
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Consume(func(uint64, *int) {})
	}()

	select {
	case seq := <-claimed:
		if seq != 2 {
			t.Fatalf("seq = %d, want 2", seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("claim never unblocked")
	}
	r.Close()
	<-done
	if p := r.Pending(); p != 0 {
		t.Fatalf("pending = %d after drain", p)
	}
}

func TestConcurrentTotalOrder(t *testing.T) {
	const (
		producers   = 4
		perProducer = 5000
	)
	r, err := New(64, func() entry { return entry{} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []entry
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Consume(func(seq uint64, v *entry) {
			got = append(got, *v)
		})
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq, err := r.Claim()
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				*r.Slot(seq) = entry{producer: p, n: i, seq: seq}
				r.Publish(seq)
			}
		}(p)
	}
	wg.Wait()
	r.Close()
	<-done

	if len(got) != producers*perProducer {
		t.Fatalf("consumed %d, want %d", len(got), producers*perProducer)
	}
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for i, e := range got {
		if e.seq != uint64(i) {
			t.Fatalf("position %d holds seq %d", i, e.seq)
		}
		if e.n != last[e.producer]+1 {
			t.Fatalf("producer %d: %d after %d", e.producer, e.n, last[e.producer])
		}
		last[e.producer] = e.n
	}
}
