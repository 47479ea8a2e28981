// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package seqtrack

import (
	"errors"
	"testing"
)

func TestOutOfOrderFill(t *testing.T) {
	tr, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seqs := []int64{0, 1, 6, 5, 2, 4, 3}
	want := []int64{0, 1, 1, 1, 2, 2, 6}
	for i, seq := range seqs {
		if err := tr.Set(seq); err != nil {
			t.Fatalf("Set(%d): %v", seq, err)
		}
		if got := tr.HighestContiguous(); got != want[i] {
			t.Fatalf("after Set(%d): contiguous = %d, want %d", seq, got, want[i])
		}
	}
	if tr.HighestSeen() != 6 {
		t.Fatalf("highest seen = %d, want 6", tr.HighestSeen())
	}
	// Reading the mark changes nothing.
	if tr.HighestContiguous() != 6 || tr.Missing() != 0 {
		t.Fatalf("second read: contiguous = %d, missing = %d", tr.HighestContiguous(), tr.Missing())
	}
}

func TestBufferWrap(t *testing.T) {
	tr, _ := New(8)
	if err := tr.Set(7); err != nil {
		t.Fatalf("Set(7): %v", err)
	}
	if err := tr.Set(8); !errors.Is(err, ErrBufferWrap) {
		t.Fatalf("Set(8) = %v, want ErrBufferWrap", err)
	}

	for s := int64(0); s < 7; s++ {
		if err := tr.Set(s); err != nil {
			t.Fatalf("Set(%d): %v", s, err)
		}
	}
	if got := tr.HighestContiguous(); got != 7 {
		t.Fatalf("contiguous = %d, want 7", got)
	}
	// The window has moved: 15 fits, 16 does not.
	if err := tr.Set(15); err != nil {
		t.Fatalf("Set(15): %v", err)
	}
	if err := tr.Set(16); !errors.Is(err, ErrBufferWrap) {
		t.Fatalf("Set(16) = %v, want ErrBufferWrap", err)
	}
}

func TestWrapAroundReusesSlots(t *testing.T) {
	tr, _ := New(4)
	for s := int64(0); s < 1000; s++ {
		// Deliver pairs swapped: 1,0,3,2,...
		seq := s ^ 1
		if err := tr.Set(seq); err != nil {
			t.Fatalf("Set(%d): %v", seq, err)
		}
		if s%2 == 1 {
			if got := tr.HighestContiguous(); got != s {
				t.Fatalf("contiguous = %d, want %d", got, s)
			}
		}
	}
	if tr.Missing() != 0 {
		t.Fatalf("missing = %d", tr.Missing())
	}
}

func TestStaleSlotIsNotMistakenForNewSequence(t *testing.T) {
	tr, _ := New(4)
	for _, s := range []int64{0, 1, 2, 3} {
		_ = tr.Set(s)
	}
	// 5 shares a slot with 1; 4 is still missing so the mark must stay at 3.
	if err := tr.Set(5); err != nil {
		t.Fatalf("Set(5): %v", err)
	}
	if got := tr.HighestContiguous(); got != 3 {
		t.Fatalf("contiguous = %d, want 3", got)
	}
	if tr.Missing() != 1 {
		t.Fatalf("missing = %d, want 1", tr.Missing())
	}
	_ = tr.Set(4)
	if got := tr.HighestContiguous(); got != 5 {
		t.Fatalf("contiguous = %d, want 5", got)
	}
}

func TestDuplicatesIgnored(t *testing.T) {
	tr, _ := New(8)
	_ = tr.Set(0)
	_ = tr.Set(1)
	if err := tr.Set(0); err != nil {
		t.Fatalf("duplicate Set(0): %v", err)
	}
	if got := tr.HighestContiguous(); got != 1 {
		t.Fatalf("contiguous = %d, want 1", got)
	}
}

func TestNewAt(t *testing.T) {
	tr, err := NewAt(16, 1000)
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	if got := tr.HighestContiguous(); got != 999 {
		t.Fatalf("initial contiguous = %d, want 999", got)
	}
	_ = tr.Set(1001)
	_ = tr.Set(1000)
	if got := tr.HighestContiguous(); got != 1001 {
		t.Fatalf("contiguous = %d, want 1001", got)
	}
}

func TestInvalidWindow(t *testing.T) {
	for _, w := range []int{0, 1, 3, 12} {
		if _, err := New(w); err == nil {
			t.Errorf("window %d accepted", w)
		}
	}
}

func TestHas(t *testing.T) {
	tr, _ := New(8)
	for _, s := range []int64{0, 1, 4} {
		if err := tr.Set(s); err != nil {
			t.Fatalf("Set(%d): %v", s, err)
		}
	}
	for s, want := range map[int64]bool{0: true, 1: true, 2: false, 3: false, 4: true, 5: false, 9: false} {
		if got := tr.Has(s); got != want {
			t.Fatalf("Has(%d) = %v, want %v", s, got, want)
		}
	}
	if tr.Missing() != 2 {
		t.Fatalf("missing = %d, want 2", tr.Missing())
	}
}
