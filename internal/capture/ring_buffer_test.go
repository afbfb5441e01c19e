package capture

import (
	"fmt"
	"testing"
)

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	lines := rb.ReadAll()
	if len(lines) != 0 {
		t.Errorf("expected empty buffer, got %d lines", len(lines))
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write(fmt.Sprintf("line-%d", i))
	}

	lines := rb.ReadAll()
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}

	for i, l := range lines {
		expected := fmt.Sprintf("line-%d", i)
		if l != expected {
			t.Errorf("line %d: expected %s, got %s", i, expected, l)
		}
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 8; i++ {
		rb.Write(fmt.Sprintf("line-%d", i))
	}

	lines := rb.ReadAll()
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}

	// Should have lines 3..7 (oldest dropped).
	for i, l := range lines {
		expected := fmt.Sprintf("line-%d", i+3)
		if l != expected {
			t.Errorf("line %d: expected %s, got %s", i, expected, l)
		}
	}
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		rb.Write(fmt.Sprintf("line-%d", i))
	}

	lines := rb.ReadAll()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if rb.Len() != 3 {
		t.Errorf("expected Len 3, got %d", rb.Len())
	}
}

func TestRingBuffer_NeverExceedsCapacity(t *testing.T) {
	rb := NewRingBuffer(7)
	for i := 0; i < 1000; i++ {
		rb.Write("x")
		if rb.Len() > rb.Cap() {
			t.Fatalf("after %d writes: len %d > cap %d", i+1, rb.Len(), rb.Cap())
		}
	}
}

func TestRingBuffer_DefaultCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	if rb.Cap() != DefaultCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultCapacity, rb.Cap())
	}
}
