package node

import (
	"testing"
)

func TestDistance(t *testing.T) {
	// Distance to self is zero
	id1 := ID{1, 2, 3, 4, 5}
	dist := Distance(id1, id1)

	for i := range dist {
		if dist[i] != 0 {
			t.Error("Distance to self should be zero")
			break
		}
	}

	// Symmetric: d(a,b) = d(b,a)
	id2 := ID{5, 4, 3, 2, 1}
	if Distance(id1, id2) != Distance(id2, id1) {
		t.Error("Distance should be symmetric")
	}

	// XOR calculation
	id3 := ID{0xFF, 0x00}
	id4 := ID{0x0F, 0xF0}
	dist = Distance(id3, id4)

	if dist[0] != 0xF0 {
		t.Errorf("Distance[0] = %x, want 0xF0", dist[0])
	}
	if dist[1] != 0xF0 {
		t.Errorf("Distance[1] = %x, want 0xF0", dist[1])
	}
}

func TestLogDistance(t *testing.T) {
	// Distance to self is 0
	id1 := ID{1, 2, 3}
	if d := LogDistance(id1, id1); d != 0 {
		t.Errorf("LogDistance to self = %d, want 0", d)
	}

	tests := []struct {
		a        ID
		b        ID
		expected int
	}{
		// MSB of the whole ID differs
		{ID{0x00}, ID{0x80}, 256},
		// Highest differing bit in the first byte, lowest position
		{ID{0x00}, ID{0x01}, 249},
		// Second byte
		{ID{0x00, 0x00}, ID{0x00, 0x80}, 248},
		{ID{0x00, 0x00}, ID{0x00, 0x01}, 241},
		// Last byte, lowest bit: minimal nonzero distance
		{ID{}, func() ID { var x ID; x[31] = 0x01; return x }(), 1},
	}

	for _, tt := range tests {
		if got := LogDistance(tt.a, tt.b); got != tt.expected {
			t.Errorf("LogDistance(%v..., %v...) = %d, want %d",
				tt.a[:2], tt.b[:2], got, tt.expected)
		}
	}
}

func TestCompare(t *testing.T) {
	target := ID{0x80}
	a := ID{0x81} // distance 0x01
	b := ID{0x82} // distance 0x02
	c := ID{0x81} // same as a

	if Compare(target, a, b) != -1 {
		t.Error("Compare should return -1 when a is closer")
	}

	if Compare(target, b, a) != 1 {
		t.Error("Compare should return 1 when b is farther")
	}

	if Compare(target, a, c) != 0 {
		t.Error("Compare should return 0 when distances are equal")
	}
}

func TestFindClosest(t *testing.T) {
	target := ID{0x80}

	ids := []ID{
		{0x90}, // distance 0x10
		{0x81}, // distance 0x01
		{0x84}, // distance 0x04
		{0x82}, // distance 0x02
	}

	closest := FindClosest(target, ids, 2)

	if len(closest) != 2 {
		t.Fatalf("FindClosest returned %d ids, want 2", len(closest))
	}

	if closest[0] != (ID{0x81}) || closest[1] != (ID{0x82}) {
		t.Errorf("FindClosest = %v, want [0x81, 0x82]", closest)
	}

	// Fewer candidates than k: all returned, sorted
	all := FindClosest(target, ids, 10)
	if len(all) != len(ids) {
		t.Errorf("FindClosest returned %d ids, want %d", len(all), len(ids))
	}
	for i := 1; i < len(all); i++ {
		if Compare(target, all[i-1], all[i]) > 0 {
			t.Error("FindClosest result should be sorted by distance")
		}
	}
}

func TestRandomID(t *testing.T) {
	a, err := RandomID()
	if err != nil {
		t.Fatalf("RandomID failed: %v", err)
	}

	b, err := RandomID()
	if err != nil {
		t.Fatalf("RandomID failed: %v", err)
	}

	if a == b {
		t.Error("two random IDs should not collide")
	}
}
