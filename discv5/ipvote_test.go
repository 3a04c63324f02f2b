package discv5

import (
	"net"
	"testing"
	"time"

	"github.com/bauerj/nim-eth/discv5/node"
)

func voterID(i int) node.ID {
	var id node.ID
	id[0] = byte(i)
	id[1] = byte(i >> 8)
	return id
}

func TestIPVoteMajority(t *testing.T) {
	v := NewIPVote(time.Minute, nil)

	// 3 of 5 voters agree: strict majority.
	for i := 0; i < 3; i++ {
		v.Insert(voterID(i), net.IPv4(1, 2, 3, 4), 9000)
	}
	v.Insert(voterID(3), net.IPv4(5, 6, 7, 8), 9000)
	v.Insert(voterID(4), net.IPv4(9, 9, 9, 9), 9001)

	ip, port, ok := v.Majority()
	if !ok {
		t.Fatal("expected a majority")
	}
	if !ip.Equal(net.IPv4(1, 2, 3, 4)) || port != 9000 {
		t.Errorf("majority = %v:%d, want 1.2.3.4:9000", ip, port)
	}
}

func TestIPVoteNoMajority(t *testing.T) {
	v := NewIPVote(time.Minute, nil)

	// 2 vs 2: no strict majority.
	v.Insert(voterID(0), net.IPv4(1, 2, 3, 4), 9000)
	v.Insert(voterID(1), net.IPv4(1, 2, 3, 4), 9000)
	v.Insert(voterID(2), net.IPv4(5, 6, 7, 8), 9000)
	v.Insert(voterID(3), net.IPv4(5, 6, 7, 8), 9000)

	if _, _, ok := v.Majority(); ok {
		t.Error("tie should not produce a majority")
	}
}

func TestIPVoteOverwrite(t *testing.T) {
	v := NewIPVote(time.Minute, nil)

	// A flapping voter holds only one vote.
	v.Insert(voterID(0), net.IPv4(1, 2, 3, 4), 9000)
	v.Insert(voterID(0), net.IPv4(5, 6, 7, 8), 9000)
	v.Insert(voterID(1), net.IPv4(5, 6, 7, 8), 9000)

	if v.Count() != 2 {
		t.Errorf("Count = %d, want 2", v.Count())
	}

	ip, _, ok := v.Majority()
	if !ok || !ip.Equal(net.IPv4(5, 6, 7, 8)) {
		t.Errorf("majority = %v, want 5.6.7.8", ip)
	}
}

func TestIPVoteExpiry(t *testing.T) {
	v := NewIPVote(50*time.Millisecond, nil)

	v.Insert(voterID(0), net.IPv4(1, 2, 3, 4), 9000)
	v.Insert(voterID(1), net.IPv4(1, 2, 3, 4), 9000)

	time.Sleep(100 * time.Millisecond)

	if v.Count() != 0 {
		t.Errorf("Count after TTL = %d, want 0", v.Count())
	}

	if _, _, ok := v.Majority(); ok {
		t.Error("expired votes should not produce a majority")
	}
}
