package table

import (
	mrand "math/rand"
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/enr"
)

func testNode(t *testing.T, ip net.IP, port uint16) *node.Node {
	t.Helper()

	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	record, err := enr.CreateSignedRecord(privKey, "ip", ip, "udp", port)
	if err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}

	n, err := node.New(record)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	return n
}

// testNodeUniqueIP creates a node with an IP in its own /24 so subnet
// limits don't interfere with the scenario under test.
func testNodeUniqueIP(t *testing.T, i int) *node.Node {
	t.Helper()
	return testNode(t, net.IPv4(10, byte(i>>8), byte(i), 1), 30303)
}

func newTestTable(localID node.ID) *Table {
	return NewTable(Config{
		LocalID: localID,
		Rng:     mrand.New(mrand.NewSource(42)),
	})
}

func TestAddBucketInvariant(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	for i := 0; i < 32; i++ {
		n := testNodeUniqueIP(t, i)
		if res := tbl.Add(n); res != Added && res != ReplacementAdded {
			t.Fatalf("Add = %v", res)
		}

		dist := node.LogDistance(localID, n.ID())
		bucket := tbl.buckets[dist-1]
		if !bucket.contains(n.ID()) && !bucket.containsReplacement(n.ID()) {
			t.Errorf("node at distance %d not found in bucket %d", dist, dist)
		}
	}
}

func TestAddIdempotent(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	n := testNodeUniqueIP(t, 1)

	if res := tbl.Add(n); res != Added {
		t.Fatalf("first Add = %v, want Added", res)
	}

	sizeBefore := tbl.Len()

	if res := tbl.Add(n); res != Existing {
		t.Fatalf("second Add = %v, want Existing", res)
	}

	if tbl.Len() != sizeBefore {
		t.Error("second Add changed table size")
	}
}

func TestAddLocalNode(t *testing.T) {
	n := testNodeUniqueIP(t, 1)
	tbl := newTestTable(n.ID())

	if res := tbl.Add(n); res != LocalNode {
		t.Errorf("Add(local) = %v, want LocalNode", res)
	}

	if tbl.Len() != 0 {
		t.Error("local node must never be stored")
	}
}

func TestIPLimits(t *testing.T) {
	var localID node.ID
	tbl := NewTable(Config{
		LocalID:  localID,
		IPLimits: IPLimits{BucketLimit: 2, TableLimit: 3},
		Rng:      mrand.New(mrand.NewSource(42)),
	})

	// All nodes share the 10.0.0.0/24 subnet.
	added := 0
	limited := 0
	for i := 0; i < 8; i++ {
		n := testNode(t, net.IPv4(10, 0, 0, byte(i+1)), 30303)
		switch tbl.Add(n) {
		case Added, ReplacementAdded:
			added++
		case IPLimitReached:
			limited++
		}
	}

	if added > 3 {
		t.Errorf("table subnet cap exceeded: %d added", added)
	}
	if limited == 0 {
		t.Error("expected IPLimitReached results")
	}
}

func TestReplacementPromotion(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	// Fill one bucket by generating nodes until BucketSize land in the same
	// bucket, then overflow into the replacement cache.
	target := 0
	byBucket := make(map[int][]*node.Node)
	for i := 0; len(byBucket[target]) < BucketSize+1 && i < 4096; i++ {
		n := testNodeUniqueIP(t, i)
		dist := node.LogDistance(localID, n.ID())
		if len(byBucket[dist]) >= BucketSize+1 {
			continue
		}
		res := tbl.Add(n)
		if res == Added || res == ReplacementAdded {
			byBucket[dist] = append(byBucket[dist], n)
			if len(byBucket[dist]) == BucketSize+1 {
				target = dist
				break
			}
		}
	}

	nodes := byBucket[target]
	if len(nodes) != BucketSize+1 {
		t.Skip("could not fill a bucket with random IDs")
	}

	bucket := tbl.buckets[target-1]
	if bucket.Len() != BucketSize {
		t.Fatalf("bucket has %d live entries, want %d", bucket.Len(), BucketSize)
	}

	overflow := nodes[len(nodes)-1]
	if !bucket.containsReplacement(overflow.ID()) {
		t.Fatal("overflow node should be in the replacement cache")
	}

	// Replacing a live node promotes the replacement.
	victim := bucket.tail()
	tbl.ReplaceNode(victim)

	if bucket.contains(victim.ID()) {
		t.Error("replaced node still resident")
	}
	if !bucket.contains(overflow.ID()) {
		t.Error("replacement was not promoted")
	}
}

func TestNeighbours(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	var nodes []*node.Node
	for i := 0; i < 40; i++ {
		n := testNodeUniqueIP(t, i)
		if res := tbl.Add(n); res == Added {
			nodes = append(nodes, n)
		}
	}

	var target node.ID
	target[0] = 0x55

	result := tbl.Neighbours(target, 16, false)

	if len(result) > 16 {
		t.Errorf("Neighbours returned %d nodes, want <= 16", len(result))
	}

	seen := make(map[node.ID]bool)
	for i, n := range result {
		if seen[n.ID()] {
			t.Error("duplicate node in Neighbours result")
		}
		seen[n.ID()] = true

		if i > 0 && node.Compare(target, result[i-1].ID(), n.ID()) > 0 {
			t.Error("Neighbours result not sorted by distance")
		}
	}

	// seenOnly filters nodes that never answered.
	if got := tbl.Neighbours(target, 16, true); len(got) != 0 {
		t.Errorf("seenOnly Neighbours = %d nodes, want 0", len(got))
	}

	tbl.SetJustSeen(nodes[0])
	if got := tbl.Neighbours(target, 16, true); len(got) != 1 {
		t.Errorf("seenOnly Neighbours after SetJustSeen = %d nodes, want 1", len(got))
	}
}

func TestNeighboursAtDistances(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	dists := make(map[int]bool)
	for i := 0; i < 40; i++ {
		n := testNodeUniqueIP(t, i)
		if res := tbl.Add(n); res == Added {
			dists[node.LogDistance(localID, n.ID())] = true
		}
	}

	for d := range dists {
		result := tbl.NeighboursAtDistances([]uint{uint(d)}, 16, false)
		if len(result) == 0 {
			t.Errorf("no nodes returned for populated distance %d", d)
		}
		for _, n := range result {
			if got := node.LogDistance(localID, n.ID()); got != d {
				t.Errorf("node at distance %d returned for query distance %d", got, d)
			}
		}
		break
	}

	// Out-of-range distances yield nothing.
	if got := tbl.NeighboursAtDistances([]uint{0, 257}, 16, false); len(got) != 0 {
		t.Errorf("invalid distances returned %d nodes", len(got))
	}
}

func TestNodeToRevalidate(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	if tbl.NodeToRevalidate() != nil {
		t.Error("empty table should have no revalidation candidate")
	}

	n := testNodeUniqueIP(t, 1)
	tbl.Add(n)

	candidate := tbl.NodeToRevalidate()
	if candidate == nil {
		t.Fatal("expected a revalidation candidate")
	}
	if candidate.ID() == localID {
		t.Error("revalidation candidate must not be the local node")
	}
}

func TestSetJustSeenMovesToHead(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	// Find two nodes in the same bucket.
	byBucket := make(map[int][]*node.Node)
	var pair []*node.Node
	for i := 0; i < 2048 && pair == nil; i++ {
		n := testNodeUniqueIP(t, i)
		if tbl.Add(n) != Added {
			continue
		}
		d := node.LogDistance(localID, n.ID())
		byBucket[d] = append(byBucket[d], n)
		if len(byBucket[d]) == 2 {
			pair = byBucket[d]
		}
	}
	if pair == nil {
		t.Skip("could not find two nodes in the same bucket")
	}

	d := node.LogDistance(localID, pair[0].ID())
	bucket := tbl.buckets[d-1]

	// pair[1] was added later, so it is at the head now.
	tbl.SetJustSeen(pair[0])

	if bucket.nodes[0].ID() != pair[0].ID() {
		t.Error("SetJustSeen should move the node to the bucket head")
	}
	if !pair[0].Seen() {
		t.Error("SetJustSeen should stamp last seen time")
	}
}

func TestIPCountersConsistent(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	var nodes []*node.Node
	for i := 0; i < 24; i++ {
		n := testNodeUniqueIP(t, i)
		if res := tbl.Add(n); res == Added {
			nodes = append(nodes, n)
		}
	}

	for _, n := range nodes {
		tbl.ReplaceNode(n)
	}

	if tbl.Len() != 0 {
		t.Fatalf("table should be empty, has %d nodes", tbl.Len())
	}

	if len(tbl.ips.table) != 0 {
		t.Errorf("subnet counters leaked: %v", tbl.ips.table)
	}
}

func TestRandomNodes(t *testing.T) {
	var localID node.ID
	tbl := newTestTable(localID)

	for i := 0; i < 10; i++ {
		tbl.Add(testNodeUniqueIP(t, i))
	}

	got := tbl.RandomNodes(5)
	if len(got) != 5 {
		t.Errorf("RandomNodes(5) = %d nodes", len(got))
	}

	got = tbl.RandomNodes(100)
	if len(got) != tbl.Len() {
		t.Errorf("RandomNodes(100) = %d nodes, want %d", len(got), tbl.Len())
	}
}
