package table

import (
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bauerj/nim-eth/discv5/node"
)

// NumBuckets is the number of k-buckets. Bucket i (1-based) holds the nodes
// at logarithmic distance exactly i from the local node; distance 0 is the
// local node itself and has no bucket.
const NumBuckets = 256

// AddResult describes the outcome of Table.Add.
type AddResult int

const (
	// Added means the node was inserted as a live bucket entry.
	Added AddResult = iota

	// Existing means the node was already resident; the table is unchanged
	// except for a possible record refresh.
	Existing

	// ReplacementAdded means the bucket was full and the node was parked in
	// the replacement cache.
	ReplacementAdded

	// IPLimitReached means inserting the node would exceed a subnet cap.
	IPLimitReached

	// LocalNode means the node is the local node, which is never stored.
	LocalNode
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Existing:
		return "existing"
	case ReplacementAdded:
		return "replacement-added"
	case IPLimitReached:
		return "ip-limit-reached"
	case LocalNode:
		return "local-node"
	default:
		return fmt.Sprintf("add-result-%d", int(r))
	}
}

// Table is the Kademlia routing table.
type Table struct {
	// localID is the local node's ID
	localID node.ID

	// buckets[i] holds the nodes at log distance i+1
	buckets [NumBuckets]*Bucket

	// ips enforces the subnet caps
	ips *ipTracker

	// rng picks revalidation buckets and random node samples
	rng *mrand.Rand

	mu sync.Mutex

	logger logrus.FieldLogger
}

// Config contains configuration for the routing table.
type Config struct {
	// LocalID is the local node's ID
	LocalID node.ID

	// IPLimits are the subnet caps (zero values = defaults)
	IPLimits IPLimits

	// Rng is the random source for revalidation and sampling
	// (nil = time-seeded)
	Rng *mrand.Rand

	// Logger for debug messages
	Logger logrus.FieldLogger
}

// NewTable creates an empty routing table.
func NewTable(cfg Config) *Table {
	if cfg.Rng == nil {
		cfg.Rng = mrand.New(mrand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	t := &Table{
		localID: cfg.LocalID,
		ips:     newIPTracker(cfg.IPLimits),
		rng:     cfg.Rng,
		logger:  cfg.Logger,
	}

	for i := range t.buckets {
		t.buckets[i] = NewBucket()
	}

	return t
}

// bucketFor returns the bucket holding IDs at the given log distance,
// or nil for distance 0.
func (t *Table) bucketFor(id node.ID) (*Bucket, int) {
	dist := node.LogDistance(t.localID, id)
	if dist == 0 {
		return nil, 0
	}
	return t.buckets[dist-1], dist
}

// Add inserts a node.
//
// The node lands at the head of its distance bucket. If the bucket is full
// it is parked in the replacement cache instead. Insertion in either place
// is refused when a subnet cap would be exceeded.
func (t *Table) Add(n *node.Node) AddResult {
	if n == nil {
		return IPLimitReached
	}

	if n.ID() == t.localID {
		return LocalNode
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, dist := t.bucketFor(n.ID())

	if existing := bucket.get(n.ID()); existing != nil {
		// Refresh the record in place; position is only changed by
		// SetJustSeen on a verified exchange.
		existing.UpdateRecord(n.Record())
		return Existing
	}

	if bucket.containsReplacement(n.ID()) {
		return Existing
	}

	if !t.ips.canAdd(dist, n.IP()) {
		t.logger.WithField("peerID", n.PeerID()).WithField("ip", n.IP()).Debug("table: node rejected by IP limit")
		return IPLimitReached
	}

	if bucket.Len() < BucketSize {
		bucket.addHead(n)
		t.ips.add(dist, n.IP())

		t.logger.WithField("peerID", n.PeerID()).WithField("addr", n.Addr()).WithField("bucket", dist).Debug("table: added node")
		return Added
	}

	if evicted := bucket.addReplacement(n); evicted != nil {
		t.ips.remove(dist, evicted.IP())
	}
	t.ips.add(dist, n.IP())

	return ReplacementAdded
}

// Get retrieves a live node by ID, or nil.
func (t *Table) Get(id node.ID) *node.Node {
	if id == t.localID {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, _ := t.bucketFor(id)
	return bucket.get(id)
}

// Contains reports whether the ID is a live entry.
func (t *Table) Contains(id node.ID) bool {
	return t.Get(id) != nil
}

// Neighbours returns up to k live nodes closest to target by XOR distance,
// sorted ascending. With seenOnly, only nodes that have answered a request
// of ours are considered.
func (t *Table) Neighbours(target node.ID, k int, seenOnly bool) []*node.Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidates []*node.Node
	for _, bucket := range t.buckets {
		for _, n := range bucket.nodes {
			if seenOnly && !n.Seen() {
				continue
			}
			candidates = append(candidates, n)
		}
	}

	return closestOf(target, candidates, k)
}

// NeighboursAtDistances returns up to limit live nodes whose log distance
// from the local node is one of dists.
func (t *Table) NeighboursAtDistances(dists []uint, limit int, seenOnly bool) []*node.Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []*node.Node
	for _, dist := range dists {
		if dist < 1 || dist > NumBuckets {
			continue
		}

		for _, n := range t.buckets[dist-1].nodes {
			if seenOnly && !n.Seen() {
				continue
			}
			result = append(result, n)
			if len(result) >= limit {
				return result
			}
		}
	}

	return result
}

// NodeToRevalidate returns the least recently seen entry of a random
// non-empty bucket, or nil if the table is empty.
func (t *Table) NodeToRevalidate() *node.Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var nonEmpty []int
	for i, bucket := range t.buckets {
		if bucket.Len() > 0 {
			nonEmpty = append(nonEmpty, i)
		}
	}

	if len(nonEmpty) == 0 {
		return nil
	}

	idx := nonEmpty[t.rng.Intn(len(nonEmpty))]
	return t.buckets[idx].tail()
}

// ReplaceNode removes a node and promotes the freshest replacement
// candidate into the freed slot, if one exists.
func (t *Table) ReplaceNode(n *node.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, dist := t.bucketFor(n.ID())
	if bucket == nil {
		return
	}

	if removed := bucket.remove(n.ID()); removed == nil {
		return
	}
	t.ips.remove(dist, n.IP())

	// The promoted candidate has not proven liveness yet; it enters at the
	// revalidation end of the bucket.
	if promoted := bucket.takeReplacement(); promoted != nil {
		bucket.nodes = append(bucket.nodes, promoted)

		t.logger.WithField("peerID", promoted.PeerID()).WithField("bucket", dist).Debug("table: promoted replacement")
	}

	t.logger.WithField("peerID", n.PeerID()).WithField("bucket", dist).Debug("table: removed node")
}

// SetJustSeen moves a node to the head of its bucket and stamps its last
// seen time. Called after every successful self-initiated exchange.
func (t *Table) SetJustSeen(n *node.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, _ := t.bucketFor(n.ID())
	if bucket == nil {
		return
	}
	if bucket.moveToHead(n.ID()) {
		n.SetLastSeen(time.Now())
	}
}

// RandomNodes returns up to count live nodes sampled uniformly from the
// table.
func (t *Table) RandomNodes(count int) []*node.Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []*node.Node
	for _, bucket := range t.buckets {
		all = append(all, bucket.nodes...)
	}

	t.rng.Shuffle(len(all), func(i, j int) {
		all[i], all[j] = all[j], all[i]
	})

	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Len returns the number of live entries in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, bucket := range t.buckets {
		total += bucket.Len()
	}
	return total
}

// BucketsFilled returns the number of buckets holding at least one node.
func (t *Table) BucketsFilled() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, bucket := range t.buckets {
		if bucket.Len() > 0 {
			count++
		}
	}
	return count
}

// Dump returns all live entries grouped by bucket distance. Used by the
// status API.
func (t *Table) Dump() map[int][]*node.Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make(map[int][]*node.Node)
	for i, bucket := range t.buckets {
		if bucket.Len() > 0 {
			result[i+1] = bucket.Nodes()
		}
	}
	return result
}

// closestOf returns the k nodes closest to target, sorted ascending by
// distance.
func closestOf(target node.ID, nodes []*node.Node, k int) []*node.Node {
	byID := make(map[node.ID]*node.Node, len(nodes))
	ids := make([]node.ID, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID()]; !dup {
			byID[n.ID()] = n
			ids = append(ids, n.ID())
		}
	}

	closest := node.FindClosest(target, ids, k)

	result := make([]*node.Node, 0, len(closest))
	for _, id := range closest {
		result = append(result, byID[id])
	}
	return result
}
