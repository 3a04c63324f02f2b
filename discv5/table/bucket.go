// Package table implements the Kademlia routing table for the discovery
// protocol:
//   - 256 k-buckets, one per logarithmic distance from the local node
//   - K=16 nodes per bucket, head = most recently seen
//   - a replacement cache per bucket for when the bucket is full
//   - IP-subnet limits to blunt sybil attacks
package table

import (
	"github.com/bauerj/nim-eth/discv5/node"
)

// BucketSize is the maximum number of live nodes in a k-bucket (K).
const BucketSize = 16

// ReplacementSize is the maximum number of replacement candidates kept per
// bucket.
const ReplacementSize = 16

// Bucket holds the nodes at one logarithmic distance from the local node.
//
// The node list is ordered by recency: index 0 is the most recently seen
// node, the tail is the candidate for revalidation. The bucket is not
// self-locking; the owning Table serializes access.
type Bucket struct {
	// nodes are the live entries, head = most recently seen
	nodes []*node.Node

	// replacements are candidates waiting for a slot, head = freshest
	replacements []*node.Node
}

// NewBucket creates an empty bucket.
func NewBucket() *Bucket {
	return &Bucket{
		nodes:        make([]*node.Node, 0, BucketSize),
		replacements: make([]*node.Node, 0, ReplacementSize),
	}
}

// get returns the live entry with the given ID, or nil.
func (b *Bucket) get(id node.ID) *node.Node {
	for _, n := range b.nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

// contains reports whether the ID is a live entry.
func (b *Bucket) contains(id node.ID) bool {
	return b.get(id) != nil
}

// containsReplacement reports whether the ID is in the replacement cache.
func (b *Bucket) containsReplacement(id node.ID) bool {
	for _, n := range b.replacements {
		if n.ID() == id {
			return true
		}
	}
	return false
}

// moveToHead moves an existing live entry to the head of the bucket.
func (b *Bucket) moveToHead(id node.ID) bool {
	for i, n := range b.nodes {
		if n.ID() == id {
			if i > 0 {
				copy(b.nodes[1:i+1], b.nodes[0:i])
				b.nodes[0] = n
			}
			return true
		}
	}
	return false
}

// addHead inserts a node at the head of the live list.
// The caller has verified there is room.
func (b *Bucket) addHead(n *node.Node) {
	b.nodes = append(b.nodes, nil)
	copy(b.nodes[1:], b.nodes[0:len(b.nodes)-1])
	b.nodes[0] = n
}

// addReplacement inserts a node at the head of the replacement cache,
// evicting the stalest candidate if the cache is full. Returns the evicted
// node, if any.
func (b *Bucket) addReplacement(n *node.Node) *node.Node {
	var evicted *node.Node

	if len(b.replacements) >= ReplacementSize {
		evicted = b.replacements[len(b.replacements)-1]
		b.replacements = b.replacements[:len(b.replacements)-1]
	}

	b.replacements = append(b.replacements, nil)
	copy(b.replacements[1:], b.replacements[0:len(b.replacements)-1])
	b.replacements[0] = n

	return evicted
}

// remove deletes the entry with the given ID from the live list or the
// replacement cache. Returns the removed node, if any.
func (b *Bucket) remove(id node.ID) *node.Node {
	for i, n := range b.nodes {
		if n.ID() == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return n
		}
	}

	for i, n := range b.replacements {
		if n.ID() == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return n
		}
	}

	return nil
}

// takeReplacement removes and returns the freshest replacement candidate,
// or nil if the cache is empty.
func (b *Bucket) takeReplacement() *node.Node {
	if len(b.replacements) == 0 {
		return nil
	}

	n := b.replacements[0]
	b.replacements = b.replacements[1:]
	return n
}

// tail returns the least recently seen live entry, or nil for an empty
// bucket.
func (b *Bucket) tail() *node.Node {
	if len(b.nodes) == 0 {
		return nil
	}
	return b.nodes[len(b.nodes)-1]
}

// Len returns the number of live entries.
func (b *Bucket) Len() int {
	return len(b.nodes)
}

// Nodes returns a copy of the live entries, most recently seen first.
func (b *Bucket) Nodes() []*node.Node {
	result := make([]*node.Node, len(b.nodes))
	copy(result, b.nodes)
	return result
}
