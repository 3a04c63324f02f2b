// Package discover implements the iterative Kademlia lookup over the
// protocol's find-node primitive.
package discover

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/discv5/protocol"
	"github.com/bauerj/nim-eth/discv5/table"
	"github.com/bauerj/nim-eth/enr"
)

// Alpha is the Kademlia concurrency factor: at most this many find-node
// queries are in flight per lookup.
const Alpha = 3

// LookupRequestLimit is the maximum number of distances requested in one
// find-node query.
const LookupRequestLimit = 3

// BucketSize is the result size of a lookup (K).
const BucketSize = table.BucketSize

// Lookup runs iterative closest-node searches.
type Lookup struct {
	// localID is our own node ID, excluded from results
	localID node.ID

	// table seeds searches and receives discovered nodes
	table *table.Table

	// handler provides the find-node request primitive
	handler *protocol.Handler

	logger logrus.FieldLogger
}

// Config contains configuration for the lookup engine.
type Config struct {
	// LocalID is our own node ID
	LocalID node.ID

	// Table is the routing table
	Table *table.Table

	// Handler is the protocol handler
	Handler *protocol.Handler

	// Logger for debug messages
	Logger logrus.FieldLogger
}

// NewLookup creates a lookup engine.
func NewLookup(cfg Config) *Lookup {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Lookup{
		localID: cfg.LocalID,
		table:   cfg.Table,
		handler: cfg.Handler,
		logger:  cfg.Logger,
	}
}

// Lookup finds the K closest reachable nodes to target.
//
// The search seeds from the routing table and iterates: the closest
// unqueried candidates are asked for nodes around the target's distance,
// verified replies extend the candidate set, and the search ends when no
// query is in flight and no unqueried candidate remains. The result is
// sorted ascending by distance and has no duplicates.
func (l *Lookup) Lookup(target node.ID) []*node.Node {
	return l.run(target, true)
}

// Query is Lookup without the final truncation to K: it returns every
// verified node encountered. Used by the table refresh, where coverage
// matters more than convergence.
func (l *Lookup) Query(target node.ID) []*node.Node {
	return l.run(target, false)
}

func (l *Lookup) run(target node.ID, truncate bool) []*node.Node {
	closest := l.table.Neighbours(target, BucketSize, false)

	asked := map[node.ID]bool{l.localID: true}
	seen := map[node.ID]bool{l.localID: true}
	for _, n := range closest {
		seen[n.ID()] = true
	}

	// all accumulates every verified node for Query mode.
	var all []*node.Node
	all = append(all, closest...)

	for {
		// Pick the next unasked candidates, closest first.
		var toQuery []*node.Node
		for _, n := range closest {
			if !asked[n.ID()] {
				toQuery = append(toQuery, n)
				if len(toQuery) >= Alpha {
					break
				}
			}
		}

		if len(toQuery) == 0 {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var discovered []*node.Node

		for _, n := range toQuery {
			asked[n.ID()] = true

			wg.Add(1)
			go func(peer *node.Node) {
				defer wg.Done()

				distances := lookupDistances(target, peer.ID())

				records, err := l.handler.FindNode(peer, distances)
				if err != nil {
					l.logger.WithFields(logrus.Fields{
						"peerID": peer.PeerID(),
						"error":  err,
					}).Debug("lookup query failed")
					return
				}

				verified := VerifyNodesRecords(records, peer, distances)

				mu.Lock()
				discovered = append(discovered, verified...)
				mu.Unlock()
			}(n)
		}

		wg.Wait()

		for _, n := range discovered {
			if seen[n.ID()] {
				continue
			}
			seen[n.ID()] = true

			// Feed the table opportunistically; rejection (IP limits,
			// full buckets) doesn't disqualify the node as a lookup
			// result.
			l.table.Add(n)

			closest = append(closest, n)
			all = append(all, n)
		}

		closest = sortAndTrim(target, closest, BucketSize)
	}

	if truncate {
		return closest
	}
	return sortAndTrim(target, all, len(all))
}

// lookupDistances returns the distances to request from a peer when
// searching for target: the exact peer-to-target distance first, then the
// adjacent rings, skipping 0 and anything past 256.
func lookupDistances(target, dest node.ID) []uint {
	td := node.LogDistance(target, dest)
	if td == 0 {
		// dest is the target itself; ask for its widest buckets.
		return []uint{256}
	}

	dists := []uint{uint(td)}
	for i := 1; len(dists) < LookupRequestLimit; i++ {
		if td+i <= 256 {
			dists = append(dists, uint(td+i))
		}
		if td-i > 0 && len(dists) < LookupRequestLimit {
			dists = append(dists, uint(td-i))
		}
		if td+i > 256 && td-i <= 0 {
			break
		}
	}

	return dists
}

// VerifyNodesRecords filters the records of a NODES reply.
//
// Dropped records: beyond the result limit, duplicates, records that don't
// form a valid node, IPs implausible relative to the sender, and nodes
// whose distance to the sender is not among the requested distances.
func VerifyNodesRecords(records []*enr.Record, sender *node.Node, distances []uint) []*node.Node {
	var result []*node.Node
	seen := make(map[node.ID]bool)

	for i, record := range records {
		if i >= protocol.FindNodeResultLimit {
			break
		}

		n, err := node.New(record)
		if err != nil {
			continue
		}

		if seen[n.ID()] {
			continue
		}
		seen[n.ID()] = true

		if err := node.CheckRelayIP(sender.IP(), n.IP()); err != nil {
			continue
		}

		if distances != nil {
			dist := node.LogDistance(n.ID(), sender.ID())
			if !containsDistance(distances, uint(dist)) {
				continue
			}
		}

		result = append(result, n)
	}

	return result
}

func containsDistance(distances []uint, d uint) bool {
	for _, dist := range distances {
		if dist == d {
			return true
		}
	}
	return false
}

// sortAndTrim returns the k closest distinct nodes, ascending by distance.
func sortAndTrim(target node.ID, nodes []*node.Node, k int) []*node.Node {
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
