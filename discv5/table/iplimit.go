package table

import (
	"net"

	"github.com/bauerj/nim-eth/discv5/node"
)

// DefaultBucketSubnetLimit is the default number of nodes allowed per IP
// subnet within a single bucket.
const DefaultBucketSubnetLimit = 2

// DefaultTableSubnetLimit is the default number of nodes allowed per IP
// subnet across the whole table.
const DefaultTableSubnetLimit = 10

// IPLimits configures the subnet caps.
type IPLimits struct {
	// BucketLimit is the per-bucket cap per /24 (IPv4) or /64 (IPv6)
	BucketLimit int

	// TableLimit is the per-table cap per subnet
	TableLimit int
}

// DefaultIPLimits returns the default subnet caps.
func DefaultIPLimits() IPLimits {
	return IPLimits{
		BucketLimit: DefaultBucketSubnetLimit,
		TableLimit:  DefaultTableSubnetLimit,
	}
}

// ipTracker counts table residents per IP subnet, both per bucket and
// table-wide. Addresses are bucketed by /24 for IPv4 and /64 for IPv6.
//
// The counters mirror the multiset of addresses resident in the table
// (live entries and replacement candidates alike); the owning Table keeps
// them in sync on every insert and removal.
type ipTracker struct {
	limits IPLimits

	// table counts residents per subnet across all buckets
	table map[string]int

	// buckets counts residents per subnet within each bucket index
	buckets map[int]map[string]int
}

func newIPTracker(limits IPLimits) *ipTracker {
	if limits.BucketLimit <= 0 {
		limits.BucketLimit = DefaultBucketSubnetLimit
	}
	if limits.TableLimit <= 0 {
		limits.TableLimit = DefaultTableSubnetLimit
	}

	return &ipTracker{
		limits:  limits,
		table:   make(map[string]int),
		buckets: make(map[int]map[string]int),
	}
}

// canAdd reports whether inserting an address into the given bucket would
// stay within the subnet caps.
func (t *ipTracker) canAdd(bucketIdx int, ip net.IP) bool {
	key := node.SubnetKey(ip)

	if t.table[key] >= t.limits.TableLimit {
		return false
	}

	if bucket, ok := t.buckets[bucketIdx]; ok && bucket[key] >= t.limits.BucketLimit {
		return false
	}

	return true
}

// add registers an address in the given bucket.
func (t *ipTracker) add(bucketIdx int, ip net.IP) {
	key := node.SubnetKey(ip)

	t.table[key]++

	bucket, ok := t.buckets[bucketIdx]
	if !ok {
		bucket = make(map[string]int)
		t.buckets[bucketIdx] = bucket
	}
	bucket[key]++
}

// remove unregisters an address from the given bucket.
func (t *ipTracker) remove(bucketIdx int, ip net.IP) {
	key := node.SubnetKey(ip)

	if t.table[key] > 1 {
		t.table[key]--
	} else {
		delete(t.table, key)
	}

	if bucket, ok := t.buckets[bucketIdx]; ok {
		if bucket[key] > 1 {
			bucket[key]--
		} else {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(t.buckets, bucketIdx)
			}
		}
	}
}
