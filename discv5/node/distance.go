package node

import (
	"crypto/rand"
	"math/bits"
	"sort"
)

// Distance returns the XOR distance between two node IDs.
//
// XOR forms a metric over the ID space:
//   - d(x, x) = 0
//   - d(x, y) = d(y, x)
//   - d(x, z) <= d(x, y) + d(y, z)
func Distance(a, b ID) ID {
	var result ID
	for i := 0; i < len(a); i++ {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// LogDistance returns the logarithmic distance between two node IDs.
//
// This is the bit position of the highest-order differing bit, counted so
// that the result lies in [0, 256]: 0 for identical IDs, 256 when the IDs
// differ in the most significant bit. Bucket i of the routing table holds
// exactly the nodes at log distance i.
func LogDistance(a, b ID) int {
	lz := 0
	for i := 0; i < len(a); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
		} else {
			lz += bits.LeadingZeros8(x)
			break
		}
	}
	return len(a)*8 - lz
}

// Compare compares the distance of a and b to target.
//
// Returns -1 if a is closer to target, 1 if b is closer, 0 if equidistant.
func Compare(target, a, b ID) int {
	for i := 0; i < len(target); i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b ID) bool {
	return Compare(target, a, b) < 0
}

// SortByDistance sorts node IDs in place by ascending distance to target.
func SortByDistance(target ID, ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		return Compare(target, ids[i], ids[j]) < 0
	})
}

// FindClosest returns the k closest IDs to target, sorted ascending by
// distance. If fewer than k IDs are given, all are returned.
func FindClosest(target ID, ids []ID, k int) []ID {
	if len(ids) == 0 {
		return nil
	}

	result := make([]ID, len(ids))
	copy(result, ids)
	SortByDistance(target, result)

	if len(result) > k {
		result = result[:k]
	}
	return result
}

// RandomID generates a cryptographically random node ID.
//
// Random IDs are used as targets for table refresh lookups: querying for a
// uniformly random point of the keyspace exercises buckets the local ID's
// neighborhood never would.
func RandomID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}
