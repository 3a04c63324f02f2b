package discv5

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bauerj/nim-eth/discv5/node"
)

// DefaultVoteTTL is how long an address vote stays active.
const DefaultVoteTTL = 5 * time.Minute

// IPVote estimates the node's external address from PONG observations.
//
// Every peer that answers a ping reports the address it saw our request
// come from. Each peer holds exactly one vote — a newer observation
// overwrites the old one — and votes expire after a TTL. An address wins
// only with a strict majority of the active votes, so a minority of lying
// peers cannot move the result.
type IPVote struct {
	// votes maps voter node IDs to their current observation
	votes map[node.ID]*addressVote

	// ttl bounds the lifetime of a vote
	ttl time.Duration

	mu sync.Mutex

	logger logrus.FieldLogger
}

type addressVote struct {
	ip   net.IP
	port uint16
	at   time.Time
}

// NewIPVote creates an accumulator (ttl 0 = DefaultVoteTTL).
func NewIPVote(ttl time.Duration, logger logrus.FieldLogger) *IPVote {
	if ttl <= 0 {
		ttl = DefaultVoteTTL
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &IPVote{
		votes:  make(map[node.ID]*addressVote),
		ttl:    ttl,
		logger: logger,
	}
}

// Insert records a peer's observation of our external address,
// overwriting the peer's previous vote.
func (v *IPVote) Insert(voter node.ID, ip net.IP, port uint16) {
	if ip == nil || port == 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.votes[voter] = &addressVote{
		ip:   node.NormalizeIP(ip),
		port: port,
		at:   time.Now(),
	}
}

// Majority returns the address observed by strictly more than half of the
// active voters, or false if there is none.
func (v *IPVote) Majority() (net.IP, uint16, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.expireLocked()

	if len(v.votes) == 0 {
		return nil, 0, false
	}

	tally := make(map[string]int)
	byKey := make(map[string]*addressVote)

	for _, vote := range v.votes {
		key := fmt.Sprintf("%s:%d", vote.ip, vote.port)
		tally[key]++
		byKey[key] = vote
	}

	var bestKey string
	bestCount := 0
	for key, count := range tally {
		if count > bestCount {
			bestKey = key
			bestCount = count
		}
	}

	if bestCount*2 <= len(v.votes) {
		return nil, 0, false
	}

	winner := byKey[bestKey]
	return winner.ip, winner.port, true
}

// Count returns the number of active votes.
func (v *IPVote) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.expireLocked()
	return len(v.votes)
}

func (v *IPVote) expireLocked() {
	cutoff := time.Now().Add(-v.ttl)
	for id, vote := range v.votes {
		if vote.at.Before(cutoff) {
			delete(v.votes, id)
		}
	}
}
