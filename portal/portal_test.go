package portal

import (
	"net"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/discv5/protocol"
	"github.com/bauerj/nim-eth/enr"
)

// loopTransport serves talk requests directly from the registered handler,
// exercising both the client and server paths of the overlay without a
// network.
type loopTransport struct {
	local    *node.Node
	registry *protocol.TalkRegistry
}

func newLoopTransport(t *testing.T) *loopTransport {
	t.Helper()

	privKey, _ := ethcrypto.GenerateKey()
	record, err := enr.CreateSignedRecord(
		privKey,
		"ip", net.IPv4(127, 0, 0, 1),
		"udp", uint16(9000),
	)
	if err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}
	local, err := node.New(record)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}

	return &loopTransport{
		local:    local,
		registry: protocol.NewTalkRegistry(),
	}
}

func (lt *loopTransport) TalkRequest(n *node.Node, protoID, payload []byte) ([]byte, error) {
	return lt.registry.Invoke(protoID, payload), nil
}

func (lt *loopTransport) RegisterTalkProtocol(protoID []byte, handler protocol.TalkHandler) error {
	return lt.registry.Register(protoID, handler)
}

func (lt *loopTransport) LocalNode() *node.Node {
	return lt.local
}

func TestPortalPing(t *testing.T) {
	lt := newLoopTransport(t)

	p, err := New(lt, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	pong, err := p.Ping(lt.local)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if pong.ENRSeq != lt.local.Seq() {
		t.Errorf("pong ENRSeq = %d, want %d", pong.ENRSeq, lt.local.Seq())
	}

	// Fresh nodes advertise the full key space.
	if RadiusFromBytes(pong.DataRadius).Cmp(MaxRadius()) != 0 {
		t.Error("default data radius should be the maximum")
	}
}

func TestPortalFindNodes(t *testing.T) {
	lt := newLoopTransport(t)
	p, _ := New(lt, nil)

	// Empty distances: empty single-fragment answer.
	nodes, err := p.FindNodes(lt.local, []uint16{})
	if err != nil {
		t.Fatalf("FindNodes failed: %v", err)
	}
	if nodes.Total != 1 || len(nodes.ENRs) != 0 {
		t.Errorf("FindNodes([]) = total %d, %d ENRs; want 1, 0", nodes.Total, len(nodes.ENRs))
	}

	// Distance 0: the local record.
	nodes, err = p.FindNodes(lt.local, []uint16{0})
	if err != nil {
		t.Fatalf("FindNodes failed: %v", err)
	}
	if nodes.Total != 1 || len(nodes.ENRs) != 1 {
		t.Fatalf("FindNodes([0]) = total %d, %d ENRs; want 1, 1", nodes.Total, len(nodes.ENRs))
	}

	records := DecodeENRs(nodes.ENRs)
	if len(records) != 1 {
		t.Fatal("returned record does not decode")
	}
	if records[0].UDP() != lt.local.UDPPort() {
		t.Error("returned record is not the local record")
	}

	// Other distances: currently empty.
	nodes, err = p.FindNodes(lt.local, []uint16{255})
	if err != nil {
		t.Fatalf("FindNodes failed: %v", err)
	}
	if len(nodes.ENRs) != 0 {
		t.Errorf("FindNodes([255]) = %d ENRs, want 0", len(nodes.ENRs))
	}
}

func TestPortalFindContent(t *testing.T) {
	lt := newLoopTransport(t)
	p, _ := New(lt, nil)

	found, err := p.FindContent(lt.local, []byte("some-key"))
	if err != nil {
		t.Fatalf("FindContent failed: %v", err)
	}

	if len(found.ENRs) != 0 || len(found.Payload) != 0 {
		t.Error("empty overlay should answer with empty placeholders")
	}
}

func TestPortalAdvertise(t *testing.T) {
	lt := newLoopTransport(t)
	p, _ := New(lt, nil)

	resp, err := p.Advertise(lt.local, [][]byte{[]byte("key-1")})
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}

	if len(resp.ContentKeys) != 0 {
		t.Error("advertise response should currently be empty")
	}
}

func TestPortalSetDataRadius(t *testing.T) {
	lt := newLoopTransport(t)
	p, _ := New(lt, nil)

	r := uint256.NewInt(12345)
	p.SetDataRadius(r)

	pong, err := p.Ping(lt.local)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if RadiusFromBytes(pong.DataRadius).Cmp(r) != 0 {
		t.Error("updated radius not advertised")
	}
}

func TestPortalDoubleRegister(t *testing.T) {
	lt := newLoopTransport(t)

	if _, err := New(lt, nil); err != nil {
		t.Fatalf("first New failed: %v", err)
	}

	if _, err := New(lt, nil); err == nil {
		t.Error("second registration on the same transport should fail")
	}
}
