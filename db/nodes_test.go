package db

import (
	"net"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/bauerj/nim-eth/discv5/node"
	"github.com/bauerj/nim-eth/enr"
)

func testDB(t *testing.T) *Database {
	t.Helper()

	d, err := NewDatabase(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testNode(t *testing.T) *node.Node {
	t.Helper()

	privKey, _ := ethcrypto.GenerateKey()
	record, err := enr.CreateSignedRecord(
		privKey,
		"ip", net.IPv4(10, 0, 0, 1),
		"udp", uint16(30303),
	)
	if err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	n, err := node.New(record)
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	return n
}

func TestStoreAndGetNode(t *testing.T) {
	d := testDB(t)
	n := testNode(t)

	if err := d.StoreNode(n); err != nil {
		t.Fatalf("StoreNode failed: %v", err)
	}

	row, err := d.GetNode(n.ID())
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}

	if row.IP != "10.0.0.1" || row.Port != 30303 {
		t.Errorf("stored address = %s:%d, want 10.0.0.1:30303", row.IP, row.Port)
	}

	// The stored ENR decodes back to the same node.
	record, err := enr.Load(row.ENR)
	if err != nil {
		t.Fatalf("stored ENR does not decode: %v", err)
	}
	if node.PubkeyToID(record.PublicKey()) != n.ID() {
		t.Error("stored ENR identity mismatch")
	}
}

func TestStoreNodeUpsert(t *testing.T) {
	d := testDB(t)
	n := testNode(t)

	d.StoreNode(n)
	n.SetLastSeen(time.Now())
	d.StoreNode(n)

	count, err := d.CountNodes()
	if err != nil {
		t.Fatalf("CountNodes failed: %v", err)
	}
	if count != 1 {
		t.Errorf("CountNodes = %d, want 1 after upsert", count)
	}

	row, _ := d.GetNode(n.ID())
	if !row.LastSeen.Valid {
		t.Error("last_seen not updated by upsert")
	}
}

func TestPruneNodes(t *testing.T) {
	d := testDB(t)

	stale := testNode(t)
	fresh := testNode(t)
	fresh.SetLastSeen(time.Now())

	d.StoreNode(stale)
	d.StoreNode(fresh)

	// Both rows are fresh relative to a one-hour cutoff.
	pruned, err := d.PruneNodes(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneNodes failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned %d recent rows, want 0", pruned)
	}

	count, _ := d.CountNodes()
	if count != 2 {
		t.Errorf("CountNodes = %d, want 2", count)
	}
}
