package session

import (
	"fmt"
	"net"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/bauerj/nim-eth/discv5/node"
)

func testKey(i int) Key {
	var id node.ID
	id[0] = byte(i)
	id[1] = byte(i >> 8)
	return Key{ID: id, Addr: fmt.Sprintf("127.0.0.1:%d", 20000+i)}
}

func testSession(k Key) *Session {
	addr, _ := net.ResolveUDPAddr("udp", k.Addr)
	return NewSession(k.ID, addr, make([]byte, 16), make([]byte, 16))
}

func TestStorePutGet(t *testing.T) {
	store := NewStore(4, nil)

	k := testKey(1)
	sess := testSession(k)
	store.Put(k, sess)

	if got := store.Get(k); got != sess {
		t.Error("Get should return the stored session")
	}

	if !store.Has(k) {
		t.Error("Has should report the stored session")
	}

	store.Remove(k)
	if store.Get(k) != nil {
		t.Error("Get after Remove should return nil")
	}
}

func TestStoreOverwrite(t *testing.T) {
	store := NewStore(4, nil)

	k := testKey(1)
	first := testSession(k)
	second := testSession(k)

	store.Put(k, first)
	store.Put(k, second)

	if store.Count() != 1 {
		t.Errorf("Count = %d, want 1", store.Count())
	}

	if got := store.Get(k); got != second {
		t.Error("a later Put for the same key should overwrite")
	}
}

func TestStoreLRUEviction(t *testing.T) {
	store := NewStore(3, nil)

	keys := []Key{testKey(1), testKey(2), testKey(3)}
	for _, k := range keys {
		store.Put(k, testSession(k))
	}

	// Touch key 1 so key 2 becomes the LRU candidate.
	store.Get(keys[0])

	k4 := testKey(4)
	store.Put(k4, testSession(k4))

	if store.Count() != 3 {
		t.Errorf("Count = %d, want 3", store.Count())
	}

	if store.Get(keys[1]) != nil {
		t.Error("least recently used session should have been evicted")
	}

	if store.Get(keys[0]) == nil || store.Get(k4) == nil {
		t.Error("recently used sessions should survive eviction")
	}
}

func TestDeriveKeysSymmetry(t *testing.T) {
	// A initiates towards B: A uses an ephemeral key against B's static key,
	// B uses its static key against A's ephemeral public key. Both must
	// arrive at the same key pair.
	ephKey, _ := ethcrypto.GenerateKey()
	staticB, _ := ethcrypto.GenerateKey()

	var initiatorID, recipientID node.ID
	initiatorID[0] = 0xAA
	recipientID[0] = 0xBB

	challenge := make([]byte, 63)
	for i := range challenge {
		challenge[i] = byte(i)
	}

	keysA, err := DeriveKeys(ephKey, &staticB.PublicKey, initiatorID, recipientID, challenge)
	if err != nil {
		t.Fatalf("initiator DeriveKeys failed: %v", err)
	}

	keysB, err := DeriveKeys(staticB, &ephKey.PublicKey, initiatorID, recipientID, challenge)
	if err != nil {
		t.Fatalf("recipient DeriveKeys failed: %v", err)
	}

	if string(keysA.InitiatorKey) != string(keysB.InitiatorKey) {
		t.Error("initiator keys differ between the two sides")
	}

	if string(keysA.RecipientKey) != string(keysB.RecipientKey) {
		t.Error("recipient keys differ between the two sides")
	}

	if string(keysA.InitiatorKey) == string(keysA.RecipientKey) {
		t.Error("directional keys should not be identical")
	}
}

func TestNextNonceMonotonic(t *testing.T) {
	k := testKey(1)
	sess := testSession(k)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := sess.NextNonce()
		if err != nil {
			t.Fatalf("NextNonce failed: %v", err)
		}
		if len(nonce) != 12 {
			t.Fatalf("nonce length = %d, want 12", len(nonce))
		}
		if seen[string(nonce)] {
			t.Fatal("nonce reuse detected")
		}
		seen[string(nonce)] = true
	}
}
