package bptree

import (
	"fmt"
	"testing"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

func TestInsertLookupDelete(t *testing.T) {
	pool := NewPool(64)
	tree := New(pool)

	const n = 200
	for i := 0; i < n; i++ {
		if err := tree.Insert(uint64(i), uint32(i*10)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		v, ok := tree.Lookup(uint64(i))
		if !ok {
			t.Fatalf("Lookup(%d): not found", i)
		}
		if v != uint32(i*10) {
			t.Fatalf("Lookup(%d) = %d, want %d", i, v, i*10)
		}
	}
	for i := 0; i < n; i += 2 {
		if !tree.Delete(uint64(i)) {
			t.Fatalf("Delete(%d): reported not found", i)
		}
	}
	for i := 0; i < n; i++ {
		_, ok := tree.Lookup(uint64(i))
		want := i%2 != 0
		if ok != want {
			t.Fatalf("Lookup(%d) after delete = %v, want %v", i, ok, want)
		}
	}
}

func TestInsertDuplicateKeyIsExists(t *testing.T) {
	pool := NewPool(8)
	tree := New(pool)
	if err := tree.Insert(5, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := tree.Insert(5, 2)
	if nverr.KindOf(err) != nverr.KindExists {
		t.Fatalf("Insert duplicate key: got %v, want KindExists", err)
	}
	v, ok := tree.Lookup(5)
	if !ok || v != 1 {
		t.Fatalf("duplicate insert must not overwrite: got (%d,%v), want (1,true)", v, ok)
	}
}

func TestDeleteMissingKeyReportsFalse(t *testing.T) {
	pool := NewPool(4)
	tree := New(pool)
	if tree.Delete(42) {
		t.Fatalf("Delete on empty tree: expected false")
	}
}

func TestNodePoolExhaustionReturnsNoSpace(t *testing.T) {
	pool := NewPool(1)
	tree := New(pool)
	var lastErr error
	for i := 0; i < 1000; i++ {
		if err := tree.Insert(uint64(i), uint32(i)); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected pool exhaustion with capacity 1 and many keys")
	}
	if nverr.KindOf(lastErr) != nverr.KindNoSpace {
		t.Fatalf("pool exhaustion error kind = %v, want KindNoSpace", nverr.KindOf(lastErr))
	}
}

// TestMarshalUnmarshalRoundTrip exercises the index persistence contract
// dirent.SaveIndex/LoadIndex depend on: the tree is persisted by writing
// its nodes as file data of the hidden index inode.
func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	pool := NewPool(64)
	tree := New(pool)
	const n = 150
	for i := 0; i < n; i++ {
		if err := tree.Insert(uint64(i)*7+1, uint32(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	buf := tree.Marshal()

	pool2 := NewPool(64)
	tree2 := New(pool2)
	if err := tree2.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for i := 0; i < n; i++ {
		key := uint64(i)*7 + 1
		v, ok := tree2.Lookup(key)
		if !ok || v != uint32(i) {
			t.Fatalf("Lookup(%d) after round trip = (%d,%v), want (%d,true)", key, v, ok, i)
		}
	}
}

func TestEmptyTreeMarshalUnmarshal(t *testing.T) {
	pool := NewPool(4)
	tree := New(pool)
	if !tree.Empty() {
		t.Fatalf("fresh tree reports non-empty")
	}
	buf := tree.Marshal()

	pool2 := NewPool(4)
	tree2 := New(pool2)
	if err := tree2.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal empty: %v", err)
	}
	if !tree2.Empty() {
		t.Fatalf("round-tripped empty tree reports non-empty")
	}
	if _, ok := tree2.Lookup(1); ok {
		t.Fatalf("Lookup on round-tripped empty tree found a key")
	}
}

func TestManyKeysForceSplits(t *testing.T) {
	pool := NewPool(512)
	tree := New(pool)
	for i := 0; i < 2000; i++ {
		k := uint64(i) * 2654435761 % 1_000_003
		if err := tree.Insert(k, uint32(i)); err != nil {
			// A colliding pseudo-random key is acceptable; only a real
			// pool exhaustion is not expected at this capacity.
			if nverr.KindOf(err) == nverr.KindExists {
				continue
			}
			t.Fatalf("Insert(%d) at i=%d: %v", k, i, err)
		}
	}
}

func ExampleTree_collisionLikeSequence() {
	pool := NewPool(8)
	tree := New(pool)
	for i, k := range []uint64{10, 20, 30} {
		tree.Insert(k, uint32(i))
	}
	for _, k := range []uint64{10, 20, 30, 40} {
		v, ok := tree.Lookup(k)
		fmt.Println(k, v, ok)
	}
	// Output:
	// 10 0 true
	// 20 1 true
	// 30 2 true
	// 40 0 false
}
