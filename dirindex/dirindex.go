// Package dirindex implements the directory hash-index value packing and
// collision protocol: the 64-bit key is the concatenation of two 32-bit
// hashes of the filename,
// and the 32-bit value packs a dentry offset together with a small
// collision counter in its high bits so a colliding insert can force the
// caller back to a linear scan instead of silently overwriting the first
// entry's offset.
package dirindex

import (
	"hash/fnv"

	"github.com/minggr/nvfuse-go/bptree"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// collisionBits is how many of the value's high bits hold the collision
// counter, leaving the low 24 bits for the dentry offset, ample for any
// directory that fits in this module's block-map address space.
const (
	collisionBits = 8
	offsetBits    = 32 - collisionBits
	offsetMask    = uint32(1)<<offsetBits - 1
)

// Value is the packed (collisionCount, offset) pair stored under a key.
type Value struct {
	CollisionCount uint8
	Offset         uint32
}

func packValue(v Value) uint32 {
	return uint32(v.CollisionCount)<<offsetBits | (v.Offset & offsetMask)
}

func unpackValue(raw uint32) Value {
	return Value{
		CollisionCount: uint8(raw >> offsetBits),
		Offset:         raw & offsetMask,
	}
}

// Hash computes the 64-bit index key: two independent 32-bit hashes of
// name concatenated. Any two well-distributed, independent 32-bit hashes
// satisfy the contract; FNV-1a and FNV-1, perturbed apart, are cheap and
// come with the standard library.
func Hash(name string) uint64 {
	h1 := fnv.New32a()
	h1.Write([]byte(name))
	sum1 := h1.Sum32()

	h2 := fnv.New32()
	h2.Write([]byte(name))
	h2.Write([]byte{0xff}) // perturb so h2 != h1 on short names
	sum2 := h2.Sum32()

	return uint64(sum1) | uint64(sum2)<<32
}

// Set inserts or updates the index entry for name -> offset. On a fresh
// key it inserts with CollisionCount 0. On a
// duplicate key (a genuine hash collision between two different
// filenames, since names are checked for exact duplicates by the caller
// before this is reached) it reads the existing value, increments its
// collision counter, and stores the incremented counter back with Offset
// zeroed, marking the key as "collided" so Get reports "force linear
// scan".
func Set(t *bptree.Tree, name string, offset uint32) error {
	key := Hash(name)
	if err := t.Insert(key, packValue(Value{Offset: offset})); err == nil {
		return nil
	} else if nverr.KindOf(err) != nverr.KindExists {
		return err
	}

	raw, ok := t.Lookup(key)
	if !ok {
		return nverr.New(nverr.KindFatal, "dirindex: insert reported Exists but lookup missed")
	}
	existing := unpackValue(raw)
	existing.CollisionCount++
	existing.Offset = 0
	t.Delete(key)
	return t.Insert(key, packValue(existing))
}

// Get reports the dentry offset for name, and whether the key is usable
// directly. found is false only when the key itself is absent. When found
// is true but Offset is 0 and the key's collision counter is nonzero, the
// caller must fall back to a linear directory scan.
func Get(t *bptree.Tree, name string) (offset uint32, found bool) {
	raw, ok := t.Lookup(Hash(name))
	if !ok {
		return 0, false
	}
	v := unpackValue(raw)
	if v.CollisionCount != 0 {
		return 0, true
	}
	return v.Offset, true
}

// Del removes the key for name, or merely decrements its collision
// counter when other names still share it.
func Del(t *bptree.Tree, name string) {
	key := Hash(name)
	raw, ok := t.Lookup(key)
	if !ok {
		return
	}
	v := unpackValue(raw)
	if v.CollisionCount == 0 {
		t.Delete(key)
		return
	}
	v.CollisionCount--
	t.Delete(key)
	t.Insert(key, packValue(v))
}
