package bptree

import (
	"github.com/minggr/nvfuse-go/internal/mempool"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Tree is one directory's hash-index B+tree. Nodes created by Insert are
// drawn from a process-bound mempool.Pool and fail with KindNoSpace once
// it is exhausted; nodes loaded by Unmarshal are allocated directly and
// do not count against the pool's capacity.
type Tree struct {
	pool   *mempool.Pool[node]
	arena  map[NodeID]*node
	nextID NodeID
	root   NodeID // 0 means empty tree
}

// NewPool builds the node mempool a Tree (or several, sharing one process
// budget) draws from, sized capacity nodes.
func NewPool(capacity int) *mempool.Pool[node] {
	return mempool.New(capacity, func() *node { return &node{} }, func(n *node) { *n = node{} })
}

// New builds an empty tree backed by pool.
func New(pool *mempool.Pool[node]) *Tree {
	return &Tree{pool: pool, arena: make(map[NodeID]*node)}
}

func (t *Tree) alloc() (NodeID, *node, error) {
	n, err := t.pool.Get()
	if err != nil {
		return 0, nil, nverr.Wrap(nverr.KindNoSpace, err, "bptree node pool exhausted")
	}
	t.nextID++
	id := t.nextID
	t.arena[id] = n
	return id, n, nil
}

func (t *Tree) free(id NodeID) {
	if n, ok := t.arena[id]; ok {
		t.pool.Put(n)
		delete(t.arena, id)
	}
}

func (t *Tree) get(id NodeID) *node { return t.arena[id] }

// Lookup returns the value stored under key, and whether it was present.
func (t *Tree) Lookup(key uint64) (uint32, bool) {
	if t.root == 0 {
		return 0, false
	}
	leaf := t.findLeaf(key)
	i := leaf.search(key)
	if i < len(leaf.keys) && leaf.keys[i] == key {
		return leaf.values[i], true
	}
	return 0, false
}

func (t *Tree) findLeaf(key uint64) *node {
	id := t.root
	n := t.get(id)
	for !n.leaf {
		i := n.search(key)
		// search returns the first key >= target; descend the child to
		// its left unless the key matches exactly (then descend right).
		if i == len(n.keys) || n.keys[i] != key {
			// i is already the correct child index for "< keys[i]".
		} else {
			i++
		}
		id = n.children[i]
		n = t.get(id)
	}
	return n
}

// Insert adds key->value, returning KindExists if key is already
// present; callers that want upsert-or-report-collision semantics call
// Lookup first.
func (t *Tree) Insert(key uint64, value uint32) error {
	if t.root == 0 {
		id, leaf, err := t.alloc()
		if err != nil {
			return err
		}
		leaf.leaf = true
		leaf.keys = []uint64{key}
		leaf.values = []uint32{value}
		t.root = id
		return nil
	}

	path, err := t.pathTo(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	leaf := t.get(leafID)
	i := leaf.search(key)
	if i < len(leaf.keys) && leaf.keys[i] == key {
		return nverr.Newf(nverr.KindExists, "bptree: key %#x already present", key)
	}
	leaf.keys = insertAt(leaf.keys, i, key)
	leaf.values = insertValAt(leaf.values, i, value)

	if len(leaf.keys) < Order {
		return nil
	}
	return t.splitLeaf(path)
}

// pathTo returns the chain of node ids from root to the leaf that would
// hold key, inclusive of the leaf.
func (t *Tree) pathTo(key uint64) ([]NodeID, error) {
	var path []NodeID
	id := t.root
	n := t.get(id)
	for {
		path = append(path, id)
		if n.leaf {
			return path, nil
		}
		i := n.search(key)
		if i == len(n.keys) || n.keys[i] != key {
			// descend left child of position i
		} else {
			i++
		}
		id = n.children[i]
		n = t.get(id)
	}
}

// splitLeaf splits the overfull leaf at the end of path and propagates the
// new separator key up the path, splitting internal nodes in turn.
func (t *Tree) splitLeaf(path []NodeID) error {
	leafID := path[len(path)-1]
	leaf := t.get(leafID)

	mid := len(leaf.keys) / 2
	rightID, right, err := t.alloc()
	if err != nil {
		return err
	}
	right.leaf = true
	right.keys = append([]uint64(nil), leaf.keys[mid:]...)
	right.values = append([]uint32(nil), leaf.values[mid:]...)
	right.next = leaf.next
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]
	leaf.next = rightID

	sepKey := right.keys[0]
	return t.insertIntoParent(path[:len(path)-1], leafID, sepKey, rightID)
}

// insertIntoParent inserts (sepKey, rightID) as a new separator/child pair
// into the parent named by the tail of path (path[len-1]), or creates a
// new root when leftID had no parent.
func (t *Tree) insertIntoParent(path []NodeID, leftID NodeID, sepKey uint64, rightID NodeID) error {
	if len(path) == 0 {
		newRootID, newRoot, err := t.alloc()
		if err != nil {
			return err
		}
		newRoot.leaf = false
		newRoot.keys = []uint64{sepKey}
		newRoot.children = []NodeID{leftID, rightID}
		t.root = newRootID
		return nil
	}

	parentID := path[len(path)-1]
	parent := t.get(parentID)
	i := parent.search(sepKey)
	parent.keys = insertAt(parent.keys, i, sepKey)
	parent.children = insertChildAt(parent.children, i+1, rightID)

	if len(parent.keys) < Order {
		return nil
	}

	// Split the overfull internal node: its median key moves up, it is
	// not duplicated into either child (unlike a leaf split).
	mid := len(parent.keys) / 2
	sep := parent.keys[mid]

	rightID2, rightNode, err := t.alloc()
	if err != nil {
		return err
	}
	rightNode.leaf = false
	rightNode.keys = append([]uint64(nil), parent.keys[mid+1:]...)
	rightNode.children = append([]NodeID(nil), parent.children[mid+1:]...)
	parent.keys = parent.keys[:mid]
	parent.children = parent.children[:mid+1]

	return t.insertIntoParent(path[:len(path)-1], parentID, sep, rightID2)
}

// Delete removes key, reporting whether it was present. Underflowing
// nodes are left under-occupied rather than merged/rebalanced: a
// dir-index tree is bounded by one directory's live entry count, and
// lookups stay correct over under-occupied nodes.
func (t *Tree) Delete(key uint64) bool {
	if t.root == 0 {
		return false
	}
	leaf := t.findLeaf(key)
	i := leaf.search(key)
	if i >= len(leaf.keys) || leaf.keys[i] != key {
		return false
	}
	leaf.keys = append(leaf.keys[:i], leaf.keys[i+1:]...)
	leaf.values = append(leaf.values[:i], leaf.values[i+1:]...)
	return true
}

func insertAt(s []uint64, i int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertValAt(s []uint32, i int, v uint32) []uint32 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertChildAt(s []NodeID, i int, v NodeID) []NodeID {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
