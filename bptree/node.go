// Package bptree is the per-directory B+tree index: a
// 64-bit-key/32-bit-value map persisted as the file content of a hidden
// index inode (bpino). Node allocation draws from a process-bound
// mempool, the same fixed-capacity free-list internal/mempool provides
// for IPC messages and I/O jobs elsewhere in this module.
package bptree

import (
	"encoding/binary"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Order is the branching factor: each internal node holds up to Order
// children, each leaf up to Order-1 key/value pairs.
const Order = 64

// NodeID indexes a node within a Tree's node arena. 0 is never a valid
// allocated id (it is the tree's "no child" / "no root yet" sentinel),
// matching the pseudo-inode convention used elsewhere in this module.
type NodeID uint32

type node struct {
	leaf     bool
	keys     []uint64
	values   []uint32  // leaf-only: value per key
	children []NodeID  // internal-only: len(children) == len(keys)+1
	next     NodeID    // leaf-only: right sibling, for ordered scans
}

func newLeaf() *node  { return &node{leaf: true} }
func newInner() *node { return &node{leaf: false} }

// search returns the index of the first key >= k (lower bound).
func (n *node) search(k uint64) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if n.keys[mid] < k {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

const (
	nodeHeaderSize = 1 + 4 + 4 + 4 // leaf flag, key count, next-leaf/unused, first child
	nodeEntrySize  = 8 + 4         // key + (value, or right-child id for an internal node)
)

// encode serializes n into a variable-length record (bounded by Order, so
// callers size their buffer for the worst case). Internal and leaf nodes
// share the same on-disk shape: a leaf flag, the key count, a "next"
// pointer (right sibling for a leaf, unused for an internal node), the
// leftmost child id (unused for a leaf), then up to Order-1 keys each
// paired with a uint32 payload: a value for a leaf, the *right* child id
// for an internal node.
func (n *node) encode() []byte {
	buf := make([]byte, nodeHeaderSize+len(n.keys)*nodeEntrySize)
	if n.leaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(n.next))
	var firstChild NodeID
	if !n.leaf && len(n.children) > 0 {
		firstChild = n.children[0]
	}
	binary.LittleEndian.PutUint32(buf[9:13], uint32(firstChild))
	off := nodeHeaderSize
	for i, k := range n.keys {
		binary.LittleEndian.PutUint64(buf[off:off+8], k)
		var payload uint32
		if n.leaf {
			payload = n.values[i]
		} else {
			payload = uint32(n.children[i+1])
		}
		binary.LittleEndian.PutUint32(buf[off+8:off+12], payload)
		off += nodeEntrySize
	}
	return buf
}

// decodeNode parses one record previously produced by encode, returning
// the record's total byte length alongside the node so the caller can
// advance to the next record in a flattened node stream.
func decodeNode(buf []byte) (*node, int, error) {
	if len(buf) < nodeHeaderSize {
		return nil, 0, nverr.New(nverr.KindInvalid, "bptree: node record too short")
	}
	n := &node{leaf: buf[0] != 0}
	count := int(binary.LittleEndian.Uint32(buf[1:5]))
	n.next = NodeID(binary.LittleEndian.Uint32(buf[5:9]))
	firstChild := NodeID(binary.LittleEndian.Uint32(buf[9:13]))
	if !n.leaf {
		n.children = append(n.children, firstChild)
	}
	off := nodeHeaderSize
	for i := 0; i < count; i++ {
		if off+nodeEntrySize > len(buf) {
			return nil, 0, nverr.New(nverr.KindInvalid, "bptree: truncated node record")
		}
		k := binary.LittleEndian.Uint64(buf[off : off+8])
		payload := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		n.keys = append(n.keys, k)
		if n.leaf {
			n.values = append(n.values, payload)
		} else {
			n.children = append(n.children, NodeID(payload))
		}
		off += nodeEntrySize
	}
	return n, off, nil
}

// maxRecordSize is the largest byte size encode can produce for a node
// with up to Order-1 keys, used to size the flattened persistence stream.
const maxRecordSize = nodeHeaderSize + (Order-1)*nodeEntrySize
