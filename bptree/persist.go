package bptree

import (
	"encoding/binary"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Marshal flattens the whole tree into a byte stream suitable for
// writing as the file content of the hidden index inode bpino.
//
// Layout: root id (4B), node count (4B), then per node: id (4B), record
// length (4B), record bytes (from node.encode).
func (t *Tree) Marshal() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(t.root))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(t.arena)))
	for id, n := range t.arena {
		rec := n.encode()
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(id))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(rec)))
		out = append(out, hdr...)
		out = append(out, rec...)
	}
	return out
}

// Unmarshal loads a tree previously produced by Marshal, replacing t's
// contents. Node ids are trusted as written; t.nextID is restored to the
// highest id seen so subsequent allocations never collide.
func (t *Tree) Unmarshal(buf []byte) error {
	if len(buf) < 8 {
		return nverr.New(nverr.KindInvalid, "bptree: truncated tree stream")
	}
	root := NodeID(binary.LittleEndian.Uint32(buf[0:4]))
	count := int(binary.LittleEndian.Uint32(buf[4:8]))
	arena := make(map[NodeID]*node, count)
	off := 8
	var maxID NodeID
	for i := 0; i < count; i++ {
		if off+8 > len(buf) {
			return nverr.New(nverr.KindInvalid, "bptree: truncated node header")
		}
		id := NodeID(binary.LittleEndian.Uint32(buf[off : off+4]))
		recLen := int(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		off += 8
		if off+recLen > len(buf) {
			return nverr.New(nverr.KindInvalid, "bptree: truncated node record")
		}
		n, _, err := decodeNode(buf[off : off+recLen])
		if err != nil {
			return err
		}
		arena[id] = n
		if id > maxID {
			maxID = id
		}
		off += recLen
	}
	t.root = root
	t.arena = arena
	t.nextID = maxID
	return nil
}

// Empty reports whether the tree has no entries at all.
func (t *Tree) Empty() bool { return t.root == 0 }
