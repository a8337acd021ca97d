package inode

import (
	"context"
	"encoding/binary"

	"github.com/minggr/nvfuse-go/buffercache"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/ictxcache"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// typeIndirect is a buffer-cache type private to this package, addressing
// indirect block-map nodes directly by physical block number (see
// ResolvePBN's identity case). It deliberately falls outside the range of
// buffercache's own BufType iota so it can never collide with a pseudo-inode
// type.
const typeIndirect buffercache.BufType = 100

const directCount = cluster.DirectPointers

// ptrsPerBlock returns how many uint32 child pointers fit in one indirect
// block.
func (e *Engine) ptrsPerBlock() uint32 {
	return uint32(e.geometry.ClusterSize) / 4
}

// blockMapLookup resolves logical block lblk of ino's block map to a
// physical block number, following the direct (16 slots) then single,
// double and triple indirect scheme.
// When create is true and the slot (or an indirect node on the path to it)
// is a hole, a fresh data block (or indirect node) is allocated from the
// block group the data-allocation cursor currently points at. allocated
// reports whether the returned data block was created on this call (so it
// has no on-disk content yet); dirty reports whether ictx.Inode was
// mutated and must be written back.
func (e *Engine) blockMapLookup(ctx context.Context, ictx *ictxcache.Context, lblk uint32, create bool) (pno uint64, allocated bool, dirty bool, err error) {
	if lblk < directCount {
		cur := ictx.Inode.Direct[lblk]
		if cur != 0 {
			return uint64(cur), false, false, nil
		}
		if !create {
			return 0, false, false, nil
		}
		newPno, err := e.allocDataBlock(ctx)
		if err != nil {
			return 0, false, false, err
		}
		ictx.Inode.Direct[lblk] = uint32(newPno)
		return newPno, true, true, nil
	}

	x := lblk - directCount
	p := e.ptrsPerBlock()
	l1cap, l2cap := p, p*p

	switch {
	case x < l1cap:
		return e.walkIndirect(ctx, &ictx.Inode.IndirectL1, []uint32{x}, create)
	case x < l1cap+l2cap:
		x -= l1cap
		idx2, idx1 := x/p, x%p
		return e.walkIndirect(ctx, &ictx.Inode.IndirectL2, []uint32{idx2, idx1}, create)
	case x < l1cap+l2cap+l1cap*l2cap:
		x -= l1cap + l2cap
		rem := x % (p * p)
		idx3, idx2, idx1 := x/(p*p), rem/p, rem%p
		return e.walkIndirect(ctx, &ictx.Inode.IndirectL3, []uint32{idx3, idx2, idx1}, create)
	default:
		return 0, false, false, nverr.Newf(nverr.KindInvalid, "block_map: lblk %d exceeds maximum file size", lblk)
	}
}

// walkIndirect descends len(idx) levels of indirect blocks starting from
// *root (the inode's IndirectL1/L2/L3 field), using idx as the per-level
// child index, innermost index last. It returns the resolved data block
// pno, whether that data block was allocated on this walk, and whether
// *root itself was just allocated (meaning the inode is dirty).
func (e *Engine) walkIndirect(ctx context.Context, root *uint32, idx []uint32, create bool) (uint64, bool, bool, error) {
	rootDirty := false
	curPno := *root
	// curFresh marks a node allocated on this walk: it has no on-disk
	// content yet, so it must be fetched zeroed rather than read.
	curFresh := false
	if curPno == 0 {
		if !create {
			return 0, false, false, nil
		}
		newPno, err := e.allocDataBlock(ctx)
		if err != nil {
			return 0, false, false, err
		}
		curPno = uint32(newPno)
		*root = curPno
		rootDirty = true
		curFresh = true
	}

	for level := 0; level < len(idx); level++ {
		last := level == len(idx)-1
		mode := buffercache.ModeRead
		if curFresh {
			mode = buffercache.ModeNew
		}
		head, err := e.bc.GetBH(ctx, e, 0, curPno, mode, typeIndirect)
		if err != nil {
			return 0, false, rootDirty, err
		}
		child := readPtr(head.Buf, idx[level], e.ptrsPerBlock())
		if last {
			if child != 0 {
				e.bc.ReleaseBH(head, true, false)
				return uint64(child), false, rootDirty, nil
			}
			if !create {
				e.bc.ReleaseBH(head, true, false)
				return 0, false, rootDirty, nil
			}
			newData, err := e.allocDataBlock(ctx)
			if err != nil {
				e.bc.ReleaseBH(head, true, false)
				return 0, false, rootDirty, err
			}
			writePtr(head.Buf, idx[level], e.ptrsPerBlock(), uint32(newData))
			e.bc.ReleaseBH(head, true, true)
			return newData, true, rootDirty, nil
		}
		if child == 0 {
			if !create {
				e.bc.ReleaseBH(head, true, false)
				return 0, false, rootDirty, nil
			}
			newChild, err := e.allocDataBlock(ctx)
			if err != nil {
				e.bc.ReleaseBH(head, true, false)
				return 0, false, rootDirty, err
			}
			writePtr(head.Buf, idx[level], e.ptrsPerBlock(), uint32(newChild))
			e.bc.ReleaseBH(head, true, true)
			child = uint32(newChild)
			curFresh = true
		} else {
			e.bc.ReleaseBH(head, true, false)
			curFresh = false
		}
		curPno = child
	}
	return 0, false, rootDirty, nverr.New(nverr.KindFatal, "block_map: walk_indirect fell through")
}

func readPtr(buf []byte, idx uint32, ptrsPerBlock uint32) uint32 {
	if idx >= ptrsPerBlock {
		return 0
	}
	off := idx * 4
	if int(off+4) > len(buf) {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[off : off+4])
}

func writePtr(buf []byte, idx uint32, ptrsPerBlock uint32, val uint32) {
	if idx >= ptrsPerBlock {
		return
	}
	off := idx * 4
	if int(off+4) > len(buf) {
		return
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], val)
}

// allocDataBlock allocates one free data block from the block group the
// data cursor currently rests on, advancing/growing the BG list as
// needed.
func (e *Engine) allocDataBlock(ctx context.Context) (uint64, error) {
	return e.bgm.AllocDataBlock(ctx)
}
