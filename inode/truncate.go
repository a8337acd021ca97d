package inode

import (
	"context"

	"github.com/minggr/nvfuse-go/buffercache"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/ictxcache"
)

// TruncateBlocks shrinks ictx to newSize, freeing every data block
// strictly beyond the new block count, clearing its pointer in the block
// map and discarding any cached buffer for it. Truncating to the current
// size or larger is a no-op: growth happens lazily, through the write
// path's block allocation, so no dirty buffer is introduced here.
//
// Indirect meta-blocks that become entirely empty stay allocated; only
// deleting the inode reclaims them, which keeps the shrink loop a single
// forward walk.
func (e *Engine) TruncateBlocks(ctx context.Context, ictx *ictxcache.Context, newSize int64) error {
	if newSize >= ictx.Inode.Size {
		return nil
	}
	oldBlocks := cluster.SizeToBlocks(int(e.geometry.ClusterSize), ictx.Inode.Size)
	newBlocks := cluster.SizeToBlocks(int(e.geometry.ClusterSize), newSize)

	for lblk := newBlocks; lblk < oldBlocks; lblk++ {
		if err := e.freeLogicalBlock(ctx, ictx, lblk); err != nil {
			return err
		}
	}
	ictx.Inode.Size = newSize
	return e.ictx.MarkDirty(ictx)
}

// freeLogicalBlock clears lblk's pointer in ino's block map (if present)
// and returns the physical block to its owning BG's data bitmap.
func (e *Engine) freeLogicalBlock(ctx context.Context, ictx *ictxcache.Context, lblk uint32) error {
	pno, ptrLoc, err := e.findBlockPointer(ctx, ictx, lblk)
	if err != nil {
		return err
	}
	if pno == 0 {
		return nil // already a hole
	}
	if err := ptrLoc.clear(); err != nil {
		return err
	}
	e.bc.Discard(buffercache.Key{Ino: ictx.Ino, LBlk: lblk, Type: buffercache.TypeData})
	bgID := e.geometry.BGIDForPBN(pno)
	offset := e.geometry.OffsetInDTable(pno)
	return e.bgm.FreeDBitmap(ctx, bgID, offset, 1)
}

// blockPointer abstracts "where this logical block's pointer lives" so
// freeLogicalBlock can clear it whether it's a direct slot on the inode
// itself or a slot inside an indirect meta-block.
type blockPointer struct {
	clear func() error
}

// findBlockPointer locates lblk's current physical block (0 if it's a
// hole) along with a closure that zeroes its pointer in place.
func (e *Engine) findBlockPointer(ctx context.Context, ictx *ictxcache.Context, lblk uint32) (uint64, blockPointer, error) {
	if lblk < directCount {
		pno := ictx.Inode.Direct[lblk]
		return uint64(pno), blockPointer{clear: func() error {
			ictx.Inode.Direct[lblk] = 0
			return e.ictx.MarkDirty(ictx)
		}}, nil
	}

	x := lblk - directCount
	p := e.ptrsPerBlock()
	l1cap, l2cap := p, p*p

	var root *uint32
	var idx []uint32
	switch {
	case x < l1cap:
		root, idx = &ictx.Inode.IndirectL1, []uint32{x}
	case x < l1cap+l2cap:
		x -= l1cap
		root, idx = &ictx.Inode.IndirectL2, []uint32{x / p, x % p}
	default:
		x -= l1cap + l2cap
		rem := x % (p * p)
		root, idx = &ictx.Inode.IndirectL3, []uint32{x / (p * p), rem / p, rem % p}
	}
	if *root == 0 {
		return 0, blockPointer{clear: func() error { return nil }}, nil
	}

	curPno := *root
	for level := 0; level < len(idx)-1; level++ {
		head, err := e.bc.GetBH(ctx, e, 0, curPno, buffercache.ModeRead, typeIndirect)
		if err != nil {
			return 0, blockPointer{}, err
		}
		child := readPtr(head.Buf, idx[level], p)
		e.bc.ReleaseBH(head, true, false)
		if child == 0 {
			return 0, blockPointer{clear: func() error { return nil }}, nil
		}
		curPno = child
	}

	leafPno := curPno
	leafIdx := idx[len(idx)-1]
	head, err := e.bc.GetBH(ctx, e, 0, leafPno, buffercache.ModeRead, typeIndirect)
	if err != nil {
		return 0, blockPointer{}, err
	}
	dataPno := readPtr(head.Buf, leafIdx, p)
	e.bc.ReleaseBH(head, true, false)
	if dataPno == 0 {
		return 0, blockPointer{clear: func() error { return nil }}, nil
	}
	return uint64(dataPno), blockPointer{clear: func() error {
		h, err := e.bc.GetBH(ctx, e, 0, leafPno, buffercache.ModeRead, typeIndirect)
		if err != nil {
			return err
		}
		writePtr(h.Buf, leafIdx, p, 0)
		e.bc.ReleaseBH(h, true, true)
		return nil
	}}, nil
}
