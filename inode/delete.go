package inode

import (
	"context"

	"github.com/minggr/nvfuse-go/ictxcache"
)

// DeleteInode tears an inode down once its link count reaches zero: it
// frees every data block still mapped, clears
// the inode's bit in its BG's inode bitmap, zeroes the on-disk slot, and
// evicts it from the inode-context cache so a future ReadInode sees a clean
// free slot rather than stale RAM state.
func (e *Engine) DeleteInode(ctx context.Context, ictx *ictxcache.Context) error {
	if err := e.TruncateBlocks(ctx, ictx, 0); err != nil {
		return err
	}

	// A directory's hidden index inode dies with it.
	if bpino := ictx.Inode.BPIno; bpino != 0 {
		bpIctx, err := e.ictx.GetICtx(ctx, bpino)
		if err != nil {
			return err
		}
		if err := e.DeleteInode(ctx, bpIctx); err != nil {
			return err
		}
		ictx.Inode.BPIno = 0
	}

	ino := ictx.Ino
	version := ictx.Inode.Version
	ictx.Inode.Zero()
	ictx.Inode.Version = version
	ictx.Inode.Deleted = 1
	if err := e.ictx.ReleaseInode(ictx, true); err != nil {
		return err
	}
	e.ictx.Evict(ino)
	return e.bgm.ReleaseIBitmap(ctx, ino)
}

// Unlink decrements an inode's link count, deleting it once it reaches
// zero. It consumes the caller's reference on ictx either way.
func (e *Engine) Unlink(ctx context.Context, ictx *ictxcache.Context) error {
	if ictx.Inode.LinkCount > 0 {
		ictx.Inode.LinkCount--
	}
	if ictx.Inode.LinkCount > 0 {
		return e.ictx.ReleaseInode(ictx, true)
	}
	return e.DeleteInode(ctx, ictx)
}
