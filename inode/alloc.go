package inode

import (
	"context"

	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/ictxcache"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// AllocNewInode allocates a fresh inode of typ: it finds a free inode bit
// starting at the allocation hint, decrements the owning BG's free-inode
// counter, zeroes and stamps the new slot, and returns a pinned context
// for it ready for the caller to populate further (link count, mode,
// directory BPIno, ...) before release. On total exhaustion, after the
// one container-allocation retry a data-plane worker gets, it returns
// KindNoSpace.
func (e *Engine) AllocNewInode(ctx context.Context, typ cluster.InodeType) (*ictxcache.Context, error) {
	ino, err := e.bgm.FindFreeInode(ctx, e.LastAllocated())
	if err != nil {
		return nil, nverr.Wrap(nverr.KindNoSpace, err, "alloc_new_inode")
	}
	if err := e.bgm.DecFreeInodes(ctx, ino); err != nil {
		return nil, err
	}
	e.SetLastAllocated(ino)

	ictx, err := e.ictx.GetICtx(ctx, ino)
	if err != nil {
		return nil, err
	}
	// The slot's version survives reuse: it bumps on every allocation so
	// stale directory entries naming a recycled ino are detectable.
	version := ictx.Inode.Version
	ictx.Inode.Zero()
	ictx.Inode.Ino = ino
	ictx.Inode.Type = typ
	ictx.Inode.Version = version + 1
	// LinkCount stays 0 here; the directory engine's Link is what gives
	// an inode its first name (hidden index inodes never get one).
	if err := e.ictx.MarkDirty(ictx); err != nil {
		e.ictx.ReleaseInode(ictx, false)
		return nil, err
	}
	return ictx, nil
}

// HasFreeInode reports whether this process currently owns a BG with a
// free inode slot, used by callers that want to request a new container
// before attempting allocation.
func (e *Engine) HasFreeInode(ctx context.Context) (bool, error) {
	return e.bgm.HasFreeInode(ctx)
}
