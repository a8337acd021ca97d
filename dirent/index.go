package dirent

import (
	"context"

	"github.com/minggr/nvfuse-go/bptree"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/ictxcache"
)

// CreateIndex allocates the hidden index inode for dirIctx and stamps
// its number into dirIctx.Inode.BPIno. The returned empty Tree is ready
// for Link to populate.
func (e *Engine) CreateIndex(ctx context.Context, dirIctx *ictxcache.Context) (*bptree.Tree, error) {
	bpIctx, err := e.ino.AllocNewInode(ctx, cluster.InodeTypeFile)
	if err != nil {
		return nil, err
	}
	dirIctx.Inode.BPIno = bpIctx.Ino
	if err := e.ictx.MarkDirty(dirIctx); err != nil {
		return nil, err
	}
	if err := e.ictx.ReleaseInode(bpIctx, true); err != nil {
		return nil, err
	}

	pool := bptree.NewPool(e.indexNodePoolCap)
	return bptree.New(pool), nil
}

// LoadIndex reads and decodes the B+tree index persisted as
// dirIctx.BPIno's file content. It returns (nil, nil) when the directory
// was created without indexing (BPIno == 0), leaving callers to fall back
// to a pure linear scan.
func (e *Engine) LoadIndex(ctx context.Context, dirIctx *ictxcache.Context) (*bptree.Tree, error) {
	if dirIctx.Inode.BPIno == 0 {
		return nil, nil
	}
	bpIctx, err := e.ictx.GetICtx(ctx, dirIctx.Inode.BPIno)
	if err != nil {
		return nil, err
	}
	defer e.ictx.ReleaseInode(bpIctx, false)

	size := bpIctx.Inode.Size
	buf := make([]byte, size)
	if size > 0 {
		if _, err := e.ino.ReadAt(ctx, bpIctx, 0, buf); err != nil {
			return nil, err
		}
	}

	pool := bptree.NewPool(e.indexNodePoolCap)
	t := bptree.New(pool)
	if size == 0 {
		return t, nil
	}
	if err := t.Unmarshal(buf); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveIndex serializes t and writes it back as dirIctx.BPIno's file
// content, truncating away any stale tail from a previous, larger
// encoding.
func (e *Engine) SaveIndex(ctx context.Context, dirIctx *ictxcache.Context, t *bptree.Tree) error {
	if dirIctx.Inode.BPIno == 0 || t == nil {
		return nil
	}
	bpIctx, err := e.ictx.GetICtx(ctx, dirIctx.Inode.BPIno)
	if err != nil {
		return err
	}
	defer e.ictx.ReleaseInode(bpIctx, true)

	buf := t.Marshal()
	if err := e.ino.TruncateBlocks(ctx, bpIctx, int64(len(buf))); err != nil {
		return err
	}
	_, err = e.ino.WriteAt(ctx, bpIctx, 0, buf)
	return err
}
