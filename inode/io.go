package inode

import (
	"context"

	"github.com/minggr/nvfuse-go/buffercache"
	"github.com/minggr/nvfuse-go/ictxcache"
)

// ReadAt copies len(p) bytes (or up to EOF) from ino's data starting at
// byte offset off into p, zero-filling any hole it crosses, and returns the
// number of bytes actually copied, one buffer-cache cluster at a time.
func (e *Engine) ReadAt(ctx context.Context, ictx *ictxcache.Context, off int64, p []byte) (int, error) {
	size := ictx.Inode.Size
	if off >= size {
		return 0, nil
	}
	if int64(len(p)) > size-off {
		p = p[:size-off]
	}
	cs := int64(e.geometry.ClusterSize)
	n := 0
	for n < len(p) {
		lblk := uint32((off + int64(n)) / cs)
		inBlk := (off + int64(n)) % cs
		want := int(cs - inBlk)
		if want > len(p)-n {
			want = len(p) - n
		}
		pno, _, _, err := e.blockMapLookup(ctx, ictx, lblk, false)
		if err != nil {
			return n, err
		}
		if pno == 0 {
			for i := 0; i < want; i++ {
				p[n+i] = 0
			}
		} else {
			head, err := e.bc.GetBH(ctx, e, ictx.Ino, lblk, buffercache.ModeRead, buffercache.TypeData)
			if err != nil {
				return n, err
			}
			copy(p[n:n+want], head.Buf[inBlk:int(inBlk)+want])
			e.bc.ReleaseBH(head, true, false)
		}
		n += want
	}
	return n, nil
}

// WriteAt copies p into ino's data starting at byte offset off, allocating
// any hole it crosses, growing Size when the write extends past EOF, and
// returns the number of bytes written.
// The caller is responsible for releasing ictx (dirty, since Size and/or
// the block map may have changed).
func (e *Engine) WriteAt(ctx context.Context, ictx *ictxcache.Context, off int64, p []byte) (int, error) {
	cs := int64(e.geometry.ClusterSize)
	n := 0
	for n < len(p) {
		lblk := uint32((off + int64(n)) / cs)
		inBlk := (off + int64(n)) % cs
		want := int(cs - inBlk)
		if want > len(p)-n {
			want = len(p) - n
		}
		_, allocated, dirty, err := e.blockMapLookup(ctx, ictx, lblk, true)
		if err != nil {
			return n, err
		}
		if dirty {
			if err := e.ictx.MarkDirty(ictx); err != nil {
				return n, err
			}
		}
		mode := buffercache.ModeRead
		if allocated {
			// A block allocated just now has no content worth reading.
			mode = buffercache.ModeNew
		}
		head, err := e.bc.GetBH(ctx, e, ictx.Ino, lblk, mode, buffercache.TypeData)
		if err != nil {
			return n, err
		}
		copy(head.Buf[inBlk:int(inBlk)+want], p[n:n+want])
		e.bc.ReleaseBH(head, true, true)
		n += want
	}
	if off+int64(n) > ictx.Inode.Size {
		ictx.Inode.Size = off + int64(n)
		if err := e.ictx.MarkDirty(ictx); err != nil {
			return n, err
		}
	}
	return n, nil
}
