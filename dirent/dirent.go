// Package dirent is the directory engine: a dense array of fixed-size
// dentry records backing each directory inode's file content, consulted
// either via its B+tree hash index (dirindex) or a linear scan.
package dirent

import (
	"context"

	"github.com/minggr/nvfuse-go/bptree"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/dirindex"
	"github.com/minggr/nvfuse-go/ictxcache"
	"github.com/minggr/nvfuse-go/internal/logging"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// InodeOps is the subset of the inode engine dirent depends on, kept as an
// interface so package tests can substitute a fake without standing up the
// full buffer-cache/device stack.
type InodeOps interface {
	ReadAt(ctx context.Context, ictx *ictxcache.Context, off int64, p []byte) (int, error)
	WriteAt(ctx context.Context, ictx *ictxcache.Context, off int64, p []byte) (int, error)
	TruncateBlocks(ctx context.Context, ictx *ictxcache.Context, newSize int64) error
	AllocNewInode(ctx context.Context, typ cluster.InodeType) (*ictxcache.Context, error)
}

// Engine ties the dentry array scan to the B+tree hash index.
type Engine struct {
	ino         InodeOps
	ictx        *ictxcache.Cache
	clusterSize int
	log         logging.Logger

	indexNodePoolCap int
}

// New builds a directory engine. indexNodePoolCap bounds how many B+tree
// nodes a single directory's index may hold in RAM at once; the mount
// layer (package mount) owns the per-directory Tree/pool lifecycle and
// passes the relevant *bptree.Tree into each call below.
func New(ino InodeOps, ictxc *ictxcache.Cache, clusterSize int, indexNodePoolCap int, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		ino: ino, ictx: ictxc, clusterSize: clusterSize,
		indexNodePoolCap: indexNodePoolCap,
		log:              log,
	}
}

// IndexNodePoolCap exposes the configured per-directory node pool bound so
// the mount layer can size each directory's bptree.Pool consistently.
func (e *Engine) IndexNodePoolCap() int { return e.indexNodePoolCap }

func (e *Engine) entriesPerCluster() int { return cluster.DirEntriesPerCluster(e.clusterSize) }

// entryAt reads the dentry at the given absolute offset (in dentry units)
// from dirIctx's file content.
func (e *Engine) entryAt(ctx context.Context, dirIctx *ictxcache.Context, offset uint32) (*cluster.DirEntry, error) {
	buf := make([]byte, cluster.DirEntrySize)
	byteOff := int64(offset) * int64(cluster.DirEntrySize)
	n, err := e.ino.ReadAt(ctx, dirIctx, byteOff, buf)
	if err != nil {
		return nil, err
	}
	if n < cluster.DirEntrySize {
		return &cluster.DirEntry{Flag: cluster.DirFlagEmpty}, nil
	}
	de := &cluster.DirEntry{}
	if err := de.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return de, nil
}

// EntryAt reads the dentry at the given absolute slot offset, exposed for
// callers (the mount layer) that already hold a known-good offset from
// FindExistingDentry and don't need a second full scan.
func (e *Engine) EntryAt(ctx context.Context, dirIctx *ictxcache.Context, offset uint32) (*cluster.DirEntry, error) {
	return e.entryAt(ctx, dirIctx, offset)
}

func (e *Engine) putEntryAt(ctx context.Context, dirIctx *ictxcache.Context, offset uint32, de *cluster.DirEntry) error {
	buf, err := de.MarshalBinary()
	if err != nil {
		return err
	}
	byteOff := int64(offset) * int64(cluster.DirEntrySize)
	_, err = e.ino.WriteAt(ctx, dirIctx, byteOff, buf)
	return err
}

// entryCount is how many dentry slots currently exist in dirIctx's
// content, including EMPTY/DELETED ones.
func (e *Engine) entryCount(dirIctx *ictxcache.Context) uint32 {
	return uint32(dirIctx.Inode.Size / int64(cluster.DirEntrySize))
}

// linearScan walks dirIctx's dentry array from startOffset looking for a
// USED entry matching name.
func (e *Engine) linearScan(ctx context.Context, dirIctx *ictxcache.Context, name string, startOffset uint32) (uint32, bool, error) {
	total := e.entryCount(dirIctx)
	for off := startOffset; off < total; off++ {
		de, err := e.entryAt(ctx, dirIctx, off)
		if err != nil {
			return 0, false, err
		}
		if de.Flag == cluster.DirFlagUsed && de.Filename == name {
			return off, true, nil
		}
	}
	return 0, false, nil
}

// FindExistingDentry looks up name in dirIctx's directory. When idx is
// non-nil and reports a reliable offset (no collision), the lookup
// validates that one slot directly; otherwise (no index, or a collision
// forcing a linear scan) it scans from offset 0. "Not found" is the
// explicit boolean, never a sentinel wrapped into an unsigned value.
func (e *Engine) FindExistingDentry(ctx context.Context, dirIctx *ictxcache.Context, idx *bptree.Tree, name string) (uint32, bool, error) {
	if idx != nil {
		if offset, found := dirindex.Get(idx, name); found {
			if offset == 0 {
				if ok, err := e.matchesAt(ctx, dirIctx, 0, name); err != nil {
					return 0, false, err
				} else if !ok {
					return e.linearScan(ctx, dirIctx, name, 0)
				}
				return 0, true, nil
			}
			ok, err := e.matchesAt(ctx, dirIctx, offset, name)
			if err != nil {
				return 0, false, err
			}
			if ok {
				return offset, true, nil
			}
			return e.linearScan(ctx, dirIctx, name, offset)
		}
	}
	return e.linearScan(ctx, dirIctx, name, 0)
}

func (e *Engine) matchesAt(ctx context.Context, dirIctx *ictxcache.Context, offset uint32, name string) (bool, error) {
	de, err := e.entryAt(ctx, dirIctx, offset)
	if err != nil {
		return false, err
	}
	return de.Flag == cluster.DirFlagUsed && de.Filename == name, nil
}

// FindEmptyDentry locates (or creates) a free slot to receive a new
// entry: scan forward from the entry after the directory's last-used
// pointer, growing the directory by one cluster when no EMPTY/DELETED
// slot exists.
func (e *Engine) FindEmptyDentry(ctx context.Context, dirIctx *ictxcache.Context, lastPtr uint32) (uint32, error) {
	total := e.entryCount(dirIctx)
	for off := lastPtr + 1; off < total; off++ {
		de, err := e.entryAt(ctx, dirIctx, off)
		if err != nil {
			return 0, err
		}
		if de.Flag == cluster.DirFlagEmpty || de.Flag == cluster.DirFlagDeleted {
			return off, nil
		}
	}

	// Grow by one cluster's worth of slots, zero-initialised (all EMPTY),
	// then hand out the first new slot. The writes below extend the
	// directory's size and allocate its new data block.
	perCluster := uint32(e.entriesPerCluster())
	newTotal := total + perCluster
	zero := cluster.DirEntry{Flag: cluster.DirFlagEmpty}
	for off := total; off < newTotal; off++ {
		if err := e.putEntryAt(ctx, dirIctx, off, &zero); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Link fills an empty slot in parentIctx's directory with {USED, ino,
// version, name}, bumps both link counts, and records the name in the
// directory's hash index when one is attached.
func (e *Engine) Link(ctx context.Context, parentIctx, targetIctx *ictxcache.Context, idx *bptree.Tree, name string) error {
	if len(name) > cluster.MaxFilename {
		return nverr.Newf(nverr.KindInvalid, "link: name %q exceeds %d bytes", name, cluster.MaxFilename)
	}
	if _, found, err := e.FindExistingDentry(ctx, parentIctx, idx, name); err != nil {
		return err
	} else if found {
		return nverr.Newf(nverr.KindExists, "link: %q already exists", name)
	}

	offset, err := e.FindEmptyDentry(ctx, parentIctx, parentIctx.Inode.IPtr)
	if err != nil {
		return err
	}

	de := &cluster.DirEntry{
		Flag:     cluster.DirFlagUsed,
		Ino:      targetIctx.Ino,
		Version:  targetIctx.Inode.Version,
		Filename: name,
	}
	if err := e.putEntryAt(ctx, parentIctx, offset, de); err != nil {
		return err
	}
	parentIctx.Inode.IPtr = offset

	parentIctx.Inode.LinkCount++
	targetIctx.Inode.LinkCount++
	if err := e.ictx.MarkDirty(parentIctx); err != nil {
		return err
	}
	if err := e.ictx.MarkDirty(targetIctx); err != nil {
		return err
	}

	if idx != nil {
		if err := dirindex.Set(idx, name, offset); err != nil {
			return err
		}
	}
	return nil
}

// RmDirEntry locates name in parentIctx's directory, decrements the
// directory's own link count, marks the slot DELETED, and removes (or
// decrements the collision counter of) its index key.
// It returns the removed entry's inode number; the caller
// is responsible for loading that inode and calling inode.Engine.Unlink
// on it to decrement *its* link count and delete it once it reaches zero,
// since this package never has the target's context only its number.
func (e *Engine) RmDirEntry(ctx context.Context, parentIctx *ictxcache.Context, idx *bptree.Tree, name string) (uint32, error) {
	offset, found, err := e.FindExistingDentry(ctx, parentIctx, idx, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nverr.Newf(nverr.KindNotFound, "rm_direntry: %q not found", name)
	}
	de, err := e.entryAt(ctx, parentIctx, offset)
	if err != nil {
		return 0, err
	}
	removedIno := de.Ino
	de.Flag = cluster.DirFlagDeleted
	if err := e.putEntryAt(ctx, parentIctx, offset, de); err != nil {
		return 0, err
	}
	if parentIctx.Inode.LinkCount > 0 {
		parentIctx.Inode.LinkCount--
	}
	if err := e.ictx.MarkDirty(parentIctx); err != nil {
		return 0, err
	}
	if idx != nil {
		dirindex.Del(idx, name)
	}
	return removedIno, nil
}

// List returns every live (USED) entry in dirIctx's directory, in
// on-disk order; EMPTY and DELETED slots are skipped.
func (e *Engine) List(ctx context.Context, dirIctx *ictxcache.Context) ([]cluster.DirEntry, error) {
	total := e.entryCount(dirIctx)
	var out []cluster.DirEntry
	for off := uint32(0); off < total; off++ {
		de, err := e.entryAt(ctx, dirIctx, off)
		if err != nil {
			return nil, err
		}
		if de.Flag == cluster.DirFlagUsed {
			out = append(out, *de)
		}
	}
	return out, nil
}
