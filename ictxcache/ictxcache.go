// Package ictxcache is the inode-context cache: it caches decoded inode
// contexts to avoid re-reading the inode table for hot inodes, propagating
// ref-counting and dirty status down to the buffer head that backs the
// context's on-disk slot.
//
// The relation between a context and the buffer head holding its slot is
// naturally cyclic; it is represented as an arena-keyed relation (a pin
// token) rather than mutual back-pointers.
package ictxcache

import (
	"context"
	"sync"

	"github.com/minggr/nvfuse-go/buffercache"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// TableGeometry is implemented by the inode engine: it knows how to map an
// inode number to the inode table's logical block and in-cluster slot, and
// satisfies buffercache.PBNResolver for BufType ITable lookups.
type TableGeometry interface {
	buffercache.PBNResolver
	// Locate maps ino to its inode-table logical block and the slot
	// index within that cluster, keeping each BG's inodes inside that
	// BG's own table.
	Locate(ino uint32) (lblk uint32, slot int)
}

// Status is an inode context's write-back state: CLEAN or DIRTY.
type Status int

const (
	StatusClean Status = iota
	StatusDirty
)

// Context wraps one decoded inode in RAM.
type Context struct {
	Ino    uint32
	Inode  *cluster.Inode
	Head   *buffercache.Head
	Ref    int
	Status Status

	pinToken int
}

// Cache is the inode-context cache.
type Cache struct {
	mu    sync.Mutex
	bc    *buffercache.Cache
	table TableGeometry
	byIno map[uint32]*Context
}

// New builds an inode-context cache backed by bc, decoding slots via table.
// table may be nil and supplied later via SetTable: the inode engine that
// satisfies TableGeometry itself takes a *Cache at construction, so the
// mount layer wires this one-directional dependency in two steps.
func New(bc *buffercache.Cache, table TableGeometry) *Cache {
	return &Cache{bc: bc, table: table, byIno: make(map[uint32]*Context)}
}

// SetTable completes construction when table wasn't available yet at New:
// the inode engine that implements TableGeometry itself needs this cache
// at construction, so the mount layer wires the pair in two steps.
func (c *Cache) SetTable(table TableGeometry) { c.table = table }

// GetICtx returns the context for ino, incrementing its ref count,
// reading it from the inode table on a cache miss.
func (c *Cache) GetICtx(ctx context.Context, ino uint32) (*Context, error) {
	c.mu.Lock()
	if ictx, ok := c.byIno[ino]; ok {
		ictx.Ref++
		// Each context reference holds its own reference on the backing
		// buffer head, so the paired ReleaseInode calls balance.
		c.bc.Retain(ictx.Head)
		c.mu.Unlock()
		return ictx, nil
	}
	c.mu.Unlock()
	return c.ReadInode(ctx, ino)
}

// ReadInode resolves ino's (block, offset) in the inode table, pins the
// buffer head containing that slot, decodes it, and records the
// back-reference.
func (c *Cache) ReadInode(ctx context.Context, ino uint32) (*Context, error) {
	lblk, slot := c.table.Locate(ino)

	// Key.Ino is the shared ITable pseudo-inode, not ino itself: several
	// real inodes can share one inode-table cluster, and they must all
	// resolve to the same cache key so the cluster is cached once.
	head, err := c.bc.GetBH(ctx, c.table, cluster.ITableIno, lblk, buffercache.ModeRead, buffercache.TypeITable)
	if err != nil {
		return nil, nverr.Wrapf(nverr.KindIoError, err, "read_inode ino=%d", ino)
	}

	off := slot * cluster.InodeEntrySize
	ip := &cluster.Inode{}
	if err := ip.UnmarshalBinary(head.Buf[off : off+cluster.InodeEntrySize]); err != nil {
		c.bc.ReleaseBH(head, true, false)
		return nil, err
	}
	// An in-use slot must agree on its own inode number; a freshly zeroed
	// slot reads Ino==0 and is fine. Anything else is table corruption.
	if ip.Ino != ino && ip.Deleted == 0 && ip.Ino != 0 {
		c.bc.ReleaseBH(head, true, false)
		return nil, nverr.Newf(nverr.KindFatal, "inode table slot mismatch: wanted ino %d, slot holds %d", ino, ip.Ino)
	}

	token := c.bc.Pin(head)
	ictx := &Context{Ino: ino, Inode: ip, Head: head, Ref: 1, Status: StatusClean, pinToken: token}

	c.mu.Lock()
	c.byIno[ino] = ictx
	c.mu.Unlock()
	return ictx, nil
}

// MarkDirty stamps ictx's in-RAM slot copy back into its backing buffer and
// marks the context dirty, without releasing the reference (used by mutators
// that keep operating on the context afterward). The buffer head is marked
// dirty when ReleaseInode releases it.
func (c *Cache) MarkDirty(ictx *Context) error {
	buf, err := ictx.Inode.MarshalBinary()
	if err != nil {
		return err
	}
	_, slot := c.table.Locate(ictx.Ino)
	off := slot * cluster.InodeEntrySize
	copy(ictx.Head.Buf[off:off+cluster.InodeEntrySize], buf)
	ictx.Status = StatusDirty
	return nil
}

// ReleaseInode unpins the buffer head backing ictx (propagating dirty),
// then unpins the context itself. When dirty, the in-RAM slot is first
// re-serialized into the backing buffer.
func (c *Cache) ReleaseInode(ictx *Context, dirty bool) error {
	if dirty {
		if err := c.MarkDirty(ictx); err != nil {
			return err
		}
	}
	c.bc.ReleaseBH(ictx.Head, false, ictx.Status == StatusDirty)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ictx.Ref > 0 {
		ictx.Ref--
	}
	if ictx.Ref == 0 {
		c.bc.Unpin(ictx.Head, ictx.pinToken)
		delete(c.byIno, ictx.Ino)
	}
	return nil
}

// Evict drops ino from the cache unconditionally, used by the inode
// delete path once an inode has been fully torn down.
func (c *Cache) Evict(ino uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ictx, ok := c.byIno[ino]; ok {
		c.bc.Unpin(ictx.Head, ictx.pinToken)
		delete(c.byIno, ino)
	}
}
