// Package buffercache implements the metadata buffer cache: a
// fixed-capacity pool of cluster-sized buffers discoverable by the
// composite key (ino, logical block, type) and simultaneously linked into
// exactly one of four lists (CLEAN, DIRTY, FLUSHING, UNUSED), in the
// classic buffer-pool style of free, LRU and flush lists tracked as one
// state field plus list linkage.
package buffercache

import (
	"container/list"
	"context"
	"sync"

	"github.com/minggr/nvfuse-go/device"
	"github.com/minggr/nvfuse-go/internal/logging"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// BufType distinguishes a data buffer from the metadata pseudo-inodes,
// whose physical placement is computed from BG geometry instead of a
// stored block map.
type BufType int

const (
	TypeData BufType = iota
	TypeITable
	TypeIBitmap
	TypeDBitmap
	TypeBD
)

// Mode selects whether GetBH must read the block's current content or is
// about to overwrite it wholesale.
type Mode int

const (
	ModeRead Mode = iota
	ModeNew
)

// State is the single list a Head currently belongs to.
type State int

const (
	StateUnused State = iota
	StateClean
	StateDirty
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateFlushing:
		return "flushing"
	default:
		return "?"
	}
}

// Key identifies a buffer-cache entry.
type Key struct {
	Ino  uint32
	LBlk uint32
	Type BufType
}

// Head is a buffer head: a handle onto a cached entry with its own
// reference count. The buffer↔inode-context relation is represented as a
// plain set of opaque pinner IDs rather than a pointer cycle.
type Head struct {
	Key   Key
	Pno   uint64
	Ref   int
	Dirty bool
	Buf   []byte

	state State
	elem  *list.Element
	// pinners is the arena-keyed back-reference set: an inode-context
	// that pins this buffer registers its id here so RemoveBHsInBC can
	// detach it without an ownership cycle.
	pinners map[int]struct{}
}

// PBNResolver is implemented by the inode engine: it maps a (ino,
// logical block, type) tuple to a physical cluster number,
// optionally allocating one when create is true. Buffercache depends only
// on this interface, not on the inode package, to avoid an import cycle
// (the inode engine itself calls GetBH to fetch inode-table clusters).
type PBNResolver interface {
	ResolvePBN(ctx context.Context, ino uint32, lblk uint32, typ BufType, create bool) (pno uint64, err error)
}

// Allocator is the optional IPC hook invoked when the unused list runs
// low (BUFFER_ALLOC_REQ) or high (BUFFER_FREE_REQ).
// Standalone/control-plane caches leave this nil.
type Allocator interface {
	RequestMore(ctx context.Context, count int) error
	SurrenderExcess(ctx context.Context, count int) error
}

// Cache is the buffer cache proper.
type Cache struct {
	mu          sync.Mutex
	dev         device.Facade
	clusterSize int
	capacity    int
	alloc       Allocator
	log         logging.Logger

	byKey map[Key]*Head
	lists [4]*list.List

	lowWatermark  int
	highWatermark int

	nextPinnerSeq int
}

// New builds a cache bounded at capacity buffers of dev's cluster size.
func New(dev device.Facade, capacity int, alloc Allocator, log logging.Logger) *Cache {
	if log == nil {
		log = logging.Nop()
	}
	c := &Cache{
		dev:           dev,
		clusterSize:   dev.ClusterSize(),
		capacity:      capacity,
		alloc:         alloc,
		log:           log,
		byKey:         make(map[Key]*Head, capacity),
		lowWatermark:  capacity / 8,
		highWatermark: capacity - capacity/8,
	}
	for i := range c.lists {
		c.lists[i] = list.New()
	}
	for i := 0; i < capacity; i++ {
		h := &Head{Buf: make([]byte, c.clusterSize), pinners: map[int]struct{}{}}
		c.push(h, StateUnused, true)
	}
	return c
}

func (c *Cache) push(h *Head, st State, front bool) {
	h.state = st
	if front {
		h.elem = c.lists[st].PushFront(h)
	} else {
		h.elem = c.lists[st].PushBack(h)
	}
}

func (c *Cache) unlink(h *Head) {
	c.lists[h.state].Remove(h.elem)
	h.elem = nil
}

func (c *Cache) moveTo(h *Head, st State, front bool) {
	if h.elem != nil {
		c.unlink(h)
	}
	c.push(h, st, front)
}

// Len reports how many heads currently sit in state st.
func (c *Cache) Len(st State) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists[st].Len()
}

// reclaim returns a head ready for reuse: the most-recent UNUSED head, or
// failing that the unreferenced CLEAN head nearest the LRU tail. DIRTY and
// FLUSHING heads, and heads with Ref>0, are never reclaimed.
func (c *Cache) reclaim(ctx context.Context) (*Head, error) {
	if e := c.lists[StateUnused].Front(); e != nil {
		h := e.Value.(*Head)
		c.unlink(h)
		return h, nil
	}
	for e := c.lists[StateClean].Back(); e != nil; e = e.Prev() {
		h := e.Value.(*Head)
		if h.Ref > 0 {
			continue
		}
		c.unlink(h)
		delete(c.byKey, h.Key)
		return h, nil
	}
	return nil, nverr.New(nverr.KindNoSpace, "buffer cache exhausted: no unused or clean buffers")
}

func (c *Cache) maybeRequestMore(ctx context.Context) {
	if c.alloc == nil {
		return
	}
	if c.lists[StateUnused].Len() < c.lowWatermark {
		if err := c.alloc.RequestMore(ctx, c.capacity/4); err != nil {
			c.log.Warnw("buffer_alloc_req failed", "err", err)
		}
	}
}

func (c *Cache) maybeSurrenderExcess(ctx context.Context) {
	if c.alloc == nil {
		return
	}
	if c.lists[StateUnused].Len() > c.highWatermark {
		if err := c.alloc.SurrenderExcess(ctx, c.capacity/4); err != nil {
			c.log.Warnw("buffer_free_req failed", "err", err)
		}
	}
}

// GetBH resolves key to a pinned buffer head, reading it from the device
// on a cache miss with ModeRead.
func (c *Cache) GetBH(ctx context.Context, resolver PBNResolver, ino uint32, lblk uint32, mode Mode, typ BufType) (*Head, error) {
	key := Key{Ino: ino, LBlk: lblk, Type: typ}

	c.mu.Lock()
	if h, ok := c.byKey[key]; ok {
		h.Ref++
		c.mu.Unlock()
		return h, nil
	}
	c.maybeRequestMore(ctx)
	h, err := c.reclaim(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	pno, err := resolver.ResolvePBN(ctx, ino, lblk, typ, mode == ModeNew)
	if err != nil {
		c.mu.Lock()
		c.push(h, StateUnused, true)
		c.mu.Unlock()
		return nil, err
	}

	h.Key = key
	h.Pno = pno
	h.Dirty = false
	if mode == ModeRead {
		if err := c.dev.ReadCluster(ctx, h.Buf, pno); err != nil {
			c.mu.Lock()
			c.push(h, StateUnused, true)
			c.mu.Unlock()
			return nil, nverr.Wrapf(nverr.KindIoError, err, "get_bh read ino=%d lblk=%d", ino, lblk)
		}
	} else {
		for i := range h.Buf {
			h.Buf[i] = 0
		}
	}
	h.Ref = 1

	c.mu.Lock()
	c.byKey[key] = h
	c.push(h, StateClean, true)
	c.mu.Unlock()
	return h, nil
}

// ReleaseBH decrements a head's reference count. If dirty is set the head
// moves to DIRTY (idempotently; a FLUSHING head keeps its place);
// otherwise, once the last reference drops, it moves to the head or tail
// of CLEAN per toFront.
func (c *Cache) ReleaseBH(h *Head, toFront bool, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Ref > 0 {
		h.Ref--
	}
	if dirty {
		h.Dirty = true
		if h.state != StateDirty && h.state != StateFlushing {
			c.moveTo(h, StateDirty, false)
		}
		return
	}
	if h.Ref == 0 && h.state == StateClean {
		// Re-seat at the requested end of the CLEAN LRU list.
		c.moveTo(h, StateClean, toFront)
	}
	c.maybeSurrenderExcess(context.Background())
}

// Retain takes an additional reference on an already-resident head, used
// by callers that hand out a second handle to a head they already hold
// (an inode-context cache hit) without going back through GetBH.
func (c *Cache) Retain(h *Head) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.Ref++
}

// Pin registers a back-reference to h on behalf of an inode context,
// returning a token to later Unpin.
func (c *Cache) Pin(h *Head) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextPinnerSeq++
	id := c.nextPinnerSeq
	h.pinners[id] = struct{}{}
	return id
}

// Unpin removes a single back-reference token registered by Pin.
func (c *Cache) Unpin(h *Head, token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(h.pinners, token)
}

// RemoveBHsInBC detaches any inode-context back-references from h before
// it's recycled.
func (c *Cache) RemoveBHsInBC(h *Head) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range h.pinners {
		delete(h.pinners, id)
	}
}

// Discard forcibly recycles the buffer for key into UNUSED, used by the
// inode engine's truncate path to drop cached data blocks beyond the new
// size without writing them back.
func (c *Cache) Discard(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byKey[key]
	if !ok {
		return
	}
	c.RemoveBHsInBCLocked(h)
	delete(c.byKey, key)
	c.unlink(h)
	h.Pno = 0
	h.Dirty = false
	h.Ref = 0
	for i := range h.Buf {
		h.Buf[i] = 0
	}
	c.push(h, StateUnused, true)
}

// RemoveBHsInBCLocked is RemoveBHsInBC for callers already holding c.mu.
func (c *Cache) RemoveBHsInBCLocked(h *Head) {
	for id := range h.pinners {
		delete(h.pinners, id)
	}
}

// DirtyHeads returns up to n heads currently in DIRTY, draining them from
// the DIRTY list head to FLUSHING for the flush pipeline.
func (c *Cache) DirtyHeads(n int) []*Head {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Head
	for len(out) < n {
		e := c.lists[StateDirty].Front()
		if e == nil {
			break
		}
		h := e.Value.(*Head)
		c.moveTo(h, StateFlushing, true)
		out = append(out, h)
	}
	return out
}

// CompleteFlush moves a flushed head back to the CLEAN head, clearing its
// dirty bit.
func (c *Cache) CompleteFlush(h *Head) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.Dirty = false
	c.moveTo(h, StateClean, true)
}

// RequeueDirty returns a FLUSHING head to DIRTY, used when its write job
// was cancelled at a barrier.
func (c *Cache) RequeueDirty(h *Head) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveTo(h, StateDirty, true)
}

// DirtyCount is the count the flush pipeline compares against its
// dirty-buffer watermark.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists[StateDirty].Len()
}
