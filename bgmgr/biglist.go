package bgmgr

import (
	"container/list"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// List is the per-process doubly-linked list of owned block groups, with
// two independent rotating cursors: one for inode allocation, one for
// data-block allocation.
//
// When the node being removed is a cursor's current node, the cursor
// walks forward past it and is never left resting on the list's
// (conceptual) sentinel head.
type List struct {
	l           *list.List
	elemByID    map[uint32]*list.Element
	inodeCursor *list.Element
	dataCursor  *list.Element
}

func newList() *List {
	return &List{l: list.New(), elemByID: make(map[uint32]*list.Element)}
}

// Add attaches bgID to the tail of the list. The first BG ever added
// seeds both cursors.
func (bl *List) Add(bgID uint32) {
	e := bl.l.PushBack(bgID)
	bl.elemByID[bgID] = e
	if bl.l.Len() == 1 {
		bl.inodeCursor = e
		bl.dataCursor = e
	}
}

// Remove detaches bgID from the list, rehoming either cursor currently
// resting on it.
func (bl *List) Remove(bgID uint32) error {
	e, ok := bl.elemByID[bgID]
	if !ok {
		return nverr.Newf(nverr.KindInvalid, "bg %d not in list", bgID)
	}
	if bl.inodeCursor == e {
		bl.inodeCursor = bl.nextSkippingSentinel(e)
	}
	if bl.dataCursor == e {
		bl.dataCursor = bl.nextSkippingSentinel(e)
	}
	bl.l.Remove(e)
	delete(bl.elemByID, bgID)
	if bl.l.Len() == 0 {
		bl.inodeCursor = nil
		bl.dataCursor = nil
	}
	return nil
}

// nextSkippingSentinel returns the element after e, wrapping from the
// tail back to the front until it lands on a real node other than e, or
// nil if e was the only node.
func (bl *List) nextSkippingSentinel(e *list.Element) *list.Element {
	next := e.Next()
	for next == nil && bl.l.Len() > 1 {
		next = bl.l.Front()
		if next == e {
			next = next.Next()
		}
	}
	if next == e {
		return nil
	}
	return next
}

// Current returns the BG id the given cursor currently points at, or 0 if
// the list is empty.
func (bl *List) Current(isInode bool) uint32 {
	e := bl.cursor(isInode)
	if e == nil {
		return 0
	}
	return e.Value.(uint32)
}

func (bl *List) cursor(isInode bool) *list.Element {
	if isInode {
		return bl.inodeCursor
	}
	return bl.dataCursor
}

func (bl *List) setCursor(isInode bool, e *list.Element) {
	if isInode {
		bl.inodeCursor = e
	} else {
		bl.dataCursor = e
	}
}

// Next advances the given cursor to the next BG, wrapping to the front
// of the list if it would otherwise run past the tail.
func (bl *List) Next(isInode bool) (uint32, bool) {
	e := bl.cursor(isInode)
	if e == nil {
		return 0, false
	}
	next := e.Next()
	if next == nil {
		next = bl.l.Front()
	}
	bl.setCursor(isInode, next)
	return next.Value.(uint32), true
}

// Move sets the given cursor to bgID directly, returning an error if
// bgID isn't currently owned.
func (bl *List) Move(isInode bool, bgID uint32) error {
	e, ok := bl.elemByID[bgID]
	if !ok {
		return nverr.Newf(nverr.KindInvalid, "move_curr_bg_id: bg %d not owned", bgID)
	}
	bl.setCursor(isInode, e)
	return nil
}

// IDs returns every BG id currently owned by this process, in list order.
func (bl *List) IDs() []uint32 {
	out := make([]uint32, 0, bl.l.Len())
	for e := bl.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(uint32))
	}
	return out
}

// Len reports how many BGs this process currently owns.
func (bl *List) Len() int { return bl.l.Len() }

// Contains reports whether bgID is currently owned.
func (bl *List) Contains(bgID uint32) bool {
	_, ok := bl.elemByID[bgID]
	return ok
}
