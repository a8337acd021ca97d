package bgmgr

import (
	"context"
	"sync"

	"github.com/minggr/nvfuse-go/buffercache"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/internal/logging"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Counters is the global/app-superblock free-inode and free-block mirror
// the manager updates in lockstep with every bitmap write, keeping the
// device-wide counters equal to the sum of the per-BG ones.
type Counters interface {
	AddFreeInodes(delta int64)
	AddFreeBlocks(delta int64)
}

// ContainerClient is the IPC surface a data-plane process calls into when
// it exhausts or frees a BG (CONTAINER_ALLOC_REQ / CONTAINER_RELEASE_REQ).
// nil on a standalone or control-plane manager.
type ContainerClient interface {
	AllocContainer(ctx context.Context, newAlloc bool) (bgID uint32, err error)
	ReleaseContainer(ctx context.Context, bgID uint32) error
}

// Manager is the block-group manager.
type Manager struct {
	mu       sync.Mutex
	bc       *buffercache.Cache
	geometry Geometry
	counters Counters
	ipc      ContainerClient
	log      logging.Logger

	// preallocation disables automatic BG release: a preallocating
	// worker keeps its containers even when they empty out.
	preallocation bool
	isDataplane   bool
	rootBGID      uint32
	processID     uint32

	list *List
}

// New builds a block-group manager. ipc may be nil for standalone/control
// plane roles. processID stamps BGDescriptor.Owner when this process
// claims a BG.
func New(bc *buffercache.Cache, geometry Geometry, counters Counters, ipc ContainerClient, preallocation, isDataplane bool, rootBGID, processID uint32, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	m := &Manager{
		bc: bc, geometry: geometry, counters: counters, ipc: ipc,
		preallocation: preallocation, isDataplane: isDataplane, rootBGID: rootBGID,
		processID: processID,
		log:       log,
	}
	m.list = newList()
	return m
}

// List exposes the BG list and its allocation cursors.
func (m *Manager) List() *List { return m.list }

// ResolvePBN implements buffercache.PBNResolver for the four metadata
// pseudo-inodes, whose placement has a closed-form answer in BG geometry.
// The inode engine implements the real-inode half and falls back to this
// for metadata block types.
func (m *Manager) ResolvePBN(ctx context.Context, ino uint32, lblk uint32, typ buffercache.BufType, create bool) (uint64, error) {
	switch typ {
	case buffercache.TypeBD:
		bgID := lblk
		return m.geometry.BGStart(bgID), nil
	case buffercache.TypeIBitmap:
		bgID := lblk
		return m.geometry.BGStart(bgID) - bdOffset + uint64(m.geometry.IBitmapStart()), nil
	case buffercache.TypeDBitmap:
		bgID := lblk
		return m.geometry.BGStart(bgID) - bdOffset + uint64(m.geometry.DBitmapStart()), nil
	case buffercache.TypeITable:
		bgID := lblk / m.geometry.ITableClusters
		within := lblk % m.geometry.ITableClusters
		return m.geometry.BGStart(bgID) - bdOffset + uint64(m.geometry.ITableStart()) + uint64(within), nil
	default:
		return 0, nverr.Newf(nverr.KindInvalid, "bgmgr cannot resolve buffer type %v", typ)
	}
}

// GetDescriptor returns the pinned buffer head for bgID's descriptor
// cluster, decoded alongside.
func (m *Manager) GetDescriptor(ctx context.Context, bgID uint32) (*buffercache.Head, *cluster.BGDescriptor, error) {
	head, err := m.bc.GetBH(ctx, m, bgID, bgID, buffercache.ModeRead, buffercache.TypeBD)
	if err != nil {
		return nil, nil, nverr.Wrapf(nverr.KindIoError, err, "get_descriptor bg=%d", bgID)
	}
	bd := &cluster.BGDescriptor{}
	if err := bd.UnmarshalBinary(head.Buf); err != nil {
		m.bc.ReleaseBH(head, true, false)
		return nil, nil, err
	}
	if bd.ID != bgID {
		m.bc.ReleaseBH(head, true, false)
		return nil, nil, nverr.Newf(nverr.KindFatal, "bg descriptor mismatch: wanted %d got %d", bgID, bd.ID)
	}
	return head, bd, nil
}

func (m *Manager) putDescriptor(head *buffercache.Head, bd *cluster.BGDescriptor, dirty bool) error {
	if dirty {
		buf, err := bd.MarshalBinary()
		if err != nil {
			m.bc.ReleaseBH(head, true, false)
			return err
		}
		copy(head.Buf, buf)
	}
	m.bc.ReleaseBH(head, true, dirty)
	return nil
}

// InitDescriptor formats bgID's descriptor cluster in memory (mkfs path).
func (m *Manager) InitDescriptor(ctx context.Context, bgID uint32) error {
	head, err := m.bc.GetBH(ctx, m, bgID, bgID, buffercache.ModeNew, buffercache.TypeBD)
	if err != nil {
		return err
	}
	bd := &cluster.BGDescriptor{
		Signature:     cluster.SignatureBD,
		ID:            bgID,
		MaxInodes:     m.geometry.InodesPerBG,
		MaxBlocks:     m.geometry.MaxBlocks(),
		FreeInodes:    m.geometry.InodesPerBG,
		FreeBlocks:    m.geometry.MaxBlocks(),
		DBitmapStart:  m.geometry.DBitmapStart(),
		IBitmapStart:  m.geometry.IBitmapStart(),
		ITableStart:   m.geometry.ITableStart(),
		DTableStart:   m.geometry.DTableStart(),
		BGStart:       uint32(m.geometry.BGStart(bgID)),
		NextBlockHint: 0,
		Owner:         0,
	}
	return m.putDescriptor(head, bd, true)
}

// bitmapHead fetches the bitmap buffer for bgID, data or inode per isInode.
func (m *Manager) bitmapHead(ctx context.Context, bgID uint32, isInode bool, mode buffercache.Mode) (*buffercache.Head, error) {
	typ := buffercache.TypeDBitmap
	if isInode {
		typ = buffercache.TypeIBitmap
	}
	return m.bc.GetBH(ctx, m, bgID, bgID, mode, typ)
}

// ScanFreeIBitmap returns the first clear bit >= hint (mod InodesPerBG),
// sets it, and returns the absolute ino. The bitmap buffer is released
// dirty iff a bit was flipped. found is false when the BG has no free
// inode at all, distinguishing that case from legitimately finding
// bit/ino 0.
func (m *Manager) ScanFreeIBitmap(ctx context.Context, bgID uint32, hint uint32) (ino uint32, found bool, err error) {
	head, err := m.bitmapHead(ctx, bgID, true, buffercache.ModeRead)
	if err != nil {
		return 0, false, err
	}
	bit, found := scanBitmapFromHint(head.Buf, m.geometry.InodesPerBG, hint)
	if !found {
		m.bc.ReleaseBH(head, true, false)
		return 0, false, nil
	}
	setBit(head.Buf, bit)
	m.bc.ReleaseBH(head, true, true)
	return bgID*m.geometry.InodesPerBG + bit, true, nil
}

// ScanFreeDBitmap is the data-block analogue of ScanFreeIBitmap, used by
// the inode engine's block allocation.
func (m *Manager) ScanFreeDBitmap(ctx context.Context, bgID uint32, hint uint32) (offset uint32, found bool, err error) {
	head, err := m.bitmapHead(ctx, bgID, false, buffercache.ModeRead)
	if err != nil {
		return 0, false, err
	}
	bit, found := scanBitmapFromHint(head.Buf, m.geometry.MaxBlocks(), hint)
	if !found {
		m.bc.ReleaseBH(head, true, false)
		return 0, false, nil
	}
	setBit(head.Buf, bit)
	m.bc.ReleaseBH(head, true, true)
	return bit, true, nil
}

// FreeDBitmap clears count consecutive bits starting at offset within
// bgID's data bitmap, crediting the freed blocks back to the counters.
func (m *Manager) FreeDBitmap(ctx context.Context, bgID uint32, offset uint32, count uint32) error {
	head, err := m.bitmapHead(ctx, bgID, false, buffercache.ModeRead)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		bit := offset + i
		if !testBit(head.Buf, bit) {
			m.log.Warnw("double free of data bit", "bg", bgID, "bit", bit)
			continue
		}
		clearBit(head.Buf, bit)
	}
	m.bc.ReleaseBH(head, true, true)
	return m.IncFreeBlocks(ctx, bgID, uint64(count))
}

// ReleaseIBitmap clears ino's bit in its BG's inode bitmap, crediting
// the freed slot back to the counters.
func (m *Manager) ReleaseIBitmap(ctx context.Context, ino uint32) error {
	bgID := ino / m.geometry.InodesPerBG
	bit := ino % m.geometry.InodesPerBG
	head, err := m.bitmapHead(ctx, bgID, true, buffercache.ModeRead)
	if err != nil {
		return err
	}
	if !testBit(head.Buf, bit) {
		m.log.Warnw("ino already released", "ino", ino)
		m.bc.ReleaseBH(head, true, false)
	} else {
		clearBit(head.Buf, bit)
		m.bc.ReleaseBH(head, true, true)
	}
	return m.IncFreeInodes(ctx, ino, 1)
}

// DecFreeInodes decrements the free-inode counter for ino's BG and the
// superblock/app-superblock mirrors, bundling the descriptor write so the
// two can never drift apart.
func (m *Manager) DecFreeInodes(ctx context.Context, ino uint32) error {
	bgID := ino / m.geometry.InodesPerBG
	head, bd, err := m.GetDescriptor(ctx, bgID)
	if err != nil {
		return err
	}
	if bd.FreeInodes == 0 {
		m.putDescriptor(head, bd, false)
		return nverr.New(nverr.KindFatal, "dec_free_inodes underflow")
	}
	bd.FreeInodes--
	if err := m.putDescriptor(head, bd, true); err != nil {
		return err
	}
	m.counters.AddFreeInodes(-1)
	return nil
}

// IncFreeInodes is the counterpart to DecFreeInodes; it also triggers
// automatic BG release when the increment leaves the BG entirely free.
func (m *Manager) IncFreeInodes(ctx context.Context, ino uint32, n uint64) error {
	bgID := ino / m.geometry.InodesPerBG
	head, bd, err := m.GetDescriptor(ctx, bgID)
	if err != nil {
		return err
	}
	bd.FreeInodes += uint32(n)
	if bd.FreeInodes > bd.MaxInodes {
		m.putDescriptor(head, bd, false)
		return nverr.New(nverr.KindFatal, "free_inodes exceeds max_inodes")
	}
	if err := m.putDescriptor(head, bd, true); err != nil {
		return err
	}
	m.counters.AddFreeInodes(int64(n))
	return m.maybeReleaseBG(ctx, bgID)
}

// DecFreeBlocks/IncFreeBlocks are the block analogues of the inode counter
// pair above.
func (m *Manager) DecFreeBlocks(ctx context.Context, bgID uint32, n uint64) error {
	head, bd, err := m.GetDescriptor(ctx, bgID)
	if err != nil {
		return err
	}
	if uint64(bd.FreeBlocks) < n {
		m.putDescriptor(head, bd, false)
		return nverr.New(nverr.KindNoSpace, "dec_free_blocks underflow")
	}
	bd.FreeBlocks -= uint32(n)
	if err := m.putDescriptor(head, bd, true); err != nil {
		return err
	}
	m.counters.AddFreeBlocks(-int64(n))
	return nil
}

func (m *Manager) IncFreeBlocks(ctx context.Context, bgID uint32, n uint64) error {
	head, bd, err := m.GetDescriptor(ctx, bgID)
	if err != nil {
		return err
	}
	bd.FreeBlocks += uint32(n)
	if bd.FreeBlocks > bd.MaxBlocks {
		m.putDescriptor(head, bd, false)
		return nverr.New(nverr.KindFatal, "free_blocks exceeds max_blocks")
	}
	if err := m.putDescriptor(head, bd, true); err != nil {
		return err
	}
	m.counters.AddFreeBlocks(int64(n))
	return m.maybeReleaseBG(ctx, bgID)
}

// maybeReleaseBG returns a BG to the control plane once a mutation leaves
// it entirely free again: every data block and every inode slot back in
// its bitmap. Only non-preallocating data-plane managers release, and the
// root BG never does.
func (m *Manager) maybeReleaseBG(ctx context.Context, bgID uint32) error {
	if m.preallocation || !m.isDataplane {
		return nil
	}
	if bgID == m.rootBGID {
		return nil
	}
	head, bd, err := m.GetDescriptor(ctx, bgID)
	if err != nil {
		return err
	}
	release := bd.FreeBlocks == bd.MaxBlocks && bd.FreeInodes == bd.MaxInodes
	m.putDescriptor(head, bd, false)
	if release {
		return m.RemoveBG(ctx, bgID)
	}
	return nil
}

// FindFreeInode searches for a free inode slot: start at the hint BG,
// scan from lastIno's in-BG offset, ring/list-traverse to the next BG on
// exhaustion, and ask the control plane for a new container when a
// data-plane process cycles the whole list without success.
func (m *Manager) FindFreeInode(ctx context.Context, lastIno uint32) (uint32, error) {
	var bgID uint32
	if m.isDataplane {
		if m.list.Len() == 0 {
			// No owned BG yet: go straight to the container request.
			return m.allocContainerAndRetryInode(ctx, lastIno)
		}
		bgID = m.list.Current(true)
	} else {
		bgID = lastIno / m.geometry.InodesPerBG
	}
	startBG := bgID
	hint := lastIno % m.geometry.InodesPerBG

	for {
		ino, found, err := m.ScanFreeIBitmap(ctx, bgID, hint)
		if err != nil {
			return 0, err
		}
		if found {
			return ino, nil
		}
		if m.isDataplane {
			var ok bool
			bgID, ok = m.list.Next(true)
			if !ok {
				break
			}
		} else {
			bgID = (bgID + 1) % m.geometry.BGCount
		}
		hint = 0
		if bgID == startBG {
			break
		}
	}

	if !m.isDataplane || m.ipc == nil {
		return 0, nverr.New(nverr.KindNoSpace, "no free inode in any owned block group")
	}
	return m.allocContainerAndRetryInode(ctx, lastIno)
}

// allocContainerAndRetryInode asks the control plane for one fresh BG and
// retries the inode search over the grown list.
func (m *Manager) allocContainerAndRetryInode(ctx context.Context, lastIno uint32) (uint32, error) {
	if m.ipc == nil {
		return 0, nverr.New(nverr.KindNoSpace, "no free inode and no control plane to ask")
	}
	newBG, err := m.ipc.AllocContainer(ctx, true)
	if err != nil || newBG == 0 {
		return 0, nverr.New(nverr.KindNoSpace, "no free inode and container_alloc_req failed")
	}
	if err := m.AddBG(ctx, newBG); err != nil {
		return 0, err
	}
	return m.FindFreeInode(ctx, lastIno)
}

// AllocDataBlock finds and claims one free data block from the data
// allocation cursor's current BG, ringing forward through the owned BG
// list (or the whole BG space for a standalone/control-plane manager)
// exactly as FindFreeInode does for inodes, and returns its absolute
// physical block number.
func (m *Manager) AllocDataBlock(ctx context.Context) (uint64, error) {
	var bgID uint32
	var startBG uint32
	if m.isDataplane {
		if m.list.Len() == 0 {
			return m.allocContainerAndRetryBlock(ctx)
		}
		bgID = m.list.Current(false)
	} else {
		bgID = m.rootBGID
	}
	startBG = bgID

	for {
		offset, found, err := m.ScanFreeDBitmap(ctx, bgID, 0)
		if err != nil {
			return 0, err
		}
		if found {
			if err := m.DecFreeBlocks(ctx, bgID, 1); err != nil {
				return 0, err
			}
			return m.geometry.BGStart(bgID) - bdOffset + uint64(m.geometry.DTableStart()) + uint64(offset), nil
		}
		if m.isDataplane {
			var ok bool
			bgID, ok = m.list.Next(false)
			if !ok {
				break
			}
		} else {
			bgID = (bgID + 1) % m.geometry.BGCount
		}
		if bgID == startBG {
			break
		}
	}

	if !m.isDataplane || m.ipc == nil {
		return 0, nverr.New(nverr.KindNoSpace, "no free data block in any owned block group")
	}
	return m.allocContainerAndRetryBlock(ctx)
}

func (m *Manager) allocContainerAndRetryBlock(ctx context.Context) (uint64, error) {
	if m.ipc == nil {
		return 0, nverr.New(nverr.KindNoSpace, "no free data block and no control plane to ask")
	}
	newBG, err := m.ipc.AllocContainer(ctx, true)
	if err != nil || newBG == 0 {
		return 0, nverr.New(nverr.KindNoSpace, "no free data block and container_alloc_req failed")
	}
	if err := m.AddBG(ctx, newBG); err != nil {
		return 0, err
	}
	return m.AllocDataBlock(ctx)
}

// HasFreeInode reports whether any BG currently owned by this process
// has a nonzero free-inode count.
func (m *Manager) HasFreeInode(ctx context.Context) (bool, error) {
	for _, bgID := range m.list.IDs() {
		head, bd, err := m.GetDescriptor(ctx, bgID)
		if err != nil {
			return false, err
		}
		free := bd.FreeInodes > 0
		m.putDescriptor(head, bd, false)
		if free {
			return true, nil
		}
	}
	return false, nil
}

// AddBG attaches bgID to this process's BG list, stamping the
// descriptor's Owner field for data-plane processes.
func (m *Manager) AddBG(ctx context.Context, bgID uint32) error {
	m.list.Add(bgID)
	if !m.isDataplane {
		return nil
	}
	head, bd, err := m.GetDescriptor(ctx, bgID)
	if err != nil {
		return err
	}
	bd.Owner = m.processID
	return m.putDescriptor(head, bd, true)
}

// RemoveBG returns an emptied BG to the control plane. The root BG is
// never released.
func (m *Manager) RemoveBG(ctx context.Context, bgID uint32) error {
	if bgID == m.rootBGID {
		return nil
	}
	if err := m.list.Remove(bgID); err != nil {
		return err
	}
	if m.ipc != nil {
		if err := m.ipc.ReleaseContainer(ctx, bgID); err != nil {
			return nverr.Wrap(nverr.KindIpc, err, "container_release_req")
		}
	}
	return nil
}
