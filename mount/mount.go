package mount

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/minggr/nvfuse-go/bgmgr"
	"github.com/minggr/nvfuse-go/buffercache"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/device"
	"github.com/minggr/nvfuse-go/dirent"
	"github.com/minggr/nvfuse-go/flush"
	"github.com/minggr/nvfuse-go/ictxcache"
	"github.com/minggr/nvfuse-go/inode"
	"github.com/minggr/nvfuse-go/internal/ipcstat"
	"github.com/minggr/nvfuse-go/internal/logging"
	"github.com/minggr/nvfuse-go/internal/nverr"
	"github.com/minggr/nvfuse-go/ipc"
)

const defaultIndexNodePoolCap = 256

// Mount runs the bootstrap sequence for all three roles: open the device,
// size the caches, read (or copy over IPC) the superblock, wire every
// engine together, build the BG list, and force-flush.
func Mount(ctx context.Context, cfg Config) (*FS, error) {
	log := cfg.Log
	if log == nil {
		log = logging.New(cfg.Role.String(), cfg.AppName)
	}
	if err := CheckDeviceFree(cfg.DevicePath); err != nil {
		return nil, err
	}

	dev, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}

	bcSize := cfg.BufferCacheSize
	if bcSize == 0 {
		bcSize = DefaultBufferCacheSize(cfg.Role, cfg.Preallocation)
	}
	idxCap := cfg.IndexNodePoolCap
	if idxCap == 0 {
		idxCap = defaultIndexNodePoolCap
	}

	fs := &FS{cfg: cfg, dev: dev, log: log}
	fs.sb = &superblockRef{}

	geometry := cfg.geometry()
	isDataplane := cfg.Role == RoleDataPlane

	var allocHook bgmgr.ContainerClient
	switch cfg.Role {
	case RoleControlPlane:
		if err := fs.bootstrapControlPlane(ctx, geometry); err != nil {
			dev.Close()
			return nil, err
		}
	case RoleDataPlane:
		client, err := fs.bootstrapDataPlaneIPC(ctx, cfg)
		if err != nil {
			dev.Close()
			return nil, err
		}
		fs.ipcClient = client
		allocHook = client
		if err := client.Register(ctx); err != nil {
			dev.Close()
			return nil, err
		}
		snap, err := client.SuperblockCopy(ctx)
		if err != nil {
			dev.Close()
			return nil, err
		}
		sb := &cluster.Superblock{}
		if err := sb.UnmarshalBinary(snap); err != nil {
			dev.Close()
			return nil, err
		}
		fs.sb.sb = *sb
	default: // RoleStandalone
		sb, err := readSuperblock(ctx, dev)
		if err != nil && cfg.DevicePath == "" && nverr.Is(err, nverr.KindInvalid) {
			// A fresh in-memory device has no superblock to read.
			// Format it in place from the configured geometry, the way
			// mkfs would for a real device.
			if err := FormatSuperblock(ctx, dev, cfg.BGCount, cfg.ClustersPerBG, cfg.InodesPerBG); err != nil {
				dev.Close()
				return nil, err
			}
			sb, err = readSuperblock(ctx, dev)
		}
		if err != nil {
			dev.Close()
			return nil, err
		}
		fs.sb.sb = *sb
	}

	// A data-plane cache negotiates its buffer quota with the control
	// plane as the unused list swings past its watermarks.
	var bcAlloc buffercache.Allocator
	if fs.ipcClient != nil {
		bcAlloc = fs.ipcClient
	}
	fs.BC = buffercache.New(dev, bcSize, bcAlloc, log)
	fs.ICtx = ictxcache.New(fs.BC, nil)

	rootBGID := uint32(0)
	fs.BGM = bgmgr.New(fs.BC, geometry, fs.sb, allocHook, cfg.Preallocation, isDataplane, rootBGID, cfg.ProcessID, log)
	fs.Ino = inode.New(fs.BC, fs.ICtx, fs.BGM, geometry, isDataplane, log)
	// The inode engine satisfies ictxcache.TableGeometry but needed the
	// Cache to exist first; complete the deferred wiring now that both do.
	fs.ICtx.SetTable(fs.Ino)

	fs.Dir = dirent.New(fs.Ino, fs.ICtx, int(geometry.ClusterSize), idxCap, log)
	fs.Flu = flush.New(fs.BC, dev, isDataplane || cfg.Role == RoleControlPlane, log)

	if err := fs.buildBGList(ctx, cfg, geometry); err != nil {
		dev.Close()
		return nil, err
	}

	if cfg.Role == RoleControlPlane || cfg.Role == RoleStandalone {
		if fs.sb.sb.RootIno == 0 {
			if err := fs.initFirstMount(ctx, geometry); err != nil {
				dev.Close()
				return nil, err
			}
			// Flush the freshly formatted metadata, then persist the
			// stamped root inode number, so a crash before the first
			// clean unmount doesn't re-format the image on the next
			// mount.
			if err := fs.ForceFlush(ctx); err != nil {
				dev.Close()
				return nil, err
			}
			sb := fs.sb.snapshot()
			if err := writeSuperblock(ctx, dev, &sb); err != nil {
				dev.Close()
				return nil, err
			}
		} else if err := fs.recountFromDescriptors(ctx); err != nil {
			dev.Close()
			return nil, err
		}
	}

	if err := fs.ForceFlush(ctx); err != nil {
		dev.Close()
		return nil, err
	}
	return fs, nil
}

// recountFromDescriptors walks every BG descriptor and rebuilds the
// device-wide free counters from their per-BG values. The descriptors are
// flushed continuously while the superblock is only written back at clean
// unmount, so after a crash the descriptors are the authoritative record.
func (fs *FS) recountFromDescriptors(ctx context.Context) error {
	var freeInodes, freeBlocks uint64
	for bgID := uint32(0); bgID < fs.sb.sb.BGCount; bgID++ {
		head, bd, err := fs.BGM.GetDescriptor(ctx, bgID)
		if err != nil {
			return err
		}
		freeInodes += uint64(bd.FreeInodes)
		freeBlocks += uint64(bd.FreeBlocks)
		fs.BC.ReleaseBH(head, true, false)
	}
	fs.sb.mu.Lock()
	fs.sb.sb.FreeInodes = freeInodes
	fs.sb.sb.FreeBlocks = freeBlocks
	fs.sb.mu.Unlock()
	return nil
}

func openDevice(cfg Config) (device.Facade, error) {
	blocks := cfg.DeviceBlocks
	if blocks == 0 {
		blocks = uint64(cfg.BGCount) * uint64(cfg.ClustersPerBG)
	}
	if cfg.DevicePath == "" {
		return device.NewMemDevice(int(cfg.ClusterSize), blocks), nil
	}
	return device.OpenBlockDevice(cfg.DevicePath, int(cfg.ClusterSize), blocks)
}

// bootstrapControlPlane reads and validates the device-owned superblock
// and seeds the control plane's free-BG bookkeeping and IPC server.
func (fs *FS) bootstrapControlPlane(ctx context.Context, geometry bgmgr.Geometry) error {
	sb, err := readSuperblock(ctx, fs.dev)
	if err != nil {
		return err
	}
	fs.sb.sb = *sb
	fs.control = NewControlPlane(fs.sb, 0, sb.BGCount)
	fs.stat = ipcstat.New(prometheus.NewRegistry())

	nChan, ringDepth, msgPool := fs.cfg.IPCChannels, fs.cfg.IPCRingDepth, fs.cfg.IPCMsgPool
	if nChan == 0 {
		nChan = 16
	}
	if ringDepth == 0 {
		ringDepth = 8
	}
	if msgPool == 0 {
		msgPool = nChan * ringDepth * 2
	}
	reg := ipc.NewRegistry(nChan, ringDepth, msgPool)
	fs.ipcReg = reg
	fs.cfg.Registry = reg
	fs.cfg.Stats = fs.stat
	fs.ipcServer = ipc.NewServer(reg, fs.control, fs.stat, fs.log)
	go fs.ipcServer.Serve(ctx)
	return nil
}

// bootstrapDataPlaneIPC claims a channel against a control plane's
// registry. The registry must be reachable in-process, supplied via
// Config.Registry by whatever stood the control plane up in the same
// process (as this package's tests do); cmd/nvfused does not accept the
// data-plane role.
func (fs *FS) bootstrapDataPlaneIPC(ctx context.Context, cfg Config) (*ipc.Client, error) {
	if cfg.Registry == nil {
		return nil, nverr.New(nverr.KindIpc, "mount: data-plane role requires Config.Registry")
	}
	ch, err := cfg.Registry.Claim()
	if err != nil {
		return nil, err
	}
	fs.ipcCh = ch
	stat := cfg.Stats
	if stat == nil {
		stat = ipcstat.New(nil)
	}
	return ipc.NewClient(cfg.Registry, ch, cfg.AppName, stat, fs.log), nil
}

// buildBGList constructs the per-role BG list: standalone owns every BG;
// a control plane serving data-planes owns only the root; a data plane
// replays its previously-owned BGs via CONTAINER_ALLOCATED_ALLOC, then
// pads to the preallocation target with CONTAINER_NEW_ALLOC.
func (fs *FS) buildBGList(ctx context.Context, cfg Config, geometry bgmgr.Geometry) error {
	switch cfg.Role {
	case RoleStandalone:
		for id := uint32(0); id < geometry.BGCount; id++ {
			if err := fs.BGM.AddBG(ctx, id); err != nil {
				return err
			}
		}
	case RoleControlPlane:
		return fs.BGM.AddBG(ctx, 0)
	case RoleDataPlane:
		for {
			bgID, err := fs.ipcClient.AllocContainer(ctx, false)
			if err != nil {
				return err
			}
			if bgID == 0 {
				break
			}
			if err := fs.BGM.AddBG(ctx, bgID); err != nil {
				return err
			}
		}
		if cfg.Preallocation {
			target := preallocationTarget(cfg)
			for fs.BGM.List().Len() < target {
				bgID, err := fs.ipcClient.AllocContainer(ctx, true)
				if err != nil || bgID == 0 {
					break
				}
				if err := fs.BGM.AddBG(ctx, bgID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func preallocationTarget(cfg Config) int {
	if cfg.PreallocationTargetBGs > 0 {
		return cfg.PreallocationTargetBGs
	}
	return 4
}

// initFirstMount formats every BG descriptor, reserves the low inode
// numbers, and creates the root directory and its B+tree index on the
// very first mount of a fresh image.
func (fs *FS) initFirstMount(ctx context.Context, geometry bgmgr.Geometry) error {
	for bgID := uint32(0); bgID < fs.sb.sb.BGCount; bgID++ {
		if err := fs.BGM.InitDescriptor(ctx, bgID); err != nil {
			return err
		}
	}

	// Inode numbers below the root are reserved; burn their bitmap bits
	// so no allocation ever hands one out.
	for i := 0; i < cluster.RootIno; i++ {
		ino, found, err := fs.BGM.ScanFreeIBitmap(ctx, 0, uint32(i))
		if err != nil {
			return err
		}
		if !found || ino != uint32(i) {
			return nverr.Newf(nverr.KindFatal, "reserving ino %d: got (%d, %v)", i, ino, found)
		}
		if err := fs.BGM.DecFreeInodes(ctx, ino); err != nil {
			return err
		}
	}

	rootIctx, err := fs.Ino.AllocNewInode(ctx, cluster.InodeTypeDir)
	if err != nil {
		return err
	}
	rootIctx.Inode.LinkCount = 1
	idx, err := fs.Dir.CreateIndex(ctx, rootIctx)
	if err != nil {
		fs.ICtx.ReleaseInode(rootIctx, true)
		return err
	}
	if err := fs.Dir.SaveIndex(ctx, rootIctx, idx); err != nil {
		fs.ICtx.ReleaseInode(rootIctx, true)
		return err
	}
	if err := fs.ICtx.ReleaseInode(rootIctx, true); err != nil {
		return err
	}
	fs.sb.sb.RootIno = rootIctx.Ino
	return nil
}

// Unmount tears a mount down: force flush, then either write the
// superblock back (control-plane/standalone) or unregister keeping
// containers (data-plane), then release resources.
func Unmount(ctx context.Context, fs *FS) error {
	if err := fs.ForceFlush(ctx); err != nil {
		return err
	}

	switch fs.cfg.Role {
	case RoleStandalone, RoleControlPlane:
		sb := fs.sb.snapshot()
		sb.Touch()
		if err := writeSuperblock(ctx, fs.dev, &sb); err != nil {
			return err
		}
	case RoleDataPlane:
		if err := fs.ipcClient.Unregister(ctx, true); err != nil {
			return err
		}
		if fs.cfg.Registry != nil && fs.ipcCh != nil {
			fs.cfg.Registry.Release(fs.ipcCh)
		}
	}

	return fs.dev.Close()
}
