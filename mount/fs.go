package mount

import (
	"context"

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

// FS is one mounted filesystem handle, bundling every subsystem the
// bootstrap wires together.
type FS struct {
	cfg Config
	dev device.Facade

	BC   *buffercache.Cache
	ICtx *ictxcache.Cache
	BGM  *bgmgr.Manager
	Ino  *inode.Engine
	Dir  *dirent.Engine
	Flu  *flush.Pipeline

	sb *superblockRef

	// Data-plane-only fields.
	ipcClient *ipc.Client
	ipcReg    *ipc.Registry
	ipcCh     *ipc.Channel

	// Control-plane-only fields.
	control   *ControlPlane
	ipcServer *ipc.Server
	stat      *ipcstat.Stats

	log logging.Logger
}

// Lookup resolves name inside the directory dirIno.
func (fs *FS) Lookup(ctx context.Context, dirIno uint32, name string) (uint32, error) {
	dirIctx, err := fs.ICtx.GetICtx(ctx, dirIno)
	if err != nil {
		return 0, err
	}
	defer fs.ICtx.ReleaseInode(dirIctx, false)

	idx, err := fs.Dir.LoadIndex(ctx, dirIctx)
	if err != nil {
		return 0, err
	}
	offset, found, err := fs.Dir.FindExistingDentry(ctx, dirIctx, idx, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nverr.Newf(nverr.KindNotFound, "lookup: %q not found", name)
	}
	de, err := fs.Dir.EntryAt(ctx, dirIctx, offset)
	if err != nil {
		return 0, err
	}
	return de.Ino, nil
}

// create is the shared body of Create/Mkdir: allocate a fresh inode of
// typ, link it into dirIno under name, persisting the directory's index
// if one is attached.
func (fs *FS) create(ctx context.Context, dirIno uint32, name string, typ cluster.InodeType) (uint32, error) {
	dirIctx, err := fs.ICtx.GetICtx(ctx, dirIno)
	if err != nil {
		return 0, err
	}
	defer fs.ICtx.ReleaseInode(dirIctx, false)

	idx, err := fs.Dir.LoadIndex(ctx, dirIctx)
	if err != nil {
		return 0, err
	}

	newIctx, err := fs.Ino.AllocNewInode(ctx, typ)
	if err != nil {
		return 0, err
	}
	ino := newIctx.Ino

	if typ == cluster.InodeTypeDir {
		childIdx, err := fs.Dir.CreateIndex(ctx, newIctx)
		if err != nil {
			fs.ICtx.ReleaseInode(newIctx, true)
			return 0, err
		}
		if err := fs.Dir.SaveIndex(ctx, newIctx, childIdx); err != nil {
			fs.ICtx.ReleaseInode(newIctx, true)
			return 0, err
		}
	}

	if err := fs.Dir.Link(ctx, dirIctx, newIctx, idx, name); err != nil {
		fs.ICtx.ReleaseInode(newIctx, true)
		return 0, err
	}
	if err := fs.ICtx.ReleaseInode(newIctx, true); err != nil {
		return 0, err
	}
	if err := fs.Dir.SaveIndex(ctx, dirIctx, idx); err != nil {
		return 0, err
	}
	return ino, nil
}

// Create makes a new regular file named name inside dirIno.
func (fs *FS) Create(ctx context.Context, dirIno uint32, name string) (uint32, error) {
	return fs.create(ctx, dirIno, name, cluster.InodeTypeFile)
}

// Mkdir makes a new directory named name inside dirIno, giving it its
// own B+tree index.
func (fs *FS) Mkdir(ctx context.Context, dirIno uint32, name string) (uint32, error) {
	return fs.create(ctx, dirIno, name, cluster.InodeTypeDir)
}

// Link gives the existing inode targetIno an additional name inside dirIno
// (a hard link): both names then resolve to the same inode, and the inode
// survives until its last name is unlinked.
func (fs *FS) Link(ctx context.Context, dirIno uint32, name string, targetIno uint32) error {
	dirIctx, err := fs.ICtx.GetICtx(ctx, dirIno)
	if err != nil {
		return err
	}
	defer fs.ICtx.ReleaseInode(dirIctx, false)

	idx, err := fs.Dir.LoadIndex(ctx, dirIctx)
	if err != nil {
		return err
	}
	targetIctx, err := fs.ICtx.GetICtx(ctx, targetIno)
	if err != nil {
		return err
	}
	if err := fs.Dir.Link(ctx, dirIctx, targetIctx, idx, name); err != nil {
		fs.ICtx.ReleaseInode(targetIctx, false)
		return err
	}
	if err := fs.ICtx.ReleaseInode(targetIctx, true); err != nil {
		return err
	}
	return fs.Dir.SaveIndex(ctx, dirIctx, idx)
}

// Truncate sets ino's size, freeing any data blocks beyond it.
func (fs *FS) Truncate(ctx context.Context, ino uint32, newSize int64) error {
	ictx, err := fs.ICtx.GetICtx(ctx, ino)
	if err != nil {
		return err
	}
	if err := fs.Ino.TruncateBlocks(ctx, ictx, newSize); err != nil {
		fs.ICtx.ReleaseInode(ictx, false)
		return err
	}
	return fs.ICtx.ReleaseInode(ictx, false)
}

// StatInode reports ino's current on-disk attributes.
func (fs *FS) StatInode(ctx context.Context, ino uint32) (cluster.Inode, error) {
	ictx, err := fs.ICtx.GetICtx(ctx, ino)
	if err != nil {
		return cluster.Inode{}, err
	}
	ip := *ictx.Inode
	if err := fs.ICtx.ReleaseInode(ictx, false); err != nil {
		return cluster.Inode{}, err
	}
	return ip, nil
}

// unlinkCommon removes name from dirIno and decrements the target's link
// count, deleting it once it reaches zero.
func (fs *FS) unlinkCommon(ctx context.Context, dirIno uint32, name string) error {
	dirIctx, err := fs.ICtx.GetICtx(ctx, dirIno)
	if err != nil {
		return err
	}
	defer fs.ICtx.ReleaseInode(dirIctx, false)

	idx, err := fs.Dir.LoadIndex(ctx, dirIctx)
	if err != nil {
		return err
	}
	targetIno, err := fs.Dir.RmDirEntry(ctx, dirIctx, idx, name)
	if err != nil {
		return err
	}
	if err := fs.Dir.SaveIndex(ctx, dirIctx, idx); err != nil {
		return err
	}

	targetIctx, err := fs.ICtx.GetICtx(ctx, targetIno)
	if err != nil {
		return err
	}
	return fs.Ino.Unlink(ctx, targetIctx)
}

// Unlink removes a file name, deleting the inode with its last name.
func (fs *FS) Unlink(ctx context.Context, dirIno uint32, name string) error {
	return fs.unlinkCommon(ctx, dirIno, name)
}

// Rmdir removes an empty directory, refusing a non-empty one.
func (fs *FS) Rmdir(ctx context.Context, dirIno uint32, name string) error {
	childIno, err := fs.Lookup(ctx, dirIno, name)
	if err != nil {
		return err
	}
	childIctx, err := fs.ICtx.GetICtx(ctx, childIno)
	if err != nil {
		return err
	}
	entries, err := fs.Dir.List(ctx, childIctx)
	relErr := fs.ICtx.ReleaseInode(childIctx, false)
	if err != nil {
		return err
	}
	if relErr != nil {
		return relErr
	}
	if len(entries) > 0 {
		return nverr.Newf(nverr.KindInvalid, "rmdir: %q not empty", name)
	}
	return fs.unlinkCommon(ctx, dirIno, name)
}

// ReadDir lists every live entry of dirIno.
func (fs *FS) ReadDir(ctx context.Context, dirIno uint32) ([]cluster.DirEntry, error) {
	dirIctx, err := fs.ICtx.GetICtx(ctx, dirIno)
	if err != nil {
		return nil, err
	}
	defer fs.ICtx.ReleaseInode(dirIctx, false)
	return fs.Dir.List(ctx, dirIctx)
}

// Read copies up to len(p) bytes from ino's data at offset off.
func (fs *FS) Read(ctx context.Context, ino uint32, off int64, p []byte) (int, error) {
	ictx, err := fs.ICtx.GetICtx(ctx, ino)
	if err != nil {
		return 0, err
	}
	defer fs.ICtx.ReleaseInode(ictx, false)
	return fs.Ino.ReadAt(ctx, ictx, off, p)
}

// Write copies p into ino's data at offset off, growing the file as needed.
func (fs *FS) Write(ctx context.Context, ino uint32, off int64, p []byte) (int, error) {
	ictx, err := fs.ICtx.GetICtx(ctx, ino)
	if err != nil {
		return 0, err
	}
	n, err := fs.Ino.WriteAt(ctx, ictx, off, p)
	if relErr := fs.ICtx.ReleaseInode(ictx, true); relErr != nil && err == nil {
		err = relErr
	}
	return n, err
}

// ForceFlush drives the dirty-flush pipeline to completion, used at
// every unmount and wherever a caller needs a durability barrier.
func (fs *FS) ForceFlush(ctx context.Context) error {
	return fs.Flu.Run(ctx, flush.ModeForce)
}

// Stat exposes the current superblock snapshot.
func (fs *FS) Stat() cluster.Superblock {
	return fs.sb.snapshot()
}

// Registry exposes a control-plane mount's IPC registry, so a test
// running both roles in one process can pass it into a data-plane Config. Nil on a standalone or data-plane mount.
func (fs *FS) Registry() *ipc.Registry { return fs.ipcReg }

// Stats exposes a control-plane mount's shared IPC latency recorder for the
// same in-process handoff Registry documents.
func (fs *FS) Stats() *ipcstat.Stats { return fs.stat }
