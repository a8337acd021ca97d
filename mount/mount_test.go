package mount

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/device"
)

// testConfig returns a small standalone in-memory configuration, the way
// most package tests mount (see Config.DevicePath's doc comment).
func testConfig() Config {
	return Config{
		Role:          RoleStandalone,
		ClusterSize:   cluster.Size,
		BGCount:       2,
		ClustersPerBG: 64,
		InodesPerBG:   32,
	}
}

func mustMount(t *testing.T, cfg Config) *FS {
	t.Helper()
	fs, err := Mount(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := Unmount(context.Background(), fs); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})
	return fs
}

func TestMountFormatsRootDirectory(t *testing.T) {
	fs := mustMount(t, testConfig())
	sb := fs.Stat()
	if sb.RootIno != cluster.RootIno {
		t.Fatalf("RootIno = %d, want %d", sb.RootIno, cluster.RootIno)
	}
	entries, err := fs.ReadDir(context.Background(), sb.RootIno)
	if err != nil {
		t.Fatalf("ReadDir(root): %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh root has %d entries, want 0", len(entries))
	}
}

// fileBackedConfig returns a standalone Config over a temp file device,
// so two successive Mount/Unmount calls observe the same persisted
// state.
func fileBackedConfig(t *testing.T) Config {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "nvfuse-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	cfg := testConfig()
	size := int64(cfg.BGCount) * int64(cfg.ClustersPerBG) * int64(cfg.ClusterSize)
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	path := f.Name()
	f.Close()

	dev, err := device.OpenBlockDevice(path, int(cfg.ClusterSize), uint64(cfg.BGCount)*uint64(cfg.ClustersPerBG))
	if err != nil {
		t.Fatalf("OpenBlockDevice: %v", err)
	}
	if err := FormatSuperblock(context.Background(), dev, cfg.BGCount, cfg.ClustersPerBG, cfg.InodesPerBG); err != nil {
		dev.Close()
		t.Fatalf("FormatSuperblock: %v", err)
	}
	dev.Close()

	cfg.DevicePath = path
	return cfg
}

// TestCreateTenFilesSurvivesRemount: mkfs, mount, create ten files,
// unmount, mount again, and list all ten back.
func TestCreateTenFilesSurvivesRemount(t *testing.T) {
	ctx := context.Background()
	cfg := fileBackedConfig(t)

	fs, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	root := fs.Stat().RootIno
	names := make([]string, 10)
	for i := 0; i < 10; i++ {
		names[i] = fmt.Sprintf("file%02d", i)
		if _, err := fs.Create(ctx, root, names[i]); err != nil {
			t.Fatalf("Create(%s): %v", names[i], err)
		}
	}
	if err := Unmount(ctx, fs); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	fs2, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	t.Cleanup(func() {
		if err := Unmount(ctx, fs2); err != nil {
			t.Errorf("Unmount fs2: %v", err)
		}
	})
	entries, err := fs2.ReadDir(ctx, fs2.Stat().RootIno)
	if err != nil {
		t.Fatalf("ReadDir after remount: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("got %d entries after remount, want 10", len(entries))
	}
	seen := map[string]bool{}
	for _, de := range entries {
		seen[de.Filename] = true
		ino, err := fs2.Lookup(ctx, fs2.Stat().RootIno, de.Filename)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", de.Filename, err)
		}
		if ino != de.Ino {
			t.Fatalf("Lookup(%s) = %d, want %d", de.Filename, ino, de.Ino)
		}
	}
	for _, name := range names {
		if !seen[name] {
			t.Fatalf("missing %s after remount", name)
		}
	}
}

// TestReadDirEntriesStableAcrossRemount checks the remount at the entry
// level: the dense dentry array a remount re-reads must be structurally
// identical to what was written, not merely equal in length. Diffing with
// pretty.Compare (rather than reflect.DeepEqual) gives a readable mismatch
// report naming the exact field and entry that drifted, should the flush
// or persistence path ever silently corrupt an entry.
func TestReadDirEntriesStableAcrossRemount(t *testing.T) {
	ctx := context.Background()
	cfg := fileBackedConfig(t)

	fs, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	root := fs.Stat().RootIno
	for _, name := range []string{"b.txt", "a.txt", "c.txt"} {
		if _, err := fs.Create(ctx, root, name); err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
	}
	before, err := fs.ReadDir(ctx, root)
	if err != nil {
		t.Fatalf("ReadDir before unmount: %v", err)
	}
	if err := Unmount(ctx, fs); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	fs2, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	t.Cleanup(func() {
		if err := Unmount(ctx, fs2); err != nil {
			t.Errorf("Unmount fs2: %v", err)
		}
	})
	after, err := fs2.ReadDir(ctx, fs2.Stat().RootIno)
	if err != nil {
		t.Fatalf("ReadDir after remount: %v", err)
	}

	sort.Slice(before, func(i, j int) bool { return before[i].Filename < before[j].Filename })
	sort.Slice(after, func(i, j int) bool { return after[i].Filename < after[j].Filename })
	if diff := pretty.Compare(before, after); diff != "" {
		t.Fatalf("directory entries changed across remount:\n%s", diff)
	}
}

func TestLookupCreateUnlinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testConfig())
	root := fs.Stat().RootIno

	ino, err := fs.Create(ctx, root, "a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := fs.Lookup(ctx, root, "a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != ino {
		t.Fatalf("Lookup = %d, want %d", got, ino)
	}
	if err := fs.Unlink(ctx, root, "a"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := fs.Lookup(ctx, root, "a"); err == nil {
		t.Fatalf("Lookup after unlink: expected error")
	}
}

func TestMkdirRmdirRejectsNonEmpty(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testConfig())
	root := fs.Stat().RootIno

	dirIno, err := fs.Mkdir(ctx, root, "d")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := fs.Create(ctx, dirIno, "child"); err != nil {
		t.Fatalf("Create(child): %v", err)
	}
	if err := fs.Rmdir(ctx, root, "d"); err == nil {
		t.Fatalf("Rmdir of non-empty directory: expected error")
	}
	if err := fs.Unlink(ctx, dirIno, "child"); err != nil {
		t.Fatalf("Unlink(child): %v", err)
	}
	if err := fs.Rmdir(ctx, root, "d"); err != nil {
		t.Fatalf("Rmdir after empty: %v", err)
	}
	if _, err := fs.Lookup(ctx, root, "d"); err == nil {
		t.Fatalf("Lookup(d) after rmdir: expected error")
	}
}

// TestTruncateToCurrentSizeIsNoop: truncating a file to its current size
// must introduce no dirty buffers.
func TestTruncateToCurrentSizeIsNoop(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testConfig())
	root := fs.Stat().RootIno

	ino, err := fs.Create(ctx, root, "a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := make([]byte, cluster.Size*4)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := fs.Write(ctx, ino, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	dirtyBefore := fs.BC.DirtyCount()

	ictx, err := fs.ICtx.GetICtx(ctx, ino)
	if err != nil {
		t.Fatalf("GetICtx: %v", err)
	}
	if err := fs.Ino.TruncateBlocks(ctx, ictx, int64(len(data))); err != nil {
		t.Fatalf("TruncateBlocks(no-op): %v", err)
	}
	if err := fs.ICtx.ReleaseInode(ictx, false); err != nil {
		t.Fatalf("ReleaseInode: %v", err)
	}
	if got := fs.BC.DirtyCount(); got != dirtyBefore {
		t.Fatalf("dirty count changed on no-op truncate: %d -> %d", dirtyBefore, got)
	}
}

// TestForceFlushIdempotent: two consecutive force flushes both end with
// a dirty count of zero.
func TestForceFlushIdempotent(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testConfig())
	root := fs.Stat().RootIno
	if _, err := fs.Create(ctx, root, "a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fs.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush #1: %v", err)
	}
	if got := fs.BC.DirtyCount(); got != 0 {
		t.Fatalf("dirty count after first flush = %d, want 0", got)
	}
	if err := fs.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush #2: %v", err)
	}
	if got := fs.BC.DirtyCount(); got != 0 {
		t.Fatalf("dirty count after second flush = %d, want 0", got)
	}
}

// TestFreeCountersConserved: the superblock's free counters must equal
// the sums over the BG descriptors after any operation sequence plus a
// flush.
func TestFreeCountersConserved(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testConfig())
	root := fs.Stat().RootIno
	for i := 0; i < 5; i++ {
		if _, err := fs.Create(ctx, root, fmt.Sprintf("f%d", i)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := fs.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	sb := fs.Stat()
	var sumInodes, sumBlocks uint64
	for id := uint32(0); id < sb.BGCount; id++ {
		head, bd, err := fs.BGM.GetDescriptor(ctx, id)
		if err != nil {
			t.Fatalf("GetDescriptor(%d): %v", id, err)
		}
		sumInodes += uint64(bd.FreeInodes)
		sumBlocks += uint64(bd.FreeBlocks)
		fs.BC.ReleaseBH(head, true, false)
	}
	if sumInodes != sb.FreeInodes {
		t.Fatalf("sum(bd.FreeInodes)=%d != sb.FreeInodes=%d", sumInodes, sb.FreeInodes)
	}
	if sumBlocks != sb.FreeBlocks {
		t.Fatalf("sum(bd.FreeBlocks)=%d != sb.FreeBlocks=%d", sumBlocks, sb.FreeBlocks)
	}
}

// TestTruncateFreesBlocks: a 64 KiB file truncated to one cluster must give
// fifteen data blocks back to the free pool and report the new size.
func TestTruncateFreesBlocks(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testConfig())
	root := fs.Stat().RootIno

	ino, err := fs.Create(ctx, root, "a")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := make([]byte, 16*cluster.Size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if _, err := fs.Write(ctx, ino, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	freeBefore := fs.Stat().FreeBlocks

	if err := fs.Truncate(ctx, ino, cluster.Size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	ip, err := fs.StatInode(ctx, ino)
	if err != nil {
		t.Fatalf("StatInode: %v", err)
	}
	if ip.Size != cluster.Size {
		t.Fatalf("Size after truncate = %d, want %d", ip.Size, cluster.Size)
	}
	if got := fs.Stat().FreeBlocks; got != freeBefore+15 {
		t.Fatalf("FreeBlocks after truncate = %d, want %d", got, freeBefore+15)
	}
}

// TestHardLinkSurvivesUnlinkOfFirstName: linking "y" to "x"'s inode and
// unlinking "x" must leave "y" resolvable with a link count of one.
func TestHardLinkSurvivesUnlinkOfFirstName(t *testing.T) {
	ctx := context.Background()
	fs := mustMount(t, testConfig())
	root := fs.Stat().RootIno

	xIno, err := fs.Create(ctx, root, "x")
	if err != nil {
		t.Fatalf("Create(x): %v", err)
	}
	if err := fs.Link(ctx, root, "y", xIno); err != nil {
		t.Fatalf("Link(y -> x): %v", err)
	}
	ip, err := fs.StatInode(ctx, xIno)
	if err != nil {
		t.Fatalf("StatInode: %v", err)
	}
	if ip.LinkCount != 2 {
		t.Fatalf("LinkCount with two names = %d, want 2", ip.LinkCount)
	}

	if err := fs.Unlink(ctx, root, "x"); err != nil {
		t.Fatalf("Unlink(x): %v", err)
	}
	yIno, err := fs.Lookup(ctx, root, "y")
	if err != nil {
		t.Fatalf("Lookup(y): %v", err)
	}
	if yIno != xIno {
		t.Fatalf("y resolves to %d, want %d", yIno, xIno)
	}
	ip, err = fs.StatInode(ctx, yIno)
	if err != nil {
		t.Fatalf("StatInode(y): %v", err)
	}
	if ip.LinkCount != 1 {
		t.Fatalf("LinkCount after unlinking x = %d, want 1", ip.LinkCount)
	}
	if _, err := fs.Lookup(ctx, root, "x"); err == nil {
		t.Fatalf("Lookup(x) after unlink: expected error")
	}
}

// TestCrashBeforeUnmountKeepsFlushedMetadata force-flushes, drops the
// in-memory state without a clean unmount, and remounts: everything
// committed by the flush must be present, and the free counters must be
// rebuilt consistently from the BG descriptors.
func TestCrashBeforeUnmountKeepsFlushedMetadata(t *testing.T) {
	ctx := context.Background()
	cfg := fileBackedConfig(t)

	fs, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	root := fs.Stat().RootIno
	for _, name := range []string{"a", "b"} {
		if _, err := fs.Create(ctx, root, name); err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
	}
	if err := fs.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	// Crash: drop all in-memory state without unmounting.
	if err := fs.dev.Close(); err != nil {
		t.Fatalf("closing device: %v", err)
	}

	fs2, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("remount after crash: %v", err)
	}
	t.Cleanup(func() {
		if err := Unmount(ctx, fs2); err != nil {
			t.Errorf("Unmount fs2: %v", err)
		}
	})
	root2 := fs2.Stat().RootIno
	for _, name := range []string{"a", "b"} {
		if _, err := fs2.Lookup(ctx, root2, name); err != nil {
			t.Fatalf("Lookup(%s) after crash: %v", name, err)
		}
	}

	sb := fs2.Stat()
	var sumInodes, sumBlocks uint64
	for id := uint32(0); id < sb.BGCount; id++ {
		head, bd, err := fs2.BGM.GetDescriptor(ctx, id)
		if err != nil {
			t.Fatalf("GetDescriptor(%d): %v", id, err)
		}
		sumInodes += uint64(bd.FreeInodes)
		sumBlocks += uint64(bd.FreeBlocks)
		fs2.BC.ReleaseBH(head, true, false)
	}
	if sumInodes != sb.FreeInodes || sumBlocks != sb.FreeBlocks {
		t.Fatalf("counters inconsistent after crash remount: sum=(%d,%d) sb=(%d,%d)",
			sumInodes, sumBlocks, sb.FreeInodes, sb.FreeBlocks)
	}
}

// TestDataplaneExhaustionRequestsOneContainer runs a control plane and a
// data plane in one process sharing a file-backed device: the data plane
// owns no BG at first, acquires one on its first allocation, and acquires
// exactly one more when that BG's inodes run out.
func TestDataplaneExhaustionRequestsOneContainer(t *testing.T) {
	ctx := context.Background()

	f, err := os.CreateTemp(t.TempDir(), "nvfuse-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	cfg := Config{
		Role:          RoleControlPlane,
		ClusterSize:   cluster.Size,
		BGCount:       4,
		ClustersPerBG: 64,
		InodesPerBG:   8,
	}
	size := int64(cfg.BGCount) * int64(cfg.ClustersPerBG) * int64(cfg.ClusterSize)
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	path := f.Name()
	f.Close()

	dev, err := device.OpenBlockDevice(path, int(cfg.ClusterSize), uint64(cfg.BGCount)*uint64(cfg.ClustersPerBG))
	if err != nil {
		t.Fatalf("OpenBlockDevice: %v", err)
	}
	if err := FormatSuperblock(ctx, dev, cfg.BGCount, cfg.ClustersPerBG, cfg.InodesPerBG); err != nil {
		dev.Close()
		t.Fatalf("FormatSuperblock: %v", err)
	}
	dev.Close()
	cfg.DevicePath = path

	control, err := Mount(ctx, cfg)
	if err != nil {
		t.Fatalf("Mount(control): %v", err)
	}
	t.Cleanup(func() {
		if err := Unmount(ctx, control); err != nil {
			t.Errorf("Unmount control: %v", err)
		}
	})

	dpCfg := cfg
	dpCfg.Role = RoleDataPlane
	dpCfg.AppName = "worker-1"
	dpCfg.ProcessID = 7
	dpCfg.Registry = control.Registry()
	dpCfg.Stats = control.Stats()
	dp, err := Mount(ctx, dpCfg)
	if err != nil {
		t.Fatalf("Mount(data-plane): %v", err)
	}
	t.Cleanup(func() {
		if err := Unmount(ctx, dp); err != nil {
			t.Errorf("Unmount data-plane: %v", err)
		}
	})

	if got := dp.BGM.List().Len(); got != 0 {
		t.Fatalf("fresh data plane owns %d BGs, want 0", got)
	}
	root := dp.Stat().RootIno

	// The first create acquires the first container; the next creates
	// fill its remaining inode slots.
	for i := 0; i < int(cfg.InodesPerBG); i++ {
		if _, err := dp.Create(ctx, root, fmt.Sprintf("f%02d", i)); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}
	if got := dp.BGM.List().Len(); got != 1 {
		t.Fatalf("data plane owns %d BGs after filling one, want 1", got)
	}

	if _, err := dp.Create(ctx, root, "overflow"); err != nil {
		t.Fatalf("Create(overflow): %v", err)
	}
	if got := dp.BGM.List().Len(); got != 2 {
		t.Fatalf("data plane owns %d BGs after exhaustion, want exactly 2", got)
	}

	for _, id := range dp.BGM.List().IDs() {
		if id == 0 {
			t.Fatalf("data plane list contains BG 0: %v", dp.BGM.List().IDs())
		}
	}
}
