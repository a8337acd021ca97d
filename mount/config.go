// Package mount is the superblock/mount bootstrap and teardown layer:
// it wires the device facade, buffer cache, inode-context
// cache, block-group manager, inode engine, directory engine and flush
// pipeline together into one FS handle, in either control-plane,
// data-plane or standalone role.
package mount

import (
	"github.com/minggr/nvfuse-go/bgmgr"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/internal/ipcstat"
	"github.com/minggr/nvfuse-go/internal/logging"
	"github.com/minggr/nvfuse-go/ipc"
)

// Role is the deployment role a process mounts under.
type Role int

const (
	// RoleStandalone is a single process owning the whole device, the
	// mode most package tests mount under.
	RoleStandalone Role = iota
	// RoleControlPlane owns the device and the global free pool, serving
	// RoleDataPlane processes over IPC but (when data-plane processes
	// exist) not serving files itself.
	RoleControlPlane
	// RoleDataPlane owns a subset of block groups claimed from the
	// control plane and serves user workloads against them.
	RoleDataPlane
)

func (r Role) String() string {
	switch r {
	case RoleControlPlane:
		return "control-plane"
	case RoleDataPlane:
		return "data-plane"
	default:
		return "standalone"
	}
}

// Config is the mount bootstrap's input: one flat options struct with
// role-scaled defaults.
type Config struct {
	Role Role

	// DevicePath names the backing device/file. Empty means an in-memory
	// device sized DeviceBlocks clusters (device.MemDevice), the way
	// most package tests mount.
	DevicePath   string
	DeviceBlocks uint64

	ClusterSize   uint32
	BGCount       uint32
	ClustersPerBG uint32
	InodesPerBG   uint32
	Preallocation bool

	// AppName identifies a data-plane process to the control plane
	// across restarts; a re-registration under the same name replays the
	// containers the previous incarnation held.
	AppName   string
	ProcessID uint32

	// BufferCacheSize is the buffer cache capacity in clusters; zero
	// picks the role-scaled default from DefaultBufferCacheSize.
	BufferCacheSize int

	// IndexNodePoolCap bounds each directory's B+tree node pool.
	IndexNodePoolCap int

	// IPC tuning, meaningful only for RoleControlPlane/RoleDataPlane.
	IPCChannels  int
	IPCRingDepth int
	IPCMsgPool   int

	// Registry is the control plane's channel registry a data-plane Config
	// claims a channel from. In a split-process deployment this would be
	// reached over a real shared-memory transport; this module models that
	// transport as the Go-channel-backed ipc.Registry itself (see package
	// ipc's doc comment), so a data-plane Mount call needs a handle to the
	// very same Registry its control plane constructed.
	Registry *ipc.Registry
	// Stats is the shared IPC latency recorder; nil gets each data-plane
	// client its own unregistered Stats instance.
	Stats *ipcstat.Stats

	// PreallocationTargetBGs bounds how many BGs a preallocating
	// data-plane mount pads its list up to; zero uses a small built-in
	// default.
	PreallocationTargetBGs int

	Log logging.Logger
}

// DefaultBufferCacheSize is the role-scaled cache sizing rule:
// control-plane small, data-plane larger, preallocated larger still.
func DefaultBufferCacheSize(role Role, preallocation bool) int {
	switch {
	case role == RoleDataPlane && preallocation:
		return 4096
	case role == RoleDataPlane:
		return 1024
	case role == RoleControlPlane:
		return 128
	default:
		return 2048
	}
}

func (c *Config) geometry() bgmgr.Geometry {
	g := bgmgr.Geometry{
		ClusterSize:   c.ClusterSize,
		ClustersPerBG: c.ClustersPerBG,
		InodesPerBG:   c.InodesPerBG,
		BGCount:       c.BGCount,
	}
	entriesPerCluster := g.ClusterSize / cluster.InodeEntrySize
	g.ITableClusters = (c.InodesPerBG + entriesPerCluster - 1) / entriesPerCluster
	return g
}
