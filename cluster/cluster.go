// Package cluster defines the on-disk geometry constants and struct
// layouts shared by every nvfuse package: cluster size, reserved inode
// numbers, and the byte layout of the superblock, block-group descriptor,
// inode slot and directory-entry records.
//
// Every on-disk struct declares its byte offsets in a comment and is
// encoded/decoded with encoding/binary in that declared order,
// little-endian, so the layout is fixed regardless of host struct padding.
package cluster

const (
	// Size is the default cluster size in bytes. The reference
	// implementation fixes this at 4 KiB; it must always be a power of two.
	Size = 4096

	// SignatureSB is the 4-byte superblock signature.
	SignatureSB uint32 = 0x4e56_5342 // "NVSB"
	// SignatureBD is the 4-byte block-group descriptor signature.
	SignatureBD uint32 = 0x4e56_4244 // "NVBD"

	// RootIno is the first inode number usable by the filesystem; inode
	// numbers below it are reserved.
	RootIno = 2

	// Pseudo-inode numbers. Their block maps are computed from BG
	// geometry rather than stored.
	BDIno      = 1 // block-group descriptor pseudo-inode
	IBitmapIno = 2 // inode-bitmap pseudo-inode (shares numbering space per-BG)
	DBitmapIno = 3 // data-bitmap pseudo-inode
	ITableIno  = 4 // inode-table pseudo-inode

	// BDOffset is the cluster offset of BG 0's descriptor from the start
	// of the device; BG k's descriptor sits at BDOffset + k*ClustersPerBG.
	BDOffset = 1

	// InodeEntrySize is the on-disk size of one inode slot.
	InodeEntrySize = 128
	// DirEntrySize is the on-disk size of one directory-entry record.
	DirEntrySize = 128
	// MaxFilename is the maximum filename length a dir entry can hold,
	// leaving room for the fixed fields below.
	MaxFilename = DirEntrySize - 1 - 3 - 4 - 4 // flag(1) + reserved(3) + ino(4) + version(4)
)

// InodeEntriesPerCluster returns how many fixed-size inode slots fit in one
// cluster of the given size.
func InodeEntriesPerCluster(clusterSize int) int { return clusterSize / InodeEntrySize }

// DirEntriesPerCluster returns how many fixed-size dir-entry records fit in
// one cluster of the given size.
func DirEntriesPerCluster(clusterSize int) int { return clusterSize / DirEntrySize }

// BlockToBytes converts a cluster number into a byte offset.
func BlockToBytes(clusterSize int, n uint64) int64 { return int64(n) * int64(clusterSize) }

// SizeToBlocks returns ceil(size / clusterSize), the number of clusters
// needed to hold size bytes.
func SizeToBlocks(clusterSize int, size int64) uint32 {
	if size <= 0 {
		return 0
	}
	n := size / int64(clusterSize)
	if size%int64(clusterSize) != 0 {
		n++
	}
	return uint32(n)
}
