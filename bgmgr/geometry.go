// Package bgmgr is the block-group manager: block-group descriptor I/O,
// free-inode/free-block bitmap search and flipping, the automatic-release
// rule for data-plane processes, and the per-process doubly-linked BG
// list with its two rotating allocation cursors. Descriptor field naming
// follows the familiar ext2 group-descriptor layout.
package bgmgr

// Geometry is the device-wide constant layout every BG shares. A BG's
// cluster layout, in order, is: descriptor (1 cluster), data bitmap
// (DBitmapClusters), inode bitmap (IBitmapClusters), inode table
// (ITableClusters), then the data region. BG-relative offsets count from
// bgID*ClustersPerBG, with the descriptor at offset bdOffset.
//
// This implementation keeps the inode and data bitmaps at one cluster
// each, i.e. at most ClusterSize*8 inodes/blocks per BG; that bounds BG
// size to 128 MiB at the default 4 KiB cluster without the
// extra indirection of a multi-cluster bitmap scan.
type Geometry struct {
	ClusterSize    uint32
	ClustersPerBG  uint32
	InodesPerBG    uint32
	BGCount        uint32
	ITableClusters uint32 // ceil(InodesPerBG * InodeEntrySize / ClusterSize)
}

const (
	bdClusters      = 1
	ibitmapClusters = 1
	dbitmapClusters = 1
)

// BGStart returns the global cluster offset of bgID's descriptor cluster.
func (g Geometry) BGStart(bgID uint32) uint64 {
	return uint64(bgID)*uint64(g.ClustersPerBG) + bdOffset
}

const bdOffset = 1

// DBitmapStart is the BG-relative offset of the data bitmap.
func (g Geometry) DBitmapStart() uint32 { return bdOffset + bdClusters }

// IBitmapStart is the BG-relative offset of the inode bitmap.
func (g Geometry) IBitmapStart() uint32 { return bdOffset + bdClusters + dbitmapClusters }

// ITableStart is the BG-relative offset of the inode table.
func (g Geometry) ITableStart() uint32 {
	return bdOffset + bdClusters + dbitmapClusters + ibitmapClusters
}

// DTableStart is the BG-relative offset of the data region.
func (g Geometry) DTableStart() uint32 { return g.ITableStart() + g.ITableClusters }

// MaxBlocks is how many data clusters a BG holds.
func (g Geometry) MaxBlocks() uint32 { return g.ClustersPerBG - g.DTableStart() }

// EntriesPerCluster is how many fixed-size inode slots fit in one cluster.
func (g Geometry) EntriesPerCluster(inodeEntrySize uint32) uint32 {
	return g.ClusterSize / inodeEntrySize
}

// BGIDForPBN is BGStart's inverse for data blocks: given an absolute
// physical cluster number previously returned for a data block, it
// recovers the owning BG id.
func (g Geometry) BGIDForPBN(pno uint64) uint32 {
	return uint32((pno - uint64(g.DTableStart())) / uint64(g.ClustersPerBG))
}

// OffsetInDTable is the data-bitmap-relative offset of pno within its BG,
// the inverse half of AllocDataBlock's pno computation.
func (g Geometry) OffsetInDTable(pno uint64) uint32 {
	return uint32((pno - uint64(g.DTableStart())) % uint64(g.ClustersPerBG))
}
