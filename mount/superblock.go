package mount

import (
	"context"
	"sync"

	"github.com/minggr/nvfuse-go/bgmgr"
	"github.com/minggr/nvfuse-go/cluster"
	"github.com/minggr/nvfuse-go/device"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// superblockRef wraps a cluster.Superblock with the counter-mirror
// methods bgmgr.Counters needs: every bitmap flip also adjusts the
// device-wide free-inode/free-block mirror here.
type superblockRef struct {
	mu sync.Mutex
	sb cluster.Superblock
}

func (s *superblockRef) AddFreeInodes(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sb.FreeInodes = addClamped(s.sb.FreeInodes, delta)
}

func (s *superblockRef) AddFreeBlocks(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sb.FreeBlocks = addClamped(s.sb.FreeBlocks, delta)
	if delta < 0 {
		s.sb.UsedBlocks += uint64(-delta)
	} else if s.sb.UsedBlocks >= uint64(delta) {
		s.sb.UsedBlocks -= uint64(delta)
	}
}

func addClamped(v uint64, delta int64) uint64 {
	if delta < 0 && uint64(-delta) > v {
		return 0
	}
	return uint64(int64(v) + delta)
}

func (s *superblockRef) snapshot() cluster.Superblock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb
}

// readSuperblock loads cluster 0's superblock off dev.
func readSuperblock(ctx context.Context, dev device.Facade) (*cluster.Superblock, error) {
	buf := make([]byte, dev.ClusterSize())
	if err := dev.ReadCluster(ctx, buf, 0); err != nil {
		return nil, nverr.Wrap(nverr.KindIoError, err, "read superblock")
	}
	sb := &cluster.Superblock{}
	if err := sb.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return sb, nil
}

// writeSuperblock persists sb back to cluster 0.
func writeSuperblock(ctx context.Context, dev device.Facade, sb *cluster.Superblock) error {
	buf, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	full := make([]byte, dev.ClusterSize())
	copy(full, buf)
	return dev.WriteCluster(ctx, full, 0)
}

// FormatSuperblock builds and writes a fresh superblock for mkfs.
// FreeBlocks/FreeInodes are seeded as if every BG's InitDescriptor has
// already run, since mkfs always calls both in the same pass.
func FormatSuperblock(ctx context.Context, dev device.Facade, bgCount, clustersPerBG, inodesPerBG uint32) error {
	clusterSize := uint32(dev.ClusterSize())
	entriesPerCluster := clusterSize / cluster.InodeEntrySize
	g := bgmgr.Geometry{
		ClusterSize:    clusterSize,
		ClustersPerBG:  clustersPerBG,
		InodesPerBG:    inodesPerBG,
		BGCount:        bgCount,
		ITableClusters: (inodesPerBG + entriesPerCluster - 1) / entriesPerCluster,
	}
	sb := &cluster.Superblock{
		Signature:     cluster.SignatureSB,
		ClusterSize:   clusterSize,
		BGCount:       bgCount,
		ClustersPerBG: clustersPerBG,
		InodesPerBG:   inodesPerBG,
		FreeInodes:    uint64(inodesPerBG) * uint64(bgCount),
		FreeBlocks:    uint64(g.MaxBlocks()) * uint64(bgCount),
	}
	// RootIno stays 0: the first mount sees that, formats every BG
	// descriptor, allocates the root directory and stamps the real root
	// inode number, then writes the superblock back before Mount returns.
	return writeSuperblock(ctx, dev, sb)
}
