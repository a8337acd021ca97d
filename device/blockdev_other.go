//go:build !linux

package device

import "github.com/minggr/nvfuse-go/internal/nverr"

// OpenBlockDevice needs the pread/pwrite/fdatasync path, which this
// module only wires up for linux; other platforms can still run every
// in-memory configuration.
func OpenBlockDevice(path string, clusterSize int, totalBlocks uint64) (Facade, error) {
	return nil, nverr.Newf(nverr.KindInvalid, "block device backend is linux-only (cannot open %s)", path)
}
