//go:build linux

package device

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// BlockDevice is the generic-block-device backend of the facade,
// serving regular files and block special files alike with pread/pwrite
// at cluster granularity.
type BlockDevice struct {
	f           *os.File
	clusterSize int
	totalBlocks uint64
	async       *asyncBlockDevice
}

// OpenBlockDevice opens path (a regular file or a block special file) for
// synchronous cluster I/O. The file is opened without O_DIRECT, so reads
// and writes go through the kernel page cache. totalBlocks is the device capacity in
// clusters; for a regular file it is derived from the file size when zero.
func OpenBlockDevice(path string, clusterSize int, totalBlocks uint64) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nverr.Wrapf(nverr.KindIoError, err, "open %s", path)
	}
	if totalBlocks == 0 {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nverr.Wrapf(nverr.KindIoError, err, "stat %s", path)
		}
		totalBlocks = uint64(fi.Size()) / uint64(clusterSize)
	}
	d := &BlockDevice{f: f, clusterSize: clusterSize, totalBlocks: totalBlocks}
	d.async = newAsyncBlockDevice(d, 128)
	return d, nil
}

func (d *BlockDevice) ClusterSize() int   { return d.clusterSize }
func (d *BlockDevice) TotalBlocks() uint64 { return d.totalBlocks }
func (d *BlockDevice) Async() AsyncFacade  { return d.async }
func (d *BlockDevice) Close() error        { return d.f.Close() }

func (d *BlockDevice) Flush(context.Context) error {
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return nverr.Wrap(nverr.KindIoError, err, "fdatasync")
	}
	return nil
}

func (d *BlockDevice) ReadCluster(ctx context.Context, buf []byte, pno uint64) error {
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(pno)*int64(d.clusterSize))
	if err != nil {
		return nverr.Wrapf(nverr.KindIoError, err, "pread pno=%d", pno)
	}
	if n != len(buf) {
		return nverr.Newf(nverr.KindIoError, "short read at pno=%d: got %d want %d", pno, n, len(buf))
	}
	return nil
}

func (d *BlockDevice) WriteCluster(ctx context.Context, buf []byte, pno uint64) error {
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(pno)*int64(d.clusterSize))
	if err != nil {
		return nverr.Wrapf(nverr.KindIoError, err, "pwrite pno=%d", pno)
	}
	if n != len(buf) {
		return nverr.Newf(nverr.KindIoError, "short write at pno=%d: got %d want %d", pno, n, len(buf))
	}
	return nil
}

// asyncBlockDevice submits pread/pwrite on the calling goroutine per job
// but still enforces the maximum queue depth via a weighted semaphore, so
// the submit/poll bookkeeping behaves like a bounded AIO ring.
type asyncBlockDevice struct {
	dev   *BlockDevice
	sem   *semaphore.Weighted
	maxQD int

	mu      sync.Mutex
	pending []*Job
}

func newAsyncBlockDevice(dev *BlockDevice, maxQD int) *asyncBlockDevice {
	return &asyncBlockDevice{dev: dev, sem: semaphore.NewWeighted(int64(maxQD)), maxQD: maxQD}
}

func (a *asyncBlockDevice) MaxQueueDepth() int { return a.maxQD }

func (a *asyncBlockDevice) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *asyncBlockDevice) AllocJob(ctx context.Context) (*Job, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, nverr.Wrap(nverr.KindIoError, err, "alloc_job")
	}
	return &Job{}, nil
}

func (a *asyncBlockDevice) Prep(j *Job, buf []byte, offsetBytes int64, dir Direction) {
	j.Buffer = buf
	j.OffsetBytes = offsetBytes
	j.LengthBytes = int64(len(buf))
	j.Direction = dir
	j.CompleteFlag = false
}

func (a *asyncBlockDevice) Submit(ctx context.Context, batch []*Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, j := range batch {
		pno := uint64(j.OffsetBytes) / uint64(a.dev.clusterSize)
		var err error
		switch j.Direction {
		case DirRead:
			err = a.dev.ReadCluster(ctx, j.Buffer, pno)
		case DirWrite:
			err = a.dev.WriteCluster(ctx, j.Buffer, pno)
		}
		if err != nil {
			j.err = err
		} else {
			j.Ret = j.LengthBytes
		}
		j.CompleteFlag = true
		a.pending = append(a.pending, j)
	}
	return nil
}

func (a *asyncBlockDevice) PollCompletions(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	remaining := a.pending[:0]
	for _, j := range a.pending {
		if j.CompleteFlag {
			n++
			a.sem.Release(1)
		} else {
			remaining = append(remaining, j)
		}
	}
	a.pending = remaining
	return n, nil
}

func (a *asyncBlockDevice) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for range a.pending {
		a.sem.Release(1)
	}
	a.pending = nil
}
