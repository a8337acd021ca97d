package device

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// MemDevice is an in-memory backing store: the ram-disk flavor of the
// facade, next to the file/raw-block backend. It is also the backend every
// package test in this module mounts against, so no test needs real
// hardware.
type MemDevice struct {
	mu          sync.RWMutex
	data        []byte
	clusterSize int
	async       *asyncMem
}

// NewMemDevice allocates a zero-filled device of totalBlocks clusters.
func NewMemDevice(clusterSize int, totalBlocks uint64) *MemDevice {
	d := &MemDevice{
		data:        make([]byte, int(totalBlocks)*clusterSize),
		clusterSize: clusterSize,
	}
	d.async = newAsyncMem(d, 64)
	return d
}

func (d *MemDevice) ClusterSize() int     { return d.clusterSize }
func (d *MemDevice) TotalBlocks() uint64  { return uint64(len(d.data) / d.clusterSize) }
func (d *MemDevice) Async() AsyncFacade   { return d.async }
func (d *MemDevice) Close() error         { return nil }
func (d *MemDevice) Flush(context.Context) error { return nil }

func (d *MemDevice) bounds(pno uint64, n int) (int, int, error) {
	start := int(pno) * d.clusterSize
	end := start + n
	if start < 0 || end > len(d.data) {
		return 0, 0, nverr.Newf(nverr.KindInvalid, "cluster %d out of range (device has %d clusters)", pno, d.TotalBlocks())
	}
	return start, end, nil
}

func (d *MemDevice) ReadCluster(ctx context.Context, buf []byte, pno uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	start, end, err := d.bounds(pno, len(buf))
	if err != nil {
		return err
	}
	copy(buf, d.data[start:end])
	return nil
}

func (d *MemDevice) WriteCluster(ctx context.Context, buf []byte, pno uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	start, end, err := d.bounds(pno, len(buf))
	if err != nil {
		return err
	}
	copy(d.data[start:end], buf)
	return nil
}

// asyncMem is a trivial AsyncFacade over MemDevice: it performs the I/O
// synchronously at Submit time but preserves the submit/poll/cancel
// protocol so callers (the flush pipeline) exercise the real batching
// control flow in tests without a real kernel-bypass queue.
type asyncMem struct {
	dev   *MemDevice
	sem   *semaphore.Weighted
	maxQD int

	mu      sync.Mutex
	pending []*Job
	done    int
}

func newAsyncMem(dev *MemDevice, maxQD int) *asyncMem {
	return &asyncMem{dev: dev, sem: semaphore.NewWeighted(int64(maxQD)), maxQD: maxQD}
}

func (a *asyncMem) MaxQueueDepth() int { return a.maxQD }

func (a *asyncMem) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *asyncMem) AllocJob(ctx context.Context) (*Job, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, nverr.Wrap(nverr.KindIoError, err, "alloc_job")
	}
	return &Job{}, nil
}

func (a *asyncMem) Prep(j *Job, buf []byte, offsetBytes int64, dir Direction) {
	j.Buffer = buf
	j.OffsetBytes = offsetBytes
	j.LengthBytes = int64(len(buf))
	j.Direction = dir
	j.CompleteFlag = false
}

func (a *asyncMem) Submit(ctx context.Context, batch []*Job) error {
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
			j.Ret = 0
		} else {
			j.Ret = j.LengthBytes
		}
		j.CompleteFlag = true
		a.pending = append(a.pending, j)
	}
	return nil
}

func (a *asyncMem) PollCompletions(ctx context.Context) (int, error) {
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

func (a *asyncMem) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for range a.pending {
		a.sem.Release(1)
	}
	a.pending = nil
}
