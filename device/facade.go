// Package device is the block-device I/O facade: a capability set of
// cluster-granular read/write/flush plus an optional batched async
// submit/poll pair, with the concrete backend chosen at mount time. The
// synchronous path is always present; Facade.Async returns nil when the
// backend is sync-only, and callers (the flush pipeline) degrade to a
// synchronous write loop in that case.
package device

import (
	"context"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Direction distinguishes a read job from a write job.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Facade is the synchronous read/write/flush surface every backend must
// implement.
type Facade interface {
	// ReadCluster reads exactly len(buf) bytes (must be a multiple of the
	// cluster size) from physical cluster pno into buf.
	ReadCluster(ctx context.Context, buf []byte, pno uint64) error
	// WriteCluster writes buf to physical cluster pno.
	WriteCluster(ctx context.Context, buf []byte, pno uint64) error
	// Flush forces previously written data to stable storage.
	Flush(ctx context.Context) error
	// TotalBlocks reports the device capacity in clusters.
	TotalBlocks() uint64
	// ClusterSize reports the facade's I/O granularity in bytes.
	ClusterSize() int
	// Async returns the optional async batch-submission capability, or
	// nil if the backend only supports the synchronous path.
	Async() AsyncFacade
	// Close releases backend resources.
	Close() error
}

// Job describes one outstanding async I/O operation.
type Job struct {
	OffsetBytes  int64
	LengthBytes  int64
	Buffer       []byte
	Direction    Direction
	Ret          int64
	CompleteFlag bool
	err          error
}

// Err reports the error a completed job finished with, if any.
func (j *Job) Err() error { return j.err }

// AsyncFacade is the optional submit+poll capability. Implementations draw
// jobs from a fixed-capacity pool bounded by the backend's queue depth.
type AsyncFacade interface {
	// AllocJob reserves a job slot, blocking (via ctx) if the queue is at
	// capacity.
	AllocJob(ctx context.Context) (*Job, error)
	// Prep fills in a reserved job's fields.
	Prep(j *Job, buf []byte, offsetBytes int64, dir Direction)
	// Submit enqueues a batch of prepared jobs for the device to service.
	Submit(ctx context.Context, batch []*Job) error
	// PollCompletions reaps the submitted jobs that have completed,
	// returning how many did; it does not wait, so the count may be 0.
	PollCompletions(ctx context.Context) (int, error)
	// QueueDepth reports the current number of outstanding jobs.
	QueueDepth() int
	// MaxQueueDepth reports the backend's AIO_MAX_QDEPTH.
	MaxQueueDepth() int
	// Cancel aborts any job not yet complete, used at unmount/flush
	// barriers.
	Cancel()
}

// ShortIOError reports a completed job whose Ret didn't match its
// requested length.
func ShortIOError(j *Job) error {
	if j.Ret == j.LengthBytes {
		return nil
	}
	return nverr.Newf(nverr.KindIoError, "short io: want %d got %d", j.LengthBytes, j.Ret)
}
