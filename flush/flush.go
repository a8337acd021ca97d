// Package flush is the dirty-flush pipeline: it batches dirty
// buffer-cache entries into async write bursts, bounded by the device
// facade's queue depth, and issues a device flush once every dirty buffer
// in the batch round has been written back. Each buffer's write job is
// submitted concurrently and the pipeline waits for the whole batch,
// rather than writing one cluster at a time.
package flush

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/minggr/nvfuse-go/buffercache"
	"github.com/minggr/nvfuse-go/device"
	"github.com/minggr/nvfuse-go/internal/logging"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Mode selects whether a flush call may return early when the dirty
// count hasn't crossed the sync threshold.
type Mode int

const (
	ModeDelay Mode = iota
	ModeForce
)

// SyncDirtyCount is NVFUSE_SYNC_DIRTY_COUNT: the dirty-buffer watermark
// that triggers an implicit flush even in ModeDelay.
const SyncDirtyCount = 64

// Pipeline drains a buffercache.Cache's DIRTY list into batched writes
// against a device.Facade.
type Pipeline struct {
	bc  *buffercache.Cache
	dev device.Facade
	log logging.Logger

	// forceAlways makes every Run call behave as ModeForce.
	// Control-plane and data-plane processes mediate container handoffs
	// and must never leave dirty BG metadata behind a delayed flush.
	forceAlways bool
}

// New builds a flush pipeline. Set forceAlways for control-plane and
// data-plane roles.
func New(bc *buffercache.Cache, dev device.Facade, forceAlways bool, log logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Nop()
	}
	return &Pipeline{bc: bc, dev: dev, log: log, forceAlways: forceAlways}
}

// Run drives one flush round: under ModeDelay it's a no-op while the
// dirty count stays below SyncDirtyCount; otherwise it drains
// the DIRTY list in batches of at most the device's async queue depth (or
// one buffer at a time over the synchronous path when the backend has no
// async capability), then issues a device flush.
func (p *Pipeline) Run(ctx context.Context, mode Mode) error {
	if p.forceAlways {
		mode = ModeForce
	}
	if mode == ModeDelay && p.bc.DirtyCount() < SyncDirtyCount {
		return nil
	}

	async := p.dev.Async()
	batchSize := 1
	if async != nil {
		batchSize = async.MaxQueueDepth()
		if batchSize < 1 {
			batchSize = 1
		}
	}

	for p.bc.DirtyCount() > 0 {
		heads := p.bc.DirtyHeads(batchSize)
		if len(heads) == 0 {
			break
		}
		if async != nil {
			if err := p.flushBatchAsync(ctx, async, heads); err != nil {
				return err
			}
		} else {
			if err := p.flushBatchSync(ctx, heads); err != nil {
				return err
			}
		}
	}

	if err := p.dev.Flush(ctx); err != nil {
		return nverr.Wrap(nverr.KindIoError, err, "flush: device flush")
	}
	return nil
}

// flushBatchSync is the degraded path for a backend without async
// capability: a plain synchronous write loop.
func (p *Pipeline) flushBatchSync(ctx context.Context, heads []*buffercache.Head) error {
	for _, h := range heads {
		if err := p.dev.WriteCluster(ctx, h.Buf, h.Pno); err != nil {
			p.bc.RequeueDirty(h)
			return nverr.Wrapf(nverr.KindIoError, err, "flush: write pno=%d", h.Pno)
		}
		p.bc.CompleteFlush(h)
	}
	return nil
}

// flushBatchAsync submits one job per head in the batch via an
// errgroup.Group, then polls until every job in the batch is complete.
// Buffers stay in FLUSHING throughout, so nothing in the batch can be
// re-dirtied before its write lands.
func (p *Pipeline) flushBatchAsync(ctx context.Context, async device.AsyncFacade, heads []*buffercache.Head) error {
	jobs := make([]*device.Job, len(heads))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range heads {
		i, h := i, h
		g.Go(func() error {
			job, err := async.AllocJob(gctx)
			if err != nil {
				return nverr.Wrap(nverr.KindIoError, err, "flush: alloc_job")
			}
			async.Prep(job, h.Buf, int64(h.Pno)*int64(len(h.Buf)), device.DirWrite)
			jobs[i] = job
			return async.Submit(gctx, []*device.Job{job})
		})
	}
	if err := g.Wait(); err != nil {
		async.Cancel()
		for _, h := range heads {
			p.bc.RequeueDirty(h)
		}
		return err
	}

	remaining := len(jobs)
	for remaining > 0 {
		n, err := async.PollCompletions(ctx)
		if err != nil {
			async.Cancel()
			for _, h := range heads {
				p.bc.RequeueDirty(h)
			}
			return nverr.Wrap(nverr.KindIoError, err, "flush: poll_completions")
		}
		remaining -= n
		if n == 0 {
			// Neither async backend blocks in PollCompletions; when a
			// poll reaps nothing, check for cancellation and poll again.
			select {
			case <-ctx.Done():
				async.Cancel()
				return nverr.Wrap(nverr.KindIoError, ctx.Err(), "flush: cancelled")
			default:
			}
		}
	}

	for i, job := range jobs {
		if err := device.ShortIOError(job); err != nil {
			p.bc.RequeueDirty(heads[i])
			return err
		}
		if err := job.Err(); err != nil {
			p.bc.RequeueDirty(heads[i])
			return nverr.Wrap(nverr.KindIoError, err, "flush: job failed")
		}
		p.bc.CompleteFlush(heads[i])
	}
	return nil
}
