package device

import (
	"bytes"
	"context"
	"testing"
)

func TestMemDeviceReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := NewMemDevice(4096, 8)
	want := bytes.Repeat([]byte{0xab}, 4096)
	if err := d.WriteCluster(ctx, want, 3); err != nil {
		t.Fatalf("WriteCluster: %v", err)
	}
	got := make([]byte, 4096)
	if err := d.ReadCluster(ctx, got, 3); err != nil {
		t.Fatalf("ReadCluster: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back mismatch")
	}
	// Untouched cluster must still read as zero.
	zero := make([]byte, 4096)
	other := make([]byte, 4096)
	if err := d.ReadCluster(ctx, other, 0); err != nil {
		t.Fatalf("ReadCluster(0): %v", err)
	}
	if !bytes.Equal(other, zero) {
		t.Fatalf("cluster 0 not zero-initialized")
	}
}

func TestMemDeviceOutOfRangeIsError(t *testing.T) {
	ctx := context.Background()
	d := NewMemDevice(4096, 2)
	buf := make([]byte, 4096)
	if err := d.ReadCluster(ctx, buf, 2); err == nil {
		t.Fatalf("ReadCluster past end of device: expected error")
	}
	if err := d.WriteCluster(ctx, buf, 100); err == nil {
		t.Fatalf("WriteCluster far past end: expected error")
	}
}

func TestMemDeviceTotalBlocksAndClusterSize(t *testing.T) {
	d := NewMemDevice(4096, 16)
	if d.ClusterSize() != 4096 {
		t.Fatalf("ClusterSize = %d, want 4096", d.ClusterSize())
	}
	if d.TotalBlocks() != 16 {
		t.Fatalf("TotalBlocks = %d, want 16", d.TotalBlocks())
	}
}

func TestMemDeviceAsyncSubmitPoll(t *testing.T) {
	ctx := context.Background()
	d := NewMemDevice(4096, 4)
	async := d.Async()
	if async == nil {
		t.Fatalf("Async() returned nil for MemDevice")
	}

	payload := bytes.Repeat([]byte{0x42}, 4096)
	j, err := async.AllocJob(ctx)
	if err != nil {
		t.Fatalf("AllocJob: %v", err)
	}
	async.Prep(j, payload, int64(4096), DirWrite)
	if err := async.Submit(ctx, []*Job{j}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	n, err := async.PollCompletions(ctx)
	if err != nil {
		t.Fatalf("PollCompletions: %v", err)
	}
	if n != 1 {
		t.Fatalf("PollCompletions reported %d completions, want 1", n)
	}
	if err := ShortIOError(j); err != nil {
		t.Fatalf("ShortIOError: %v", err)
	}
	if async.QueueDepth() != 0 {
		t.Fatalf("QueueDepth after poll = %d, want 0", async.QueueDepth())
	}

	readBuf := make([]byte, 4096)
	if err := d.ReadCluster(ctx, readBuf, 1); err != nil {
		t.Fatalf("ReadCluster: %v", err)
	}
	if !bytes.Equal(readBuf, payload) {
		t.Fatalf("async write not reflected by subsequent sync read")
	}
}

func TestMemDeviceAsyncCancelReleasesSlots(t *testing.T) {
	ctx := context.Background()
	d := NewMemDevice(4096, 4)
	async := d.Async()

	j, err := async.AllocJob(ctx)
	if err != nil {
		t.Fatalf("AllocJob: %v", err)
	}
	buf := make([]byte, 4096)
	async.Prep(j, buf, 0, DirRead)
	if err := async.Submit(ctx, []*Job{j}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The submitted job is still pending (never polled); Cancel must
	// release its slot, so AllocJob then succeeds MaxQueueDepth times.
	async.Cancel()
	for i := 0; i < async.MaxQueueDepth(); i++ {
		if _, err := async.AllocJob(ctx); err != nil {
			t.Fatalf("AllocJob after Cancel, iteration %d: %v", i, err)
		}
	}
}
