package mount

import (
	"context"
	"sync"

	"github.com/minggr/nvfuse-go/ipc"
)

// ControlPlane implements ipc.Handler, owning the global free-BG pool
// and the per-app container-ownership map a control-plane process
// mediates for its data-plane clients.
//
// This is the control-plane's own bookkeeping layer, distinct from the
// bgmgr.Manager a data-plane process runs locally over the BGs it currently
// holds; ContainerAlloc/ContainerRelease here are what a data-plane's
// ipc.Client.AllocContainer/ReleaseContainer calls ultimately reach.
type ControlPlane struct {
	mu         sync.Mutex
	sb         *superblockRef
	rootBGID   uint32
	freeBGs    []uint32
	ownedByApp map[string][]uint32
	// replayPos tracks how far each app has progressed through the
	// ALLOCATED_ALLOC replay of its owned BGs; reset on every register.
	replayPos map[string]int
}

// NewControlPlane seeds the free-BG pool with every BG except the root:
// the root BG belongs to the control plane permanently and is never
// offered to a worker.
func NewControlPlane(sb *superblockRef, rootBGID uint32, bgCount uint32) *ControlPlane {
	cp := &ControlPlane{sb: sb, rootBGID: rootBGID, ownedByApp: make(map[string][]uint32), replayPos: make(map[string]int)}
	for id := uint32(0); id < bgCount; id++ {
		if id == rootBGID {
			continue
		}
		cp.freeBGs = append(cp.freeBGs, id)
	}
	return cp
}

var _ ipc.Handler = (*ControlPlane)(nil)

// AppRegister records name as a known application and rewinds its
// container replay.
func (cp *ControlPlane) AppRegister(ctx context.Context, name string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.ownedByApp[name]; !ok {
		cp.ownedByApp[name] = nil
	}
	cp.replayPos[name] = 0
	return nil
}

// AppUnregister tears down name's registration. When keepContainers is
// false every BG name currently owns returns to the free pool; when true
// they stay registered for a later ALLOCATED_ALLOC replay, which is also
// how the containers of a crashed worker are recovered under the same
// app name.
func (cp *ControlPlane) AppUnregister(ctx context.Context, name string, keepContainers bool) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if keepContainers {
		return nil
	}
	cp.freeBGs = append(cp.freeBGs, cp.ownedByApp[name]...)
	delete(cp.ownedByApp, name)
	return nil
}

// SuperblockCopy returns a wire snapshot of the control plane's
// superblock.
func (cp *ControlPlane) SuperblockCopy(ctx context.Context, name string) ([]byte, error) {
	snap := cp.sb.snapshot()
	return snap.MarshalBinary()
}

// ContainerAlloc implements both CONTAINER_ALLOCATED_ALLOC (replay BGs
// name already owns, used after a restart) and CONTAINER_NEW_ALLOC (carve
// one from the global free pool).
func (cp *ControlPlane) ContainerAlloc(ctx context.Context, name string, allocType ipc.AllocType) (uint32, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if allocType == ipc.AllocAllocated {
		owned := cp.ownedByApp[name]
		pos := cp.replayPos[name]
		if pos >= len(owned) {
			return 0, nil
		}
		cp.replayPos[name] = pos + 1
		return owned[pos], nil
	}

	if len(cp.freeBGs) == 0 {
		return 0, nil
	}
	bgID := cp.freeBGs[0]
	cp.freeBGs = cp.freeBGs[1:]
	cp.ownedByApp[name] = append(cp.ownedByApp[name], bgID)
	return bgID, nil
}

// ContainerRelease returns bgID to the free pool, removing it from
// name's ownership record.
func (cp *ControlPlane) ContainerRelease(ctx context.Context, name string, bgID uint32) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	owned := cp.ownedByApp[name]
	for i, id := range owned {
		if id == bgID {
			cp.ownedByApp[name] = append(owned[:i], owned[i+1:]...)
			break
		}
	}
	cp.freeBGs = append(cp.freeBGs, bgID)
	return nil
}

// BufferAlloc/BufferFree are no-ops at the control-plane level: the
// buffer cache these requests tune is private per-process RAM, so the
// control plane only needs to observe the request for latency accounting,
// already handled by ipc.Server before Handler is called.
func (cp *ControlPlane) BufferAlloc(ctx context.Context, name string, count int) error { return nil }
func (cp *ControlPlane) BufferFree(ctx context.Context, name string, count int) error  { return nil }
