// Package ipc is the coordination protocol between the control plane and
// its data-plane workers: a worker claims a channel at mount and
// exchanges fixed-kind request/response messages over it to register,
// replay or acquire block groups, and request buffer-cache quota changes.
//
// The control plane owns one multi-producer ring per channel. This
// implementation models each ring as a pair of buffered Go channels
// (request, response), the in-process analogue of a shared-memory ring
// between OS processes, while the protocol itself (kinds, bodies, the
// per-channel dispatch loop) stays transport-agnostic. Messages are drawn
// from a bounded mempool.Pool, preserving the fixed-ring-depth
// backpressure a real shared-memory transport would impose.
package ipc

import "context"

// Kind enumerates the request kinds.
type Kind int

const (
	KindAppRegister Kind = iota + 1
	KindAppUnregister
	KindSuperblockCopy
	KindContainerAlloc
	KindContainerRelease
	KindBufferAlloc
	KindBufferFree
	KindHealthCheck
)

func (k Kind) String() string {
	switch k {
	case KindAppRegister:
		return "app_register"
	case KindAppUnregister:
		return "app_unregister"
	case KindSuperblockCopy:
		return "superblock_copy"
	case KindContainerAlloc:
		return "container_alloc"
	case KindContainerRelease:
		return "container_release"
	case KindBufferAlloc:
		return "buffer_alloc"
	case KindBufferFree:
		return "buffer_free"
	case KindHealthCheck:
		return "health_check"
	default:
		return "unknown"
	}
}

// AllocType distinguishes the two CONTAINER_ALLOC_REQ flavors.
type AllocType int

const (
	// AllocNew carves a fresh BG from the global free pool
	// (CONTAINER_NEW_ALLOC).
	AllocNew AllocType = iota
	// AllocAllocated replays BGs previously reserved by this app name
	// (CONTAINER_ALLOCATED_ALLOC).
	AllocAllocated
)

// Message is one fixed-kind IPC record: a union of every kind's body,
// since nothing here motivates a byte-packed variant record.
type Message struct {
	ChanID uint16
	Kind   Kind

	// Request fields.
	Name           string    // APP_REGISTER_REQ / SUPERBLOCK_COPY_REQ
	KeepContainers bool      // APP_UNREGISTER_REQ
	AllocType      AllocType // CONTAINER_ALLOC_REQ
	BGID           uint32    // CONTAINER_RELEASE_REQ
	Count          int       // BUFFER_ALLOC_REQ / BUFFER_FREE_REQ

	// Response fields.
	OK                 bool
	Err                string
	Superblock         []byte // SUPERBLOCK_COPY_REQ response snapshot
	AllocatedBGID      uint32 // CONTAINER_ALLOC_REQ response; 0 if none
	AllocatedBGIDsMany []uint32
}

// reset clears a pooled Message for reuse.
func reset(m *Message) { *m = Message{} }

// Transport is the minimal request/response exchange a client needs; the
// control-plane Server and data-plane Client both operate against a
// Channel obtained from a shared Registry.
type Transport interface {
	Send(ctx context.Context, m *Message) error
	Recv(ctx context.Context) (*Message, error)
}
