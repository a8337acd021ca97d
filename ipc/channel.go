package ipc

import (
	"context"

	"github.com/minggr/nvfuse-go/internal/mempool"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Channel is one claimed request/response ring pair. Requests flow
// data-plane -> control-plane on req; responses flow back on resp.
type Channel struct {
	ID   uint16
	req  chan *Message
	resp chan *Message
}

// clientSide and serverSide give each party its directional view of the
// pair, so neither side can accidentally read its own writes.
type clientSide struct{ ch *Channel }
type serverSide struct{ ch *Channel }

func (c clientSide) Send(ctx context.Context, m *Message) error {
	select {
	case c.ch.req <- m:
		return nil
	case <-ctx.Done():
		return nverr.Wrap(nverr.KindIpc, ctx.Err(), "ipc: send request")
	}
}

func (c clientSide) Recv(ctx context.Context) (*Message, error) {
	select {
	case m := <-c.ch.resp:
		return m, nil
	case <-ctx.Done():
		return nil, nverr.Wrap(nverr.KindIpc, ctx.Err(), "ipc: recv response")
	}
}

func (s serverSide) Send(ctx context.Context, m *Message) error {
	select {
	case s.ch.resp <- m:
		return nil
	case <-ctx.Done():
		return nverr.Wrap(nverr.KindIpc, ctx.Err(), "ipc: send response")
	}
}

func (s serverSide) Recv(ctx context.Context) (*Message, error) {
	select {
	case m := <-s.ch.req:
		return m, nil
	case <-ctx.Done():
		return nil, nverr.Wrap(nverr.KindIpc, ctx.Err(), "ipc: recv request")
	}
}

// Registry is the control plane's set of claimable channels. Messages
// exchanged over any channel are drawn from one shared mempool, bounding
// how many can be in flight at once across all channels.
type Registry struct {
	pool     *mempool.Pool[Message]
	channels []*Channel
	claimed  []bool
}

// NewRegistry builds a registry of nChannels channels, each with a
// request/response ring of the given depth, and a message mempool bounded
// at msgPoolCap.
func NewRegistry(nChannels, ringDepth, msgPoolCap int) *Registry {
	r := &Registry{
		pool: mempool.New(msgPoolCap, func() *Message { return &Message{} }, reset),
	}
	for i := 0; i < nChannels; i++ {
		r.channels = append(r.channels, &Channel{
			ID:   uint16(i),
			req:  make(chan *Message, ringDepth),
			resp: make(chan *Message, ringDepth),
		})
	}
	r.claimed = make([]bool, nChannels)
	return r
}

// Claim reserves the next free channel for a data-plane process,
// returning KindIpc if every channel is already claimed.
func (r *Registry) Claim() (*Channel, error) {
	for i, taken := range r.claimed {
		if !taken {
			r.claimed[i] = true
			return r.channels[i], nil
		}
	}
	return nil, nverr.New(nverr.KindIpc, "ipc: no free channel to claim")
}

// Release returns a channel to the free pool, used on APP_UNREGISTER_REQ.
func (r *Registry) Release(ch *Channel) {
	if int(ch.ID) < len(r.claimed) {
		r.claimed[ch.ID] = false
	}
}

// Channels returns every channel, for the server's fan-in dispatch loop.
func (r *Registry) Channels() []*Channel { return r.channels }

// NewMessage draws a zeroed message from the registry's shared pool.
func (r *Registry) NewMessage() (*Message, error) {
	return r.pool.Get()
}

// Free returns m to the shared pool once both sides are done with it.
func (r *Registry) Free(m *Message) { r.pool.Put(m) }
