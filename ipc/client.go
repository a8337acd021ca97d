package ipc

import (
	"context"

	"github.com/minggr/nvfuse-go/internal/ipcstat"
	"github.com/minggr/nvfuse-go/internal/logging"
	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Client is the data-plane side of one claimed channel. Every method
// blocks until the matching response arrives, bounded only by ctx.
type Client struct {
	reg  *Registry
	ch   *Channel
	name string
	stat *ipcstat.Stats
	log  logging.Logger
}

// NewClient wraps a claimed channel for app name.
func NewClient(reg *Registry, ch *Channel, name string, stat *ipcstat.Stats, log logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{reg: reg, ch: ch, name: name, stat: stat, log: log}
}

func (c *Client) roundTrip(ctx context.Context, req *Message) (*Message, error) {
	req.ChanID = c.ch.ID
	done := c.stat.Start(req.Kind)
	defer done()

	t := clientSide{c.ch}
	if err := t.Send(ctx, req); err != nil {
		return nil, err
	}
	resp, err := t.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return resp, nverr.Newf(nverr.KindIpc, "%s: %s", req.Kind, resp.Err)
	}
	return resp, nil
}

func (c *Client) newRequest(kind Kind) (*Message, error) {
	m, err := c.reg.NewMessage()
	if err != nil {
		return nil, nverr.Wrap(nverr.KindIpc, err, "ipc: message pool exhausted")
	}
	m.Kind = kind
	m.Name = c.name
	return m, nil
}

// Register sends APP_REGISTER_REQ.
func (c *Client) Register(ctx context.Context) error {
	req, err := c.newRequest(KindAppRegister)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, req)
	c.reg.Free(req)
	if resp != nil {
		c.reg.Free(resp)
	}
	return err
}

// Unregister sends APP_UNREGISTER_REQ, keeping containers registered
// under this app's name for a later replay when keepContainers is set.
func (c *Client) Unregister(ctx context.Context, keepContainers bool) error {
	req, err := c.newRequest(KindAppUnregister)
	if err != nil {
		return err
	}
	req.KeepContainers = keepContainers
	resp, err := c.roundTrip(ctx, req)
	c.reg.Free(req)
	if resp != nil {
		c.reg.Free(resp)
	}
	return err
}

// SuperblockCopy sends SUPERBLOCK_COPY_REQ, returning the control
// plane's superblock snapshot for the caller to copy into local memory.
func (c *Client) SuperblockCopy(ctx context.Context) ([]byte, error) {
	req, err := c.newRequest(KindSuperblockCopy)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, req)
	c.reg.Free(req)
	if err != nil {
		if resp != nil {
			c.reg.Free(resp)
		}
		return nil, err
	}
	snap := append([]byte(nil), resp.Superblock...)
	c.reg.Free(resp)
	return snap, nil
}

// AllocContainer sends CONTAINER_ALLOC_REQ, returning the allocated BG
// id (0 if none available).
func (c *Client) AllocContainer(ctx context.Context, newAlloc bool) (uint32, error) {
	req, err := c.newRequest(KindContainerAlloc)
	if err != nil {
		return 0, err
	}
	if newAlloc {
		req.AllocType = AllocNew
	} else {
		req.AllocType = AllocAllocated
	}
	resp, err := c.roundTrip(ctx, req)
	c.reg.Free(req)
	if err != nil {
		if resp != nil {
			c.reg.Free(resp)
		}
		return 0, err
	}
	bgID := resp.AllocatedBGID
	c.reg.Free(resp)
	return bgID, nil
}

// ReleaseContainer sends CONTAINER_RELEASE_REQ.
func (c *Client) ReleaseContainer(ctx context.Context, bgID uint32) error {
	req, err := c.newRequest(KindContainerRelease)
	if err != nil {
		return err
	}
	req.BGID = bgID
	resp, err := c.roundTrip(ctx, req)
	c.reg.Free(req)
	if resp != nil {
		c.reg.Free(resp)
	}
	return err
}

// RequestMore sends BUFFER_ALLOC_REQ, satisfying buffercache.Allocator.
func (c *Client) RequestMore(ctx context.Context, count int) error {
	req, err := c.newRequest(KindBufferAlloc)
	if err != nil {
		return err
	}
	req.Count = count
	resp, err := c.roundTrip(ctx, req)
	c.reg.Free(req)
	if resp != nil {
		c.reg.Free(resp)
	}
	return err
}

// SurrenderExcess sends BUFFER_FREE_REQ, satisfying buffercache.Allocator.
func (c *Client) SurrenderExcess(ctx context.Context, count int) error {
	req, err := c.newRequest(KindBufferFree)
	if err != nil {
		return err
	}
	req.Count = count
	resp, err := c.roundTrip(ctx, req)
	c.reg.Free(req)
	if resp != nil {
		c.reg.Free(resp)
	}
	return err
}

// HealthCheck sends HEALTH_CHECK_REQ; its round-trip latency, recorded
// like every other kind's, is the whole signal.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(KindHealthCheck)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, req)
	c.reg.Free(req)
	if resp != nil {
		c.reg.Free(resp)
	}
	return err
}
