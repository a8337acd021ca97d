package ipc

import (
	"context"
	"sync"

	"github.com/minggr/nvfuse-go/internal/ipcstat"
	"github.com/minggr/nvfuse-go/internal/logging"
)

// Handler is the control-plane's request handling surface, one method
// per request kind. Implemented by the mount package's control-plane
// bootstrap, which owns the global BG free pool and the per-app
// container-ownership map.
type Handler interface {
	AppRegister(ctx context.Context, name string) error
	AppUnregister(ctx context.Context, name string, keepContainers bool) error
	SuperblockCopy(ctx context.Context, name string) ([]byte, error)
	ContainerAlloc(ctx context.Context, name string, allocType AllocType) (bgID uint32, err error)
	ContainerRelease(ctx context.Context, name string, bgID uint32) error
	BufferAlloc(ctx context.Context, name string, count int) error
	BufferFree(ctx context.Context, name string, count int) error
}

// Server runs the control plane's dispatch loop: one goroutine per
// channel, each reading a request, handling it, and writing the response
// before reading the next. Per-channel processing is strictly sequential;
// only distinct channels proceed concurrently.
type Server struct {
	reg     *Registry
	handler Handler
	stat    *ipcstat.Stats
	log     logging.Logger

	// appOf maps a claimed channel to the app name that last registered
	// on it, so a bare ContainerAlloc/Release request can be attributed
	// without re-sending the name on every call.
	mu    sync.Mutex
	appOf map[uint16]string
}

// NewServer builds a Server dispatching onto handler.
func NewServer(reg *Registry, handler Handler, stat *ipcstat.Stats, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{reg: reg, handler: handler, stat: stat, log: log, appOf: make(map[uint16]string)}
}

// Serve runs the dispatch loop for every channel in the registry until
// ctx is cancelled, one goroutine per channel.
func (s *Server) Serve(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ch := range s.reg.Channels() {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			s.loop(ctx, serverSide{ch})
		}(ch)
	}
	wg.Wait()
}

func (s *Server) loop(ctx context.Context, t Transport) {
	for {
		req, err := t.Recv(ctx)
		if err != nil {
			return // ctx cancelled
		}
		s.handleOne(ctx, t, req)
	}
}

func (s *Server) handleOne(ctx context.Context, t Transport, req *Message) {
	done := s.stat.Start(req.Kind)
	resp, err := s.reg.NewMessage()
	if err != nil {
		// The shared message pool is sized for the ring depth of every
		// channel combined, so this only happens if a client leaks
		// responses; drop the request rather than deadlock.
		s.log.Errorw("ipc message pool exhausted, dropping request", "kind", req.Kind)
		done()
		return
	}
	resp.ChanID = req.ChanID
	resp.Kind = req.Kind

	s.mu.Lock()
	name := s.appOf[req.ChanID]
	s.mu.Unlock()
	if req.Name != "" {
		name = req.Name
	}

	err = nil
	switch req.Kind {
	case KindAppRegister:
		err = s.handler.AppRegister(ctx, req.Name)
		if err == nil {
			s.mu.Lock()
			s.appOf[req.ChanID] = req.Name
			s.mu.Unlock()
		}
	case KindAppUnregister:
		err = s.handler.AppUnregister(ctx, name, req.KeepContainers)
	case KindSuperblockCopy:
		resp.Superblock, err = s.handler.SuperblockCopy(ctx, name)
	case KindContainerAlloc:
		resp.AllocatedBGID, err = s.handler.ContainerAlloc(ctx, name, req.AllocType)
	case KindContainerRelease:
		err = s.handler.ContainerRelease(ctx, name, req.BGID)
	case KindBufferAlloc:
		err = s.handler.BufferAlloc(ctx, name, req.Count)
	case KindBufferFree:
		err = s.handler.BufferFree(ctx, name, req.Count)
	case KindHealthCheck:
		// no-op: reaching here at all is the health signal.
	}

	resp.OK = err == nil
	if err != nil {
		resp.Err = err.Error()
	}
	done()
	_ = t.Send(ctx, resp)
}
