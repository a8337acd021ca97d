// Package mempool provides a fixed-capacity, per-process object pool:
// a free list protected by a mutex, with an optional hard cap so a
// runaway caller gets an explicit "pool exhausted" error rather than
// unbounded growth. B+tree nodes and IPC messages draw from pools sized
// at mount time.
package mempool

import (
	"sync"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// Pool is a generic fixed-capacity free list of *T. New objects are
// created with newFn until capacity objects exist; beyond that, Get
// returns KindNoSpace instead of growing further.
type Pool[T any] struct {
	mu       sync.Mutex
	free     []*T
	newFn    func() *T
	resetFn  func(*T)
	capacity int
	created  int
}

// New builds a Pool bounded at capacity objects. resetFn may be nil if T
// needs no zeroing between uses.
func New[T any](capacity int, newFn func() *T, resetFn func(*T)) *Pool[T] {
	return &Pool[T]{
		newFn:    newFn,
		resetFn:  resetFn,
		capacity: capacity,
		free:     make([]*T, 0, capacity),
	}
}

// Get returns an object from the pool, creating one if capacity allows.
func (p *Pool[T]) Get() (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		obj := p.free[n-1]
		p.free = p.free[:n-1]
		return obj, nil
	}
	if p.capacity > 0 && p.created >= p.capacity {
		return nil, nverr.New(nverr.KindNoSpace, "mempool exhausted")
	}
	p.created++
	return p.newFn(), nil
}

// Put returns obj to the pool after resetting it.
func (p *Pool[T]) Put(obj *T) {
	if obj == nil {
		return
	}
	if p.resetFn != nil {
		p.resetFn(obj)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, obj)
}

// Len reports the number of objects currently idle in the pool.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Created reports the total number of objects ever allocated by this
// pool, handy for leak diagnostics.
func (p *Pool[T]) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
