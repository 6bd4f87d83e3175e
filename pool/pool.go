// Package pool recycles the buffers used to sniff and relay connections.
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out buffers of one size. Up to cache idle buffers are kept in a
// channel and survive garbage collections, the rest go through a sync.Pool.
type Pool struct {
	size  int
	ch    chan []byte
	pool  sync.Pool
	alloc atomic.Int64
}

// New returns a pool of size byte buffers. A size below 4k is raised to 32k.
func New(size, cache int) *Pool {
	if size < 1024*4 {
		size = 1024 * 32
	}
	p := &Pool{
		size: size,
	}
	if cache > 0 {
		p.ch = make(chan []byte, cache)
	}
	return p
}

func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) Get() []byte {
	select {
	case b := <-p.ch:
		return b
	default:
	}
	if v, ok := p.pool.Get().(*[]byte); ok {
		return *v
	}
	p.alloc.Add(1)
	return make([]byte, p.size)
}

// Put returns b to the pool. Buffers not obtained from Get are ignored.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	select {
	case p.ch <- b:
	default:
		p.pool.Put(&b)
	}
}

func (p *Pool) Info() any {
	return map[string]any{
		`size`:  p.size,
		`cache`: cap(p.ch),
		`idle`:  len(p.ch),
		`alloc`: p.alloc.Load(),
	}
}
