package forwarder

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/powerpuffpenguin/muxf/dialer"
	"github.com/powerpuffpenguin/muxf/mux"
)

type UDPOptions struct {
	// idle flow timeout
	Timeout time.Duration
	// max datagram size
	Size int
}

// UDPListener forwards udp flows. A flow is identified by the client address,
// its first datagram decides the backend and later datagrams follow it until
// the flow has been idle for the timeout.
type UDPListener struct {
	c      *net.UDPConn
	plugin mux.Plugin
	mu     *sync.Mutex
	dialer dialer.Dialer
	log    *slog.Logger

	timeout time.Duration
	size    int

	closed uint32
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	msg    chan udpMessage
	close  chan *udpFlow
	flows  atomic.Int64

	stats stats
}

type udpMessage struct {
	addr netip.AddrPort
	b    []byte
}

func NewUDPListener(c *net.UDPConn, log *slog.Logger,
	plugin mux.Plugin, mu *sync.Mutex, dialer dialer.Dialer,
	opts UDPOptions) *UDPListener {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second * 60
	}
	size := opts.Size
	if size < 128 {
		size = 1024 * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UDPListener{
		c:       c,
		plugin:  plugin,
		mu:      mu,
		dialer:  dialer,
		log:     log,
		timeout: timeout,
		size:    size,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		msg:     make(chan udpMessage, 32),
		close:   make(chan *udpFlow),
	}
}

func (u *UDPListener) Addr() net.Addr {
	return u.c.LocalAddr()
}
func (u *UDPListener) Close() (e error) {
	if u.closed == 0 && atomic.CompareAndSwapUint32(&u.closed, 0, 1) {
		close(u.done)
		u.cancel()
		e = u.c.Close()
	} else {
		e = ErrClosed
	}
	return
}
func (u *UDPListener) Info() any {
	addr := u.c.LocalAddr()
	return map[string]any{
		`network`: addr.Network(),
		`addr`:    addr.String(),
		`timeout`: u.timeout.String(),
		`size`:    u.size,
		`flows`:   u.flows.Load(),
		`stats`:   u.stats.Info(),
	}
}
func (u *UDPListener) Serve() error {
	go u.onMessage()
	var (
		b    []byte
		e    error
		n    int
		addr netip.AddrPort
	)
	for {
		b = make([]byte, u.size)
		n, addr, e = u.c.ReadFromUDPAddrPort(b)
		if e != nil {
			select {
			case <-u.done:
				return ErrClosed
			default:
			}
			if ne, ok := e.(net.Error); ok && ne.Timeout() {
				continue
			}
			u.log.Warn(`udp read fail`, `error`, e)
			return e
		}
		select {
		case <-u.done:
			return ErrClosed
		case u.msg <- udpMessage{
			addr: addr,
			b:    b[:n],
		}:
		}
	}
}

// onMessage owns the flow table.
func (u *UDPListener) onMessage() {
	var (
		msg   udpMessage
		keys  = make(map[netip.AddrPort]*udpFlow)
		ok    bool
		c, c0 *udpFlow
	)
	for {
		select {
		case <-u.done:
			for _, c = range keys {
				c.Close()
			}
			return
		case c = <-u.close:
			if c0, ok = keys[c.from]; ok && c == c0 {
				delete(keys, c.from)
				u.flows.Add(-1)
			}
		case msg = <-u.msg:
			if c, ok = keys[msg.addr]; ok {
				c.put(msg.b)
				continue
			}
			c = u.newFlow(msg)
			if c != nil {
				keys[msg.addr] = c
				u.flows.Add(1)
				c.put(msg.b)
			}
		}
	}
}

func (u *UDPListener) newFlow(msg udpMessage) *udpFlow {
	u.stats.accepted.Add(1)
	from := netip.AddrPortFrom(msg.addr.Addr().Unmap(), msg.addr.Port())
	log := u.log.With(`from`, from.String())
	if !u.plugin.TestIPAddr(from) {
		u.stats.rejected.Add(1)
		log.Debug(`ip not allowed`)
		return nil
	}
	target, ok := u.plugin.OnlySingleTarget()
	if !ok {
		target, ok = u.plugin.DecideTarget(msg.b, from)
		if !ok {
			u.stats.unmatched.Add(1)
			log.Debug(`no rule matched`, `size`, len(msg.b))
			return nil
		}
	}
	conn, e := u.dialer.Dial(u.ctx, `udp`, target)
	if e != nil {
		u.stats.failed.Add(1)
		log.Warn(`connect fail`, `to`, target, `error`, e)
		return nil
	}
	u.stats.forwarded.Add(1)
	log.Debug(`new udp flow`, `to`, target)
	c := &udpFlow{
		l:    u,
		from: msg.addr,
		conn: &transformer{
			Conn:   conn,
			mu:     u.mu,
			plugin: u.plugin,
		},
		done: make(chan struct{}),
		ch:   make(chan []byte, 16),
	}
	c.touch()
	go c.write()
	go c.read()
	return c
}

type udpFlow struct {
	l    *UDPListener
	from netip.AddrPort
	conn net.Conn

	closed uint32
	done   chan struct{}
	ch     chan []byte
	last   atomic.Int64
}

func (c *udpFlow) touch() {
	c.last.Store(time.Now().UnixNano())
}

// put queues a datagram for the backend, dropping it when the queue is full.
func (c *udpFlow) put(b []byte) {
	select {
	case <-c.done:
	case c.ch <- b:
	default:
		c.l.log.Debug(`udp frame dropped`, `from`, c.from.String(), `size`, len(b))
	}
}

func (c *udpFlow) write() {
	var (
		b []byte
		e error
	)
	for {
		select {
		case <-c.done:
			return
		case b = <-c.ch:
		}
		_, e = c.conn.Write(b)
		if e != nil {
			c.l.log.Debug(`udp write fail`, `from`, c.from.String(), `error`, e)
			c.Close()
			return
		}
		c.touch()
	}
}

func (c *udpFlow) read() {
	defer c.Close()
	var (
		b       = make([]byte, c.l.size)
		n       int
		e       error
		timeout = c.l.timeout
	)
	for {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		n, e = c.conn.Read(b)
		if e != nil {
			if ne, ok := e.(net.Error); ok && ne.Timeout() {
				idle := time.Since(time.Unix(0, c.last.Load()))
				if idle < timeout {
					timeout = c.l.timeout - idle
					continue
				}
				c.l.log.Debug(`udp flow timeout`, `from`, c.from.String())
			}
			return
		}
		timeout = c.l.timeout
		c.touch()
		_, e = c.l.c.WriteToUDPAddrPort(b[:n], c.from)
		if e != nil {
			c.l.log.Debug(`udp reply fail`, `from`, c.from.String(), `error`, e)
			return
		}
	}
}

func (c *udpFlow) Close() (e error) {
	if c.closed == 0 && atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.done)
		e = c.conn.Close()
		go func() {
			select {
			case <-c.l.done:
			case c.l.close <- c:
			}
		}()
	} else {
		e = ErrClosed
	}
	return
}
