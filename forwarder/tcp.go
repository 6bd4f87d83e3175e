package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/powerpuffpenguin/muxf/dialer"
	"github.com/powerpuffpenguin/muxf/internal/network"
	"github.com/powerpuffpenguin/muxf/mux"
	"github.com/powerpuffpenguin/muxf/pool"
)

type TCPOptions struct {
	// how long to wait for the first bytes
	Sniff time.Duration
	// sniff buffer size
	Size int
	// how long to keep the other end open after one end closes
	Close time.Duration
}

// TCPListener accepts connections and forwards each of them to the backend
// chosen by the plugin.
type TCPListener struct {
	listener net.Listener
	plugin   mux.Plugin
	mu       *sync.Mutex
	dialer   dialer.Dialer
	pool     *pool.Pool
	log      *slog.Logger
	closed   uint32
	ctx      context.Context
	cancel   context.CancelFunc

	sniff, duration time.Duration
	size            int

	stats stats
}

func NewTCPListener(l net.Listener, log *slog.Logger, pool *pool.Pool,
	plugin mux.Plugin, mu *sync.Mutex, dialer dialer.Dialer,
	opts TCPOptions) *TCPListener {
	size := opts.Size
	if size < 1 || size > pool.Size() {
		size = pool.Size()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPListener{
		listener: l,
		plugin:   plugin,
		mu:       mu,
		dialer:   dialer,
		pool:     pool,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		sniff:    opts.Sniff,
		duration: opts.Close,
		size:     size,
	}
}

func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}
func (l *TCPListener) Close() (e error) {
	if l.closed == 0 && atomic.CompareAndSwapUint32(&l.closed, 0, 1) {
		l.cancel()
		e = l.listener.Close()
	} else {
		e = ErrClosed
	}
	return
}
func (l *TCPListener) Info() any {
	addr := l.listener.Addr()
	return map[string]any{
		`network`: addr.Network(),
		`addr`:    addr.String(),
		`sniff`:   l.sniff.String(),
		`size`:    l.size,
		`close`:   l.duration.String(),
		`stats`:   l.stats.Info(),
	}
}
func (l *TCPListener) Serve() error {
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := l.listener.Accept()
		if err != nil {
			if atomic.LoadUint32(&l.closed) != 0 {
				return ErrClosed
			} else if errors.Is(err, net.ErrClosed) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			l.log.Warn(`tcp accept fail`,
				`error`, err,
				`retrying`, tempDelay,
			)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		go l.serve(rw)
	}
}
func (l *TCPListener) serve(src net.Conn) {
	l.stats.accepted.Add(1)
	from := network.AddrPort(src.RemoteAddr())
	log := l.log.With(`from`, src.RemoteAddr().String())
	if !l.plugin.TestIPAddr(from) {
		l.stats.rejected.Add(1)
		log.Debug(`ip not allowed`)
		src.Close()
		return
	}

	target, ok := l.plugin.OnlySingleTarget()
	var head []byte
	if !ok {
		buf := l.pool.Get()
		defer l.pool.Put(buf)
		head, ok = l.read(src, buf[:l.size])
		if !ok {
			l.stats.unmatched.Add(1)
			log.Debug(`sniff fail`)
			src.Close()
			return
		}
		target, ok = l.plugin.DecideTarget(head, from)
		if !ok {
			l.stats.unmatched.Add(1)
			log.Debug(`no rule matched`, `size`, len(head))
			src.Close()
			return
		}
	}

	conn, e := l.dialer.Dial(l.ctx, `tcp`, target)
	if e != nil {
		l.stats.failed.Add(1)
		log.Warn(`connect fail`, `to`, target, `error`, e)
		src.Close()
		return
	}
	dst := &transformer{
		Conn:   conn,
		mu:     l.mu,
		plugin: l.plugin,
	}
	if len(head) != 0 {
		_, e = dst.Write(head)
		if e != nil {
			l.stats.failed.Add(1)
			log.Warn(`replay fail`, `to`, target, `error`, e)
			src.Close()
			dst.Close()
			return
		}
	}
	l.stats.forwarded.Add(1)
	log.Info(`bridge`, `to`, target)
	up, down := network.Bridging(src, dst, l.pool, l.duration)
	log.Debug(`bridge closed`,
		`to`, target,
		`up`, int64(len(head))+up,
		`down`, down,
	)
}

// read waits up to the sniff duration for the first chunk of src.
func (l *TCPListener) read(src net.Conn, buf []byte) (head []byte, ok bool) {
	if l.sniff > 0 {
		src.SetReadDeadline(time.Now().Add(l.sniff))
	}
	n, _ := src.Read(buf)
	if n == 0 {
		return
	}
	if l.sniff > 0 {
		src.SetReadDeadline(time.Time{})
	}
	head = buf[:n]
	ok = true
	return
}

type stats struct {
	accepted, rejected, unmatched, failed, forwarded atomic.Uint64
}

func (s *stats) Info() any {
	return map[string]any{
		`accepted`:  s.accepted.Load(),
		`rejected`:  s.rejected.Load(),
		`unmatched`: s.unmatched.Load(),
		`failed`:    s.failed.Load(),
		`forwarded`: s.forwarded.Load(),
	}
}
