package dialer

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/powerpuffpenguin/muxf/config"
	"golang.org/x/net/proxy"
)

// Dialer connects to backends chosen by the multiplexer.
type Dialer interface {
	Dial(ctx context.Context, network string, addr netip.AddrPort) (conn net.Conn, e error)
	Close() (e error)
	Info() any
}

// PipeDialer connects to in-process listeners by name.
type PipeDialer interface {
	DialPipe(ctx context.Context, address string) (net.Conn, error)
}

// New returns a direct dialer, or one going through the socks5 proxy of opts
// for tcp backends. Targets listed in opts.Pipe are reached through pipe
// instead of the network.
func New(log *slog.Logger, opts *config.Dialer, pipe PipeDialer) (dialer Dialer, e error) {
	var timeout time.Duration
	if opts.Timeout == `` {
		timeout = time.Second * 5
	} else {
		var err error
		timeout, err = time.ParseDuration(opts.Timeout)
		if err != nil {
			timeout = time.Second * 5
			log.Warn(`parse duration fail, used default dial timeout duration.`,
				`error`, err,
				`timeout`, opts.Timeout,
				`default`, timeout,
			)
		}
	}
	retry := opts.Retry
	if retry < 0 {
		retry = 0
	}
	d := &netDialer{
		done:    make(chan struct{}),
		timeout: timeout,
		retry:   retry,
		direct:  &net.Dialer{},
	}
	if len(opts.Pipe) != 0 {
		if pipe == nil {
			e = errPipeUnsupported
			log.Error(`new dialer fail`, `error`, e)
			return
		}
		d.pipe = pipe
		d.pipes = make(map[netip.AddrPort]string, len(opts.Pipe))
		for target, name := range opts.Pipe {
			addr, err := netip.ParseAddrPort(target)
			if err != nil {
				e = err
				log.Error(`pipe target invalid`, `target`, target, `error`, e)
				return
			} else if name == `` {
				e = errPipeName
				log.Error(`pipe name invalid`, `target`, target, `error`, e)
				return
			}
			d.pipes[netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())] = name
		}
	}
	if opts.Proxy != `` {
		u, err := url.Parse(opts.Proxy)
		if err != nil {
			e = err
			log.Error(`proxy url invalid`, `proxy`, opts.Proxy, `error`, e)
			return
		} else if u.Scheme != `socks5` {
			e = errProxyScheme
			log.Error(`proxy scheme not supported`, `proxy`, opts.Proxy)
			return
		}
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{
				User:     u.User.Username(),
				Password: password,
			}
		}
		rawDialer, err := proxy.SOCKS5(`tcp`, u.Host, auth, d.direct)
		if err != nil {
			e = err
			log.Error(`new socks5 dialer fail`, `error`, e)
			return
		}
		d.proxy = rawDialer.(proxy.ContextDialer)
		d.proxyAddr = u.Host
	}
	log.Info(`new dialer`,
		`timeout`, timeout,
		`retry`, retry,
		`proxy`, d.proxyAddr,
		`pipe`, len(d.pipes),
	)
	dialer = d
	return
}

type connectResult struct {
	Conn  net.Conn
	Error error
}

type netDialer struct {
	done      chan struct{}
	closed    uint32
	timeout   time.Duration
	retry     int
	direct    *net.Dialer
	proxy     proxy.ContextDialer
	proxyAddr string
	pipe      PipeDialer
	pipes     map[netip.AddrPort]string
}

func (d *netDialer) Info() any {
	m := map[string]any{
		`timeout`: d.timeout.String(),
		`retry`:   d.retry,
		`proxy`:   d.proxyAddr,
	}
	if len(d.pipes) != 0 {
		pipes := make(map[string]string, len(d.pipes))
		for addr, name := range d.pipes {
			pipes[addr.String()] = name
		}
		m[`pipe`] = pipes
	}
	return m
}
func (d *netDialer) Close() (e error) {
	if d.closed == 0 && atomic.CompareAndSwapUint32(&d.closed, 0, 1) {
		close(d.done)
	} else {
		e = ErrClosed
	}
	return
}

// Dial tries up to retry+1 times, each attempt bounded by the dial timeout.
func (d *netDialer) Dial(ctx context.Context, network string, addr netip.AddrPort) (conn net.Conn, e error) {
	for i := 0; i <= d.retry; i++ {
		conn, e = d.dial(ctx, network, addr)
		if e == nil || e == ErrClosed || ctx.Err() != nil {
			break
		}
	}
	return
}
func (d *netDialer) dial(ctx context.Context, network string, addr netip.AddrPort) (conn net.Conn, e error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	udp := strings.HasPrefix(network, `udp`)
	name, piped := d.pipes[addr]
	ch := make(chan connectResult)
	go func() {
		var (
			c   net.Conn
			err error
		)
		if piped && !udp {
			c, err = d.pipe.DialPipe(ctx, name)
		} else if d.proxy != nil && !udp {
			c, err = d.proxy.DialContext(ctx, network, addr.String())
		} else {
			c, err = d.direct.DialContext(ctx, network, addr.String())
		}
		select {
		case ch <- connectResult{Conn: c, Error: err}:
		case <-d.done:
			if err == nil {
				c.Close()
			}
		case <-ctx.Done():
			if err == nil {
				c.Close()
			}
		}
	}()
	select {
	case <-d.done:
		e = ErrClosed
	case <-ctx.Done():
		e = ctx.Err()
	case result := <-ch:
		conn, e = result.Conn, result.Error
	}
	return
}
