package forwarder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/powerpuffpenguin/muxf/config"
	"github.com/powerpuffpenguin/muxf/dialer"
	"github.com/powerpuffpenguin/muxf/internal/network"
	"github.com/powerpuffpenguin/muxf/mux"
	"github.com/powerpuffpenguin/muxf/pool"
)

// Forwarder is one forward session: a tcp listener, a udp socket or both,
// sharing the listen address and the plugin.
type Forwarder struct {
	tag    string
	plugin mux.Plugin
	dialer dialer.Dialer
	tcp    *TCPListener
	udp    *UDPListener
}

// New opens the listeners of opts. plugin must be fully constructed, it is
// shared by every connection without locking except for Transform.
func New(nk *network.Network, log *slog.Logger, pool *pool.Pool,
	plugin mux.Plugin,
	opts *config.Forward) (f *Forwarder, e error) {
	if !opts.TCP && !opts.UDP {
		e = errNoNetwork
		log.Error(`new forwarder fail`, `error`, e)
		return
	}
	tag := opts.Tag
	if tag == `` {
		tag = `forward ` + opts.Listen
	}
	log = log.With(`forward`, tag)

	d, e := dialer.New(log, &opts.Dialer, nk)
	if e != nil {
		return
	}
	var (
		mu = new(sync.Mutex)
		f0 = &Forwarder{
			tag:    tag,
			plugin: plugin,
			dialer: d,
		}
	)
	if opts.TCP {
		nw := opts.Network
		if nw == `` {
			nw = `tcp`
		}
		l, err := nk.Listen(nw, opts.Listen)
		if err != nil {
			e = err
			d.Close()
			log.Error(`new tcp listener fail`, `error`, e)
			return
		}
		size := opts.Size
		if size < 1 {
			size = 1024 * 2
		}
		tcpOpts := TCPOptions{
			Sniff: parseDuration(log, `sniff`, opts.Sniff, time.Millisecond*500),
			Size:  size,
			Close: parseDuration(log, `close`, opts.Close, time.Second),
		}
		f0.tcp = NewTCPListener(l, log, pool, plugin, mu, d, tcpOpts)
		log.Info(`new tcp listener`,
			`network`, l.Addr().Network(),
			`addr`, l.Addr().String(),
			`sniff`, tcpOpts.Sniff,
			`close`, tcpOpts.Close,
		)
	}
	if opts.UDP {
		c, err := nk.ListenPacket(`udp`, opts.Listen)
		if err != nil {
			e = err
			if f0.tcp != nil {
				f0.tcp.Close()
			}
			d.Close()
			log.Error(`new udp listener fail`, `error`, e)
			return
		}
		udpOpts := UDPOptions{
			Timeout: parseDuration(log, `timeout`, opts.UDPOptions.Timeout, time.Second*60),
			Size:    opts.UDPOptions.Size,
		}
		f0.udp = NewUDPListener(c, log, plugin, mu, d, udpOpts)
		log.Info(`new udp listener`,
			`addr`, c.LocalAddr().String(),
			`timeout`, udpOpts.Timeout,
		)
	}
	if single, ok := plugin.OnlySingleTarget(); ok {
		log.Info(`single target, sniffing disabled`, `to`, single)
	}
	f = f0
	return
}

func (f *Forwarder) Tag() string {
	return f.tag
}

// TCP returns the tcp listener or nil.
func (f *Forwarder) TCP() *TCPListener {
	return f.tcp
}

// UDP returns the udp listener or nil.
func (f *Forwarder) UDP() *UDPListener {
	return f.udp
}

// Serve blocks until every listener of the session has stopped. When one
// listener fails the other one is closed too.
func (f *Forwarder) Serve() (e error) {
	if f.tcp != nil && f.udp != nil {
		var wait sync.WaitGroup
		wait.Add(1)
		go func() {
			defer wait.Done()
			if err := f.udp.Serve(); err != ErrClosed {
				f.tcp.Close()
			}
		}()
		e = f.tcp.Serve()
		if e != ErrClosed {
			f.udp.Close()
		}
		wait.Wait()
	} else if f.tcp != nil {
		e = f.tcp.Serve()
	} else {
		e = f.udp.Serve()
	}
	return
}

func (f *Forwarder) Close() (e error) {
	if f.tcp != nil {
		e = f.tcp.Close()
	}
	if f.udp != nil {
		if err := f.udp.Close(); e == nil {
			e = err
		}
	}
	f.dialer.Close()
	return
}

func (f *Forwarder) Info() any {
	m := map[string]any{
		`tag`:    f.tag,
		`dialer`: f.dialer.Info(),
	}
	if f.tcp != nil {
		m[`tcp`] = f.tcp.Info()
	}
	if f.udp != nil {
		m[`udp`] = f.udp.Info()
	}
	if info, ok := f.plugin.(interface{ Info() any }); ok {
		m[`plugin`] = info.Info()
	}
	return m
}
