package forwarder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/powerpuffpenguin/muxf/config"
	"github.com/powerpuffpenguin/muxf/internal/network"
	"github.com/powerpuffpenguin/muxf/mux"
	"github.com/powerpuffpenguin/muxf/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type tcpBackend struct {
	addr netip.AddrPort
	hits atomic.Int32
}

// newTCPBackend answers every connection with name, a colon and the first
// chunk it reads, then closes. A greeting backend writes its name at once.
func newTCPBackend(t *testing.T, name string, greet bool) *tcpBackend {
	t.Helper()
	l, e := net.Listen(`tcp`, `127.0.0.1:0`)
	if e != nil {
		t.Fatal(e)
	}
	t.Cleanup(func() { l.Close() })
	b := &tcpBackend{
		addr: l.Addr().(*net.TCPAddr).AddrPort(),
	}
	go func() {
		for {
			c, e := l.Accept()
			if e != nil {
				return
			}
			b.hits.Add(1)
			go func(c net.Conn) {
				defer c.Close()
				if greet {
					c.Write([]byte(name + `:`))
					return
				}
				buf := make([]byte, 1024)
				c.SetReadDeadline(time.Now().Add(time.Second * 5))
				n, e := c.Read(buf)
				if e != nil {
					return
				}
				c.Write(append([]byte(name+`:`), buf[:n]...))
			}(c)
		}
	}()
	return b
}

func newTestForwarder(t *testing.T, nk *network.Network, plugin mux.Plugin, opts *config.Forward) *Forwarder {
	t.Helper()
	if nk == nil {
		nk = network.New()
	}
	f, e := New(nk, testLogger(), pool.New(0, 0), plugin, opts)
	if e != nil {
		t.Fatal(e)
	}
	go f.Serve()
	t.Cleanup(func() { f.Close() })
	return f
}

func newPlugin(t *testing.T, rules []mux.Rule, allow []string) *mux.Multiplexer {
	t.Helper()
	m, e := mux.New(rules, allow)
	if e != nil {
		t.Fatal(e)
	}
	return m
}

// exchange writes request, when not empty, and reads until the forwarder
// closes the connection.
func exchange(t *testing.T, c net.Conn, request string) string {
	t.Helper()
	defer c.Close()
	c.SetDeadline(time.Now().Add(time.Second * 2))
	if request != `` {
		_, e := c.Write([]byte(request))
		if e != nil {
			t.Fatal(e)
		}
	}
	b, e := io.ReadAll(c)
	if e != nil {
		t.Fatalf("read response: %v", e)
	}
	return string(b)
}

func dialTCP(t *testing.T, f *Forwarder) net.Conn {
	t.Helper()
	c, e := net.Dial(`tcp`, f.TCP().Addr().String())
	if e != nil {
		t.Fatal(e)
	}
	return c
}

func tcpOptions() *config.Forward {
	return &config.Forward{
		Listen: `127.0.0.1:0`,
		TCP:    true,
		Sniff:  `1s`,
		Close:  `100ms`,
	}
}

func TestTCPRouting(t *testing.T) {
	a := newTCPBackend(t, `A`, false)
	b := newTCPBackend(t, `B`, false)
	plugin := newPlugin(t, []mux.Rule{
		{Pattern: mux.SSH, Target: a.addr.String()},
		{Pattern: mux.Wildcard, Target: b.addr.String()},
	}, nil)
	f := newTestForwarder(t, nil, plugin, tcpOptions())

	if s := exchange(t, dialTCP(t, f), "SSH-2.0-test\r\n"); s != "A:SSH-2.0-test\r\n" {
		t.Fatalf("ssh: unexpected response %q", s)
	}
	if s := exchange(t, dialTCP(t, f), `hello`); s != `B:hello` {
		t.Fatalf("other: unexpected response %q", s)
	}
	if f.TCP().stats.forwarded.Load() != 2 {
		t.Fatalf("expected 2 forwarded, got %d", f.TCP().stats.forwarded.Load())
	}
}

func TestTCPRejectIP(t *testing.T) {
	a := newTCPBackend(t, `A`, true)
	plugin := newPlugin(t, []mux.Rule{
		{Pattern: mux.Wildcard, Target: a.addr.String()},
	}, []string{`10.0.0.0/8`})
	f := newTestForwarder(t, nil, plugin, tcpOptions())

	if s := exchange(t, dialTCP(t, f), ``); s != `` {
		t.Fatalf("unexpected response %q", s)
	}
	if a.hits.Load() != 0 {
		t.Fatal("backend must not be contacted")
	}
	if f.TCP().stats.rejected.Load() != 1 {
		t.Fatalf("expected 1 rejected, got %d", f.TCP().stats.rejected.Load())
	}
}

func TestTCPSingleTarget(t *testing.T) {
	// the backend speaks first, sniffing would block until the deadline
	a := newTCPBackend(t, `A`, true)
	plugin := newPlugin(t, []mux.Rule{
		{Pattern: mux.Wildcard, Target: a.addr.String()},
	}, []string{`127.0.0.1`})
	opts := tcpOptions()
	opts.Sniff = `10s`
	f := newTestForwarder(t, nil, plugin, opts)

	if s := exchange(t, dialTCP(t, f), ``); s != `A:` {
		t.Fatalf("unexpected response %q", s)
	}
}

func TestTCPUnmatched(t *testing.T) {
	a := newTCPBackend(t, `A`, false)
	plugin := newPlugin(t, []mux.Rule{
		{Pattern: mux.SSH, Target: a.addr.String()},
	}, nil)
	opts := tcpOptions()
	opts.Sniff = `50ms`
	f := newTestForwarder(t, nil, plugin, opts)

	if s := exchange(t, dialTCP(t, f), `hello`); s != `` {
		t.Fatalf("unexpected response %q", s)
	}
	// silent client
	if s := exchange(t, dialTCP(t, f), ``); s != `` {
		t.Fatalf("unexpected response %q", s)
	}
	if a.hits.Load() != 0 {
		t.Fatal("backend must not be contacted")
	}
	if f.TCP().stats.unmatched.Load() != 2 {
		t.Fatalf("expected 2 unmatched, got %d", f.TCP().stats.unmatched.Load())
	}
}

func TestTCPBackendDown(t *testing.T) {
	l, e := net.Listen(`tcp`, `127.0.0.1:0`)
	if e != nil {
		t.Fatal(e)
	}
	addr := l.Addr().String()
	l.Close()

	plugin := newPlugin(t, []mux.Rule{
		{Pattern: mux.Wildcard, Target: addr},
	}, nil)
	opts := tcpOptions()
	opts.Dialer.Timeout = `500ms`
	f := newTestForwarder(t, nil, plugin, opts)

	if s := exchange(t, dialTCP(t, f), ``); s != `` {
		t.Fatalf("unexpected response %q", s)
	}
	if f.TCP().stats.failed.Load() != 1 {
		t.Fatalf("expected 1 failed, got %d", f.TCP().stats.failed.Load())
	}
}

type upperPlugin struct {
	*mux.Multiplexer
}

func (upperPlugin) Transform(b []byte) ([]byte, bool) {
	return bytes.ToUpper(b), true
}

func TestTCPTransform(t *testing.T) {
	a := newTCPBackend(t, `A`, false)
	plugin := upperPlugin{
		Multiplexer: newPlugin(t, []mux.Rule{
			{Pattern: mux.HTTP, Target: a.addr.String()},
		}, nil),
	}
	f := newTestForwarder(t, nil, plugin, tcpOptions())

	s := exchange(t, dialTCP(t, f), "GET / HTTP/1.1\r\nhost: x\r\n\r\n")
	if s != "A:GET / HTTP/1.1\r\nHOST: X\r\n\r\n" {
		t.Fatalf("unexpected response %q", s)
	}
}

func TestPipe(t *testing.T) {
	a := newTCPBackend(t, `A`, false)
	plugin := newPlugin(t, []mux.Rule{
		{Pattern: mux.SSH, Target: a.addr.String()},
	}, nil)
	nk := network.New()
	opts := tcpOptions()
	opts.Network = `pipe`
	opts.Listen = `muxf`
	newTestForwarder(t, nk, plugin, opts)

	c, e := nk.DialPipe(context.Background(), `muxf`)
	if e != nil {
		t.Fatal(e)
	}
	if s := exchange(t, c, "SSH-2.0-pipe\r\n"); s != "A:SSH-2.0-pipe\r\n" {
		t.Fatalf("unexpected response %q", s)
	}
}

func TestNoNetwork(t *testing.T) {
	plugin := newPlugin(t, nil, nil)
	_, e := New(network.New(), testLogger(), pool.New(0, 0), plugin, &config.Forward{
		Listen: `127.0.0.1:0`,
	})
	if e != errNoNetwork {
		t.Fatalf("expected errNoNetwork, got %v", e)
	}
}

func TestClose(t *testing.T) {
	plugin := newPlugin(t, nil, nil)
	f, e := New(network.New(), testLogger(), pool.New(0, 0), plugin, tcpOptions())
	if e != nil {
		t.Fatal(e)
	}
	served := make(chan error, 1)
	go func() {
		served <- f.Serve()
	}()
	f.Close()
	select {
	case e = <-served:
		if e != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", e)
		}
	case <-time.After(time.Second * 2):
		t.Fatal("serve did not return")
	}
	if e = f.TCP().Close(); e != ErrClosed {
		t.Fatalf("expected ErrClosed on second close, got %v", e)
	}
}

func TestServeListenerFailure(t *testing.T) {
	plugin := newPlugin(t, []mux.Rule{
		{Pattern: mux.Wildcard, Target: `127.0.0.1:9`},
	}, nil)
	for _, name := range []string{`tcp`, `udp`} {
		opts := tcpOptions()
		opts.UDP = true
		f, e := New(network.New(), testLogger(), pool.New(0, 0), plugin, opts)
		if e != nil {
			t.Fatal(e)
		}
		served := make(chan error, 1)
		go func() {
			served <- f.Serve()
		}()
		// fail one side without marking the session closed
		if name == `tcp` {
			f.tcp.listener.Close()
		} else {
			f.udp.c.Close()
		}
		select {
		case <-served:
		case <-time.After(time.Second * 2):
			t.Fatalf("%s failure: serve did not return", name)
		}
		sibling := &f.udp.closed
		if name == `udp` {
			sibling = &f.tcp.closed
		}
		if atomic.LoadUint32(sibling) == 0 {
			t.Fatalf("%s failure: sibling listener left open", name)
		}
		f.Close()
	}
}

func TestSniffSize(t *testing.T) {
	plugin := newPlugin(t, nil, nil)
	for _, test := range []struct {
		size, expected int
	}{
		{0, 2048},
		{512, 512},
		{1024 * 64, 1024 * 32},
	} {
		opts := tcpOptions()
		opts.Size = test.size
		f := newTestForwarder(t, nil, plugin, opts)
		if f.TCP().size != test.expected {
			t.Errorf("size %d: expected %d, got %d", test.size, test.expected, f.TCP().size)
		}
	}
}
