package network

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"

	"github.com/powerpuffpenguin/vnet"
)

var (
	ErrNetworkUnix = errors.New(`unix socket is only supported on linux`)
	ErrPipeAddr    = errors.New(`pipe address not found`)
)

// Network opens listeners. Besides the os networks it knows "pipe", an
// in-process network whose listeners are reached with DialPipe.
type Network struct {
	mu   sync.Mutex
	pipe map[string]*vnet.PipeListener
}

func New() *Network {
	return &Network{
		pipe: make(map[string]*vnet.PipeListener),
	}
}
func (n *Network) listenPipe(address string) (l net.Listener, e error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.pipe[address]; ok {
		e = errors.New(`listen pipe ` + address + `: bind: address already in use`)
		return
	}
	pipe := vnet.ListenPipe()
	n.pipe[address] = pipe
	l = &pipeListener{
		PipeListener: pipe,
		network:      n,
		address:      address,
	}
	return
}
func (n *Network) Listen(network, address string) (l net.Listener, e error) {
	switch network {
	case `tcp`, `tcp4`, `tcp6`:
	case `pipe`:
		return n.listenPipe(address)
	case `unix`:
		if runtime.GOOS != `linux` {
			e = ErrNetworkUnix
			return
		}
	default:
		e = errors.New(`network not supported: ` + network)
		return
	}
	l, e = net.Listen(network, address)
	return
}

// ListenPacket opens the udp socket of a forward session.
func (n *Network) ListenPacket(network, address string) (c *net.UDPConn, e error) {
	switch network {
	case `udp`, `udp4`, `udp6`:
	default:
		e = errors.New(`network not supported: ` + network)
		return
	}
	addr, e := net.ResolveUDPAddr(network, address)
	if e != nil {
		return
	}
	c, e = net.ListenUDP(network, addr)
	return
}

// DialPipe connects to a listener opened with Listen("pipe", address).
func (n *Network) DialPipe(ctx context.Context, address string) (c net.Conn, e error) {
	n.mu.Lock()
	pipe, ok := n.pipe[address]
	n.mu.Unlock()
	if !ok {
		e = ErrPipeAddr
		return
	}
	c, e = pipe.DialContext(ctx, `pipe`, address)
	return
}

type pipeListener struct {
	*vnet.PipeListener
	network *Network
	address string
	once    sync.Once
}

func (l *pipeListener) Close() (e error) {
	e = l.PipeListener.Close()
	l.once.Do(func() {
		l.network.mu.Lock()
		delete(l.network.pipe, l.address)
		l.network.mu.Unlock()
	})
	return
}
