package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
)

var ErrNoAddress = errors.New(`no address found`)

// Resolver turns a host:port into a socket address.
type Resolver interface {
	Resolve(ctx context.Context, network, hostport string) (netip.AddrPort, error)
}

type lookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

func resolve(ctx context.Context, network, hostport string, lookup lookupFunc) (addr netip.AddrPort, e error) {
	host, service, e := net.SplitHostPort(hostport)
	if e != nil {
		return
	}
	port, e := parsePort(ctx, network, service)
	if e != nil {
		return
	}
	ip, e := netip.ParseAddr(host)
	if e == nil {
		addr = netip.AddrPortFrom(ip.Unmap(), port)
		return
	}
	if host == `` {
		e = errors.New(`missing host in address: ` + hostport)
		return
	}
	addrs, e := lookup(ctx, host)
	if e != nil {
		return
	} else if len(addrs) == 0 {
		e = &net.DNSError{Err: ErrNoAddress.Error(), Name: host, IsNotFound: true}
		return
	}
	addr = netip.AddrPortFrom(addrs[0].Unmap(), port)
	return
}

func parsePort(ctx context.Context, network, service string) (port uint16, e error) {
	v, e := strconv.ParseUint(service, 10, 16)
	if e == nil {
		port = uint16(v)
		return
	}
	p, e := net.DefaultResolver.LookupPort(ctx, network, service)
	if e != nil {
		return
	}
	port = uint16(p)
	return
}

type system struct{}

// System resolves with net.DefaultResolver.
func System() Resolver {
	return system{}
}

func (system) Resolve(ctx context.Context, network, hostport string) (netip.AddrPort, error) {
	return resolve(ctx, network, hostport, func(ctx context.Context, host string) ([]netip.Addr, error) {
		return net.DefaultResolver.LookupNetIP(ctx, `ip`, host)
	})
}
