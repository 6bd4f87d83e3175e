package network

import (
	"net"
	"net/netip"
)

// AddrPort returns the ip and port of addr. Addresses without one, like those
// of the pipe network, give the zero value.
func AddrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return unmap(a.AddrPort())
	case *net.UDPAddr:
		return unmap(a.AddrPort())
	case nil:
		return netip.AddrPort{}
	}
	v, e := netip.ParseAddrPort(addr.String())
	if e != nil {
		return netip.AddrPort{}
	}
	return unmap(v)
}
func unmap(v netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(v.Addr().Unmap(), v.Port())
}
