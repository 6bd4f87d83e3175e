package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// DNS resolves host names by querying its own list of servers.
type DNS struct {
	servers []string
	client  *dns.Client
	retry   int
	next    uint32
}

// NewDNS returns a resolver asking servers in turn. A server without a port
// is queried on port 53. timeout bounds each query, default 2s.
func NewDNS(servers []string, timeout time.Duration) (r *DNS, e error) {
	if len(servers) == 0 {
		e = errors.New(`dns servers must not be empty`)
		return
	}
	if timeout <= 0 {
		timeout = time.Second * 2
	}
	addrs := make([]string, len(servers))
	for i, server := range servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, `53`)
		}
		addrs[i] = server
	}
	r = &DNS{
		servers: addrs,
		client: &dns.Client{
			Net:     `udp`,
			Timeout: timeout,
		},
		retry: len(addrs) * 2,
	}
	return
}

func (r *DNS) Servers() []string {
	return r.servers
}

func (r *DNS) Resolve(ctx context.Context, network, hostport string) (netip.AddrPort, error) {
	return resolve(ctx, network, hostport, r.lookup)
}

func (r *DNS) lookup(ctx context.Context, host string) (addrs []netip.Addr, e error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, e = r.query(ctx, host, qtype)
		if e != nil {
			return
		} else if len(addrs) != 0 {
			return
		}
	}
	return
}

func (r *DNS) query(ctx context.Context, host string, qtype uint16) (addrs []netip.Addr, e error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	var in *dns.Msg
	for tries := r.retry; ; tries-- {
		server := r.servers[int(atomic.AddUint32(&r.next, 1)-1)%len(r.servers)]
		in, _, e = r.client.ExchangeContext(ctx, m, server)
		if e == nil {
			break
		}
		var ne net.Error
		if tries <= 0 || ctx.Err() != nil || !errors.As(e, &ne) || !ne.Timeout() {
			return
		}
	}
	if in.Rcode != dns.RcodeSuccess {
		e = &net.DNSError{
			Err:        dns.RcodeToString[in.Rcode],
			Name:       host,
			IsNotFound: in.Rcode == dns.RcodeNameError,
		}
		return
	}
	for _, record := range in.Answer {
		switch rr := record.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A); ok {
				addrs = append(addrs, ip.Unmap())
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, ip)
			}
		}
	}
	return
}
