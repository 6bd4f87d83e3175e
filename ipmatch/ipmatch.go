// Package ipmatch compiles allow lists of address patterns.
//
// A pattern is one of
//
//	*, any          every address
//	10.0.0.1, ::1   a single address
//	10.0.0.0/8      a prefix
//	192.168.*.*     an IPv4 octet glob, missing trailing octets match anything
//	geoip:CN        an ISO country code, requires WithGeoIP
//
// An empty list admits every address.
package ipmatch

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

var ErrGeoIPMissing = errors.New(`geoip pattern requires a GeoIP database`)

// GeoIP looks up the country of an address, it is satisfied by *geoip2.Reader.
type GeoIP interface {
	Country(ip net.IP) (*geoip2.Country, error)
}

type options struct {
	geoip GeoIP
}

type Option func(opts *options)

// WithGeoIP enables geoip: patterns.
func WithGeoIP(db GeoIP) Option {
	return func(opts *options) {
		opts.geoip = db
	}
}

// glob holds one byte per IPv4 octet, -1 matches any value.
type glob [4]int16

func (g glob) match(ip [4]byte) bool {
	for i, v := range g {
		if v >= 0 && byte(v) != ip[i] {
			return false
		}
	}
	return true
}

// Matcher is an immutable compiled allow list.
type Matcher struct {
	patterns  []string
	any       bool
	addrs     map[netip.Addr]struct{}
	prefixes  []netip.Prefix
	globs     []glob
	countries map[string]struct{}
	geoip     GeoIP
}

// Compile parses patterns. Any malformed pattern fails the compilation.
func Compile(patterns []string, opt ...Option) (m *Matcher, e error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	matcher := &Matcher{
		patterns: patterns,
		any:      len(patterns) == 0,
		addrs:    make(map[netip.Addr]struct{}),
		geoip:    opts.geoip,
	}
	for _, pattern := range patterns {
		e = matcher.add(strings.TrimSpace(pattern))
		if e != nil {
			return
		}
	}
	m = matcher
	return
}

func (m *Matcher) add(pattern string) (e error) {
	switch {
	case pattern == `*` || strings.EqualFold(pattern, `any`):
		m.any = true
	case strings.HasPrefix(pattern, `geoip:`):
		if m.geoip == nil {
			e = ErrGeoIPMissing
			return
		}
		code := strings.ToUpper(pattern[len(`geoip:`):])
		if code == `` {
			e = errors.New(`invalid ip pattern: ` + pattern)
			return
		}
		if m.countries == nil {
			m.countries = make(map[string]struct{})
		}
		m.countries[code] = struct{}{}
	case strings.Contains(pattern, `/`):
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			e = errors.New(`invalid ip pattern: ` + pattern)
			return
		}
		m.prefixes = append(m.prefixes, prefix.Masked())
	case strings.Contains(pattern, `*`):
		g, err := parseGlob(pattern)
		if err != nil {
			e = err
			return
		}
		m.globs = append(m.globs, g)
	default:
		addr, err := netip.ParseAddr(pattern)
		if err != nil {
			e = errors.New(`invalid ip pattern: ` + pattern)
			return
		}
		m.addrs[addr.Unmap()] = struct{}{}
	}
	return
}

func parseGlob(pattern string) (g glob, e error) {
	strs := strings.Split(pattern, `.`)
	if len(strs) > 4 {
		e = errors.New(`invalid ip pattern: ` + pattern)
		return
	}
	for i := range g {
		if i >= len(strs) || strs[i] == `*` {
			g[i] = -1
			continue
		}
		v, err := strconv.ParseUint(strs[i], 10, 8)
		if err != nil {
			e = errors.New(`invalid ip pattern: ` + pattern)
			return
		}
		g[i] = int16(v)
	}
	return
}

// Test reports whether ip is admitted.
func (m *Matcher) Test(ip netip.Addr) bool {
	if m.any {
		return true
	}
	if !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	if _, ok := m.addrs[ip]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	if ip.Is4() {
		v4 := ip.As4()
		for _, g := range m.globs {
			if g.match(v4) {
				return true
			}
		}
	}
	if len(m.countries) != 0 {
		country, e := m.geoip.Country(net.IP(ip.AsSlice()))
		if e == nil && country != nil {
			if _, ok := m.countries[country.Country.IsoCode]; ok {
				return true
			}
		}
	}
	return false
}

func (m *Matcher) String() string {
	if len(m.patterns) == 0 {
		return `*`
	}
	return strings.Join(m.patterns, `,`)
}
