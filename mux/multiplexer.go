package mux

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/powerpuffpenguin/muxf/ipmatch"
	"github.com/powerpuffpenguin/muxf/resolver"
)

type rule struct {
	matcher Matcher
	target  netip.AddrPort
}

type options struct {
	ctx      context.Context
	network  string
	resolver resolver.Resolver
	ip       []ipmatch.Option
}

type Option func(opts *options)

// WithContext bounds the resolution of rule targets.
func WithContext(ctx context.Context) Option {
	return func(opts *options) {
		opts.ctx = ctx
	}
}

// WithNetwork sets the network the targets are resolved for, default "tcp".
func WithNetwork(network string) Option {
	return func(opts *options) {
		opts.network = network
	}
}

// WithResolver replaces the system resolver used for rule targets.
func WithResolver(r resolver.Resolver) Option {
	return func(opts *options) {
		opts.resolver = r
	}
}

// WithIPMatch passes options to the compiler of the allow patterns.
func WithIPMatch(opt ...ipmatch.Option) Option {
	return func(opts *options) {
		opts.ip = append(opts.ip, opt...)
	}
}

// Multiplexer routes connections by matching their leading bytes against an
// ordered rule set, the first matching rule wins.
//
// It is immutable once New returns.
type Multiplexer struct {
	single    netip.AddrPort
	hasSingle bool
	rules     []rule
	ip        *ipmatch.Matcher
}

var _ Plugin = (*Multiplexer)(nil)

// New compiles rules and the allow patterns. Every target is resolved here,
// any unresolvable target or invalid pattern fails the whole construction.
func New(rules []Rule, allow []string, opt ...Option) (m *Multiplexer, e error) {
	opts := options{
		ctx:      context.Background(),
		network:  `tcp`,
		resolver: resolver.System(),
	}
	for _, o := range opt {
		o(&opts)
	}

	compiled := make([]rule, len(rules))
	for i, r := range rules {
		compiled[i].matcher, e = CompilePattern(r.Pattern)
		if e != nil {
			e = fmt.Errorf(`rule %d pattern %q: %w`, i, r.Pattern, e)
			return
		}
		compiled[i].target, e = opts.resolver.Resolve(opts.ctx, opts.network, r.Target)
		if e != nil {
			e = fmt.Errorf(`rule %d target %q: %w`, i, r.Target, e)
			return
		}
	}
	ip, e := ipmatch.Compile(allow, opts.ip...)
	if e != nil {
		return
	}
	m = &Multiplexer{
		rules: compiled,
		ip:    ip,
	}
	if len(rules) == 1 && rules[0].Pattern == Wildcard {
		m.single = compiled[0].target
		m.hasSingle = true
	}
	return
}

func (m *Multiplexer) OnlySingleTarget() (netip.AddrPort, bool) {
	return m.single, m.hasSingle
}

func (m *Multiplexer) DecideTarget(b []byte, src netip.AddrPort) (netip.AddrPort, bool) {
	var (
		h = hex.EncodeToString(b)
		s = lossyText(b)
	)
	for _, r := range m.rules {
		if r.matcher.Match(h) || r.matcher.Match(s) {
			return r.target, true
		}
	}
	return netip.AddrPort{}, false
}

func (m *Multiplexer) TestIPAddr(src netip.AddrPort) bool {
	return m.ip.Test(src.Addr())
}

// Transform never rewrites anything.
func (m *Multiplexer) Transform(b []byte) ([]byte, bool) {
	return nil, false
}

// Len returns the number of rules.
func (m *Multiplexer) Len() int {
	return len(m.rules)
}

func (m *Multiplexer) Info() any {
	rules := make([]any, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, map[string]any{
			`matcher`: fmt.Sprint(r.matcher),
			`to`:      r.target.String(),
		})
	}
	info := map[string]any{
		`rules`: rules,
		`allow`: m.ip.String(),
	}
	if m.hasSingle {
		info[`single`] = m.single.String()
	}
	return info
}
