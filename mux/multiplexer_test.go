package mux

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
)

var (
	backendA = netip.MustParseAddrPort(`127.0.0.1:2201`)
	backendB = netip.MustParseAddrPort(`127.0.0.1:2202`)
	client   = netip.MustParseAddrPort(`192.168.1.10:50000`)
)

func mustNew(t *testing.T, rules []Rule, allow []string) *Multiplexer {
	t.Helper()
	m, e := New(rules, allow)
	if e != nil {
		t.Fatalf("new multiplexer: %v", e)
	}
	return m
}

func TestOnlySingleTarget(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		ok    bool
	}{
		{`wildcard`, []Rule{{Wildcard, backendA.String()}}, true},
		{`empty`, nil, false},
		{`alias`, []Rule{{SSH, backendA.String()}}, false},
		{`regexp`, []Rule{{`.+`, backendA.String()}}, false},
		{`two wildcards`, []Rule{{Wildcard, backendA.String()}, {Wildcard, backendB.String()}}, false},
		{`wildcard first`, []Rule{{Wildcard, backendA.String()}, {SSH, backendB.String()}}, false},
	}
	for _, test := range tests {
		m := mustNew(t, test.rules, nil)
		addr, ok := m.OnlySingleTarget()
		if ok != test.ok {
			t.Errorf("%s: expected ok %v, got %v", test.name, test.ok, ok)
		} else if ok && addr != backendA {
			t.Errorf("%s: expected %v, got %v", test.name, backendA, addr)
		}
	}
}

func TestFirstMatchWins(t *testing.T) {
	m := mustNew(t, []Rule{
		{SSH, backendA.String()},
		{Wildcard, backendB.String()},
	}, nil)

	addr, ok := m.DecideTarget([]byte("SSH-2.0-OpenSSH_8.9\r\n"), client)
	if !ok || addr != backendA {
		t.Fatalf("ssh banner: expected %v, got %v %v", backendA, addr, ok)
	}
	addr, ok = m.DecideTarget([]byte("hello"), client)
	if !ok || addr != backendB {
		t.Fatalf("other bytes: expected %v, got %v %v", backendB, addr, ok)
	}
}

func TestDecideTargetNoMatch(t *testing.T) {
	m := mustNew(t, []Rule{
		{SSH, backendA.String()},
		{HTTP, backendB.String()},
	}, nil)
	inputs := [][]byte{
		nil,
		{},
		[]byte("S"),
		[]byte("SSH-1.99-old\r\n"),
		{0xff, 0xfe, 0x00, 0x80},
		[]byte("\x16\x03\x01\x00\x05"),
	}
	for _, b := range inputs {
		if addr, ok := m.DecideTarget(b, client); ok {
			t.Errorf("%q: expected no match, got %v", b, addr)
		}
	}
}

func TestDecideTargetAliases(t *testing.T) {
	m := mustNew(t, []Rule{
		{SSH, backendA.String()},
		{HTTP, backendB.String()},
	}, nil)
	tests := []struct {
		input  string
		target netip.AddrPort
	}{
		{"SSH-2.0-OpenSSH_8.9\r\n", backendA},
		{"GET / HTTP/1.1\r\nHost: example.com\r\n\r\n", backendB},
		{"CONNECT example.com:443 HTTP/1.1\r\n\r\n", backendB},
		{"OPTIONS * HTTP/1.1\r\n", backendB},
	}
	for _, test := range tests {
		addr, ok := m.DecideTarget([]byte(test.input), client)
		if !ok || addr != test.target {
			t.Errorf("%q: expected %v, got %v %v", test.input, test.target, addr, ok)
		}
	}
}

func TestDecideTargetDeterministic(t *testing.T) {
	m := mustNew(t, []Rule{
		{`[http:example.com]`, backendA.String()},
		{Socks5, backendB.String()},
	}, nil)
	inputs := [][]byte{
		[]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		{0x05, 0x01, 0x00},
		[]byte("nothing"),
	}
	for _, b := range inputs {
		addr0, ok0 := m.DecideTarget(b, client)
		for i := 0; i < 3; i++ {
			addr, ok := m.DecideTarget(b, client)
			if addr != addr0 || ok != ok0 {
				t.Fatalf("%q: result changed from %v %v to %v %v", b, addr0, ok0, addr, ok)
			}
		}
	}
}

func TestSocks5Matcher(t *testing.T) {
	tests := []struct {
		input string
		match bool
	}{
		// two bytes total: shorter than the minimum greeting
		{`0500`, false},
		{`050100`, true},
		{`050102`, true},
		{`050180`, true},
		{`0501ff`, true},
		{`05020002`, true},
		{`0504000102ff`, true},
		// method 0x05 is not an accepted method
		{`050105`, false},
		// declares two methods but carries one
		{`050200`, false},
		// declares one method but carries two
		{`05010000`, false},
		{`040100`, false},
		{`05`, false},
		{``, false},
		{`zz0100`, false},
		{`05010`, false},
		{"\x05\x01\x00", false},
	}
	var m socks5Matcher
	for _, test := range tests {
		if m.Match(test.input) != test.match {
			t.Errorf("%q: expected %v", test.input, test.match)
		}
	}
}

func TestDecideTargetSocks5(t *testing.T) {
	m := mustNew(t, []Rule{
		{Socks5, backendA.String()},
	}, nil)
	tests := []struct {
		input []byte
		match bool
	}{
		{[]byte{0x05, 0x01, 0x00}, true},
		{[]byte{0x05, 0x02, 0x00, 0x02}, true},
		{[]byte{0x05, 0x00}, false},
		{[]byte{0x05, 0x01, 0x05}, false},
		{[]byte{0x05, 0x01}, false},
		// CONNECT request following the greeting in the same chunk
		{[]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01}, false},
	}
	for _, test := range tests {
		addr, ok := m.DecideTarget(test.input, client)
		if ok != test.match {
			t.Errorf("% x: expected match %v, got %v", test.input, test.match, ok)
		} else if ok && addr != backendA {
			t.Errorf("% x: expected %v, got %v", test.input, backendA, addr)
		}
	}
}

func TestHTTPVirtualHost(t *testing.T) {
	m := mustNew(t, []Rule{
		{`[http:example.com]`, backendA.String()},
	}, nil)
	tests := []struct {
		input string
		match bool
	}{
		{"GET / HTTP/1.1\r\nHost: example.com\r\n\r\n", true},
		{"POST /api HTTP/1.1\r\nUser-Agent: curl\r\nAccept: */*\r\nHost: example.com\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nHost: other.com\r\n\r\n", false},
		// the dot is literal
		{"GET / HTTP/1.1\r\nHost: exampleXcom\r\n\r\n", false},
		{"BREW / HTTP/1.1\r\nHost: example.com\r\n\r\n", false},
		{"Host: example.com\r\n", false},
	}
	for _, test := range tests {
		_, ok := m.DecideTarget([]byte(test.input), client)
		if ok != test.match {
			t.Errorf("%q: expected match %v, got %v", test.input, test.match, ok)
		}
	}
}

func TestHTTPSVirtualHost(t *testing.T) {
	m := mustNew(t, []Rule{
		{`[https:example.com]`, backendA.String()},
	}, nil)
	record := func(version byte, name string) []byte {
		b := []byte{0x16, 0x03, version, 0x00, 0x40, 0x01, 0x00, 0x00, 0x3c, 0x03, 0x03}
		b = append(b, bytes.Repeat([]byte{0xaa}, 32)...)
		b = append(b, 0x00, 0x00, 0x00)
		return append(b, name...)
	}
	tests := []struct {
		name  string
		input []byte
		match bool
	}{
		{`example.com`, record(0x01, `example.com`), true},
		{`other.com`, record(0x01, `other.com`), false},
		{`tls 1.2 record`, record(0x03, `example.com`), false},
		{`name only`, []byte(`example.com`), false},
		{`header only`, []byte{0x16, 0x03, 0x01}, false},
	}
	for _, test := range tests {
		_, ok := m.DecideTarget(test.input, client)
		if ok != test.match {
			t.Errorf("%s: expected match %v, got %v", test.name, test.match, ok)
		}
	}
}

func TestTLSAlias(t *testing.T) {
	m := mustNew(t, []Rule{
		{TLS, backendA.String()},
	}, nil)
	for _, version := range []byte{0x00, 0x01, 0x02, 0x03} {
		if _, ok := m.DecideTarget([]byte{0x16, 0x03, version, 0x00, 0x10}, client); !ok {
			t.Errorf("record version 03%02x: expected match", version)
		}
	}
	if _, ok := m.DecideTarget([]byte{0x17, 0x03, 0x03}, client); ok {
		t.Error("application data record must not match")
	}
}

func TestIPAdmissionIsIndependent(t *testing.T) {
	m := mustNew(t, []Rule{
		{Wildcard, backendA.String()},
	}, []string{`10.0.0.0/8`})

	addr, ok := m.DecideTarget([]byte("anything"), client)
	if !ok || addr != backendA {
		t.Fatalf("expected route to %v, got %v %v", backendA, addr, ok)
	}
	if m.TestIPAddr(client) {
		t.Fatalf("%v must be rejected", client)
	}
	if !m.TestIPAddr(netip.MustParseAddrPort(`10.1.2.3:1000`)) {
		t.Fatal("10.1.2.3 must be admitted")
	}
}

func TestTransform(t *testing.T) {
	m := mustNew(t, []Rule{{Wildcard, backendA.String()}}, nil)
	out, ok := m.Transform([]byte("data"))
	if ok || out != nil {
		t.Fatalf("expected no rewrite, got %q %v", out, ok)
	}
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		allow []string
		err   string
	}{
		{`bad regexp`, []Rule{{`(`, backendA.String()}}, nil, `rule 0 pattern`},
		{`missing port`, []Rule{{Wildcard, `127.0.0.1`}}, nil, `rule 0 target`},
		{`bad port`, []Rule{{SSH, backendA.String()}, {Wildcard, `127.0.0.1:99999`}}, nil, `rule 1 target`},
		{`bad allow`, []Rule{{Wildcard, backendA.String()}}, []string{`300.1.1.1`}, `invalid ip pattern`},
	}
	for _, test := range tests {
		m, e := New(test.rules, test.allow)
		if e == nil {
			t.Errorf("%s: expected error", test.name)
		} else if !strings.Contains(e.Error(), test.err) {
			t.Errorf("%s: expected error containing %q, got %v", test.name, test.err, e)
		}
		if m != nil {
			t.Errorf("%s: expected nil multiplexer", test.name)
		}
	}
}

func TestLossyText(t *testing.T) {
	tests := []struct {
		input    []byte
		expected string
	}{
		{nil, ``},
		{[]byte(`SSH-2.0-`), `SSH-2.0-`},
		{[]byte{'S', 0xff, 'H'}, "S\uFFFDH"},
		// one replacement per invalid byte
		{[]byte{0xff, 0xfe}, "\uFFFD\uFFFD"},
		{[]byte{0x80, 0x80, 0x80}, "\uFFFD\uFFFD\uFFFD"},
		// a truncated sequence is replaced as a whole
		{[]byte{0xe2, 0x82, 'a'}, "\uFFFDa"},
		{[]byte{0xf0, 0x9f, 0x98}, "\uFFFD"},
		// surrogates and overlong forms are not valid prefixes
		{[]byte{0xed, 0xa0, 0x80}, "\uFFFD\uFFFD\uFFFD"},
		{[]byte{0xc0, 0xaf}, "\uFFFD\uFFFD"},
		{[]byte{0xe2, 0x82, 0xac, 0xff}, "\u20AC\uFFFD"},
		{[]byte("\uFFFD"), "\uFFFD"},
	}
	for _, test := range tests {
		if s := lossyText(test.input); s != test.expected {
			t.Errorf("% x: expected %q, got %q", test.input, test.expected, s)
		}
	}
}

func TestDecideTargetReplacement(t *testing.T) {
	m := mustNew(t, []Rule{
		{`^\x{FFFD}\x{FFFD}$`, backendA.String()},
	}, nil)
	if _, ok := m.DecideTarget([]byte{0xff, 0xfe}, client); !ok {
		t.Fatal("two invalid bytes must give two replacements")
	}
	if _, ok := m.DecideTarget([]byte{0xe2, 0x82}, client); ok {
		t.Fatal("a truncated sequence must give one replacement")
	}
}

func TestAlias(t *testing.T) {
	if pattern, ok := Alias(SSH); !ok || pattern != `^SSH-2\.0-.+` {
		t.Fatalf("unexpected ssh alias %q %v", pattern, ok)
	}
	if _, ok := Alias(`[ftp]`); ok {
		t.Fatal("unexpected alias")
	}
}
