package mux

import (
	"encoding/hex"
	"regexp"
	"strings"
)

// Rule routes the connections matching Pattern to Target.
//
// Pattern is a protocol alias, [socks5], [http:DOMAIN], [https:DOMAIN],
// [sni:DOMAIN] or a regular expression. Target is a host:port.
type Rule struct {
	Pattern string `json:"pattern"`
	Target  string `json:"to"`
}

func directive(pattern, name string) (domain string, ok bool) {
	prefix := `[` + name + `:`
	if strings.HasPrefix(pattern, prefix) && strings.HasSuffix(pattern, `]`) &&
		len(pattern) > len(prefix) {
		domain = pattern[len(prefix) : len(pattern)-1]
		ok = true
	}
	return
}

// CompilePattern turns a rule pattern into a Matcher.
func CompilePattern(pattern string) (m Matcher, e error) {
	if found, ok := Alias(pattern); ok {
		pattern = found
	}
	if pattern == Socks5 {
		m = socks5Matcher{}
		return
	}

	var expr string
	if domain, ok := directive(pattern, `http`); ok {
		// request line, any header lines, then the domain
		expr = httpRequestLine + `(.\r\n.*)*` + regexp.QuoteMeta(domain)
	} else if domain, ok := directive(pattern, `https`); ok {
		// TLS 1.0 handshake record followed somewhere by the domain.
		// This does not parse the ClientHello, see [sni:DOMAIN] for that.
		expr = `^160301.*` + hex.EncodeToString([]byte(domain)) + `.*`
	} else if domain, ok := directive(pattern, `sni`); ok {
		m = sniMatcher{domain: domain}
		return
	} else {
		expr = pattern
	}
	value, e := regexp.Compile(expr)
	if e != nil {
		return
	}
	m = regexpMatcher{value: value}
	return
}
