package mux

import (
	"encoding/hex"
	"regexp"
	"strings"
)

// Matcher reports whether a string view of the leading bytes of a connection
// belongs to a protocol. The view is either the hex encoding or the lossy text
// decoding of the bytes.
type Matcher interface {
	Match(s string) bool
}

type regexpMatcher struct {
	value *regexp.Regexp
}

func (m regexpMatcher) Match(s string) bool {
	return m.value.MatchString(s)
}
func (m regexpMatcher) String() string {
	return m.value.String()
}

var socks5Methods = [256]bool{
	0x00: true, // no authentication
	0x01: true, // GSSAPI
	0x02: true, // username/password
	0x03: true, // CHAP
	0x80: true, // private
	0xFF: true, // no acceptable methods
}

// socks5Matcher accepts a SOCKS5 client greeting given as hex.
type socks5Matcher struct{}

func (socks5Matcher) Match(s string) bool {
	b, e := hex.DecodeString(s)
	if e != nil {
		return false
	}
	if len(b) < 3 || b[0] != 0x05 || len(b) != int(b[1])+2 {
		return false
	}
	for _, method := range b[2:] {
		if !socks5Methods[method] {
			return false
		}
	}
	return true
}
func (socks5Matcher) String() string {
	return Socks5
}

// sniMatcher accepts a TLS ClientHello given as hex whose server_name extension
// equals domain.
type sniMatcher struct {
	domain string
}

func (m sniMatcher) Match(s string) bool {
	b, e := hex.DecodeString(s)
	if e != nil {
		return false
	}
	name, e := ServerName(b)
	if e != nil {
		return false
	}
	return strings.EqualFold(name, m.domain)
}
func (m sniMatcher) String() string {
	return `[sni:` + m.domain + `]`
}
