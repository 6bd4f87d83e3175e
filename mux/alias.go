package mux

const (
	// Wildcard matches everything. A rule set made of this pattern alone
	// enables the single target shortcut.
	Wildcard = `.*`
	SSH      = `[ssh]`
	HTTP     = `[http]`
	TLS      = `[tls]`
	Socks5   = `[socks5]`
)

const httpRequestLine = `^(GET|POST|PUT|DELETE|OPTIONS|HEAD|CONNECT|TRACE).*HTTP.*`

// aliases maps protocol names to the pattern they stand for.
// It is never written after initialization.
var aliases = map[string]string{
	SSH:  `^SSH-2\.0-.+`,
	HTTP: httpRequestLine,
	// handshake record of any TLS version, matched on the hex form
	TLS: `^1603(00|01|02|03)`,
}

// Alias returns the pattern a protocol alias stands for.
func Alias(name string) (pattern string, ok bool) {
	pattern, ok = aliases[name]
	return
}
